package server

// Job updates reach websocket clients from two directions: notification
// events arrive through Hub.Deliver, raw state changes through the queue
// subscription below.

// startJobUpdateBroadcaster subscribes to queue updates and forwards them to the hub
func (s *MundoServer) startJobUpdateBroadcaster() {
	jobChan := s.queue.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.queue.Unsubscribe(jobChan)

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Debugw("Job update broadcaster stopping due to context cancellation")
				return
			case job := <-jobChan:
				s.hub.BroadcastJobUpdate(job)
			}
		}
	}()

	s.logger.Infow("Job update broadcaster started")
}
