package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/teranos/mundo/blob"
	"github.com/teranos/mundo/errors"
	"github.com/teranos/mundo/logger"
	"github.com/teranos/mundo/pulse/async"
)

const (
	manifestName = "session.json"
	partSuffix   = ".part"
)

// SessionRequest opens a chunked upload
type SessionRequest struct {
	Filename    string `json:"filename" validate:"required,max=255"`
	TotalChunks int    `json:"total_chunks" validate:"required,gte=1"`
	FileSize    int64  `json:"file_size" validate:"gte=0"`
}

// Chunk is one piece of a chunked upload. Chunks may arrive in any order;
// the one flagged IsLast (or carrying the last index) triggers assembly.
type Chunk struct {
	UploadID string    `validate:"required,upload_id"`
	Index    int       `validate:"gte=0,ltfield=Total"`
	Total    int       `validate:"gte=1"`
	IsLast   bool      `validate:"-"`
	Body     io.Reader `validate:"required"`
	Filename string    `validate:"required,max=255"`
	ClientIP string    `validate:"omitempty,ip"`
}

// ChunkResult acknowledges a chunk. Job is set once the upload is complete.
type ChunkResult struct {
	UploadID string     `json:"upload_id"`
	Received int        `json:"chunks_received"`
	Total    int        `json:"total_chunks"`
	Progress float64    `json:"progress"`
	Complete bool       `json:"complete"`
	Job      *async.Job `json:"-"`
}

// manifest is the session.json stored beside the parts
type manifest struct {
	Filename    string    `json:"filename"`
	TotalChunks int       `json:"total_chunks"`
	FileSize    int64     `json:"file_size,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type sessionLock struct {
	ch   chan struct{}
	refs int
}

// lockSession serializes work on one upload id
func (a *Assembler) lockSession(ctx context.Context, uploadID string) (func(), error) {
	a.mu.Lock()
	l, ok := a.sessions[uploadID]
	if !ok {
		l = &sessionLock{ch: make(chan struct{}, 1)}
		a.sessions[uploadID] = l
	}
	l.refs++
	a.mu.Unlock()

	release := func() {
		a.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.sessions, uploadID)
		}
		a.mu.Unlock()
	}

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

func sessionKey(uploadID string) string {
	return blob.Join(blob.ChunksPrefix, uploadID)
}

func partKey(uploadID string, index int) string {
	return blob.Join(blob.ChunksPrefix, uploadID, strconv.Itoa(index)+partSuffix)
}

// InitSession opens a chunk session and returns its upload id.
func (a *Assembler) InitSession(ctx context.Context, req SessionRequest) (string, error) {
	if err := a.check(req); err != nil {
		return "", err
	}
	if err := a.checkTotals(req.Filename, req.TotalChunks); err != nil {
		return "", err
	}
	if a.cfg.MaxUploadBytes > 0 && req.FileSize > a.cfg.MaxUploadBytes {
		return "", invalid("declared size of %s exceeds %d MB", req.Filename, a.cfg.MaxUploadBytes/bytesPerMB)
	}

	uploadID := uuid.NewString()
	m := manifest{
		Filename:    CleanName(req.Filename),
		TotalChunks: req.TotalChunks,
		FileSize:    req.FileSize,
		CreatedAt:   a.now(),
	}
	if err := a.writeManifest(uploadID, m); err != nil {
		return "", err
	}

	a.logger.Infow("Chunk session opened",
		logger.FieldUploadID, uploadID,
		"filename", req.Filename,
		"total_chunks", req.TotalChunks)

	return uploadID, nil
}

// checkTotals rejects bad extensions and chunk counts before any bytes are staged
func (a *Assembler) checkTotals(filename string, total int) error {
	_, ext, err := SplitExt(filename)
	if err != nil {
		return err
	}
	if !a.allowed[ext] {
		return invalid("archive type %s is not accepted", ext)
	}
	if a.cfg.MaxChunks > 0 && total > a.cfg.MaxChunks {
		return invalid("%d chunks exceeds the limit of %d", total, a.cfg.MaxChunks)
	}
	return nil
}

// SubmitChunk stages one chunk. Re-sending an index overwrites it.
// When the chunk is the last one, every index 0..Total-1 must be staged;
// otherwise a *MissingChunkError names the first gap and the session is
// kept so the client can resend. On success the parts are concatenated in
// index order and submitted as a whole file; the staging directory is
// removed only after the pending blob and job row exist.
func (a *Assembler) SubmitChunk(ctx context.Context, c Chunk) (*ChunkResult, error) {
	if err := a.check(c); err != nil {
		return nil, err
	}
	if err := a.checkTotals(c.Filename, c.Total); err != nil {
		return nil, err
	}

	unlock, err := a.lockSession(ctx, c.UploadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := a.ensureManifest(c)
	if err != nil {
		return nil, err
	}

	body := c.Body
	if a.cfg.MaxChunkBytes > 0 {
		body = io.LimitReader(body, a.cfg.MaxChunkBytes+1)
	}
	key := partKey(c.UploadID, c.Index)
	n, err := a.local.Put(key, body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stage chunk %d of upload %s", c.Index, c.UploadID)
	}
	if n == 0 {
		a.local.Delete(key)
		return nil, invalid("chunk %d of upload %s is empty", c.Index, c.UploadID)
	}
	if a.cfg.MaxChunkBytes > 0 && n > a.cfg.MaxChunkBytes {
		a.local.Delete(key)
		return nil, invalid("chunk %d exceeds %d MB", c.Index, a.cfg.MaxChunkBytes/bytesPerMB)
	}

	received, err := a.receivedCount(c.UploadID, m.TotalChunks)
	if err != nil {
		return nil, err
	}

	result := &ChunkResult{
		UploadID: c.UploadID,
		Received: received,
		Total:    m.TotalChunks,
		Progress: progress(received, m.TotalChunks),
	}

	if !c.IsLast && c.Index != m.TotalChunks-1 {
		a.logger.Debugw("Chunk staged",
			logger.FieldUploadID, c.UploadID,
			"chunk_index", c.Index,
			"chunks_received", received)
		return result, nil
	}

	job, err := a.assemble(ctx, c.UploadID, m, c.ClientIP)
	if err != nil {
		return nil, err
	}

	result.Received = m.TotalChunks
	result.Progress = 100
	result.Complete = true
	result.Job = job
	return result, nil
}

// ensureManifest loads the session manifest, creating it for sessions the
// client opened implicitly with its own upload id.
func (a *Assembler) ensureManifest(c Chunk) (*manifest, error) {
	m, err := a.readManifest(c.UploadID)
	if err != nil && !errors.Is(err, blob.ErrNotExist) {
		return nil, err
	}
	if m == nil {
		m = &manifest{
			Filename:    CleanName(c.Filename),
			TotalChunks: c.Total,
			CreatedAt:   a.now(),
		}
		if err := a.writeManifest(c.UploadID, *m); err != nil {
			return nil, err
		}
		return m, nil
	}
	if m.TotalChunks != c.Total {
		return nil, invalid("upload %s declared %d chunks, chunk says %d", c.UploadID, m.TotalChunks, c.Total)
	}
	return m, nil
}

func (a *Assembler) readManifest(uploadID string) (*manifest, error) {
	f, err := a.local.Open(blob.Join(sessionKey(uploadID), manifestName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var m manifest
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return nil, errors.Wrapf(err, "corrupt manifest for upload %s", uploadID)
	}
	return &m, nil
}

func (a *Assembler) writeManifest(uploadID string, m manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "failed to encode session manifest")
	}
	if _, err := a.local.Put(blob.Join(sessionKey(uploadID), manifestName), bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "failed to write manifest for upload %s", uploadID)
	}
	return nil
}

// receivedCount counts staged parts with an index below total
func (a *Assembler) receivedCount(uploadID string, total int) (int, error) {
	entries, err := a.local.List(sessionKey(uploadID))
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		name := path.Base(e.Key)
		if e.IsDir || !strings.HasSuffix(name, partSuffix) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(name, partSuffix))
		if err == nil && idx >= 0 && idx < total {
			count++
		}
	}
	return count, nil
}

// assemble verifies every part exists, streams them in index order into
// the pending area and removes the staging directory on success.
func (a *Assembler) assemble(ctx context.Context, uploadID string, m *manifest, clientIP string) (*async.Job, error) {
	for i := 0; i < m.TotalChunks; i++ {
		ok, err := a.local.Exists(partKey(uploadID, i))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &MissingChunkError{UploadID: uploadID, Index: i, Total: m.TotalChunks}
		}
	}

	r := &partReader{fs: a.local, uploadID: uploadID, total: m.TotalChunks}
	defer r.Close()

	job, err := a.submit(ctx, m.Filename, r, clientIP)
	if err != nil {
		if errors.Is(err, ErrInvalidUpload) {
			// resending cannot fix a rejected archive
			a.dropSession(uploadID)
		}
		return nil, err
	}

	a.dropSession(uploadID)
	a.logger.Infow("Chunked upload assembled",
		logger.FieldUploadID, uploadID,
		logger.FieldJobID, job.ID,
		"total_chunks", m.TotalChunks)

	return job, nil
}

func (a *Assembler) dropSession(uploadID string) {
	if err := a.local.DeleteDir(sessionKey(uploadID)); err != nil {
		a.logger.Warnw("Failed to remove chunk staging", logger.FieldUploadID, uploadID, logger.FieldError, err)
	}
}

func progress(received, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(received)*10000/float64(total)) / 100
}

// partReader concatenates parts 0..total-1, opening one file at a time
type partReader struct {
	fs       *blob.Store
	uploadID string
	total    int
	next     int
	cur      afero.File
}

func (r *partReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.next >= r.total {
				return 0, io.EOF
			}
			f, err := r.fs.Open(partKey(r.uploadID, r.next))
			if err != nil {
				return 0, errors.Wrapf(err, "failed to open chunk %d", r.next)
			}
			r.cur = f
			r.next++
		}

		n, err := r.cur.Read(p)
		if err == io.EOF {
			r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *partReader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}

// SweepStaleSessions removes chunk sessions with no activity for longer
// than maxAge and returns how many were removed. Activity is the newest
// modification time among a session's files.
func (a *Assembler) SweepStaleSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	sessions, err := a.local.List(blob.ChunksPrefix)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list chunk sessions")
	}

	cutoff := a.now().Add(-maxAge)
	removed := 0
	for _, s := range sessions {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !s.IsDir {
			continue
		}
		uploadID := path.Base(s.Key)

		stale, err := a.sessionStale(s, cutoff)
		if err != nil {
			a.logger.Warnw("Failed to inspect chunk session", logger.FieldUploadID, uploadID, logger.FieldError, err)
			continue
		}
		if !stale {
			continue
		}

		unlock, err := a.lockSession(ctx, uploadID)
		if err != nil {
			return removed, err
		}
		err = a.local.DeleteDir(s.Key)
		unlock()
		if err != nil {
			a.logger.Warnw("Failed to remove stale chunk session", logger.FieldUploadID, uploadID, logger.FieldError, err)
			continue
		}
		removed++
		a.logger.Infow("Removed stale chunk session", logger.FieldUploadID, uploadID)
	}

	return removed, nil
}

func (a *Assembler) sessionStale(dir blob.Info, cutoff time.Time) (bool, error) {
	latest := dir.ModTime
	entries, err := a.local.List(dir.Key)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.ModTime.After(latest) {
			latest = e.ModTime
		}
	}
	return latest.Before(cutoff), nil
}
