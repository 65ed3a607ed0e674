package server

import (
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/teranos/mundo/errors"
	"github.com/teranos/mundo/logger"
	"github.com/teranos/mundo/pulse/async"
	"github.com/teranos/mundo/upload"
)

// formSlack covers multipart boundaries and small fields on top of the payload cap
const formSlack = 1 << 20

// worldFields are the accepted form field names for a whole-file upload
var worldFields = map[string]bool{"world": true, "mundo_comprimido": true}

const (
	msgUploaded    = "Mundo subido con éxito. En cola para la compresión..."
	msgUploadError = "Ocurrió un error al subir el mundo"
	msgNotFound    = "Mundo no encontrado"
	msgJobError    = "Error al procesar el mundo"
)

// HandleUpload streams a whole world archive into the pending area.
// The file part is read straight from the request body.
func (s *MundoServer) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if s.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+formSlack)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeErrorFor(w, s.reqLogger(r), errors.NewInvalidRequestError("expected a multipart form: %v", err), msgUploadError)
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			writeErrorFor(w, s.reqLogger(r), errors.NewInvalidRequestError("missing world file"), msgUploadError)
			return
		}
		if err != nil {
			writeErrorFor(w, s.reqLogger(r), formError(err), msgUploadError)
			return
		}
		if !worldFields[part.FormName()] || part.FileName() == "" {
			part.Close()
			continue
		}

		job, err := s.assembler.SubmitFile(r.Context(), upload.FileUpload{
			Name:     part.FileName(),
			Body:     part,
			ClientIP: clientIP(r),
		})
		part.Close()
		if err != nil {
			writeErrorFor(w, s.reqLogger(r), err, msgUploadError)
			return
		}

		writeJSON(w, http.StatusCreated, UploadResponse{
			Message:    msgUploaded,
			JobID:      job.ID,
			StoredPath: job.StoredPath,
			State:      job.State,
		})
		return
	}
}

// HandleChunkSession opens a chunk session
func (s *MundoServer) HandleChunkSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, formSlack)

	var req upload.SessionRequest
	if err := readJSON(r, &req); err != nil {
		writeErrorFor(w, s.reqLogger(r), err, msgUploadError)
		return
	}

	id, err := s.assembler.InitSession(r.Context(), req)
	if err != nil {
		writeErrorFor(w, s.reqLogger(r), err, msgUploadError)
		return
	}

	writeJSON(w, http.StatusCreated, SessionResponse{UploadID: id})
}

// HandleChunk accepts one chunk. The final chunk answers 201 with the job;
// earlier chunks answer 200 with progress.
func (s *MundoServer) HandleChunk(w http.ResponseWriter, r *http.Request) {
	if s.maxChunk > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxChunk+formSlack)
	}

	// Browsers append the file before the filename, so the whole form is parsed
	if err := r.ParseMultipartForm(chunkFormMemory); err != nil {
		writeErrorFor(w, s.reqLogger(r), formError(err), msgUploadError)
		return
	}
	defer r.MultipartForm.RemoveAll()

	chunk, file, err := chunkFromForm(r.MultipartForm)
	if err != nil {
		writeErrorFor(w, s.reqLogger(r), err, msgUploadError)
		return
	}
	defer file.Close()
	chunk.ClientIP = clientIP(r)

	res, err := s.assembler.SubmitChunk(r.Context(), chunk)
	if err != nil {
		writeErrorFor(w, s.reqLogger(r), err, msgUploadError)
		return
	}

	resp := ChunkResponse{
		UploadID: res.UploadID,
		Received: res.Received,
		Total:    res.Total,
		Progress: res.Progress,
		Complete: res.Complete,
	}
	if !res.Complete || res.Job == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Message = msgUploaded
	resp.JobID = res.Job.ID
	resp.StoredPath = res.Job.StoredPath
	resp.State = res.Job.State
	writeJSON(w, http.StatusCreated, resp)
}

// chunkFromForm reads the chunk fields. The returned file must be closed.
func chunkFromForm(form *multipart.Form) (upload.Chunk, multipart.File, error) {
	value := func(key string) string {
		if v := form.Value[key]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}
	number := func(key string) (int, error) {
		n, err := strconv.Atoi(value(key))
		if err != nil {
			return 0, errors.NewInvalidRequestError("%s must be an integer", key)
		}
		return n, nil
	}

	var c upload.Chunk
	var err error
	c.UploadID = value("upload_id")
	if c.Index, err = number("chunk_index"); err != nil {
		return c, nil, err
	}
	if c.Total, err = number("total_chunks"); err != nil {
		return c, nil, err
	}
	if raw := value("is_last"); raw != "" {
		if c.IsLast, err = strconv.ParseBool(raw); err != nil {
			return c, nil, errors.NewInvalidRequestError("is_last must be a boolean")
		}
	}

	files := form.File["chunk"]
	if len(files) == 0 {
		return c, nil, errors.NewInvalidRequestError("missing chunk file")
	}
	c.Filename = value("filename")
	if c.Filename == "" {
		c.Filename = files[0].Filename
	}

	file, err := files[0].Open()
	if err != nil {
		return c, nil, errors.Wrap(err, "failed to open chunk")
	}
	c.Body = file
	return c, file, nil
}

// formError keeps size errors recognisable and turns anything else into a bad request
func formError(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return errors.Wrap(err, "request body too large")
	}
	return errors.NewInvalidRequestError("malformed multipart form: %v", err)
}

// HandleStatus reports a job's state. Error states answer 404 like an
// unknown job; clients treat both as "start over".
func (s *MundoServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.queue.GetJob(r.Context(), id)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, msgNotFound)
			return
		}
		writeErrorFor(w, s.reqLogger(r), err, msgJobError)
		return
	}

	resp := StatusResponse{
		JobID:        job.ID,
		State:        job.State,
		OriginalName: job.OriginalName,
		CreatedAt:    job.CreatedAt,
		SizeMB:       job.SizeMB,
	}

	switch job.State {
	case async.StateReady:
		expires := job.ExpiresAt
		resp.StoredPath = job.StoredPath
		resp.DownloadURL = "/api/worlds/" + job.ID + "/download"
		resp.ExpiresAt = &expires
		resp.CompletedAt = job.CompletedAt
		resp.SizeFinalMB = job.SizeFinalMB
	case async.StatePending:
		expires := job.ExpiresAt
		resp.ExpiresAt = &expires
		pos, length, err := s.queue.Position(r.Context(), job)
		if err != nil {
			s.logger.Warnw("Failed to compute queue position", logger.FieldJobID, job.ID, logger.FieldError, err)
		} else {
			resp.Position, resp.QueueLength = pos, length
		}
	case async.StateProcessing:
		resp.StartedAt = job.StartedAt
	case async.StateExpired:
		resp.CompletedAt = job.CompletedAt
		resp.SizeFinalMB = job.SizeFinalMB
	default:
		writeJSON(w, http.StatusNotFound, StatusErrorResponse{
			Error: msgJobError,
			JobID: job.ID,
			State: job.State,
		})
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleDownload streams a ready world archive
func (s *MundoServer) HandleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.queue.GetJob(r.Context(), id)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, msgNotFound)
			return
		}
		writeErrorFor(w, s.reqLogger(r), err, msgJobError)
		return
	}
	if job.State != async.StateReady || job.StoredPath == "" {
		writeErrorFor(w, s.reqLogger(r), errors.Mark(errors.Newf("world %s is %s", job.ID, job.State), ErrNotReady), msgJobError)
		return
	}

	f, err := s.public.Open(job.StoredPath)
	if err != nil {
		// Ready row without its archive: the sweeper is about to expire it
		writeErrorFor(w, s.reqLogger(r), errors.Wrapf(err, "archive for world %s", job.ID), msgJobError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeErrorFor(w, s.reqLogger(r), errors.Wrap(err, "failed to stat archive"), msgJobError)
		return
	}

	name := path.Base(job.StoredPath)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, info.ModTime(), f)

	s.logger.Infow("World downloaded", logger.FieldJobID, job.ID, logger.FieldBlob, job.StoredPath, logger.FieldClientIP, clientIP(r))
}
