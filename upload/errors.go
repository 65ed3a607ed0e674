package upload

import (
	"fmt"

	"github.com/teranos/mundo/errors"
)

var (
	// ErrInvalidUpload rejects a submission before any job exists
	ErrInvalidUpload = errors.New("invalid upload")

	// ErrMissingChunk means assembly was triggered before every chunk arrived.
	// The client should resend the chunk named by MissingChunkError.
	ErrMissingChunk = errors.New("missing chunk")
)

// invalid builds an ErrInvalidUpload that the HTTP layer maps to 400
func invalid(format string, args ...interface{}) error {
	err := errors.Mark(errors.Newf(format, args...), ErrInvalidUpload)
	return errors.Mark(err, errors.ErrInvalidRequest)
}

// MissingChunkError names the first absent chunk index
type MissingChunkError struct {
	UploadID string
	Index    int
	Total    int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("upload %s is missing chunk %d of %d", e.UploadID, e.Index, e.Total)
}

// Is lets errors.Is(err, ErrMissingChunk) match
func (e *MissingChunkError) Is(target error) bool {
	return target == ErrMissingChunk
}
