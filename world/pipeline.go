// Package world turns a claimed upload into a ready, optimized world
// archive: extract, locate the world, transform, re-archive.
package world

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/mundo/archive"
	"github.com/teranos/mundo/blob"
	"github.com/teranos/mundo/errors"
	"github.com/teranos/mundo/internal/util"
	"github.com/teranos/mundo/logger"
	"github.com/teranos/mundo/pulse/async"
	"github.com/teranos/mundo/transform"
)

// OutputSuffix is appended to the slugged input name to form the result name
const OutputSuffix = "_comprimido.zip"

// Pipeline executes world jobs. It implements async.JobExecutor.
//
// Inputs and results live in the public store; extraction and transform
// scratch directories live in the local store under extract/<jobID> and
// output/<jobID>. Both stores must be disk-backed.
type Pipeline struct {
	public      *blob.Store
	local       *blob.Store
	transformer transform.Transformer
	limits      archive.Limits
	logger      *zap.SugaredLogger
}

// NewPipeline creates a pipeline
func NewPipeline(public, local *blob.Store, t transform.Transformer, limits archive.Limits, log *zap.SugaredLogger) *Pipeline {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pipeline{
		public:      public,
		local:       local,
		transformer: t,
		limits:      limits,
		logger:      log.Named("world"),
	}
}

// ScratchKeys returns the local-store keys of a job's scratch directories
func ScratchKeys(jobID string) (extractKey, outputKey string) {
	return blob.Join(blob.ExtractPrefix, jobID), blob.Join(blob.OutputPrefix, jobID)
}

// OutputKey returns the public-store key of the result archive for an input key
func OutputKey(storedPath string) (string, error) {
	base, _, err := archive.SplitExt(path.Base(storedPath))
	if err != nil {
		return "", err
	}
	return blob.Join(blob.ProcessedPrefix, util.Slug(base)+OutputSuffix), nil
}

// Execute runs extraction, content-root lookup, the transform and
// re-archiving for a claimed job. Scratch space is left for Cleanup.
func (p *Pipeline) Execute(ctx context.Context, job *async.Job) (*async.ExecuteResult, error) {
	log := p.logger.With(logger.FieldJobID, job.ID)
	extractKey, outputKey := ScratchKeys(job.ID)

	input, err := p.inputPath(job)
	if err != nil {
		return nil, err
	}

	extractDir, err := p.scratchDir(extractKey)
	if err != nil {
		return nil, err
	}
	outputDir, err := p.scratchDir(outputKey)
	if err != nil {
		return nil, err
	}

	// 1. extract
	started := time.Now()
	if err := archive.Extract(input, extractDir, p.limits); err != nil {
		err = errors.Wrapf(err, "failed to extract %s", path.Base(job.StoredPath))
		return nil, errors.Mark(err, async.ErrExtraction)
	}
	log.Debugw("Archive extracted", logger.FieldStage, "extract", logger.FieldDurationMS, time.Since(started).Milliseconds())

	// 2. locate the world
	contentRoot, err := FindContentRoot(extractDir)
	if err != nil {
		return nil, err
	}

	// 3. transform
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	result, err := p.transformer.Run(ctx, contentRoot, outputDir)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "transform interrupted")
		}
		err = errors.Wrap(err, "world transform failed")
		var exitErr *transform.ExitError
		if errors.As(err, &exitErr) {
			err = errors.WithDetailf(err, "stdout: %s", exitErr.Stdout)
			err = errors.WithDetailf(err, "stderr: %s", exitErr.Stderr)
		}
		return nil, errors.Mark(err, async.ErrTransformFailed)
	}
	if empty, err := isEmptyDir(outputDir); err != nil || empty {
		err = errors.Newf("transform produced no output in %s", outputDir)
		return nil, errors.Mark(err, async.ErrTransformFailed)
	}
	if result != nil {
		log.Infow("World transformed",
			logger.FieldStage, "transform",
			"chunks_removed", result.ChunksRemoved,
			logger.FieldDurationMS, result.Duration.Milliseconds())
	}

	// 4. re-archive
	rootName := filepath.Base(contentRoot)
	if contentRoot == extractDir {
		rootName = originalBase(job)
	}

	outKey, err := OutputKey(job.StoredPath)
	if err != nil {
		return nil, errors.Mark(err, async.ErrExtraction)
	}
	if err := p.public.MkdirAll(blob.ProcessedPrefix); err != nil {
		return nil, errors.Wrap(err, "failed to create output directory")
	}
	outPath, err := p.public.LocalPath(outKey)
	if err != nil {
		return nil, err
	}
	size, err := archive.Create(outputDir, outPath, rootName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to archive transformed world")
	}

	log.Infow("World archived", logger.FieldBlob, outKey, logger.FieldSizeMB, async.BytesToMB(size), "root", rootName)

	return &async.ExecuteResult{OutputPath: outKey, SizeBytes: size}, nil
}

// Cleanup removes the job's scratch directories. Missing directories are fine.
func (p *Pipeline) Cleanup(job *async.Job) error {
	extractKey, outputKey := ScratchKeys(job.ID)

	var result error
	for _, key := range []string{extractKey, outputKey} {
		if err := p.local.DeleteDir(key); err != nil {
			err = errors.Wrapf(err, "failed to remove %s", key)
			if result == nil {
				result = err
			} else {
				result = errors.WithSecondaryError(result, err)
			}
		}
	}
	return result
}

func (p *Pipeline) inputPath(job *async.Job) (string, error) {
	if job.StoredPath == "" {
		return "", errors.Mark(errors.Newf("job %s has no stored input", job.ID), async.ErrExtraction)
	}
	exists, err := p.public.Exists(job.StoredPath)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "failed to check input blob"), async.ErrExtraction)
	}
	if !exists {
		return "", errors.Mark(errors.Newf("input blob %s not found", job.StoredPath), async.ErrExtraction)
	}
	return p.public.LocalPath(job.StoredPath)
}

func (p *Pipeline) scratchDir(key string) (string, error) {
	if err := p.local.DeleteDir(key); err != nil {
		return "", errors.Wrapf(err, "failed to reset scratch directory %s", key)
	}
	if err := p.local.MkdirAll(key); err != nil {
		return "", errors.Wrapf(err, "failed to create scratch directory %s", key)
	}
	return p.local.LocalPath(key)
}

// originalBase names the archive root when the world sat directly at the
// extraction root.
func originalBase(job *async.Job) string {
	for _, name := range []string{job.OriginalName, path.Base(job.StoredPath)} {
		name = path.Base(strings.ReplaceAll(name, "\\", "/"))
		if name == "" || name == "." || name == "/" {
			continue
		}
		if base, _, err := archive.SplitExt(name); err == nil && base != "" {
			return base
		}
	}
	return util.SlugFallback
}

func isEmptyDir(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}
