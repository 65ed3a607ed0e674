// Package transform runs the world optimizer on an extracted world.
//
// The optimizer is opaque: it reads a world directory and writes an
// optimized copy into an output directory. CommandTransformer runs it as a
// subprocess; Func adapts an in-process implementation.
package transform

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/mundo/errors"
)

// Result describes one transform run
type Result struct {
	ChunksRemoved int // -1 when the tool does not report it
	Stdout        string
	Stderr        string
	Duration      time.Duration
}

// Transformer turns the world in inputDir into an optimized world in outputDir.
// Implementations must honor ctx cancellation.
type Transformer interface {
	Run(ctx context.Context, inputDir, outputDir string) (*Result, error)
}

// Func adapts an ordinary function to Transformer
type Func func(ctx context.Context, inputDir, outputDir string) (*Result, error)

// Run calls f
func (f Func) Run(ctx context.Context, inputDir, outputDir string) (*Result, error) {
	return f(ctx, inputDir, outputDir)
}

// ExitError reports a non-zero exit from the transform command
type ExitError struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ExitError) Error() string {
	return "transform exited with status " + strconv.Itoa(e.ExitCode) +
		": " + tail(e.Stderr, 2048) + " output: " + tail(e.Stdout, 2048)
}

// Placeholders substituted into the command line
const (
	InputPlaceholder  = "{input}"
	OutputPlaceholder = "{output}"
)

// CommandTransformer runs an external program
type CommandTransformer struct {
	args   []string
	dir    string
	env    []string
	logger *zap.SugaredLogger
}

// NewCommandTransformer parses commandLine with shell quoting rules.
// When commandLine mentions neither {input} nor {output}, the two
// directories are appended as the final arguments.
func NewCommandTransformer(commandLine, dir string, env []string, logger *zap.SugaredLogger) (*CommandTransformer, error) {
	args, err := shellquote.Split(commandLine)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid transform command %q", commandLine)
	}
	if len(args) == 0 {
		return nil, errors.New("transform command is empty")
	}
	if !strings.Contains(commandLine, InputPlaceholder) && !strings.Contains(commandLine, OutputPlaceholder) {
		args = append(args, InputPlaceholder, OutputPlaceholder)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CommandTransformer{args: args, dir: dir, env: env, logger: logger.Named("transform")}, nil
}

// Command returns the argument vector for the given directories
func (c *CommandTransformer) Command(inputDir, outputDir string) []string {
	r := strings.NewReplacer(InputPlaceholder, inputDir, OutputPlaceholder, outputDir)
	out := make([]string, len(c.args))
	for i, a := range c.args {
		out[i] = r.Replace(a)
	}
	return out
}

// Run executes the command and waits for it. A context deadline kills the process.
func (c *CommandTransformer) Run(ctx context.Context, inputDir, outputDir string) (*Result, error) {
	argv := c.Command(inputDir, outputDir)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = c.dir
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	// Give the tool a moment to exit on its own after cancellation
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Infow("Running transform", "command", shellquote.Join(argv...))
	start := time.Now()
	err := cmd.Run()

	res := &Result{
		ChunksRemoved: parseChunksRemoved(stdout.String()),
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		Duration:      time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, errors.Wrapf(ctxErr, "transform interrupted after %s", res.Duration.Round(time.Millisecond))
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, &ExitError{ExitCode: exitErr.ExitCode(), Stdout: res.Stdout, Stderr: res.Stderr}
		}
		return res, errors.Wrapf(err, "failed to start transform %s", argv[0])
	}

	c.logger.Infow("Transform finished",
		"duration_ms", res.Duration.Milliseconds(),
		"chunks_removed", res.ChunksRemoved)
	return res, nil
}

var chunksRemovedPattern = regexp.MustCompile(`(?i)removed\s+(\d+)\s+chunks?`)

func parseChunksRemoved(stdout string) int {
	m := chunksRemovedPattern.FindAllStringSubmatch(stdout, -1)
	if len(m) == 0 {
		return -1
	}
	n, err := strconv.Atoi(m[len(m)-1][1])
	if err != nil {
		return -1
	}
	return n
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
