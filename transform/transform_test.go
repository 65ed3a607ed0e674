package transform

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/mundo/errors"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("transform command tests use /bin/sh")
	}
}

func TestCommandAppendsDirectoriesWithoutPlaceholders(t *testing.T) {
	c, err := NewCommandTransformer("thanos --min-inhabited 0", "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"thanos", "--min-inhabited", "0", "/in", "/out"},
		c.Command("/in", "/out"))
}

func TestCommandSubstitutesPlaceholders(t *testing.T) {
	c, err := NewCommandTransformer(`optimizer --world={input} --dest "{output}/world"`, "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"optimizer", "--world=/tmp/a b", "--dest", "/tmp/out/world"},
		c.Command("/tmp/a b", "/tmp/out"))
}

func TestNewCommandTransformerRejectsBadCommands(t *testing.T) {
	_, err := NewCommandTransformer(`tool "unterminated`, "", nil, nil)
	assert.Error(t, err)

	_, err = NewCommandTransformer("   ", "", nil, nil)
	assert.Error(t, err)
}

func TestRunSuccess(t *testing.T) {
	requireShell(t)
	in, out := t.TempDir(), t.TempDir()

	c, err := NewCommandTransformer(
		`sh -c 'cp "$0"/level.dat "$1"/level.dat && echo "Removed 42 chunks"' {input} {output}`,
		"", nil, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(in, "level.dat"), []byte("lvl"), 0644))

	res, err := c.Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Equal(t, 42, res.ChunksRemoved)
	assert.FileExists(t, filepath.Join(out, "level.dat"))
}

func TestRunNonZeroExitCapturesOutput(t *testing.T) {
	requireShell(t)
	c, err := NewCommandTransformer(`sh -c 'echo partial; echo "corrupt region" >&2; exit 3'`, "", nil, nil)
	require.NoError(t, err)

	res, err := c.Run(context.Background(), t.TempDir(), t.TempDir())
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Contains(t, exitErr.Stderr, "corrupt region")
	assert.Contains(t, err.Error(), "partial")
	assert.Equal(t, -1, res.ChunksRemoved)
}

func TestRunHonorsDeadline(t *testing.T) {
	requireShell(t)
	c, err := NewCommandTransformer(`sh -c 'sleep 10'`, "", nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.Run(ctx, t.TempDir(), t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestRunMissingBinary(t *testing.T) {
	c, err := NewCommandTransformer("definitely-not-a-real-binary-mundo", "", nil, nil)
	require.NoError(t, err)

	_, err = c.Run(context.Background(), t.TempDir(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start transform")
}

func TestFunc(t *testing.T) {
	var gotIn, gotOut string
	var tr Transformer = Func(func(ctx context.Context, in, out string) (*Result, error) {
		gotIn, gotOut = in, out
		return &Result{ChunksRemoved: 7}, nil
	})

	res, err := tr.Run(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 7, res.ChunksRemoved)
	assert.Equal(t, "a", gotIn)
	assert.Equal(t, "b", gotOut)
}

func TestParseChunksRemoved(t *testing.T) {
	assert.Equal(t, 12, parseChunksRemoved("scanning...\nRemoved 12 chunks\n"))
	assert.Equal(t, 1, parseChunksRemoved("removed 1 chunk"))
	assert.Equal(t, 9, parseChunksRemoved("Removed 3 chunks\nRemoved 9 chunks"))
	assert.Equal(t, -1, parseChunksRemoved("done"))
}
