package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
	}{
		{name: "JSON output mode", jsonOutput: true},
		{name: "Console output mode", jsonOutput: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Logger = nil
			JSONOutput = false

			if err := Initialize(tt.jsonOutput); err != nil {
				t.Fatalf("Initialize() error = %v", err)
			}
			if Logger == nil {
				t.Fatal("Initialize() did not set global Logger")
			}
			if JSONOutput != tt.jsonOutput {
				t.Errorf("JSONOutput = %v, want %v", JSONOutput, tt.jsonOutput)
			}

			Logger = zap.NewNop().Sugar()
		})
	}
}

func TestVerbosityToLevel(t *testing.T) {
	cases := map[int]zapcore.Level{
		-1: zapcore.WarnLevel,
		0:  zapcore.WarnLevel,
		1:  zapcore.InfoLevel,
		2:  zapcore.DebugLevel,
		5:  zapcore.DebugLevel,
	}
	for verbosity, want := range cases {
		if got := VerbosityToLevel(verbosity); got != want {
			t.Errorf("VerbosityToLevel(%d) = %v, want %v", verbosity, got, want)
		}
	}
}

func TestFieldsFromContext(t *testing.T) {
	ctx := WithRequestID(WithJobID(context.Background(), "job-1"), "req-9")

	fields := FieldsFromContext(ctx)
	want := []interface{}{FieldJobID, "job-1", FieldRequestID, "req-9"}
	if len(fields) != len(want) {
		t.Fatalf("got %d fields, want %d", len(fields), len(want))
	}
	for i := range want {
		if fields[i] != want[i] {
			t.Errorf("field[%d] = %v, want %v", i, fields[i], want[i])
		}
	}

	if got := FieldsFromContext(context.Background()); len(got) != 0 {
		t.Errorf("empty context produced fields: %v", got)
	}
}

func TestFromContextWithoutFieldsReturnsBase(t *testing.T) {
	base := zap.NewNop().Sugar()
	if FromContext(context.Background(), base) != base {
		t.Error("expected base logger when context carries no fields")
	}
}
