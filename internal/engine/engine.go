// Package engine defines the transcription capability consumed by the
// workers. The real speech recognizer runs out of process; this package only
// knows how to hand it an audio locator plus options and get a transcript
// back.
package engine

import (
	"context"

	"github.com/voxqueue/voxqueue/internal/task"
)

// Engine converts an audio file into a transcript. Implementations must
// honor ctx cancellation: the worker bounds the call with the task's
// configured timeout.
type Engine interface {
	Transcribe(ctx context.Context, inputPath string, params task.TranscribeParams) (*task.Result, error)
}

// Func adapts a plain function to the Engine interface.
type Func func(ctx context.Context, inputPath string, params task.TranscribeParams) (*task.Result, error)

func (f Func) Transcribe(ctx context.Context, inputPath string, params task.TranscribeParams) (*task.Result, error) {
	return f(ctx, inputPath, params)
}
