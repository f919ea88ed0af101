package processor

import (
	"context"
	"fmt"

	"github.com/voxqueue/voxqueue/internal/engine"
	"github.com/voxqueue/voxqueue/internal/task"
)

// languages the recognizer ships models for
var supportedLanguages = map[string]bool{
	"zh": true,
	"en": true,
	"ja": true,
}

type Transcribe struct {
	engine engine.Engine
}

func NewTranscribe(e engine.Engine) *Transcribe {
	return &Transcribe{engine: e}
}

func (p *Transcribe) Type() task.Type {
	return task.TypeTranscribe
}

func (p *Transcribe) Validate(cfg task.Config) error {
	params := cfg.Params.Transcribe
	if params == nil {
		return fmt.Errorf("transcribe task requires transcribe params")
	}
	if params.Language != "" && !supportedLanguages[params.Language] {
		return fmt.Errorf("unsupported language: %s", params.Language)
	}
	return nil
}

func (p *Transcribe) Process(ctx context.Context, t *task.Task) (*task.Result, error) {
	params := t.Config.Params.Transcribe
	if params == nil {
		return nil, fmt.Errorf("task %s has no transcribe params", t.ID)
	}
	return p.engine.Transcribe(ctx, t.Config.InputPath, *params)
}
