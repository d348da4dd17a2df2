// Package voice transcribes voice notes locally with whisper.cpp so keyword
// rules can match spoken messages too.
package voice

import (
	"context"
	"strings"
	"sync"

	"chatbridge_backend/platform/logger"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Transcriber wraps one loaded whisper model. Model contexts are not safe
// for concurrent use, so transcriptions are serialized.
type Transcriber struct {
	model whisper.Model
	log   *logger.Logger

	mu sync.Mutex
}

// New loads the model at path. The caller owns Close.
func New(path string, log *logger.Logger) (*Transcriber, error) {
	model, err := whisper.New(path)
	if err != nil {
		return nil, err
	}
	return &Transcriber{model: model, log: log}, nil
}

// Transcribe converts 16kHz mono PCM samples to text.
func (t *Transcriber) Transcribe(ctx context.Context, samples []float32) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	wctx, err := t.model.NewContext()
	if err != nil {
		return "", err
	}
	if err := wctx.SetLanguage("auto"); err != nil {
		t.log.Warn("language autodetect unavailable", "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", err
	}

	var sb strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		seg, err := wctx.NextSegment()
		if err != nil {
			break
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strings.TrimSpace(seg.Text))
	}
	return sb.String(), nil
}

func (t *Transcriber) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.model.Close()
}
