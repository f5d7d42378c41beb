// Package backend holds the inference backends a worker slot can call.
package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	coord "github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/worker/core"
)

// Echo fabricates deterministic results without running any model. It is
// meant for local development and end-to-end tests.
type Echo struct {
	// Delay simulates inference time.
	Delay time.Duration
}

var _ core.InferenceBackend = (*Echo)(nil)

func (e *Echo) Name() string {
	return "echo"
}

func (e *Echo) Execute(ctx context.Context, in *core.Input, class coord.ResourceClass) (*core.Output, error) {
	if e.Delay > 0 {
		t := time.NewTimer(e.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	out := &core.Output{
		DetectedLang: in.SrcLang,
		ModelUsed:    "echo-" + string(class),
	}
	if out.DetectedLang == "" {
		out.DetectedLang = "en"
	}

	text := in.Text
	if in.JobType.NeedsAudio() {
		switch {
		case len(in.Audio) > 0:
			out.Transcript = fmt.Sprintf("transcript of %d bytes of audio", len(in.Audio))
		case in.AudioURL != "":
			out.Transcript = "transcript of " + in.AudioURL
		default:
			return nil, coord.Permanent(fmt.Errorf("no audio input"))
		}
		text = out.Transcript
	}
	if in.JobType.NeedsTarget() {
		if strings.TrimSpace(text) == "" {
			return nil, coord.Permanent(fmt.Errorf("no text to translate"))
		}
		out.Translation = fmt.Sprintf("[%s] %s", in.TgtLang, text)
	}
	return out, nil
}
