package engines

import (
	"context"

	"github.com/dgnsrekt/audiovault/internal/tts"
	"github.com/dgnsrekt/audiovault/internal/ttypes"
)

// Adapter produces raw audio for one engine.
type Adapter interface {
	// Engine identifies which variant this adapter implements.
	Engine() ttypes.Engine

	// Info returns engine capabilities.
	Info() ttypes.EngineInfo

	// Synthesize renders job to a temporary PCM file owned by the caller.
	Synthesize(ctx context.Context, job Job) (ttypes.RawAudio, error)

	// Validate checks the engine is usable.
	Validate() error
}

// Job is one unit of synthesis work after translation.
type Job struct {
	// Text is plain text, or a native markup document when Native is set.
	Text   string
	Native bool

	Language   string
	VoiceID    string
	Style      string
	Parameters ttypes.Parameters
}

// Registry dispatches to the configured adapter for an engine.
type Registry struct {
	remote Adapter
	local  Adapter
}

// NewRegistry builds a registry. Either adapter may be nil when that
// engine is not configured.
func NewRegistry(remote, local Adapter) *Registry {
	return &Registry{remote: remote, local: local}
}

// For returns the adapter for e.
func (r *Registry) For(e ttypes.Engine) (Adapter, error) {
	var a Adapter
	switch e {
	case ttypes.EngineRemote:
		a = r.remote
	case ttypes.EngineLocal:
		a = r.local
	default:
		return nil, tts.Validationf("unknown engine %q", e)
	}
	if a == nil {
		return nil, tts.Validationf("engine %q is not configured", e)
	}
	return a, nil
}

// Adapters returns every configured adapter.
func (r *Registry) Adapters() []Adapter {
	var out []Adapter
	for _, a := range []Adapter{r.remote, r.local} {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}
