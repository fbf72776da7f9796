// Package mock provides a deterministic synthesis adapter for tests.
package mock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/audiovault/internal/tts"
	"github.com/dgnsrekt/audiovault/internal/tts/engines"
	"github.com/dgnsrekt/audiovault/internal/ttypes"
)

// Adapter writes a short tone derived from the job text. The same job
// always yields the same bytes.
type Adapter struct {
	Kind       ttypes.Engine
	SampleRate int
	Seconds    float64
	TempDir    string

	// Delay is slept before producing output.
	Delay time.Duration

	// Err, when set, is returned instead of audio.
	Err error

	// Empty makes the adapter fail as if the engine produced no output.
	Empty bool

	calls atomic.Int32
	mu    sync.Mutex
	jobs  []engines.Job
}

// New returns a mock for engine kind writing into dir.
func New(kind ttypes.Engine, dir string) *Adapter {
	return &Adapter{Kind: kind, SampleRate: 16000, Seconds: 0.25, TempDir: dir}
}

func (a *Adapter) Engine() ttypes.Engine { return a.Kind }

func (a *Adapter) Info() ttypes.EngineInfo {
	return ttypes.EngineInfo{
		Name:        "mock",
		Engine:      a.Kind,
		SampleRate:  a.SampleRate,
		Channels:    1,
		BitDepth:    16,
		MaxTextSize: tts.MaxTextSize,
		NativeSSML:  a.Kind == ttypes.EngineRemote,
	}
}

func (a *Adapter) Validate() error { return nil }

// Calls returns how many times Synthesize ran.
func (a *Adapter) Calls() int { return int(a.calls.Load()) }

// Jobs returns the jobs received so far.
func (a *Adapter) Jobs() []engines.Job {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]engines.Job(nil), a.jobs...)
}

func (a *Adapter) Synthesize(ctx context.Context, job engines.Job) (ttypes.RawAudio, error) {
	a.calls.Add(1)
	a.mu.Lock()
	a.jobs = append(a.jobs, job)
	a.mu.Unlock()

	if a.Delay > 0 {
		select {
		case <-time.After(a.Delay):
		case <-ctx.Done():
			return ttypes.RawAudio{}, ctx.Err()
		}
	}
	if a.Err != nil {
		return ttypes.RawAudio{}, a.Err
	}
	if a.Empty {
		return ttypes.RawAudio{}, tts.Upstream(a.Kind, job.VoiceID, "engine produced no audio", nil)
	}

	sum := sha256.Sum256([]byte(job.Text + "\x1f" + job.VoiceID))
	n := int(a.Seconds * float64(a.SampleRate))
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(sum[i%len(sum)]) * 64
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(v))
	}

	f, err := os.CreateTemp(a.TempDir, "mock-*.raw")
	if err != nil {
		return ttypes.RawAudio{}, err
	}
	if _, err := f.Write(pcm); err != nil {
		f.Close()
		return ttypes.RawAudio{}, err
	}
	if err := f.Close(); err != nil {
		return ttypes.RawAudio{}, err
	}
	return ttypes.RawAudio{Path: f.Name(), SampleRate: a.SampleRate, Channels: 1}, nil
}

var _ engines.Adapter = (*Adapter)(nil)
