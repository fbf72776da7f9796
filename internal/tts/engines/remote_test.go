package engines

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/audiovault/internal/audio"
	"github.com/dgnsrekt/audiovault/internal/tts"
	"github.com/dgnsrekt/audiovault/internal/ttypes"
)

func newTestRemote(t *testing.T, h http.HandlerFunc) *RemoteEngine {
	t.Helper()
	srv := httptest.NewTLSServer(h)
	t.Cleanup(srv.Close)

	e, err := NewRemoteEngine(RemoteConfig{
		Endpoint:          srv.URL + "/v1/text:synthesize",
		APIKey:            "secret-key",
		SampleRate:        16000,
		RequestsPerMinute: 60000,
		TempDir:           t.TempDir(),
		Client:            srv.Client(),
	}, nil)
	if err != nil {
		t.Fatalf("NewRemoteEngine() error = %v", err)
	}
	return e
}

func TestNewRemoteEngine_RequiresHTTPS(t *testing.T) {
	tests := []struct {
		endpoint string
		wantErr  bool
	}{
		{"https://texttospeech.googleapis.com/v1/text:synthesize", false},
		{"http://texttospeech.googleapis.com/v1/text:synthesize", true},
		{"", true},
		{"not a url", true},
	}
	for _, tt := range tests {
		_, err := NewRemoteEngine(RemoteConfig{Endpoint: tt.endpoint}, nil)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewRemoteEngine(%q) error = %v, wantErr %v", tt.endpoint, err, tt.wantErr)
		}
	}
}

func TestRemoteEngine_SynthesizeJSON(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	var got remoteRequest
	var gotKey string

	e := newTestRemote(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Goog-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(remoteResponse{AudioContent: base64.StdEncoding.EncodeToString(pcm)})
	})

	raw, err := e.Synthesize(context.Background(), Job{
		Text:       "<speak>Hello</speak>",
		Native:     true,
		Language:   "en-US",
		VoiceID:    "female",
		Parameters: ttypes.Parameters{LengthScale: 0.8},
	})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	defer os.Remove(raw.Path)

	if gotKey != "secret-key" {
		t.Errorf("api key header = %q", gotKey)
	}
	if got.Input.SSML != "<speak>Hello</speak>" || got.Input.Text != "" {
		t.Errorf("input = %+v, want ssml only", got.Input)
	}
	if got.Voice.Name != "en-US-Neural2-F" || got.Voice.LanguageCode != "en-US" {
		t.Errorf("voice = %+v", got.Voice)
	}
	if got.AudioConfig.AudioEncoding != "LINEAR16" || got.AudioConfig.SampleRateHertz != 16000 {
		t.Errorf("audioConfig = %+v", got.AudioConfig)
	}
	if got.AudioConfig.SpeakingRate < 1.249 || got.AudioConfig.SpeakingRate > 1.251 {
		t.Errorf("speakingRate = %v, want 1.25", got.AudioConfig.SpeakingRate)
	}

	data, _ := os.ReadFile(raw.Path)
	if !bytes.Equal(data, pcm) {
		t.Errorf("raw = %v, want %v", data, pcm)
	}
	if raw.SampleRate != 16000 || raw.Channels != 1 {
		t.Errorf("raw format = %d/%d", raw.SampleRate, raw.Channels)
	}
}

func TestRemoteEngine_RIFFWrappedBody(t *testing.T) {
	var wav bytes.Buffer
	_ = audio.EncodeWAV(&wav, audio.Format{SampleRate: 24000, Channels: 1}, []int16{5, 6, 7})

	e := newTestRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wav.Bytes())
	})

	raw, err := e.Synthesize(context.Background(), Job{Text: "Hello", Language: "en-US", VoiceID: "male"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	defer os.Remove(raw.Path)

	if raw.SampleRate != 24000 {
		t.Errorf("SampleRate = %d, want header rate 24000", raw.SampleRate)
	}
	data, _ := os.ReadFile(raw.Path)
	if len(data) != 6 {
		t.Errorf("raw length = %d, want 6 (header stripped)", len(data))
	}
}

func TestRemoteEngine_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota exceeded for key secret-key", http.StatusTooManyRequests)
		}},
		{"empty body", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}},
		{"empty audioContent", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"audioContent":""}`))
		}},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"audioContent":`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestRemote(t, tt.handler)
			_, err := e.Synthesize(context.Background(), Job{Text: "Hello", Language: "en-US", VoiceID: "female"})
			if !errors.Is(err, tts.ErrUpstreamSynthesis) {
				t.Fatalf("Synthesize() error = %v, want ErrUpstreamSynthesis", err)
			}
			var te *tts.Error
			if !errors.As(err, &te) {
				t.Fatal("error should be *tts.Error")
			}
			if strings.Contains(te.Public(), "secret-key") {
				t.Errorf("Public() leaks credentials: %q", te.Public())
			}
			if te.Engine != ttypes.EngineRemote || te.Voice == "" {
				t.Errorf("error context = %s/%s", te.Engine, te.Voice)
			}
		})
	}
}

func TestRemoteEngine_ResponseLimit(t *testing.T) {
	const limit = 1024
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"at limit", limit, false},
		{"one byte over", limit + 1, true},
		{"far over", 4 * limit, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestRemote(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "audio/l16")
				_, _ = w.Write(bytes.Repeat([]byte{1}, tt.size))
			})
			e.maxResponse = limit

			raw, err := e.Synthesize(context.Background(), Job{Text: "Hello", Language: "en-US", VoiceID: "female"})
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Synthesize() error = %v", err)
				}
				defer os.Remove(raw.Path)
				if info, _ := os.Stat(raw.Path); info == nil || info.Size() != limit {
					t.Errorf("raw audio size = %v, want %d", info, limit)
				}
				return
			}
			if !errors.Is(err, tts.ErrUpstreamSynthesis) {
				t.Fatalf("Synthesize() error = %v, want ErrUpstreamSynthesis", err)
			}
			if raw.Path != "" {
				t.Errorf("oversized response produced audio at %q", raw.Path)
			}
			if left, _ := os.ReadDir(e.tempDir); len(left) != 0 {
				t.Errorf("temp dir holds %d files after rejection", len(left))
			}
		})
	}
}

func TestRemoteEngine_Timeout(t *testing.T) {
	e := newTestRemote(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Synthesize(ctx, Job{Text: "Hello", Language: "en-US", VoiceID: "female"})
	if !errors.Is(err, tts.ErrTimeout) {
		t.Errorf("Synthesize() error = %v, want ErrTimeout", err)
	}
}

func TestRemoteEngine_Info(t *testing.T) {
	e := newTestRemote(t, func(w http.ResponseWriter, r *http.Request) {})
	info := e.Info()
	if !info.NativeSSML || !info.IsOnline || info.Engine != ttypes.EngineRemote {
		t.Errorf("Info() = %+v", info)
	}
}
