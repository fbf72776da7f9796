package tts

import (
	"math"
	"strings"

	"github.com/dgnsrekt/audiovault/internal/ttypes"
	"golang.org/x/text/language"
)

// MaxTextSize bounds a single synthesis request, in bytes of text or markup.
const MaxTextSize = 5000

// DefaultCategory is used when a request names no catalog category.
const DefaultCategory = "general"

// NormalizeRequest validates a request and returns its canonical form:
// language as a BCP 47 tag, lowercase voice, default category, and
// parameters filled and clamped. Errors are always ErrValidation.
func NormalizeRequest(req ttypes.SynthesisRequest) (ttypes.SynthesisRequest, error) {
	if strings.TrimSpace(req.Text) == "" && strings.TrimSpace(req.Markup) == "" {
		return req, Validationf("text is required")
	}
	if len(req.Text) > MaxTextSize || len(req.Markup) > MaxTextSize {
		return req, Validationf("text too long: max %d characters", MaxTextSize).
			WithContext("text_len", len(req.Text)).
			WithContext("markup_len", len(req.Markup))
	}

	if !req.Engine.Valid() {
		e, err := ttypes.ParseEngine(string(req.Engine))
		if err != nil {
			return req, Validationf("engine must be %q or %q", ttypes.EngineRemote, ttypes.EngineLocal)
		}
		req.Engine = e
	}

	if strings.TrimSpace(req.Language) == "" {
		return req, Validationf("language is required")
	}
	tag, err := language.Parse(strings.ReplaceAll(strings.TrimSpace(req.Language), "_", "-"))
	if err != nil {
		return req, Validationf("invalid language %q", req.Language)
	}
	req.Language = tag.String()

	req.VoiceID = strings.ToLower(strings.TrimSpace(req.VoiceID))
	if req.VoiceID == "" {
		return req, Validationf("voice_id is required")
	}

	req.Style = strings.TrimSpace(req.Style)
	req.Category = strings.TrimSpace(req.Category)
	if req.Category == "" {
		req.Category = DefaultCategory
	}

	p := req.Parameters
	for _, v := range []float64{p.LengthScale, p.NoiseScale, p.NoiseWidth} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return req, Validationf("parameters must be finite numbers")
		}
	}
	req.Parameters = ClampParameters(p.OrDefault())

	if req.TrimSeconds < 0 {
		return req, Validationf("trim_seconds must not be negative")
	}
	if req.Background != nil {
		if strings.TrimSpace(req.Background.Ref) == "" {
			req.Background = nil
		} else if req.Background.DurationSeconds < 0 {
			return req, Validationf("background duration must not be negative")
		}
	}

	return req, nil
}

// BaseLanguage returns the primary subtag of a language tag ("pt-BR" -> "pt").
func BaseLanguage(tag string) string {
	t, err := language.Parse(tag)
	if err != nil {
		if i := strings.IndexAny(tag, "-_"); i > 0 {
			return strings.ToLower(tag[:i])
		}
		return strings.ToLower(tag)
	}
	base, _ := t.Base()
	return base.String()
}
