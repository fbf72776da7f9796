package engines

import (
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/sahilm/fuzzy"
	"golang.org/x/text/language"
)

// ModelSpec names the concrete voice an engine uses.
type ModelSpec struct {
	// Model is a Piper model file stem or a remote voice name.
	Model string `mapstructure:"model" json:"model"`

	// Speaker selects a speaker in multi-speaker Piper models.
	Speaker string `mapstructure:"speaker" json:"speaker,omitempty"`
}

// VoiceTable maps (language, voice category) to a model. Resolve is total:
// every input ends at some model.
//
// Lookup order: exact language + category, base language + category,
// exact language + default category, base language + default category,
// default language + category, default language + default category, and
// finally the fallback model.
type VoiceTable struct {
	entries         map[string]map[string]ModelSpec
	defaultLanguage string
	defaultCategory string
	fallback        ModelSpec
	models          map[string]ModelSpec
	logger          *log.Logger
}

// NewVoiceTable builds a table. Language keys are canonicalized so
// "en_US", "en-us" and "en-US" are the same entry.
func NewVoiceTable(entries map[string]map[string]ModelSpec, defaultLanguage, defaultCategory string, fallback ModelSpec, logger *log.Logger) *VoiceTable {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	t := &VoiceTable{
		entries:         make(map[string]map[string]ModelSpec, len(entries)),
		defaultLanguage: canonicalLanguage(defaultLanguage),
		defaultCategory: strings.ToLower(defaultCategory),
		fallback:        fallback,
		models:          make(map[string]ModelSpec),
		logger:          logger,
	}
	for lang, cats := range entries {
		key := canonicalLanguage(lang)
		if t.entries[key] == nil {
			t.entries[key] = make(map[string]ModelSpec, len(cats))
		}
		for cat, spec := range cats {
			t.entries[key][strings.ToLower(cat)] = spec
			t.models[strings.ToLower(spec.Model)] = spec
		}
	}
	t.models[strings.ToLower(fallback.Model)] = fallback
	return t
}

// Resolve picks the model for a language and voice id. A voice id that
// names a known model directly is used as-is.
func (t *VoiceTable) Resolve(lang, voiceID string) ModelSpec {
	voiceID = strings.ToLower(strings.TrimSpace(voiceID))
	if spec, ok := t.models[voiceID]; ok {
		return spec
	}

	full := canonicalLanguage(lang)
	base := baseLanguage(full)
	attempts := [][2]string{
		{full, voiceID},
		{base, voiceID},
		{full, t.defaultCategory},
		{base, t.defaultCategory},
		{t.defaultLanguage, voiceID},
		{t.defaultLanguage, t.defaultCategory},
	}
	for i, a := range attempts {
		if spec, ok := t.entries[a[0]][a[1]]; ok {
			if i > 1 {
				t.logger.Warn("voice fell back", "language", lang, "voice", voiceID, "used_language", a[0], "used_voice", a[1], "suggest", t.Suggest(lang, voiceID))
			}
			return spec
		}
	}
	t.logger.Warn("voice fell back to global default", "language", lang, "voice", voiceID, "model", t.fallback.Model)
	return t.fallback
}

// Suggest returns categories available for lang that fuzzy-match voiceID.
func (t *VoiceTable) Suggest(lang, voiceID string) []string {
	cats := t.Categories(lang)
	matches := fuzzy.Find(voiceID, cats)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Str)
	}
	return out
}

// Categories lists the voice categories for lang, or its base language.
func (t *VoiceTable) Categories(lang string) []string {
	full := canonicalLanguage(lang)
	seen := map[string]bool{}
	var out []string
	for _, l := range []string{full, baseLanguage(full)} {
		for cat := range t.entries[l] {
			if !seen[cat] {
				seen[cat] = true
				out = append(out, cat)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Languages lists every language with at least one entry.
func (t *VoiceTable) Languages() []string {
	out := make([]string, 0, len(t.entries))
	for l := range t.entries {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func canonicalLanguage(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "-")
	tag, err := language.Parse(s)
	if err != nil {
		return strings.ToLower(s)
	}
	return tag.String()
}

func baseLanguage(tag string) string {
	if i := strings.IndexByte(tag, '-'); i > 0 {
		return tag[:i]
	}
	return tag
}

// DefaultLocalVoices is the built-in Piper voice table.
func DefaultLocalVoices() map[string]map[string]ModelSpec {
	return map[string]map[string]ModelSpec{
		"en-US": {
			"female":  {Model: "en_US-amy-medium"},
			"male":    {Model: "en_US-ryan-medium"},
			"neutral": {Model: "en_US-lessac-medium"},
		},
		"en-GB": {
			"female": {Model: "en_GB-jenny_dioco-medium"},
			"male":   {Model: "en_GB-alan-medium"},
		},
		"es": {
			"female": {Model: "es_MX-claude-high"},
			"male":   {Model: "es_ES-davefx-medium"},
		},
		"fr": {
			"female": {Model: "fr_FR-siwis-medium"},
			"male":   {Model: "fr_FR-tom-medium"},
		},
		"de": {
			"female": {Model: "de_DE-eva_k-x_low"},
			"male":   {Model: "de_DE-thorsten-medium"},
		},
		"it": {
			"female": {Model: "it_IT-paola-medium"},
			"male":   {Model: "it_IT-riccardo-x_low"},
		},
		"pt-BR": {
			"neutral": {Model: "pt_BR-faber-medium"},
		},
	}
}

// DefaultLocalFallback is used when nothing in the local table matches.
var DefaultLocalFallback = ModelSpec{Model: "en_US-lessac-medium"}

// DefaultRemoteVoices is the built-in remote voice table.
func DefaultRemoteVoices() map[string]map[string]ModelSpec {
	return map[string]map[string]ModelSpec{
		"en-US": {
			"female":  {Model: "en-US-Neural2-F"},
			"male":    {Model: "en-US-Neural2-D"},
			"neutral": {Model: "en-US-Neural2-C"},
		},
		"en-GB": {
			"female": {Model: "en-GB-Neural2-A"},
			"male":   {Model: "en-GB-Neural2-B"},
		},
		"es": {
			"female": {Model: "es-ES-Neural2-A"},
			"male":   {Model: "es-ES-Neural2-B"},
		},
		"fr": {
			"female": {Model: "fr-FR-Neural2-A"},
			"male":   {Model: "fr-FR-Neural2-B"},
		},
		"de": {
			"female": {Model: "de-DE-Neural2-A"},
			"male":   {Model: "de-DE-Neural2-B"},
		},
		"it": {
			"female": {Model: "it-IT-Neural2-A"},
			"male":   {Model: "it-IT-Neural2-C"},
		},
		"pt-BR": {
			"female": {Model: "pt-BR-Neural2-A"},
			"male":   {Model: "pt-BR-Neural2-B"},
		},
	}
}

// DefaultRemoteFallback is used when nothing in the remote table matches.
var DefaultRemoteFallback = ModelSpec{Model: "en-US-Neural2-C"}
