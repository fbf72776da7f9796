package tts

import (
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/audiovault/internal/ttypes"
	"golang.org/x/net/html"
)

// PauseTier buckets break durations for engines that cannot pause natively.
type PauseTier int

const (
	PauseShort PauseTier = iota
	PauseMedium
	PauseLong
	PauseExtraLong
)

// pauseMarkers are the textual stand-ins the parametric engine renders as
// progressively longer silences.
var pauseMarkers = [...]string{
	PauseShort:     ",",
	PauseMedium:    "...",
	PauseLong:      "... ...",
	PauseExtraLong: "... ... ...",
}

// PauseMarker returns the marker text for a tier.
func PauseMarker(t PauseTier) string { return pauseMarkers[t] }

// PauseTierFor buckets a break duration.
func PauseTierFor(d time.Duration) PauseTier {
	switch {
	case d <= 250*time.Millisecond:
		return PauseShort
	case d <= 750*time.Millisecond:
		return PauseMedium
	case d <= 1500*time.Millisecond:
		return PauseLong
	default:
		return PauseExtraLong
	}
}

var namedRates = map[string]float64{
	"x-slow": 0.5,
	"slow":   0.75,
	"medium": 1.0,
	"fast":   1.25,
	"x-fast": 1.5,
}

var breakStrengths = map[string]PauseTier{
	"x-weak":   PauseShort,
	"weak":     PauseShort,
	"medium":   PauseMedium,
	"strong":   PauseLong,
	"x-strong": PauseExtraLong,
}

// Parameter bounds applied after translation.
const (
	MinLengthScale = 0.5
	MaxLengthScale = 2.0
	MinNoise       = 0.1
	MaxNoise       = 1.0
)

// Translation is the result of translating authoring markup for one engine.
type Translation struct {
	// NativePayload is the markup to send to a native-markup engine. Empty
	// when targeting the parametric engine or when the markup was unusable.
	NativePayload string

	// PlainText is the speakable text with pause and emphasis markers for
	// the parametric engine, or stripped text for the native engine.
	PlainText string

	// Parameters are the clamped numeric parameters.
	Parameters ttypes.Parameters

	// Dropped lists instructions the parametric engine cannot honor.
	Dropped []string

	// SafeMode is set when the markup was malformed and everything was stripped.
	SafeMode bool
}

// SpeakText returns the text an engine should receive.
func (t Translation) SpeakText() string {
	if t.NativePayload != "" {
		return t.NativePayload
	}
	return t.PlainText
}

// MarkupTranslator converts the supported SSML subset into engine input.
// It never fails: malformed markup degrades to stripped text.
type MarkupTranslator struct {
	logger *log.Logger
}

// NewMarkupTranslator creates a translator. A nil logger discards output.
func NewMarkupTranslator(logger *log.Logger) *MarkupTranslator {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &MarkupTranslator{logger: logger}
}

// Translate converts markup for the target engine starting from base parameters.
func (t *MarkupTranslator) Translate(markup string, target ttypes.Engine, base ttypes.Parameters) Translation {
	base = base.OrDefault()

	if !wellFormed(markup) {
		t.logger.Warn("malformed markup, stripping all tags", "len", len(markup))
		return Translation{
			PlainText:  StripMarkup(markup),
			Parameters: ClampParameters(base),
			SafeMode:   true,
		}
	}

	if target == ttypes.EngineRemote {
		return Translation{
			NativePayload: wrapSpeak(escapeText(markup)),
			PlainText:     StripMarkup(markup),
			Parameters:    ClampParameters(base),
		}
	}

	return t.translateParametric(markup, base)
}

type frame struct {
	name   string
	attrs  map[string]string
	buf    strings.Builder
	marker string
}

func (t *MarkupTranslator) translateParametric(markup string, base ttypes.Parameters) Translation {
	var (
		out        Translation
		speed      = 1.0
		noiseWidth = base.NoiseWidth
		stack      = []*frame{{name: "#root"}}
	)
	top := func() *frame { return stack[len(stack)-1] }

	z := html.NewTokenizer(strings.NewReader(markup))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		tok := z.Token()
		name := strings.ToLower(tok.Data)

		switch tt {
		case html.TextToken:
			top().buf.WriteString(tok.Data)

		case html.SelfClosingTagToken:
			if name == "break" {
				writePause(top(), t.breakTier(tok))
				continue
			}
			out.Dropped = append(out.Dropped, name)
			t.logger.Debug("ignoring empty markup element", "tag", name)

		case html.StartTagToken:
			if name == "break" {
				writePause(top(), t.breakTier(tok))
				continue
			}
			f := &frame{name: name, attrs: attrMap(tok)}
			switch name {
			case "prosody":
				if r, ok := f.attrs["rate"]; ok {
					speed *= t.rateMultiplier(r)
				}
				for _, a := range []string{"pitch", "volume"} {
					if _, ok := f.attrs[a]; ok {
						out.Dropped = append(out.Dropped, "prosody "+a)
						t.logger.Debug("parametric engine ignores prosody attribute", "attr", a)
					}
				}
			case "emphasis":
				delta, marker := emphasisLevel(f.attrs["level"])
				noiseWidth += delta
				f.marker = marker
			case "voice", "phoneme":
				out.Dropped = append(out.Dropped, name)
				t.logger.Warn("parametric engine cannot change voice or pronunciation mid-text, keeping text",
					"tag", name)
			}
			stack = append(stack, f)

		case html.EndTagToken:
			if len(stack) == 1 || top().name != name {
				continue
			}
			f := top()
			stack = stack[:len(stack)-1]
			top().buf.WriteString(renderFrame(f))
		}
	}
	for len(stack) > 1 {
		f := top()
		stack = stack[:len(stack)-1]
		top().buf.WriteString(renderFrame(f))
	}

	out.PlainText = tidy(stack[0].buf.String())
	out.Parameters = ClampParameters(ttypes.Parameters{
		LengthScale: base.LengthScale / speed,
		NoiseScale:  base.NoiseScale,
		NoiseWidth:  noiseWidth,
	})
	return out
}

// writePause attaches the marker to the preceding word.
func writePause(f *frame, tier PauseTier) {
	prev := strings.TrimRight(f.buf.String(), " \t\r\n")
	f.buf.Reset()
	f.buf.WriteString(prev)
	f.buf.WriteString(pauseMarkers[tier])
	f.buf.WriteByte(' ')
}

func renderFrame(f *frame) string {
	inner := f.buf.String()
	switch f.name {
	case "say-as":
		switch strings.ToLower(f.attrs["interpret-as"]) {
		case "characters", "spell-out", "verbatim":
			return " " + spellOut(inner) + " "
		}
		return inner
	case "sub":
		if alias, ok := f.attrs["alias"]; ok {
			return alias
		}
		return inner
	case "emphasis":
		trimmed := strings.TrimSpace(inner)
		if f.marker == "" || trimmed == "" {
			return inner
		}
		return " " + f.marker + trimmed + f.marker + " "
	case "p", "s", "speak":
		return " " + inner + " "
	}
	return inner
}

func (t *MarkupTranslator) breakTier(tok html.Token) PauseTier {
	attrs := attrMap(tok)
	if v, ok := attrs["time"]; ok {
		if d, err := parseBreakTime(v); err == nil {
			return PauseTierFor(d)
		}
		t.logger.Debug("unparseable break time, using medium pause", "time", v)
	}
	if v, ok := breakStrengths[strings.ToLower(attrs["strength"])]; ok {
		return v
	}
	return PauseMedium
}

func (t *MarkupTranslator) rateMultiplier(rate string) float64 {
	rate = strings.ToLower(strings.TrimSpace(rate))
	if m, ok := namedRates[rate]; ok {
		return m
	}
	if strings.HasSuffix(rate, "%") {
		if v, err := strconv.ParseFloat(strings.TrimSuffix(rate, "%"), 64); err == nil && v > 0 {
			return v / 100
		}
	} else if v, err := strconv.ParseFloat(rate, 64); err == nil && v > 0 {
		return v
	}
	t.logger.Debug("unrecognized prosody rate, ignoring", "rate", rate)
	return 1.0
}

func emphasisLevel(level string) (float64, string) {
	switch strings.ToLower(level) {
	case "strong":
		return 0.2, "**"
	case "reduced":
		return -0.1, ""
	case "none":
		return 0, ""
	default:
		return 0.1, "*"
	}
}

func parseBreakTime(v string) (time.Duration, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Millisecond)), nil
	}
	return time.ParseDuration(v)
}

// ClampParameters forces parameters into their safe ranges.
func ClampParameters(p ttypes.Parameters) ttypes.Parameters {
	p.LengthScale = clamp(p.LengthScale, MinLengthScale, MaxLengthScale)
	p.NoiseScale = clamp(p.NoiseScale, MinNoise, MaxNoise)
	p.NoiseWidth = clamp(p.NoiseWidth, MinNoise, MaxNoise)
	return p
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func attrMap(tok html.Token) map[string]string {
	m := make(map[string]string, len(tok.Attr))
	for _, a := range tok.Attr {
		m[strings.ToLower(a.Key)] = a.Val
	}
	return m
}

func spellOut(s string) string {
	var b strings.Builder
	for _, r := range strings.Join(strings.Fields(s), "") {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func wrapSpeak(markup string) string {
	trimmed := strings.TrimSpace(markup)
	if strings.HasPrefix(strings.ToLower(trimmed), "<speak") {
		return trimmed
	}
	return "<speak>" + trimmed + "</speak>"
}

var (
	tagPattern       = regexp.MustCompile(`<[A-Za-z/!?](?:[^<>"']|"[^"]*"|'[^']*')*>`)
	danglingTag      = regexp.MustCompile(`<[A-Za-z/!?][^<>]*$`)
	strayOpen        = regexp.MustCompile(`<[A-Za-z/!?][^<>\s]*`)
	spaceBeforePunct = regexp.MustCompile(`\s+([,;:!?]|\.(?:\s|$))`)
)

// StripMarkup removes every tag, including unterminated ones, and collapses
// whitespace.
func StripMarkup(markup string) string {
	s := tagPattern.ReplaceAllString(markup, " ")
	s = danglingTag.ReplaceAllString(s, " ")
	s = strayOpen.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}

func tidy(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimSpace(spaceBeforePunct.ReplaceAllString(s, "$1"))
}

// voidElements never take a closing tag.
var voidElements = map[string]bool{"break": true, "mark": true}

// wellFormed reports whether every tag is terminated and container tags nest.
// A '<' that cannot open a tag is text; quoted attribute values may hold '>'.
func wellFormed(s string) bool {
	var stack []string
	for i := 0; i < len(s); {
		if !opensTag(s, i) {
			i++
			continue
		}
		end := tagEnd(s, i)
		if end < 0 {
			return false
		}
		tag := strings.TrimSpace(s[i+1 : end])
		i = end + 1

		switch {
		case strings.HasPrefix(tag, "!") || strings.HasPrefix(tag, "?"):
		case strings.HasSuffix(tag, "/"):
		case strings.HasPrefix(tag, "/"):
			name := tagName(tag[1:])
			if len(stack) == 0 || stack[len(stack)-1] != name {
				return false
			}
			stack = stack[:len(stack)-1]
		default:
			name := tagName(tag)
			if name == "" {
				return false
			}
			if !voidElements[name] {
				stack = append(stack, name)
			}
		}
	}
	return len(stack) == 0
}

// opensTag reports whether s[i] starts a tag the way an HTML tokenizer
// reads it: '<' followed by a letter, '/', '!' or '?'.
func opensTag(s string, i int) bool {
	if s[i] != '<' || i+1 >= len(s) {
		return false
	}
	c := s[i+1]
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '/' || c == '!' || c == '?'
}

// tagEnd returns the index of the '>' closing the tag opened at i, or -1
// when the tag is unterminated or another tag opens first.
func tagEnd(s string, i int) int {
	var quote byte
	for j := i + 1; j < len(s); j++ {
		c := s[j]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '>':
			return j
		case c == '<':
			return -1
		}
	}
	return -1
}

// escapeText escapes every '<' that does not open a tag so the native
// payload stays valid XML.
func escapeText(markup string) string {
	if !strings.Contains(markup, "<") {
		return markup
	}
	var b strings.Builder
	for i := 0; i < len(markup); i++ {
		if markup[i] == '<' && !opensTag(markup, i) {
			b.WriteString("&lt;")
			continue
		}
		b.WriteByte(markup[i])
	}
	return b.String()
}

func tagName(tag string) string {
	if i := strings.IndexAny(tag, " \t\n\r/"); i >= 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}
