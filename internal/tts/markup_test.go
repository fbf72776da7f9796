package tts

import (
	"math"
	"strings"
	"testing"

	"github.com/dgnsrekt/audiovault/internal/ttypes"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestTranslate_BreakTiers(t *testing.T) {
	tr := NewMarkupTranslator(nil)

	tests := []struct {
		name   string
		markup string
		want   PauseTier
	}{
		{"short", `A <break time="100ms"/> B`, PauseShort},
		{"medium", `A <break time="500ms"/> B`, PauseMedium},
		{"long", `A <break time="1s"/> B`, PauseLong},
		{"extra long", `A <break time="3s"/> B`, PauseExtraLong},
		{"strength strong", `A <break strength="strong"/> B`, PauseLong},
		{"bare break defaults to medium", `A <break/> B`, PauseMedium},
		{"unclosed start form", `A <break time="500ms"> B`, PauseMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tr.Translate(tt.markup, ttypes.EngineLocal, ttypes.DefaultParameters())
			want := "A" + PauseMarker(tt.want) + " B"
			if got.PlainText != want {
				t.Errorf("PlainText = %q, want %q", got.PlainText, want)
			}
		})
	}
}

func TestTranslate_BreakPassthroughForNativeEngine(t *testing.T) {
	tr := NewMarkupTranslator(nil)
	markup := `Hello <break time="500ms"/> world`

	got := tr.Translate(markup, ttypes.EngineRemote, ttypes.DefaultParameters())
	if got.NativePayload != "<speak>"+markup+"</speak>" {
		t.Errorf("NativePayload = %q", got.NativePayload)
	}
	if got.PlainText != "Hello world" {
		t.Errorf("PlainText = %q, want %q", got.PlainText, "Hello world")
	}
	if strings.Contains(got.PlainText, "*") {
		t.Error("native path must not add emphasis markers")
	}
}

func TestTranslate_ProsodyRate(t *testing.T) {
	tr := NewMarkupTranslator(nil)

	tests := []struct {
		rate string
		want float64
	}{
		{"x-slow", 2.0},
		{"slow", 1 / 0.75},
		{"medium", 1.0},
		{"fast", 1 / 1.25},
		{"x-fast", 1 / 1.5},
		{"150%", 1 / 1.5},
		{"0.8", 1 / 0.8},
		{"bogus", 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.rate, func(t *testing.T) {
			markup := `<prosody rate="` + tt.rate + `">Hello there</prosody>`
			got := tr.Translate(markup, ttypes.EngineLocal, ttypes.DefaultParameters())
			if !approx(got.Parameters.LengthScale, tt.want) {
				t.Errorf("LengthScale = %v, want %v", got.Parameters.LengthScale, tt.want)
			}
			if got.PlainText != "Hello there" {
				t.Errorf("PlainText = %q", got.PlainText)
			}
		})
	}
}

func TestTranslate_ProsodyMultipliesAndClamps(t *testing.T) {
	tr := NewMarkupTranslator(nil)
	markup := `<prosody rate="x-fast"><prosody rate="x-fast">quick</prosody></prosody>`

	got := tr.Translate(markup, ttypes.EngineLocal, ttypes.DefaultParameters())
	// 1 / (1.5*1.5) = 0.44, clamped
	if got.Parameters.LengthScale != MinLengthScale {
		t.Errorf("LengthScale = %v, want %v", got.Parameters.LengthScale, MinLengthScale)
	}
}

func TestTranslate_Emphasis(t *testing.T) {
	tr := NewMarkupTranslator(nil)
	base := ttypes.DefaultParameters()

	tests := []struct {
		name      string
		markup    string
		wantText  string
		wantNoise float64
	}{
		{"moderate", `This is <emphasis>big</emphasis> news`, "This is *big* news", base.NoiseWidth + 0.1},
		{"strong", `This is <emphasis level="strong">big</emphasis> news`, "This is **big** news", base.NoiseWidth + 0.2},
		{"reduced", `This is <emphasis level="reduced">small</emphasis> news`, "This is small news", base.NoiseWidth - 0.1},
		{"clamped", `<emphasis level="strong"><emphasis level="strong">loud</emphasis></emphasis>`, "****loud****", MaxNoise},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tr.Translate(tt.markup, ttypes.EngineLocal, base)
			if got.PlainText != tt.wantText {
				t.Errorf("PlainText = %q, want %q", got.PlainText, tt.wantText)
			}
			if !approx(got.Parameters.NoiseWidth, tt.wantNoise) {
				t.Errorf("NoiseWidth = %v, want %v", got.Parameters.NoiseWidth, tt.wantNoise)
			}
		})
	}
}

func TestTranslate_DegradingTags(t *testing.T) {
	tr := NewMarkupTranslator(nil)

	tests := []struct {
		name        string
		markup      string
		want        string
		wantDropped bool
	}{
		{"spell out", `Code <say-as interpret-as="characters">AB1</say-as> now`, "Code A B 1 now", false},
		{"say-as date keeps text", `On <say-as interpret-as="date">2024-01-02</say-as>`, "On 2024-01-02", false},
		{"sub alias", `<sub alias="World Wide Web">WWW</sub> rocks`, "World Wide Web rocks", false},
		{"voice keeps text", `<voice name="other">Hi</voice> there`, "Hi there", true},
		{"phoneme keeps text", `<phoneme alphabet="ipa" ph="təˈmeɪtoʊ">tomato</phoneme>`, "tomato", true},
		{"entities decoded", `Salt &amp; pepper`, "Salt & pepper", false},
		{"whitespace collapsed", "<speak>\n  Hello \n\n   world  </speak>", "Hello world", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tr.Translate(tt.markup, ttypes.EngineLocal, ttypes.DefaultParameters())
			if got.PlainText != tt.want {
				t.Errorf("PlainText = %q, want %q", got.PlainText, tt.want)
			}
			if (len(got.Dropped) > 0) != tt.wantDropped {
				t.Errorf("Dropped = %v, wantDropped %v", got.Dropped, tt.wantDropped)
			}
		})
	}
}

func TestTranslate_MalformedFallsBackToSafeMode(t *testing.T) {
	tr := NewMarkupTranslator(nil)

	tests := []struct {
		markup string
		want   string
	}{
		{`Hello <break`, "Hello"},
		{`<prosody rate="fast">unclosed`, "unclosed"},
		{`<emphasis>crossed <prosody>tags</emphasis></prosody>`, "crossed tags"},
		{`<break`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.markup, func(t *testing.T) {
			for _, engine := range []ttypes.Engine{ttypes.EngineLocal, ttypes.EngineRemote} {
				got := tr.Translate(tt.markup, engine, ttypes.DefaultParameters())
				if !got.SafeMode {
					t.Errorf("%s: SafeMode = false, want true", engine)
				}
				if got.PlainText != tt.want {
					t.Errorf("%s: PlainText = %q, want %q", engine, got.PlainText, tt.want)
				}
				if got.NativePayload != "" {
					t.Errorf("%s: NativePayload = %q, want empty", engine, got.NativePayload)
				}
			}
		})
	}
}

func TestTranslate_AngleBracketsInText(t *testing.T) {
	tr := NewMarkupTranslator(nil)

	tests := []struct {
		name       string
		markup     string
		want       string
		wantNative string
	}{
		{"bare less-than", `<speak>5 < 6</speak>`, "5 < 6", `<speak>5 &lt; 6</speak>`},
		{"trailing less-than", `x <`, "x <", `<speak>x &lt;</speak>`},
		{"quoted greater-than", `<sub alias="W > X">WX</sub> here`, "W > X here", `<speak><sub alias="W > X">WX</sub> here</speak>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := tr.Translate(tt.markup, ttypes.EngineLocal, ttypes.DefaultParameters())
			if local.SafeMode {
				t.Error("SafeMode = true, want false")
			}
			if local.PlainText != tt.want {
				t.Errorf("PlainText = %q, want %q", local.PlainText, tt.want)
			}

			remote := tr.Translate(tt.markup, ttypes.EngineRemote, ttypes.DefaultParameters())
			if remote.NativePayload != tt.wantNative {
				t.Errorf("NativePayload = %q, want %q", remote.NativePayload, tt.wantNative)
			}
		})
	}
}

func TestStripMarkup_KeepsTextAfterBareLessThan(t *testing.T) {
	tests := []struct {
		markup string
		want   string
	}{
		{`a < b <break`, "a < b"},
		{`<emphasis>5 < 6</prosody>`, "5 < 6"},
		{`<sub alias="x > y">z`, "z"},
	}
	for _, tt := range tests {
		if got := StripMarkup(tt.markup); got != tt.want {
			t.Errorf("StripMarkup(%q) = %q, want %q", tt.markup, got, tt.want)
		}
	}
}

func TestClampParameters(t *testing.T) {
	got := ClampParameters(ttypes.Parameters{LengthScale: 9, NoiseScale: -1, NoiseWidth: 0.5})
	want := ttypes.Parameters{LengthScale: MaxLengthScale, NoiseScale: MinNoise, NoiseWidth: 0.5}
	if got != want {
		t.Errorf("ClampParameters() = %+v, want %+v", got, want)
	}
}

func TestPauseTierFor(t *testing.T) {
	if got := PauseTierFor(0); got != PauseShort {
		t.Errorf("PauseTierFor(0) = %v", got)
	}
	if got := PauseTierFor(750 * 1e6); got != PauseMedium {
		t.Errorf("PauseTierFor(750ms) = %v", got)
	}
}
