package engines

import "testing"

func testTable() *VoiceTable {
	return NewVoiceTable(DefaultLocalVoices(), "en_US", "neutral", DefaultLocalFallback, nil)
}

func TestVoiceTable_Resolve(t *testing.T) {
	table := testTable()

	tests := []struct {
		name     string
		language string
		voice    string
		want     string
	}{
		{"exact", "en-US", "female", "en_US-amy-medium"},
		{"underscore language", "en_us", "male", "en_US-ryan-medium"},
		{"base language", "es-MX", "female", "es_MX-claude-high"},
		{"full language default category", "pt-BR", "female", "pt_BR-faber-medium"},
		{"missing category uses default language", "en-GB", "neutral", "en_US-lessac-medium"},
		{"default language keeps category", "ja-JP", "male", "en_US-ryan-medium"},
		{"default language default category", "ja-JP", "whisper", "en_US-lessac-medium"},
		{"concrete model passthrough", "fr", "de_DE-thorsten-medium", "de_DE-thorsten-medium"},
		{"case insensitive voice", "de", "FEMALE", "de_DE-eva_k-x_low"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := table.Resolve(tt.language, tt.voice); got.Model != tt.want {
				t.Errorf("Resolve(%q, %q) = %q, want %q", tt.language, tt.voice, got.Model, tt.want)
			}
		})
	}
}

func TestVoiceTable_GlobalFallback(t *testing.T) {
	table := NewVoiceTable(map[string]map[string]ModelSpec{
		"fr": {"female": {Model: "fr_FR-siwis-medium"}},
	}, "de", "neutral", ModelSpec{Model: "global"}, nil)

	if got := table.Resolve("it", "male"); got.Model != "global" {
		t.Errorf("Resolve() = %q, want global fallback", got.Model)
	}
}

func TestVoiceTable_EveryDefaultLanguageHasAModel(t *testing.T) {
	table := testTable()
	for _, lang := range table.Languages() {
		for _, cat := range []string{"female", "male", "neutral", ""} {
			if got := table.Resolve(lang, cat); got.Model == "" {
				t.Errorf("Resolve(%q, %q) returned an empty model", lang, cat)
			}
		}
	}
}

func TestVoiceTable_Suggest(t *testing.T) {
	table := testTable()
	got := table.Suggest("en-US", "fem")
	if len(got) == 0 || got[0] != "female" {
		t.Errorf("Suggest() = %v, want female first", got)
	}
}

func TestVoiceTable_Categories(t *testing.T) {
	got := testTable().Categories("en-US")
	want := []string{"female", "male", "neutral"}
	if len(got) != len(want) {
		t.Fatalf("Categories() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Categories()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
