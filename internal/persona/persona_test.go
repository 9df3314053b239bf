package persona

import "testing"

func TestLookup_KnownPersonas(t *testing.T) {
	for _, id := range []string{"default", "researcher", "analyst", "concierge"} {
		p, ok := Lookup(id)
		if !ok {
			t.Fatalf("Lookup(%q) not found", id)
		}
		if p.ID != id {
			t.Errorf("Lookup(%q).ID = %q", id, p.ID)
		}
		if p.DisplayName == "" || p.SystemPrompt == "" {
			t.Errorf("persona %q has empty display name or system prompt", id)
		}
	}
}

func TestLookup_Unknown(t *testing.T) {
	if _, ok := Lookup("nonexistent"); ok {
		t.Error("Lookup(nonexistent) should not be found")
	}
}

func TestDefault_HasNoFixedDomains(t *testing.T) {
	d := Default()
	if !d.IsDefault() {
		t.Error("Default().IsDefault() = false")
	}
	if len(d.Domains) != 0 {
		t.Errorf("default persona must not pin domains, got %v", d.Domains)
	}
}

func TestNonDefaultPersonas_PinDomains(t *testing.T) {
	for _, id := range []string{"researcher", "analyst", "concierge"} {
		p, _ := Lookup(id)
		if len(p.Domains) == 0 {
			t.Errorf("persona %q must pin a fixed domain set", id)
		}
		for _, d := range p.Domains {
			if !InVocabulary(d) {
				t.Errorf("persona %q domain %q not in vocabulary", id, d)
			}
		}
	}
}

func TestKeywordDomains(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"single match", "how do I fix this programming bug", []string{"technology"}},
		{"multiple match", "stock market news today", []string{"finance", "news"}},
		{"case insensitive", "LATEST FOOTBALL SCORE", []string{"news", "sports"}},
		{"no match", "hello there", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := KeywordDomains(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("KeywordDomains(%q) = %v, want %v", tt.text, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("KeywordDomains(%q)[%d] = %q, want %q", tt.text, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestKeywordDomains_CapsAtThree(t *testing.T) {
	text := "software physics doctor stock news travel recipe movie football"
	if got := KeywordDomains(text); len(got) > 3 {
		t.Errorf("KeywordDomains returned %d domains, cap is 3: %v", len(got), got)
	}
}

func TestDefaultDomains_NonEmptyAndCopied(t *testing.T) {
	a := DefaultDomains()
	if len(a) == 0 {
		t.Fatal("DefaultDomains() must never be empty")
	}
	a[0] = "mutated"
	if b := DefaultDomains(); b[0] == "mutated" {
		t.Error("DefaultDomains() must return a copy")
	}
}
