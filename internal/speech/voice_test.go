package speech

import (
	"context"
	"errors"
	"testing"
)

func TestSelectVoice(t *testing.T) {
	cases := []struct {
		name   string
		voices []Voice
		want   string
		ok     bool
	}{
		{
			name: "preferred provider",
			voices: []Voice{
				{Name: "Alex", Lang: "en-US"},
				{Name: "Google Deutsch", Lang: "de-DE"},
				{Name: "Google US English", Lang: "en-US"},
			},
			want: "Google US English",
			ok:   true,
		},
		{
			name: "any english",
			voices: []Voice{
				{Name: "Google Deutsch", Lang: "de-DE"},
				{Name: "Samantha", Lang: "en-US"},
			},
			want: "Samantha",
			ok:   true,
		},
		{
			name:   "first available",
			voices: []Voice{{Name: "Thomas", Lang: "fr-FR"}, {Name: "Anna", Lang: "de-DE"}},
			want:   "Thomas",
			ok:     true,
		},
		{name: "none", voices: nil, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := SelectVoice(tc.voices, "en", "Google")
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if got.Name != tc.want {
				t.Fatalf("selected %q, want %q", got.Name, tc.want)
			}
		})
	}
}

func TestVoiceSelectorWaitsForVoices(t *testing.T) {
	engine := &fakeEngine{}
	vs := NewVoiceSelector(engine, "en", "Google", newLogger())

	if _, ok, err := vs.Resolve(context.Background()); err != nil || ok {
		t.Fatalf("expected unresolved voice, ok=%v err=%v", ok, err)
	}

	engine.setVoices([]Voice{{Name: "Google US English", Lang: "en-US"}})
	v, ok := vs.Current()
	if !ok || v.Name != "Google US English" {
		t.Fatalf("expected voice after change event, got %+v ok=%v", v, ok)
	}
}

func TestVoiceSelectorCachesUntilChanged(t *testing.T) {
	engine := &fakeEngine{voices: []Voice{{Name: "Samantha", Lang: "en-US"}}}
	vs := NewVoiceSelector(engine, "en", "Google", newLogger())

	if v, ok, err := vs.Resolve(context.Background()); err != nil || !ok || v.Name != "Samantha" {
		t.Fatalf("unexpected resolve result %+v ok=%v err=%v", v, ok, err)
	}

	// Without a change event the cached selection stands.
	engine.mu.Lock()
	engine.voices = []Voice{{Name: "Google US English", Lang: "en-US"}}
	engine.mu.Unlock()
	if v, _, _ := vs.Resolve(context.Background()); v.Name != "Samantha" {
		t.Fatalf("expected cached voice, got %q", v.Name)
	}

	engine.setVoices([]Voice{{Name: "Google US English", Lang: "en-US"}})
	if v, _ := vs.Current(); v.Name != "Google US English" {
		t.Fatalf("expected reselected voice, got %q", v.Name)
	}
}

func TestVoiceSelectorKeepsVoiceOnError(t *testing.T) {
	engine := &fakeEngine{voices: []Voice{{Name: "Samantha", Lang: "en-US"}}}
	vs := NewVoiceSelector(engine, "en", "Google", newLogger())
	if _, _, err := vs.Resolve(context.Background()); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	engine.mu.Lock()
	engine.voicesErr = errors.New("platform unavailable")
	engine.mu.Unlock()
	if err := vs.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if v, ok := vs.Current(); !ok || v.Name != "Samantha" {
		t.Fatalf("expected previous voice to survive, got %+v", v)
	}
}
