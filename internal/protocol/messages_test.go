package protocol

import "testing"

func TestSubjectsSanitizeTargets(t *testing.T) {
	cases := map[string]string{
		"kitchen":     "speech.utterance.play.kitchen",
		"living room": "speech.utterance.play.living_room",
		"a.b":         "speech.utterance.play.a_b",
		"*":           "speech.utterance.play._",
		"":            "speech.utterance.play.default",
	}
	for target, want := range cases {
		if got := UtteranceSubject(target); got != want {
			t.Fatalf("UtteranceSubject(%q) = %q, want %q", target, got, want)
		}
	}
	if got := CancelSubject("kitchen"); got != "speech.cancel.kitchen" {
		t.Fatalf("unexpected cancel subject %q", got)
	}
}
