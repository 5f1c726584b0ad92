package models

import "testing"

func TestNormalizeUsername(t *testing.T) {
	cases := map[string]string{
		"  Alice ":  "alice",
		"BOB.smith": "bob.smith",
		"":          "",
		"   ":       "",
	}
	for in, want := range cases {
		if got := NormalizeUsername(in); got != want {
			t.Fatalf("normalize %q: got %q want %q", in, got, want)
		}
	}
}

func TestValidUsername(t *testing.T) {
	// underscore is allowed, dash is not
	valid := []string{"alice", "bob.smith", "a_b", "x9"}
	for _, u := range valid {
		if !ValidUsername(u) {
			t.Fatalf("expected %q valid", u)
		}
	}
	invalid := []string{"", "a", "has space", "dash-name", "waytoolongusernamethatexceedsthirty"}
	for _, u := range invalid {
		if ValidUsername(u) {
			t.Fatalf("expected %q invalid", u)
		}
	}
}

func TestValidAccount(t *testing.T) {
	if !ValidAccount("bot-1") {
		t.Fatalf("dash should be allowed in accounts")
	}
	if ValidAccount("x") {
		t.Fatalf("single char account should be rejected")
	}
}

func TestJobIDShapes(t *testing.T) {
	id := NewJobID()
	if !ValidJobID(id) {
		t.Fatalf("minted id should validate: %s", id)
	}

	derived := DeriveJobID(id, "analyze")
	if !ValidJobID(derived) {
		t.Fatalf("derived id should validate: %s", derived)
	}
	if derived == id {
		t.Fatalf("derived id must differ from parent")
	}
	if again := DeriveJobID(id, "analyze"); again != derived {
		t.Fatalf("derivation must be deterministic: %s vs %s", again, derived)
	}
	if other := DeriveJobID(id, "other"); other == derived {
		t.Fatalf("different suffixes must derive different ids")
	}
}

func TestTruncateError(t *testing.T) {
	long := make([]byte, MaxErrorLength+50)
	for i := range long {
		long[i] = 'x'
	}
	if got := TruncateError(string(long)); len(got) != MaxErrorLength {
		t.Fatalf("expected truncation to %d, got %d", MaxErrorLength, len(got))
	}
	if got := TruncateError("short"); got != "short" {
		t.Fatalf("short strings must pass through")
	}
}
