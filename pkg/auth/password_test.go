package auth

import (
	"strings"
	"testing"
)

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("Librarian#2024")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(hash, "$2") {
		t.Fatalf("expected a bcrypt hash, got %q", hash)
	}
	if !CheckPassword("Librarian#2024", hash) {
		t.Fatalf("correct password rejected")
	}
	if CheckPassword("librarian#2024", hash) {
		t.Fatalf("wrong password accepted")
	}
	if CheckPassword("Librarian#2024", "") {
		t.Fatalf("empty stored hash must never match")
	}
}

func TestValidatePasswordPolicy(t *testing.T) {
	cases := map[string]string{
		"Librarian#2024":   "",
		"Sh0rt!":           "at least 12",
		"librarian#2024":   "uppercase",
		"LIBRARIAN#2024":   "lowercase",
		"Librarian#Books":  "digit",
		"Librarian2024abc": "special",
	}
	for pw, want := range cases {
		err := ValidatePassword(pw)
		if want == "" {
			if err != nil {
				t.Fatalf("%q: unexpected error %v", pw, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("%q: got %v, want error containing %q", pw, err, want)
		}
	}
}
