package transcript

import (
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	in := "mail sam@example.com, call +1 (555) 123-9876, card 4242 4242 4242 4242, ssn 123-45-6789"
	out, changed := Redact(in)
	if !changed {
		t.Fatalf("expected redaction")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]", "[REDACTED_SSN]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing %q: %q", marker, out)
		}
	}
	if _, changed := Redact("I feel better today"); changed {
		t.Fatalf("plain text should not change")
	}
}
