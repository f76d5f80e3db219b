package transcript

import "regexp"

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardRe  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	ssnRe   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	phoneRe = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
)

// Redact masks contact and payment details before a transcript is stored.
// Card numbers are matched before phone numbers so long digit runs are
// labelled as cards.
func Redact(text string) (string, bool) {
	out := text
	for _, r := range []struct {
		re   *regexp.Regexp
		mark string
	}{
		{emailRe, "[REDACTED_EMAIL]"},
		{cardRe, "[REDACTED_CARD]"},
		{ssnRe, "[REDACTED_SSN]"},
		{phoneRe, "[REDACTED_PHONE]"},
	} {
		out = r.re.ReplaceAllString(out, r.mark)
	}
	return out, out != text
}
