package transcript

import "regexp"

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/\-]+=*`)
	jwtPattern    = regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`)
)

type redaction struct {
	pattern *regexp.Regexp
	mask    string
}

// Order matters: cards before phones, bearer headers before bare JWTs.
var redactions = []redaction{
	{bearerPattern, "[REDACTED_TOKEN]"},
	{jwtPattern, "[REDACTED_TOKEN]"},
	{emailPattern, "[REDACTED_EMAIL]"},
	{cardPattern, "[REDACTED_CARD]"},
	{phonePattern, "[REDACTED_PHONE]"},
}

// Redact masks contact details, card numbers and access tokens that callers
// speak or paste into a room.
func Redact(content string) (string, bool) {
	out := content
	changed := false
	for _, r := range redactions {
		next := r.pattern.ReplaceAllString(out, r.mask)
		if next != out {
			changed = true
			out = next
		}
	}
	return out, changed
}

// RedactTurn returns turn with its content redacted.
func RedactTurn(turn Turn) (Turn, bool) {
	content, changed := Redact(turn.Content)
	turn.Content = content
	return turn, changed
}
