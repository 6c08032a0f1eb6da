// Package guard bounds outbound push-channel payloads before transmission.
package guard

import "unicode/utf8"

// Verdict classifies a payload against the two thresholds.
type Verdict int

const (
	Valid Verdict = iota
	Warning
	TooLarge
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "VALID"
	case Warning:
		return "WARNING"
	case TooLarge:
		return "TOO_LARGE"
	default:
		return "UNKNOWN"
	}
}

// TruncationMarker is appended to bodies cut down to the hard limit so the
// recipient can see content was lost.
const TruncationMarker = " […]"

// Guard holds the thresholds: WarnBytes < MaxBytes.
type Guard struct {
	WarnBytes int
	MaxBytes  int
}

// Validate classifies the payload size.
func (g Guard) Validate(payload []byte) Verdict {
	switch {
	case len(payload) <= g.WarnBytes:
		return Valid
	case len(payload) <= g.MaxBytes:
		return Warning
	default:
		return TooLarge
	}
}

// Bound returns a body that fits the hard limit. Oversized bodies are
// truncated on a rune boundary and given a visible marker instead of being
// rejected, so the send always goes through from the caller's perspective.
func (g Guard) Bound(body string) (string, Verdict) {
	verdict := g.Validate([]byte(body))
	if verdict != TooLarge {
		return body, verdict
	}

	budget := g.MaxBytes - len(TruncationMarker)
	if budget < 0 {
		budget = 0
	}

	cut := body[:budget]
	// back up to a rune boundary so the marker never splits a character
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}

	out := cut + TruncationMarker
	// a limit smaller than the marker still holds: the marker itself is cut
	if len(out) > g.MaxBytes {
		out = out[:g.MaxBytes]
		for len(out) > 0 && !utf8.ValidString(out) {
			out = out[:len(out)-1]
		}
	}
	return out, TooLarge
}
