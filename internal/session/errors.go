package session

import "strings"

// ErrorKind is the closed taxonomy of outcomes a send attempt can surface
// (spec.md §7). These are kinds, not Go error types, so callers switch on
// kind rather than errors.Is.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindNotPaired          ErrorKind = "not_paired"
	KindNotConnected       ErrorKind = "not_connected"
	KindRateLimited        ErrorKind = "rate_limited"
	KindTempBlocked        ErrorKind = "temp_blocked"
	KindPermanentlyBlocked ErrorKind = "permanently_blocked"
	KindTransportError     ErrorKind = "transport_error"
	KindInvalidRecipient   ErrorKind = "invalid_recipient"
)

// BlockPredicate classifies a chat-service error string into an ErrorKind.
// The default matcher below matches on English phrases, as the system it
// was distilled from does; spec.md §9 explicitly treats this as a
// pluggable heuristic — the invariant is the resulting state transition,
// not the specific words.
type BlockPredicate func(errText string) ErrorKind

var tempBlockPhrases = []string{
	"restricted",
	"try again later",
	"too many",
	"spam",
}

var permBlockPhrases = []string{
	"banned",
	"suspended",
	"not authorized",
	"unusual activity",
}

// DefaultBlockPredicate implements the substring matcher described in
// spec.md §7.
func DefaultBlockPredicate(errText string) ErrorKind {
	lower := strings.ToLower(errText)
	for _, p := range permBlockPhrases {
		if strings.Contains(lower, p) {
			return KindPermanentlyBlocked
		}
	}
	for _, p := range tempBlockPhrases {
		if strings.Contains(lower, p) {
			return KindTempBlocked
		}
	}
	return KindNone
}
