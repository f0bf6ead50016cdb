// Package question owns the Question lifecycle: canonical statuses, legacy
// label normalization and the legal transition table.
package question

import (
	"strings"

	"golang.org/x/text/cases"
)

// Status is a canonical question status. Stored values are always canonical.
type Status string

const (
	Pending    Status = "PENDING"
	Processing Status = "PROCESSING"
	Reviewing  Status = "REVIEWING"
	Responded  Status = "RESPONDED"
	Failed     Status = "FAILED"
	Error      Status = "ERROR"
	TokenError Status = "TOKEN_ERROR"
)

// Statuses lists every canonical status.
var Statuses = []Status{Pending, Processing, Reviewing, Responded, Failed, Error, TokenError}

// transitions is the directed adjacency table. Terminal statuses have no
// entry.
var transitions = map[Status][]Status{
	Pending:    {Processing, Reviewing, Failed, Error},
	Processing: {Pending, Reviewing, Responded, Failed, Error},
	Reviewing:  {Pending, Responded, Failed, Error},
	Failed:     {Pending, Processing, Error},
	TokenError: {Pending, Error},
}

// aliases maps folded legacy labels to canonical statuses.
var aliases = map[string]Status{
	"awaiting_approval": Pending,
	"received":          Pending,
	"new":               Pending,
	"unanswered":        Pending,
	"queued":            Pending,

	"ai_processing": Processing,
	"in_progress":   Processing,
	"generating":    Processing,

	"revising":        Reviewing,
	"in_review":       Reviewing,
	"awaiting_review": Reviewing,
	"suggested":       Reviewing,

	"approved":  Responded,
	"sent":      Responded,
	"completed": Responded,
	"answered":  Responded,

	"retry":            Failed,
	"failed_retryable": Failed,

	"error":             Error,
	"failed_permanent":  Error,
	"closed_unanswered": Error,
	"banned":            Error,
	"deleted":           Error,

	"token_error":  TokenError,
	"unauthorized": TokenError,
	"auth_error":   TokenError,
}

var folder = cases.Fold()

// fold lowercases (Unicode case folding) and collapses spaces and dashes to
// single underscores: "Awaiting Approval" -> "awaiting_approval".
func fold(label string) string {
	s := folder.String(strings.TrimSpace(label))
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '\t':
			return '_'
		}
		return r
	}, s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

// Normalize maps any canonical or legacy label to its canonical status.
func Normalize(label string) (Status, bool) {
	f := fold(label)
	if f == "" {
		return "", false
	}
	canonical := Status(strings.ToUpper(f))
	if _, ok := transitions[canonical]; ok || canonical.IsTerminal() {
		return canonical, true
	}
	if s, ok := aliases[f]; ok {
		return s, true
	}
	return "", false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == Responded || s == Error
}

func (s Status) String() string { return string(s) }

// CanTransition normalizes both labels and checks the adjacency table.
// Unknown labels never transition.
func CanTransition(from, to string) bool {
	f, ok := Normalize(from)
	if !ok {
		return false
	}
	t, ok := Normalize(to)
	if !ok {
		return false
	}
	return allowed(f, t)
}

func allowed(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Next returns the legal successors of s.
func Next(s Status) []Status {
	return append([]Status(nil), transitions[s]...)
}
