package callsite

import "strings"

// Cleaner filters a captured stack down to the frames worth reporting.
type Cleaner interface {
	Clean(stack []string) []string
}

// CleanerFunc adapts a function to the Cleaner interface.
type CleanerFunc func(stack []string) []string

// Clean calls f(stack).
func (f CleanerFunc) Clean(stack []string) []string {
	return f(stack)
}

// DropPrefixes returns a Cleaner that removes frames whose function name
// (the text after " in ") starts with any of the given prefixes. The input
// slice is never modified.
func DropPrefixes(prefixes ...string) Cleaner {
	return CleanerFunc(func(stack []string) []string {
		out := make([]string, 0, len(stack))
		for _, frame := range stack {
			if !hasAnyPrefix(frameFunction(frame), prefixes) {
				out = append(out, frame)
			}
		}
		return out
	})
}

// Chain applies cleaners in order.
func Chain(cleaners ...Cleaner) Cleaner {
	return CleanerFunc(func(stack []string) []string {
		for _, c := range cleaners {
			stack = c.Clean(stack)
		}
		return stack
	})
}

// Identity returns stacks unchanged.
var Identity Cleaner = CleanerFunc(func(stack []string) []string { return stack })

// defaultDropPrefixes are runtime, test harness, database/sql and driver hook
// frames.
var defaultDropPrefixes = []string{
	"runtime.",
	"testing.",
	"database/sql.",
	"net/http.",
	"github.com/qustavo/sqlhooks/",
	"github.com/txn2/nplusone/",
}

// DefaultCleaner drops Go runtime, standard library plumbing and this
// module's own frames.
func DefaultCleaner() Cleaner {
	return DropPrefixes(defaultDropPrefixes...)
}

func frameFunction(frame string) string {
	if i := strings.LastIndex(frame, " in "); i >= 0 {
		return frame[i+len(" in "):]
	}
	return frame
}
