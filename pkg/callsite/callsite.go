// Package callsite identifies where in a program a query originated.
//
// A call site is the full stack of frames active when the query fired. Identify
// reduces the ordered frames to a fixed-size Key, Capture snapshots the current
// goroutine's stack, and Cleaner implementations trim framework frames before a
// stack is shown to a human.
package callsite

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Key is a digest of an ordered call stack. Stacks that are equal as ordered
// sequences have equal keys; collisions between different stacks are not
// detected.
type Key [blake2b.Size256]byte

// String returns the key in hex.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Short returns the first 12 hex characters of the key.
func (k Key) Short() string {
	return k.String()[:12]
}

// Identify digests the frames in order. Each frame is length-prefixed so that
// moving text between adjacent frames changes the key.
func Identify(stack []string) Key {
	h, _ := blake2b.New256(nil) // nil key never errors

	var prefix [binary.MaxVarintLen64]byte
	for _, frame := range stack {
		n := binary.PutUvarint(prefix[:], uint64(len(frame)))
		_, _ = h.Write(prefix[:n])
		_, _ = h.Write([]byte(frame))
	}

	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// initialDepth is the first pc buffer size Capture tries. The buffer doubles
// until the whole stack fits.
const initialDepth = 64

// Capture returns the calling goroutine's stack as "file:line in function"
// frames, innermost first. skip counts frames above the caller of Capture, as
// in runtime.Callers. Frames whose function name starts with any of the drop
// prefixes are omitted.
func Capture(skip int, drop ...string) []string {
	pcs := make([]uintptr, initialDepth)
	n := runtime.Callers(skip+2, pcs)
	for n == len(pcs) {
		pcs = make([]uintptr, 2*len(pcs))
		n = runtime.Callers(skip+2, pcs)
	}
	frames := runtime.CallersFrames(pcs[:n])

	stack := make([]string, 0, n)
	for {
		f, more := frames.Next()
		if !hasAnyPrefix(f.Function, drop) {
			stack = append(stack, FormatFrame(f))
		}
		if !more {
			break
		}
	}
	return stack
}

// FormatFrame renders a runtime frame the way Capture records it.
func FormatFrame(f runtime.Frame) string {
	return fmt.Sprintf("%s:%d in %s", f.File, f.Line, f.Function)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
