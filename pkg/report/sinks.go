package report

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/txn2/nplusone/pkg/aggregate"
	"github.com/txn2/nplusone/pkg/callsite"
)

const (
	logFilePerm = 0o644
	logDirPerm  = 0o755
)

// red ignores NO_COLOR and terminal detection; WriterNotifier.Color decides.
var red = func() *color.Color {
	c := color.New(color.FgHiRed)
	c.EnableColor()
	return c
}()

// Red wraps every line of s in bright red ANSI codes.
func Red(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = red.Sprint(line)
	}
	return strings.Join(lines, "\n")
}

// LogNotifier writes one warning per flagged group to a slog.Logger.
type LogNotifier struct {
	Logger  *slog.Logger
	Cleaner callsite.Cleaner
}

// Notify logs each notification with its queries and cleaned stack.
func (n LogNotifier) Notify(ctx context.Context, notes []aggregate.Notification) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cleaner := n.Cleaner
	if cleaner == nil {
		cleaner = callsite.Identity
	}

	for _, note := range notes {
		logger.WarnContext(ctx, "N+1 queries detected",
			"call_site", note.CallSite.Short(),
			"fingerprint", note.Fingerprint,
			"count", len(note.Queries),
			"queries", note.Queries,
			"stack", cleaner.Clean(note.Stack),
		)
	}
	return nil
}

// WriterNotifier writes the formatted report to W, typically os.Stderr.
type WriterNotifier struct {
	W       io.Writer
	Color   bool
	Cleaner callsite.Cleaner

	mu sync.Mutex
}

// Notify writes the report.
func (n *WriterNotifier) Notify(_ context.Context, notes []aggregate.Notification) error {
	text := Format(notes, n.Cleaner)
	if n.Color {
		text = Red(text)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, err := io.WriteString(n.W, text); err != nil {
		return fmt.Errorf("writing n+1 report: %w", err)
	}
	return nil
}

// FileNotifier appends the formatted report to a dedicated log file, creating
// the file and its directory on first use.
type FileNotifier struct {
	Path    string
	Cleaner callsite.Cleaner

	mu sync.Mutex
}

// Notify appends the report to the file.
func (n *FileNotifier) Notify(_ context.Context, notes []aggregate.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(n.Path), logDirPerm); err != nil {
		return fmt.Errorf("creating n+1 log directory: %w", err)
	}
	f, err := os.OpenFile(n.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, logFilePerm) // #nosec G304 -- path from operator config
	if err != nil {
		return fmt.Errorf("opening n+1 log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.WriteString(f, Format(notes, n.Cleaner)+"\n"); err != nil {
		return fmt.Errorf("appending n+1 log file: %w", err)
	}
	return nil
}

// Error is returned by ErrorNotifier. It carries the rendered report.
type Error struct {
	Report        string
	Notifications []aggregate.Notification
}

func (e *Error) Error() string {
	return e.Report
}

// ErrorNotifier turns every detection into an *Error, failing the scope.
type ErrorNotifier struct {
	Cleaner callsite.Cleaner
}

// Notify returns an *Error describing notes.
func (n ErrorNotifier) Notify(_ context.Context, notes []aggregate.Notification) error {
	return &Error{Report: Format(notes, n.Cleaner), Notifications: notes}
}

// Verify interface compliance.
var (
	_ Notifier = LogNotifier{}
	_ Notifier = (*WriterNotifier)(nil)
	_ Notifier = (*FileNotifier)(nil)
	_ Notifier = ErrorNotifier{}
)
