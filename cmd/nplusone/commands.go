package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	gomigrate "github.com/golang-migrate/migrate/v4"

	"github.com/txn2/nplusone/pkg/aggregate"
	"github.com/txn2/nplusone/pkg/callsite"
	"github.com/txn2/nplusone/pkg/database/migrate"
	"github.com/txn2/nplusone/pkg/detector"
	"github.com/txn2/nplusone/pkg/fingerprint"
	"github.com/txn2/nplusone/pkg/platform"
	"github.com/txn2/nplusone/pkg/report"
)

const (
	maxLineBytes      = 4 << 20
	defaultListLimit  = 20
	fingerprintColMax = 80
)

// runFingerprint prints one fingerprint per query. Queries come from the
// arguments, or one per line from stdin.
func runFingerprint(args []string, s streams) error {
	fs := newFlagSet("fingerprint", s)
	dialectName := fs.String("dialect", "mysql", "SQL dialect of the queries")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dialect := fingerprint.ParseDialect(*dialectName)
	if dialect == fingerprint.Unknown {
		return fmt.Errorf("unknown dialect: %s", *dialectName)
	}

	emit := func(query string) error {
		fp, err := fingerprint.Fingerprint(query, dialect)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(s.out, fp)
		return err
	}

	if fs.NArg() > 0 {
		for _, q := range fs.Args() {
			if err := emit(q); err != nil {
				return err
			}
		}
		return nil
	}

	sc := bufio.NewScanner(s.in)
	sc.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := emit(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading queries: %w", err)
	}
	return nil
}

// replayEvent is one line of a replay log.
type replayEvent struct {
	Scope string `json:"scope"`

	// Op is empty for statements, or "pause" / "resume".
	Op string `json:"op,omitempty"`

	SQL     string              `json:"sql"`
	Dialect fingerprint.Dialect `json:"dialect"`
	Cached  bool                `json:"cached"`
	Name    string              `json:"name"`
	Stack   []string            `json:"stack"`
}

type replayScope struct {
	ctx   context.Context
	scope *detector.Scope
}

// runReplay feeds a JSON-lines query log through a configured detector. Each
// distinct scope value is one unit of work; scopes end in order of first
// appearance once the input is exhausted. Statements without a stack share
// one call site per scope.
func runReplay(ctx context.Context, args []string, s streams) error {
	fs := newFlagSet("replay", s)
	configPath := fs.String("config", "", "Path to configuration file")
	dialectName := fs.String("dialect", "", "Dialect for events that do not declare one")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *dialectName != "" {
		cfg.Dialect = *dialectName
	}

	in, closeIn, err := openInput(fs.Arg(0), s.in)
	if err != nil {
		return err
	}
	defer closeIn()

	var groups int
	counter := report.NotifierFunc(func(_ context.Context, notes []aggregate.Notification) error {
		groups += len(notes)
		return nil
	})

	p, err := platform.New(
		platform.WithConfig(cfg),
		platform.WithNotifiers(&report.WriterNotifier{W: s.out, Cleaner: callsite.Identity}, counter),
	)
	if err != nil {
		return fmt.Errorf("creating platform: %w", err)
	}
	defer func() { _ = p.Close() }()
	if err := p.Start(ctx); err != nil {
		return err
	}

	scopes, order, err := replayEvents(ctx, p.Detector(), in)
	if err != nil {
		return err
	}

	for _, name := range order {
		sc := scopes[name]
		if _, err := sc.scope.End(sc.ctx); err != nil {
			var rerr *report.Error
			if !errors.As(err, &rerr) {
				return fmt.Errorf("ending scope %q: %w", name, err)
			}
		}
	}

	if groups > 0 {
		_, _ = fmt.Fprintf(s.err, "%d N+1 group(s) detected across %d scope(s)\n", groups, len(order))
		return errDetected
	}
	return nil
}

func replayEvents(ctx context.Context, d *detector.Detector, in io.Reader) (map[string]*replayScope, []string, error) {
	scopes := make(map[string]*replayScope)
	var order []string

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxLineBytes)
	for line := 1; sc.Scan(); line++ {
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}

		var ev replayEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}

		rs, ok := scopes[ev.Scope]
		if !ok {
			sctx, scope := d.Begin(ctx)
			rs = &replayScope{ctx: sctx, scope: scope}
			scopes[ev.Scope] = rs
			order = append(order, ev.Scope)
		}

		switch ev.Op {
		case "":
			stack := ev.Stack
			if len(stack) == 0 {
				stack = []string{"replay scope " + ev.Scope}
			}
			d.Observe(rs.ctx, detector.Event{
				SQL:     ev.SQL,
				Dialect: ev.Dialect,
				Cached:  ev.Cached,
				Name:    ev.Name,
				Stack:   stack,
			})
		case "pause":
			d.Pause(rs.ctx)
		case "resume":
			d.Resume(rs.ctx)
		default:
			return nil, nil, fmt.Errorf("line %d: unknown op %q", line, ev.Op)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading replay log: %w", err)
	}
	return scopes, order, nil
}

// openInput opens path, or returns stdin for "" and "-".
func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path) // #nosec G304 -- path is from CLI args
	if err != nil {
		return nil, nil, fmt.Errorf("opening replay log: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// runFindings lists stored findings, newest first.
func runFindings(ctx context.Context, args []string, s streams) error {
	fs := newFlagSet("findings", s)
	configPath := fs.String("config", "", "Path to configuration file")
	limit := fs.Int("limit", defaultListLimit, "Maximum number of findings")
	offset := fs.Int("offset", 0, "Number of findings to skip")
	site := fs.String("callsite", "", "Only findings for this call site key")
	fp := fs.String("fingerprint", "", "Only findings with this fingerprint")
	since := fs.Duration("since", 0, "Only findings newer than this age")
	asJSON := fs.Bool("json", false, "Print JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Report.Store.Provider == platform.StoreNone {
		return errors.New("findings require report.store.provider to be memory or postgres")
	}

	p, err := platform.New(platform.WithConfig(cfg))
	if err != nil {
		return fmt.Errorf("creating platform: %w", err)
	}
	defer func() { _ = p.Close() }()
	if err := p.Start(ctx); err != nil {
		return err
	}

	filter := report.Filter{CallSite: *site, Fingerprint: *fp, Limit: *limit, Offset: *offset}
	if *since > 0 {
		t := time.Now().Add(-*since)
		filter.Since = &t
	}

	findings, err := p.Store().List(ctx, filter)
	if err != nil {
		return fmt.Errorf("listing findings: %w", err)
	}

	if *asJSON {
		enc := json.NewEncoder(s.out)
		enc.SetIndent("", "  ")
		return enc.Encode(findings)
	}
	return writeFindingsTable(s.out, findings)
}

func writeFindingsTable(w io.Writer, findings []report.Finding) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "DETECTED\tCOUNT\tCALL SITE\tFINGERPRINT")
	for _, f := range findings {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
			f.DetectedAt.Format(time.RFC3339), f.Count, shortSite(f.CallSite), truncate(f.Fingerprint, fingerprintColMax))
	}
	return tw.Flush()
}

func shortSite(key string) string {
	const n = 12
	if len(key) > n {
		return key[:n]
	}
	return key
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// runMigrate manages the findings schema.
func runMigrate(_ context.Context, args []string, s streams) error {
	fs := newFlagSet("migrate", s)
	configPath := fs.String("config", "", "Path to configuration file")
	down := fs.Bool("down", false, "Roll back every migration")
	steps := fs.Int("steps", 0, "Apply n migrations (negative rolls back)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Report.Store.Provider != platform.StorePostgres {
		return errors.New("migrate requires report.store.provider postgres")
	}

	p, err := platform.New(platform.WithConfig(cfg))
	if err != nil {
		return fmt.Errorf("creating platform: %w", err)
	}
	defer func() { _ = p.Close() }()
	db := p.DB()

	switch {
	case *down:
		err = migrate.Down(db)
	case *steps != 0:
		err = migrate.Steps(db, *steps)
	default:
		err = migrate.Run(db)
	}
	if err != nil {
		return err
	}

	version, dirty, err := migrate.Version(db)
	if errors.Is(err, gomigrate.ErrNilVersion) {
		_, _ = fmt.Fprintln(s.out, "findings schema: no migrations applied")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	_, _ = fmt.Fprintf(s.out, "findings schema version %d (dirty: %t)\n", version, dirty)
	return nil
}
