// Package aggregate turns a finished session into N+1 notifications.
//
// For every call site observed at least MinQueries times, the site's queries
// are grouped by fingerprint. Groups that still reach the threshold are
// reported together with the site's stack, unless any frame of that stack is
// allow-listed, in which case the whole site is dropped.
package aggregate

import (
	"fmt"

	"github.com/txn2/nplusone/pkg/callsite"
	"github.com/txn2/nplusone/pkg/fingerprint"
	"github.com/txn2/nplusone/pkg/pattern"
	"github.com/txn2/nplusone/pkg/session"
)

// DefaultMinQueries is the repetition threshold used when none is configured.
const DefaultMinQueries = 2

// DefaultAllowList suppresses repeated queries issued by ORM eager loading and
// uniqueness validation, which batch by design.
var DefaultAllowList = pattern.List{
	pattern.MustCompile(`gorm\.io/gorm/callbacks\..*[Pp]reload`),
	pattern.MustCompile(`/validations?/uniqueness`),
}

// Fingerprinter computes query fingerprints.
type Fingerprinter interface {
	Fingerprint(query string, d fingerprint.Dialect) (string, error)
}

// Options configures Aggregate.
type Options struct {
	// MinQueries is the repetition threshold. Values below 1 mean DefaultMinQueries.
	// Sessions keep a site's stack from its second observation on, so with a
	// threshold of 1 a site seen once is reported with a nil Stack and no
	// allow-list pattern can match it.
	MinQueries int

	// Fingerprinter defaults to fingerprint.Default().
	Fingerprinter Fingerprinter

	// Allow is the process-wide allow list, applied in addition to
	// DefaultAllowList and the snapshot's scope-local patterns.
	Allow pattern.List
}

// Notification is one group of same-shape queries issued from one call site.
type Notification struct {
	CallSite    callsite.Key
	Fingerprint string
	Queries     []string
	Stack       []string
}

// Aggregate groups the snapshot's queries and returns the flagged groups,
// ordered by call site and then by first appearance of each fingerprint. Any
// fingerprint error aborts the aggregation.
func Aggregate(snap session.Snapshot, opts Options) ([]Notification, error) {
	minQueries := opts.MinQueries
	if minQueries < 1 {
		minQueries = DefaultMinQueries
	}
	fp := opts.Fingerprinter
	if fp == nil {
		fp = fingerprint.Default()
	}
	allow := pattern.Concat(snap.Allow, opts.Allow, DefaultAllowList)

	var notes []Notification
	for _, site := range snap.Sites {
		if site.Count < minQueries {
			continue
		}

		groups, err := groupByFingerprint(site, fp)
		if err != nil {
			return nil, err
		}

		var flagged []group
		for _, g := range groups {
			if len(g.queries) >= minQueries {
				flagged = append(flagged, g)
			}
		}
		if len(flagged) == 0 || allow.MatchAny(site.Stack) {
			continue
		}

		for _, g := range flagged {
			notes = append(notes, Notification{
				CallSite:    site.Key,
				Fingerprint: g.fingerprint,
				Queries:     g.queries,
				Stack:       site.Stack,
			})
		}
	}
	return notes, nil
}

type group struct {
	fingerprint string
	queries     []string
}

func groupByFingerprint(site session.Site, fp Fingerprinter) ([]group, error) {
	index := make(map[string]int)
	var groups []group

	for _, q := range site.Queries {
		key, err := fp.Fingerprint(q.SQL, q.Dialect)
		if err != nil {
			return nil, fmt.Errorf("fingerprinting query %q from call site %s: %w", q.SQL, site.Key.Short(), err)
		}

		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, group{fingerprint: key})
		}
		groups[i].queries = append(groups[i].queries, q.SQL)
	}
	return groups, nil
}
