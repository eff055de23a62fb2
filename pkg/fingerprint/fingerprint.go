// Package fingerprint normalizes SQL text into structural fingerprints.
//
// Two queries that differ only in literal values, whitespace, comments or the
// length of a value list produce the same fingerprint, while queries that touch
// different tables, columns or predicates do not. Each Dialect is served by a
// Normalizer strategy: a structural normalizer backed by the Datadog SQL
// obfuscator, a lighter lexer-based normalizer, or the MySQL regex pipeline.
package fingerprint

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/DataDog/go-sqllexer"
)

// Normalizer produces the fingerprint of a single query.
type Normalizer interface {
	Fingerprint(query string) (string, error)
}

// NormalizerFunc adapts a function to the Normalizer interface.
type NormalizerFunc func(query string) (string, error)

// Fingerprint calls f(query).
func (f NormalizerFunc) Fingerprint(query string) (string, error) {
	return f(query)
}

// Engine maps dialects to normalizers. An Engine is immutable once built and
// safe for concurrent use.
type Engine struct {
	normalizers map[Dialect]Normalizer
}

// Option configures an Engine.
type Option func(*Engine)

// WithNormalizer registers n for dialect d, replacing any built-in strategy.
// A nil normalizer removes support for the dialect.
func WithNormalizer(d Dialect, n Normalizer) Option {
	return func(e *Engine) {
		if n == nil {
			delete(e.normalizers, d)
			return
		}
		e.normalizers[d] = n
	}
}

// New creates an Engine with the built-in strategies for every known dialect.
// Unknown falls back to the structural PostgreSQL normalizer.
func New(opts ...Option) *Engine {
	mysql := MySQLPipeline{}
	postgres := NewStructural(sqllexer.DBMSPostgres)
	e := &Engine{
		normalizers: map[Dialect]Normalizer{
			Unknown:   postgres,
			Postgres:  postgres,
			SQLServer: NewStructural(sqllexer.DBMSSQLServer),
			Oracle:    NewStructural(sqllexer.DBMSOracle),
			SQLite:    NewGeneric(),
			MySQL:     mysql,
			MariaDB:   mysql,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Supports reports whether the engine has a normalizer for d.
func (e *Engine) Supports(d Dialect) bool {
	_, ok := e.normalizers[d]
	return ok
}

// Fingerprint normalizes query using the strategy registered for d.
func (e *Engine) Fingerprint(query string, d Dialect) (string, error) {
	n, ok := e.normalizers[d]
	if !ok {
		return "", unsupported(d)
	}
	return n.Fingerprint(query)
}

var defaultEngine = sync.OnceValue(func() *Engine { return New() })

// Default returns the shared engine with the built-in strategies.
func Default() *Engine {
	return defaultEngine()
}

// Fingerprint normalizes query with the default engine.
func Fingerprint(query string, d Dialect) (string, error) {
	return defaultEngine().Fingerprint(query, d)
}

// validateInput rejects text no strategy can normalize meaningfully.
func validateInput(query string) error {
	if strings.TrimSpace(query) == "" {
		return &NormalizationError{Query: query, Reason: "empty query"}
	}
	if !utf8.ValidString(query) {
		return &NormalizationError{Query: query, Reason: "invalid UTF-8"}
	}
	return nil
}
