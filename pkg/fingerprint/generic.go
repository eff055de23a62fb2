package fingerprint

import (
	"strings"

	"github.com/DataDog/go-sqllexer"
)

// Generic fingerprints queries with the SQL lexer alone. It suits engines
// without a dialect-aware obfuscator, such as SQLite.
type Generic struct {
	obfuscator *sqllexer.Obfuscator
	normalizer *sqllexer.Normalizer
}

// NewGeneric creates a lexer-based normalizer.
func NewGeneric() *Generic {
	return &Generic{
		obfuscator: sqllexer.NewObfuscator(
			sqllexer.WithReplaceDigits(false),
			sqllexer.WithDollarQuotedFunc(false),
		),
		normalizer: sqllexer.NewNormalizer(
			sqllexer.WithKeepSQLAlias(false),
		),
	}
}

// Fingerprint returns the lower-cased normalized statement.
func (g *Generic) Fingerprint(query string) (string, error) {
	if err := validateInput(query); err != nil {
		return "", err
	}

	normalized, _, err := sqllexer.ObfuscateAndNormalize(query, g.obfuscator, g.normalizer)
	if err != nil {
		return "", &NormalizationError{Query: query, Reason: "lexing statement", Err: err}
	}

	normalized = strings.ToLower(strings.TrimSpace(normalized))
	if normalized == "" {
		return "", &NormalizationError{Query: query, Reason: "empty normalized form"}
	}
	return normalized, nil
}
