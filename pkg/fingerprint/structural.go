package fingerprint

import (
	"fmt"
	"strings"

	"github.com/DataDog/datadog-agent/pkg/obfuscate"
	"github.com/DataDog/go-sqllexer"
	"github.com/cespare/xxhash/v2"
)

// obfuscateAndNormalize selects the lexer-based obfuscator that also rewrites
// the statement into a canonical form.
const obfuscateAndNormalize = "obfuscate_and_normalize"

// Structural fingerprints queries through the Datadog SQL obfuscator. The
// canonical statement is digested so fingerprints have a fixed width.
type Structural struct {
	dbms       sqllexer.DBMSType
	obfuscator *obfuscate.Obfuscator
}

// NewStructural creates a structural normalizer for the given DBMS.
func NewStructural(dbms sqllexer.DBMSType) *Structural {
	return &Structural{
		dbms: dbms,
		obfuscator: obfuscate.NewObfuscator(obfuscate.Config{
			SQL: obfuscate.SQLConfig{
				DBMS:            string(dbms),
				ObfuscationMode: obfuscateAndNormalize,
				KeepSQLAlias:    false,
			},
		}),
	}
}

// Canonical returns the normalized statement the fingerprint is computed from.
func (s *Structural) Canonical(query string) (string, error) {
	if err := validateInput(query); err != nil {
		return "", err
	}

	oq, err := s.obfuscator.ObfuscateSQLString(query)
	if err != nil {
		return "", &NormalizationError{Query: query, Reason: "obfuscating " + string(s.dbms) + " statement", Err: err}
	}

	canonical := strings.ToLower(strings.TrimSpace(oq.Query))
	if canonical == "" {
		return "", &NormalizationError{Query: query, Reason: "empty canonical form"}
	}
	return canonical, nil
}

// Fingerprint returns the hex digest of the canonical statement.
func (s *Structural) Fingerprint(query string) (string, error) {
	canonical, err := s.Canonical(query)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(canonical)), nil
}
