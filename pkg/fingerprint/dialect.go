package fingerprint

import "strings"

// Dialect identifies the SQL dialect a query was written for. It selects the
// normalization strategy used to fingerprint the query.
type Dialect int

// Supported dialects.
const (
	Unknown Dialect = iota
	Postgres
	MySQL
	MariaDB
	SQLite
	SQLServer
	Oracle
)

var dialectNames = map[Dialect]string{
	Unknown:   "unknown",
	Postgres:  "postgres",
	MySQL:     "mysql",
	MariaDB:   "mariadb",
	SQLite:    "sqlite",
	SQLServer: "sqlserver",
	Oracle:    "oracle",
}

// dialectAliases maps database/sql driver names and common spellings to a Dialect.
var dialectAliases = map[string]Dialect{
	"postgres":   Postgres,
	"postgresql": Postgres,
	"pg":         Postgres,
	"pgx":        Postgres,
	"mysql":      MySQL,
	"mariadb":    MariaDB,
	"sqlite":     SQLite,
	"sqlite3":    SQLite,
	"sqlserver":  SQLServer,
	"mssql":      SQLServer,
	"oracle":     Oracle,
	"godror":     Oracle,
}

// String returns the canonical dialect name.
func (d Dialect) String() string {
	if name, ok := dialectNames[d]; ok {
		return name
	}
	return "unknown"
}

// ParseDialect resolves a dialect or driver name. Unrecognized names yield Unknown.
func ParseDialect(name string) Dialect {
	if d, ok := dialectAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return d
	}
	return Unknown
}

// MarshalText implements encoding.TextMarshaler.
func (d Dialect) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Dialect) UnmarshalText(text []byte) error {
	*d = ParseDialect(string(text))
	return nil
}
