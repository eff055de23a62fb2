package fingerprint

import (
	"regexp"
	"strings"
)

const (
	mysqldumpPrefix      = "SELECT /*!40001 SQL_NO_CACHE */ * FROM `"
	mysqldumpFingerprint = "mysqldump"
	perconaFingerprint   = "percona-toolkit"
	placeholder          = "?"
	repeatMarker         = "/*repeat"
)

var (
	perconaRe       = regexp.MustCompile(`\*\w+\.\w+:[0-9]/[0-9]\*/`)
	procedureCallRe = regexp.MustCompile(`(?i)\A\s*(call\s+\S+)\(`)
	insertBatchRe   = regexp.MustCompile(`(?is)\A((?:INSERT|REPLACE)(?: IGNORE)?\s+INTO.+?VALUES\s*\(.*?\))\s*,\s*\(`)
	blockCommentRe  = regexp.MustCompile(`(?s)/\*[^!].*?\*/`)
	lineCommentRe   = regexp.MustCompile(`(?:--|#)[^\r\n]*`)
	useSchemaRe     = regexp.MustCompile(`(?i)\Ause \S+(\n?)\z`)
	escapedQuoteRe  = regexp.MustCompile(`\\["']`)
	doubleQuotedRe  = regexp.MustCompile(`"(?:[^"]|"")*"`)
	singleQuotedRe  = regexp.MustCompile(`'(?:[^']|'')*'`)
	booleanRe       = regexp.MustCompile(`(?i)\b(?:true|false)\b`)
	numberRe        = regexp.MustCompile(`[0-9+-][0-9a-f.x+-]*`)
	artifactRe      = regexp.MustCompile(`[xb.+-]\?`)
	whitespaceRe    = regexp.MustCompile(`[ \n\t\r\f]+`)
	nullRe          = regexp.MustCompile(`(?i)\bnull\b`)
	valueListRe     = regexp.MustCompile(`\b(in|values?)(?:[\s,]*\([\s?,]*\))+`)
	fieldRe         = regexp.MustCompile(`(^|\W)field\s*\(\s*(\S+)\s*,\s*\?+(?:\s*,\s*\?+)*\)`)
	limitRe         = regexp.MustCompile(`\blimit \?(?:, ?\?| offset \?)`)
	orderByRe       = regexp.MustCompile(`\border by`)
	ascRe           = regexp.MustCompile(`\s+asc\b`)
)

// mysqlStep is one transform of the MySQL pipeline. done reports that out is
// the final fingerprint and later steps must not run.
type mysqlStep struct {
	name  string
	apply func(q string) (out string, done bool)
}

// mysqlSteps is order sensitive: comments go before literals so a quote inside
// a comment cannot swallow the statement that follows it.
var mysqlSteps = []mysqlStep{
	{"tool-signature", toolSignature},
	{"procedure-call", procedureCall},
	{"insert-batch", collapseInsertBatch},
	{"comments", stripComments},
	{"use-schema", useSchema},
	{"string-literals", replaceStrings},
	{"boolean-literals", replaceBooleans},
	{"numeric-literals", replaceNumbers},
	{"placeholder-artifacts", collapseArtifacts},
	{"whitespace", normalizeWhitespace},
	{"null", replaceNull},
	{"value-lists", collapseValueLists},
	{"field-function", collapseField},
	{"union-repeats", collapseUnions},
	{"limit", normalizeLimit},
	{"order-asc", stripAsc},
}

// MySQLPipeline fingerprints MySQL and MariaDB statements with an ordered
// sequence of textual rewrites.
type MySQLPipeline struct{}

// Fingerprint runs every pipeline step in order.
func (MySQLPipeline) Fingerprint(query string) (string, error) {
	if err := validateInput(query); err != nil {
		return "", err
	}

	q := query
	for _, step := range mysqlSteps {
		out, done := step.apply(q)
		if done {
			return out, nil
		}
		q = out
	}

	if q == "" {
		return "", &NormalizationError{Query: query, Reason: "nothing left after stripping comments"}
	}
	return q, nil
}

func toolSignature(q string) (string, bool) {
	if strings.HasPrefix(q, mysqldumpPrefix) {
		return mysqldumpFingerprint, true
	}
	if perconaRe.MatchString(q) {
		return perconaFingerprint, true
	}
	return q, false
}

func procedureCall(q string) (string, bool) {
	if m := procedureCallRe.FindStringSubmatch(q); m != nil {
		return strings.ToLower(m[1]), true
	}
	return q, false
}

// collapseInsertBatch keeps only the first tuple of a multi-row INSERT/REPLACE.
func collapseInsertBatch(q string) (string, bool) {
	if m := insertBatchRe.FindStringSubmatch(q); m != nil {
		return m[1], false
	}
	return q, false
}

// stripComments removes block and line comments. Block comments starting with
// "!" are MySQL optimizer hints and are kept, as are the repeat markers written
// by collapseUnions.
func stripComments(q string) (string, bool) {
	q = blockCommentRe.ReplaceAllStringFunc(q, func(c string) string {
		if strings.HasPrefix(c, repeatMarker+" union") {
			return c
		}
		return ""
	})
	return lineCommentRe.ReplaceAllString(q, ""), false
}

func useSchema(q string) (string, bool) {
	if useSchemaRe.MatchString(q) {
		return useSchemaRe.ReplaceAllString(q, "use ?${1}"), true
	}
	return q, false
}

func replaceStrings(q string) (string, bool) {
	q = escapedQuoteRe.ReplaceAllString(q, "")
	q = doubleQuotedRe.ReplaceAllString(q, placeholder)
	return singleQuotedRe.ReplaceAllString(q, placeholder), false
}

func replaceBooleans(q string) (string, bool) {
	return booleanRe.ReplaceAllString(q, placeholder), false
}

func replaceNumbers(q string) (string, bool) {
	return numberRe.ReplaceAllString(q, placeholder), false
}

// collapseArtifacts folds sign, hex and decimal prefixes left in front of a
// placeholder by replaceNumbers.
func collapseArtifacts(q string) (string, bool) {
	return artifactRe.ReplaceAllString(q, placeholder), false
}

func normalizeWhitespace(q string) (string, bool) {
	q = strings.TrimSpace(q)
	q = whitespaceRe.ReplaceAllString(q, " ")
	return strings.ToLower(q), false
}

func replaceNull(q string) (string, bool) {
	return nullRe.ReplaceAllString(q, placeholder), false
}

// collapseValueLists rewrites IN (...) and VALUES (...) lists of placeholders,
// however long and however many, to a single "(?+)" marker.
func collapseValueLists(q string) (string, bool) {
	return valueListRe.ReplaceAllString(q, "${1}(?+)"), false
}

// collapseField rewrites FIELD(col, ?, ?, ...) to FIELD(col, ?+). An existing
// "?+" reaches here as "??" after replaceNumbers and folds back the same way.
func collapseField(q string) (string, bool) {
	return fieldRe.ReplaceAllString(q, "${1}field(${2}, ?+)"), false
}

// collapseUnions folds "select X union [all] select X ..." into one select
// followed by a repeat marker naming the union kind.
func collapseUnions(q string) (string, bool) {
	if !strings.Contains(q, "union") {
		return q, false
	}

	var b strings.Builder
	b.Grow(len(q))
	for i := 0; i < len(q); {
		if selectStartsAt(q, i) {
			if end, repl, ok := unionRepeat(q, i); ok {
				b.WriteString(repl)
				i = end
				continue
			}
		}
		b.WriteByte(q[i])
		i++
	}
	return b.String(), false
}

func normalizeLimit(q string) (string, bool) {
	return limitRe.ReplaceAllString(q, "limit ?"), false
}

// stripAsc drops ASC qualifiers after ORDER BY; ascending is the default.
func stripAsc(q string) (string, bool) {
	loc := orderByRe.FindStringIndex(q)
	if loc == nil {
		return q, false
	}
	return q[:loc[0]] + ascRe.ReplaceAllString(q[loc[0]:], ""), false
}

func selectStartsAt(q string, i int) bool {
	if i > 0 && isWordByte(q[i-1]) {
		return false
	}
	const kw = "select"
	return strings.HasPrefix(q[i:], kw) && i+len(kw) < len(q) && isSpaceByte(q[i+len(kw)])
}

// unionRepeat finds the shortest select at i that is followed by at least one
// "union [all] <same select>" and consumes every such repetition.
func unionRepeat(q string, i int) (end int, repl string, ok bool) {
	first := i + len("select") + 1
	for j := first; j <= len(q); j++ {
		head := q[i:j]
		if j > first && q[j-1] == '\n' {
			return 0, "", false
		}

		pos, sep := j, ""
		for {
			next, s, matched := unionTail(q, pos, head)
			if !matched {
				break
			}
			pos, sep = next, s
		}
		if sep != "" {
			return pos, head + " " + repeatMarker + sep + "*/", true
		}
	}
	return 0, "", false
}

// unionTail matches "<ws>union[<ws>all]<ws><head>" at pos and returns the
// position after it together with the union clause including its leading space.
func unionTail(q string, pos int, head string) (next int, sep string, ok bool) {
	const kw = "union"
	if pos >= len(q) || !isSpaceByte(q[pos]) || !strings.HasPrefix(q[pos+1:], kw) {
		return 0, "", false
	}

	base := pos + 1 + len(kw)
	candidates := make([]int, 0, 2)
	if base+4 <= len(q) && isSpaceByte(q[base]) && q[base+1:base+4] == "all" {
		candidates = append(candidates, base+4)
	}
	candidates = append(candidates, base)

	for _, e := range candidates {
		if e < len(q) && isSpaceByte(q[e]) && strings.HasPrefix(q[e+1:], head) {
			return e + 1 + len(head), q[pos:e], true
		}
	}
	return 0, "", false
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
