package parser

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind is the result shape a statement produces, decided by its leading keyword
type Kind int

const (
	KindMutate Kind = iota // UPDATE, DELETE, DDL and everything else
	KindSelect
	KindInsert
)

func (k Kind) String() string {
	switch k {
	case KindSelect:
		return "select"
	case KindInsert:
		return "insert"
	default:
		return "mutate"
	}
}

// ParsedStatement contains the classification of a SQL statement
type ParsedStatement struct {
	Kind      Kind
	Keyword   string // Leading keyword, lower case
	File      string // Source file from hint
	Line      int    // Source line from hint
	Statement string // Statement with the hint comment removed
}

var (
	// Match /* file:user.go line:42 */ or /*file:user.go*/
	hintRegex = regexp.MustCompile(`/\*\s*(file:(\S+))?\s*(line:(\d+))?\s*\*/`)
	// Leading comments: /* ... */, -- ... and # ... up to end of line
	leadingCommentRegex   = regexp.MustCompile(`^(?s:\s*(/\*.*?\*/|--[^\n]*|#[^\n]*))*\s*`)
	keywordRegex          = regexp.MustCompile(`^\(*\s*([A-Za-z]+)`)
	startTransactionRegex = regexp.MustCompile(`(?i)^\(*\s*start\s+transaction\b`)
)

// Keywords whose statements return a row set
var selectKeywords = map[string]bool{
	"select":   true,
	"show":     true,
	"describe": true,
	"desc":     true,
	"explain":  true,
	"with":     true,
	"values":   true,
	"table":    true,
}

// Keywords whose statements produce a generated row identity
var insertKeywords = map[string]bool{
	"insert":  true,
	"replace": true,
}

// Parse classifies a SQL statement by its leading keyword and extracts hints
func Parse(statement string) *ParsedStatement {
	p := &ParsedStatement{
		Statement: statement,
		Kind:      KindMutate,
	}

	if matches := hintRegex.FindStringSubmatch(statement); matches != nil && (matches[2] != "" || matches[4] != "") {
		p.File = matches[2]
		if matches[4] != "" {
			p.Line, _ = strconv.Atoi(matches[4])
		}
		p.Statement = strings.TrimSpace(hintRegex.ReplaceAllString(statement, ""))
	}

	p.Keyword = Keyword(p.Statement)
	p.Kind = kindOf(p.Keyword)

	return p
}

// Classify returns the Kind of a statement without extracting hints
func Classify(statement string) Kind {
	return kindOf(Keyword(statement))
}

// Keyword returns the lower case leading keyword of a statement, skipping
// leading comments and opening parentheses. It returns "" when the
// statement has no keyword.
func Keyword(statement string) string {
	rest := leadingCommentRegex.ReplaceAllString(statement, "")
	matches := keywordRegex.FindStringSubmatch(rest)
	if matches == nil {
		return ""
	}
	return strings.ToLower(matches[1])
}

func kindOf(keyword string) Kind {
	switch {
	case selectKeywords[keyword]:
		return KindSelect
	case insertKeywords[keyword]:
		return KindInsert
	default:
		return KindMutate
	}
}

// IsTransactionControl returns true for statements that open or close a
// transaction on the session. These must go through a transaction scope.
func (p *ParsedStatement) IsTransactionControl() bool {
	switch p.Keyword {
	case "begin", "commit", "rollback", "end":
		return true
	case "start":
		// START SLAVE, START REPLICA and friends are not transactions
		return startTransactionRegex.MatchString(leadingCommentRegex.ReplaceAllString(p.Statement, ""))
	}
	return false
}
