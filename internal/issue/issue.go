// Package issue carries recoverable per-record problems from the extractor
// and loader up to the batch driver, which reports them.
package issue

import "fmt"

type Kind string

const (
	// Row means a write to the store failed for one row.
	Row Kind = "row"
	// Lookup means the song/artist lookup query failed. A lookup that simply
	// finds nothing is not an issue.
	Lookup Kind = "lookup"
	// Malformed means a record or file lacked required fields or could not be parsed.
	Malformed Kind = "malformed"
)

// Issue describes one skipped write. File is filled in by the driver.
type Issue struct {
	File  string
	Table string
	Line  int
	Kind  Kind
	Err   error
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s %s:%d %s: %v", i.Kind, i.File, i.Line, i.Table, i.Err)
}

func (i Issue) Unwrap() error { return i.Err }

// New builds an issue without a file.
func New(kind Kind, table string, line int, err error) Issue {
	return Issue{Table: table, Line: line, Kind: kind, Err: err}
}
