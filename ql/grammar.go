package ql

import (
	"fmt"
	"strconv"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/relvacode/iso8601"
)

/*
This file contains a participle grammar for the statements accepted by the
cstore shell. Each statement addresses a single partition or a single table:

	use app;
	update users set name = "Alice", age = 30 where key = "alice" using timestamp "2024-01-02T03:04:05Z";
	delete email from users where key = "alice" and row = "home";
	select from users where key = "alice";
	select from users using index by_email = "alice@example.com";
	select from view users_by_city where key = "paris";
	flush users*;
	truncate users;
	create table orders;
	drop table orders;
*/

////////////////////////////////////////////////////////////////////////////////

var (
	Options = []participle.Option{ // nolint:gochecknoglobals
		participle.Lexer(
			lexer.MustSimple([]lexer.SimpleRule{
				{Name: "Word", Pattern: `[a-zA-Z_][a-zA-Z0-9_\.\*]*`},
				{Name: "QuotedString", Pattern: `"(?:\\.|[^"])*"`},
				{Name: "whitespace", Pattern: `\s+`},
				{Name: "Operators", Pattern: `,|[()]|;|=`},
				{Name: "Float", Pattern: `[-+]?\d*\.\d+([eE][-+]?\d+)?`},
				{Name: "Integer", Pattern: `[-+]?[0-9]+`},
			}),
		),
		participle.Unquote("QuotedString"),
	}
)

// Statement is a single shell statement.
type Statement struct {
	Use        *Use      `( @@`
	Update     *Update   `| @@`
	Delete     *Delete   `| @@`
	Select     *Select   `| @@`
	Flush      *Flush    `| @@`
	Truncate   *Truncate `| @@`
	Create     *Create   `| @@`
	Drop       *Drop     `| @@ )`
	Terminator string    `";"`
}

// Use selects the keyspace later statements apply to.
type Use struct {
	Keyspace string `"use" @Word`
}

// Update sets columns of one row.
type Update struct {
	Table       string       `"update" @Word`
	Assignments []Assignment `"set" @@ ( "," @@ )*`
	Where       Where        `@@`
	Timestamp   *Timestamp   `( "using" "timestamp" @@ )?`
}

// Assignment sets a column to a value. A null value deletes the column.
type Assignment struct {
	Column string `@Word "="`
	Value  Value  `@@`
}

// Delete deletes columns of one row.
type Delete struct {
	Columns   []string   `"delete" @Word ( "," @Word )*`
	Table     string     `"from" @Word`
	Where     Where      `@@`
	Timestamp *Timestamp `( "using" "timestamp" @@ )?`
}

// Where addresses a row by partition key and optional clustering.
type Where struct {
	Key Value  `"where" "key" "=" @@`
	Row *Value `( "and" "row" "=" @@ )?`
}

// Clustering returns the clustering string of the addressed row.
func (w Where) Clustering() string {
	if w.Row == nil {
		return ""
	}
	return w.Row.String()
}

// Select reads a partition, an index, a view, or a whole table.
type Select struct {
	View  bool         `"select" "from" @"view"?`
	Table string       `@Word`
	Key   *Value       `( "where" "key" "=" @@`
	Index *IndexLookup `| "using" "index" @@ )?`
}

// IndexLookup finds rows through a secondary index.
type IndexLookup struct {
	Index string `@Word "="`
	Value Value  `@@`
}

// Flush flushes the tables matching a glob pattern, or every table.
type Flush struct {
	Pattern string `"flush" ( @Word | @QuotedString )?`
}

// Truncate truncates a table.
type Truncate struct {
	Table string `"truncate" @Word`
}

// Create creates a table with no indexes or views.
type Create struct {
	Table string `"create" "table" @Word`
}

// Drop drops a table.
type Drop struct {
	Table string `"drop" "table" @Word`
}

// Timestamp is a write timestamp, either in microseconds or as an ISO 8601
// string.
type Timestamp struct {
	Microseconds *int64  `( @Integer`
	Datestring   *string `| @QuotedString )`
}

// Micros returns the timestamp in microseconds.
func (t Timestamp) Micros() (int64, error) {
	if t.Microseconds != nil {
		return *t.Microseconds, nil
	}
	time, err := iso8601.Parse([]byte(*t.Datestring))
	if err != nil {
		return 0, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	return time.UnixMicro(), nil
}

// Boolean captures a true or false literal.
type Boolean bool

// Capture implements participle.Capture.
func (b *Boolean) Capture(values []string) error {
	*b = values[0] == "true"
	return nil
}

// Value is a literal. All values are stored as their string form.
type Value struct {
	Text    *string  `@QuotedString`
	Integer *int64   `| @Integer`
	Float   *float64 `| @Float`
	Bool    *Boolean `| @( "true" | "false" )`
	Null    bool     `| @"null"`
}

// String returns the string form of the value. Null is the empty string.
func (v Value) String() string {
	switch {
	case v.Text != nil:
		return *v.Text
	case v.Integer != nil:
		return strconv.FormatInt(*v.Integer, 10)
	case v.Float != nil:
		return strconv.FormatFloat(*v.Float, 'g', -1, 64)
	case v.Bool != nil:
		return strconv.FormatBool(bool(*v.Bool))
	}
	return ""
}

// NewParser returns a new statement parser.
func NewParser() *participle.Parser[Statement] {
	return participle.MustBuild[Statement](Options...)
}
