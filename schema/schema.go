package schema

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

/*
Package schema holds keyspace definitions: the tables of each keyspace, their
secondary indexes, and the materialized views derived from them. Definitions
are read from a JSON schema file at startup and kept in a schema store so
tables created at runtime survive restarts.

Table IDs are derived from the keyspace and table names, so a table keeps its
ID, and with it its segments and commit log records, across restarts.
*/

////////////////////////////////////////////////////////////////////////////////

// namespace is the UUID namespace table IDs are derived in.
var namespace = uuid.MustParse("5b0f6d43-3b5e-4f0c-9a3c-3c6a0b4f1e77") // nolint:gochecknoglobals

var validName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`) // nolint:gochecknoglobals

// ErrInvalidName is returned for names that are not identifiers.
var ErrInvalidName = errors.New("invalid name")

// Schema is the contents of a schema file.
type Schema struct {
	Keyspaces []Keyspace `json:"keyspaces"`
}

// Keyspace defines a keyspace.
type Keyspace struct {
	Name          string  `json:"name"`
	DurableWrites bool    `json:"durableWrites"`
	Tables        []Table `json:"tables"`
}

// Table defines a table. Flush settings of zero disable the trigger.
type Table struct {
	Name                   string  `json:"name"`
	MemtableFlushThreshold int64   `json:"memtableFlushThreshold,omitempty"`
	FlushPeriodSeconds     int     `json:"flushPeriodSeconds,omitempty"`
	Indexes                []Index `json:"indexes,omitempty"`
	Views                  []View  `json:"views,omitempty"`
}

// Index defines a secondary index on one column. Backed indexes store their
// entries in an index table flushed with the base table; others are held in
// memory.
type Index struct {
	Name   string `json:"name"`
	Column string `json:"column"`
	Backed bool   `json:"backed"`
}

// View defines a materialized view of a table, partitioned by the value of
// Key and holding a copy of Columns.
type View struct {
	Name    string   `json:"name"`
	Key     string   `json:"key"`
	Columns []string `json:"columns"`
}

// TableID returns the ID of a table.
func TableID(keyspace, table string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(keyspace+"."+table))
}

// IndexTableName returns the name of the table backing an index.
func IndexTableName(table, index string) string {
	return table + "." + index
}

// Table returns a table definition by name.
func (k *Keyspace) Table(name string) (Table, bool) {
	for _, t := range k.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// Validate checks names for uniqueness and syntax.
func (k *Keyspace) Validate() error {
	if !validName.MatchString(k.Name) {
		return fmt.Errorf("%w: keyspace %q", ErrInvalidName, k.Name)
	}
	seen := map[string]bool{}
	for _, t := range k.Tables {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("keyspace %s: %w", k.Name, err)
		}
		names := []string{t.Name}
		for _, v := range t.Views {
			names = append(names, v.Name)
		}
		for _, name := range names {
			if seen[name] {
				return fmt.Errorf("keyspace %s: duplicate table %s", k.Name, name)
			}
			seen[name] = true
		}
	}
	return nil
}

// Validate checks a table definition.
func (t *Table) Validate() error {
	if !validName.MatchString(t.Name) {
		return fmt.Errorf("%w: table %q", ErrInvalidName, t.Name)
	}
	indexes := map[string]bool{}
	for _, idx := range t.Indexes {
		if !validName.MatchString(idx.Name) || idx.Column == "" {
			return fmt.Errorf("%w: index %q on %s", ErrInvalidName, idx.Name, t.Name)
		}
		if indexes[idx.Name] {
			return fmt.Errorf("table %s: duplicate index %s", t.Name, idx.Name)
		}
		indexes[idx.Name] = true
	}
	for _, v := range t.Views {
		if !validName.MatchString(v.Name) || v.Key == "" {
			return fmt.Errorf("%w: view %q on %s", ErrInvalidName, v.Name, t.Name)
		}
	}
	return nil
}

// LoadFile reads and validates a schema file.
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	s := &Schema{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse schema file: %w", err)
	}
	for i := range s.Keyspaces {
		if err := s.Keyspaces[i].Validate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}
