package ql_test

import (
	"testing"

	"github.com/alecthomas/participle/v2"
	"github.com/stretchr/testify/require"
	"github.com/wkalt/cstore/ql"
)

func text(s string) *ql.Value {
	return &ql.Value{Text: &s}
}

func integer(i int64) *ql.Value {
	return &ql.Value{Integer: &i}
}

func TestValue(t *testing.T) {
	parser, err := participle.Build[ql.Value](ql.Options...)
	require.NoError(t, err)
	cases := []struct {
		assertion string
		input     string
		expected  string
		null      bool
	}{
		{"integer", "10", "10", false},
		{"negative integer", "-10", "-10", false},
		{"float", "10.5", "10.5", false},
		{"scientific notation", "1.0e6", "1e+06", false},
		{"string", `"a b"`, "a b", false},
		{"escaped quote", `"a\"b"`, `a"b`, false},
		{"true", "true", "true", false},
		{"false", "false", "false", false},
		{"null", "null", "", true},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			v, err := parser.ParseString("", c.input)
			require.NoError(t, err)
			require.Equal(t, c.expected, v.String())
			require.Equal(t, c.null, v.Null)
		})
	}
}

func TestTimestamp(t *testing.T) {
	parser, err := participle.Build[ql.Timestamp](ql.Options...)
	require.NoError(t, err)
	cases := []struct {
		assertion string
		input     string
		expected  int64
	}{
		{"microseconds", "1700000000000000", 1700000000000000},
		{"iso8601", `"1970-01-01T00:00:01Z"`, 1000000},
		{"iso8601 with fraction", `"1970-01-01T00:00:00.000002Z"`, 2},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			ts, err := parser.ParseString("", c.input)
			require.NoError(t, err)
			micros, err := ts.Micros()
			require.NoError(t, err)
			require.Equal(t, c.expected, micros)
		})
	}

	t.Run("invalid date", func(t *testing.T) {
		ts, err := parser.ParseString("", `"yesterday"`)
		require.NoError(t, err)
		_, err = ts.Micros()
		require.Error(t, err)
	})
}

func TestStatements(t *testing.T) {
	parser := ql.NewParser()
	cases := []struct {
		assertion string
		input     string
		check     func(t *testing.T, stmt *ql.Statement)
	}{
		{
			"use",
			"use app;",
			func(t *testing.T, stmt *ql.Statement) {
				require.Equal(t, &ql.Use{Keyspace: "app"}, stmt.Use)
			},
		},
		{
			"update",
			`update users set name = "Alice", age = 30, email = null where key = "alice";`,
			func(t *testing.T, stmt *ql.Statement) {
				u := stmt.Update
				require.NotNil(t, u)
				require.Equal(t, "users", u.Table)
				require.Len(t, u.Assignments, 3)
				require.Equal(t, "name", u.Assignments[0].Column)
				require.Equal(t, "Alice", u.Assignments[0].Value.String())
				require.Equal(t, "30", u.Assignments[1].Value.String())
				require.True(t, u.Assignments[2].Value.Null)
				require.Equal(t, "alice", u.Where.Key.String())
				require.Equal(t, "", u.Where.Clustering())
				require.Nil(t, u.Timestamp)
			},
		},
		{
			"update with row and timestamp",
			`update events set kind = "login" where key = "alice" and row = 3 using timestamp "2024-01-02T03:04:05Z";`,
			func(t *testing.T, stmt *ql.Statement) {
				u := stmt.Update
				require.NotNil(t, u)
				require.Equal(t, "3", u.Where.Clustering())
				micros, err := u.Timestamp.Micros()
				require.NoError(t, err)
				require.Equal(t, int64(1704164645000000), micros)
			},
		},
		{
			"delete",
			`delete email, name from users where key = "alice" using timestamp 7;`,
			func(t *testing.T, stmt *ql.Statement) {
				d := stmt.Delete
				require.NotNil(t, d)
				require.Equal(t, []string{"email", "name"}, d.Columns)
				require.Equal(t, "users", d.Table)
				require.Equal(t, integer(7).Integer, d.Timestamp.Microseconds)
			},
		},
		{
			"select partition",
			`select from users where key = "alice";`,
			func(t *testing.T, stmt *ql.Statement) {
				require.Equal(t, &ql.Select{Table: "users", Key: text("alice")}, stmt.Select)
			},
		},
		{
			"scan",
			"select from users;",
			func(t *testing.T, stmt *ql.Statement) {
				require.Equal(t, &ql.Select{Table: "users"}, stmt.Select)
			},
		},
		{
			"index lookup",
			`select from users using index by_email = "a@x.com";`,
			func(t *testing.T, stmt *ql.Statement) {
				s := stmt.Select
				require.NotNil(t, s)
				require.Equal(t, "by_email", s.Index.Index)
				require.Equal(t, "a@x.com", s.Index.Value.String())
			},
		},
		{
			"view",
			`select from view users_by_city where key = "paris";`,
			func(t *testing.T, stmt *ql.Statement) {
				require.Equal(t, &ql.Select{View: true, Table: "users_by_city", Key: text("paris")}, stmt.Select)
			},
		},
		{
			"flush everything",
			"flush;",
			func(t *testing.T, stmt *ql.Statement) {
				require.Equal(t, &ql.Flush{}, stmt.Flush)
			},
		},
		{
			"flush pattern",
			"flush users*;",
			func(t *testing.T, stmt *ql.Statement) {
				require.Equal(t, &ql.Flush{Pattern: "users*"}, stmt.Flush)
			},
		},
		{
			"flush quoted pattern",
			`flush "*.by_*";`,
			func(t *testing.T, stmt *ql.Statement) {
				require.Equal(t, &ql.Flush{Pattern: "*.by_*"}, stmt.Flush)
			},
		},
		{
			"truncate",
			"truncate users;",
			func(t *testing.T, stmt *ql.Statement) {
				require.Equal(t, &ql.Truncate{Table: "users"}, stmt.Truncate)
			},
		},
		{
			"create and drop",
			"create table orders;",
			func(t *testing.T, stmt *ql.Statement) {
				require.Equal(t, &ql.Create{Table: "orders"}, stmt.Create)
			},
		},
		{
			"drop",
			"drop table orders;",
			func(t *testing.T, stmt *ql.Statement) {
				require.Equal(t, &ql.Drop{Table: "orders"}, stmt.Drop)
			},
		},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			stmt, err := parser.ParseString("", c.input)
			require.NoError(t, err)
			c.check(t, stmt)
		})
	}
}

func TestInvalidStatements(t *testing.T) {
	parser := ql.NewParser()
	cases := []struct {
		assertion string
		input     string
	}{
		{"missing terminator", "select from users"},
		{"update without where", `update users set a = 1;`},
		{"delete without columns", `delete from users where key = "a";`},
		{"unknown statement", "explode users;"},
		{"select with both key and index", `select from users where key = "a" using index i = 1;`},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			_, err := parser.ParseString("", c.input)
			require.Error(t, err)
		})
	}
}
