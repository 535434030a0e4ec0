package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/cstore/client/cstore/client"
	"github.com/wkalt/cstore/keyspace"
	"github.com/wkalt/cstore/routes"
)

func testShell(ctx context.Context, t *testing.T) *shell {
	t.Helper()
	reg, _, _ := keyspace.TestRegistry(ctx, t, keyspace.NewTestDeps(t))
	_, err := reg.Open(ctx, keyspace.TestSchema("ks", true))
	require.NoError(t, err)
	url, finish := routes.MakeTestRoutes(t, reg, "")
	t.Cleanup(finish)
	return newShell(client.New(url, ""), "")
}

func TestShellRequiresKeyspace(t *testing.T) {
	ctx := context.Background()
	s := testShell(ctx, t)
	buf := &bytes.Buffer{}
	require.ErrorContains(t, s.execute(ctx, buf, `select from users;`), "no keyspace selected")
	require.ErrorContains(t, s.execute(ctx, buf, `use nope;`), "keyspace nope not found")
	require.NoError(t, s.execute(ctx, buf, `use ks;`))
	require.Equal(t, "cstore:ks # ", s.prompt())
}

func TestShellStatements(t *testing.T) {
	ctx := context.Background()
	s := testShell(ctx, t)
	require.NoError(t, s.execute(ctx, &bytes.Buffer{}, `use ks;`))

	cases := []struct {
		assertion string
		statement string
		contains  []string
		excludes  []string
	}{
		{
			"update",
			`update users set name = "Alice", email = "alice@example.com", city = "paris" where key = "alice" using timestamp 10;`,
			[]string{"UPDATE"},
			nil,
		},
		{
			"update clustered row",
			`update users set age = 30 where key = "alice" and row = "home" using timestamp 10;`,
			[]string{"UPDATE"},
			nil,
		},
		{
			"select partition",
			`select from users where key = "alice";`,
			[]string{"Alice", "alice@example.com", "home", "30", "(1 partitions)"},
			nil,
		},
		{
			"select through index",
			`select from users using index by_email = "alice@example.com";`,
			[]string{"alice"},
			nil,
		},
		{
			"select view",
			`select from view users_by_city where key = "paris";`,
			[]string{"alice", "Alice"},
			nil,
		},
		{
			"null assignment deletes",
			`update users set city = null where key = "alice" using timestamp 20;`,
			[]string{"UPDATE"},
			nil,
		},
		{
			"delete",
			`delete age from users where key = "alice" and row = "home" using timestamp 20;`,
			[]string{"DELETE"},
			nil,
		},
		{
			"deleted columns read as null",
			`select from users where key = "alice";`,
			[]string{"null"},
			nil,
		},
		{
			"flush",
			`flush users*;`,
			[]string{"FLUSHED", "users"},
			[]string{"events"},
		},
		{
			"create table",
			`create table orders;`,
			[]string{"CREATE TABLE"},
			nil,
		},
		{
			"scan empty table",
			`select from orders;`,
			[]string{"(0 partitions)"},
			nil,
		},
		{
			"drop table",
			`drop table orders;`,
			[]string{"DROP TABLE"},
			nil,
		},
		{
			"truncate",
			`truncate users;`,
			[]string{"TRUNCATE"},
			nil,
		},
		{
			"missing partition",
			`select from users where key = "alice";`,
			[]string{"(0 partitions)"},
			nil,
		},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			buf := &bytes.Buffer{}
			require.NoError(t, s.execute(ctx, buf, c.statement))
			for _, str := range c.contains {
				require.Contains(t, buf.String(), str)
			}
			for _, str := range c.excludes {
				require.NotContains(t, buf.String(), str)
			}
		})
	}
}

func TestShellErrors(t *testing.T) {
	ctx := context.Background()
	s := testShell(ctx, t)
	require.NoError(t, s.execute(ctx, &bytes.Buffer{}, `use ks;`))
	cases := []struct {
		assertion string
		statement string
		expected  string
	}{
		{"parse error", `select users;`, "parse error"},
		{"unknown table", `update nope set a = 1 where key = "k";`, "nope"},
		{"view without key", `select from view users_by_city;`, "view queries require a key"},
		{"bad timestamp", `update users set a = 1 where key = "k" using timestamp "yesterday";`, "failed to parse timestamp"},
		{"drop unknown table", `drop table nope;`, "nope"},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			require.ErrorContains(t, s.execute(ctx, &bytes.Buffer{}, c.statement), c.expected)
		})
	}
}
