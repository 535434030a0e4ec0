package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/wkalt/cstore/client/cstore/client"
	cutil "github.com/wkalt/cstore/client/cstore/util"
	"github.com/wkalt/cstore/ql"
	"github.com/wkalt/cstore/routes"
	"github.com/wkalt/cstore/schema"
	"github.com/wkalt/cstore/util"
)

const (
	artwork = `
          _
  ___ ___| |_ ___  _ __ ___
 / __/ __| __/ _ \| '__/ _ \
| (__\__ \ || (_) | | |  __/
 \___|___/\__\___/|_|  \___|
`
)

var (
	shellKeyspace string

	errorColor = color.New(color.FgRed)   // nolint:gochecknoglobals
	okColor    = color.New(color.FgGreen) // nolint:gochecknoglobals
)

// shell executes statements against a server. Statements that address a
// table run in the keyspace selected with "use".
type shell struct {
	client   *client.Client
	parser   *participle.Parser[ql.Statement]
	keyspace string
}

func newShell(c *client.Client, keyspace string) *shell {
	return &shell{
		client:   c,
		parser:   ql.NewParser(),
		keyspace: keyspace,
	}
}

func (s *shell) prompt() string {
	if s.keyspace == "" {
		return "cstore # "
	}
	return fmt.Sprintf("cstore:%s # ", s.keyspace)
}

func (s *shell) requireKeyspace() error {
	if s.keyspace == "" {
		return errors.New(`no keyspace selected; run "use <keyspace>;" first`)
	}
	return nil
}

// execute parses and runs one statement, writing its results to w.
func (s *shell) execute(ctx context.Context, w io.Writer, input string) error {
	stmt, err := s.parser.ParseString("", input)
	if err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	if stmt.Use != nil {
		return s.use(ctx, stmt.Use.Keyspace)
	}
	if err := s.requireKeyspace(); err != nil {
		return err
	}
	switch {
	case stmt.Update != nil:
		return s.update(ctx, w, stmt.Update)
	case stmt.Delete != nil:
		return s.delete(ctx, w, stmt.Delete)
	case stmt.Select != nil:
		return s.query(ctx, w, stmt.Select)
	case stmt.Flush != nil:
		tables, err := s.client.Flush(ctx, s.keyspace, stmt.Flush.Pattern)
		if err != nil {
			return err
		}
		okColor.Fprintf(w, "FLUSHED %s\n", strings.Join(tables, ", "))
		return nil
	case stmt.Truncate != nil:
		return s.ok(w, "TRUNCATE", s.client.Truncate(ctx, s.keyspace, stmt.Truncate.Table))
	case stmt.Create != nil:
		def := schema.Table{Name: stmt.Create.Table}
		return s.ok(w, "CREATE TABLE", s.client.CreateTable(ctx, s.keyspace, def))
	case stmt.Drop != nil:
		return s.ok(w, "DROP TABLE", s.client.DropTable(ctx, s.keyspace, stmt.Drop.Table))
	}
	return errors.New("unsupported statement")
}

func (s *shell) ok(w io.Writer, tag string, err error) error {
	if err != nil {
		return err
	}
	okColor.Fprintln(w, tag)
	return nil
}

func (s *shell) use(ctx context.Context, name string) error {
	keyspaces, err := s.client.Keyspaces(ctx)
	if err != nil {
		return err
	}
	for _, k := range keyspaces {
		if k.Name == name {
			s.keyspace = name
			return nil
		}
	}
	return fmt.Errorf("keyspace %s not found", name)
}

func timestamp(ts *ql.Timestamp) (int64, error) {
	if ts == nil {
		return 0, nil
	}
	return ts.Micros()
}

func (s *shell) update(ctx context.Context, w io.Writer, u *ql.Update) error {
	ts, err := timestamp(u.Timestamp)
	if err != nil {
		return err
	}
	row := routes.RowUpdate{
		Clustering: u.Where.Clustering(),
		Set:        make(map[string]*string, len(u.Assignments)),
	}
	for _, a := range u.Assignments {
		if a.Value.Null {
			row.Set[a.Column] = nil
			continue
		}
		value := a.Value.String()
		row.Set[a.Column] = &value
	}
	return s.ok(w, "UPDATE", s.client.Apply(ctx, s.keyspace, routes.ApplyRequest{
		Key:       u.Where.Key.String(),
		Timestamp: ts,
		Updates:   []routes.TableUpdate{{Table: u.Table, Rows: []routes.RowUpdate{row}}},
	}))
}

func (s *shell) delete(ctx context.Context, w io.Writer, d *ql.Delete) error {
	ts, err := timestamp(d.Timestamp)
	if err != nil {
		return err
	}
	row := routes.RowUpdate{
		Clustering: d.Where.Clustering(),
		Delete:     d.Columns,
	}
	return s.ok(w, "DELETE", s.client.Apply(ctx, s.keyspace, routes.ApplyRequest{
		Key:       d.Where.Key.String(),
		Timestamp: ts,
		Updates:   []routes.TableUpdate{{Table: d.Table, Rows: []routes.RowUpdate{row}}},
	}))
}

func (s *shell) query(ctx context.Context, w io.Writer, sel *ql.Select) error {
	switch {
	case sel.View:
		if sel.Key == nil {
			return errors.New("view queries require a key")
		}
		rows, err := s.client.View(ctx, s.keyspace, sel.Table, sel.Key.String())
		if err != nil {
			return err
		}
		printViewRows(w, rows)
	case sel.Index != nil:
		hits, err := s.client.Lookup(ctx, s.keyspace, sel.Table, sel.Index.Index, sel.Index.Value.String())
		if err != nil {
			return err
		}
		data := make([][]string, 0, len(hits))
		for _, hit := range hits {
			data = append(data, []string{hit.Key, hit.Clustering})
		}
		cutil.PrintTable(w, []string{"key", "row"}, data)
	case sel.Key != nil:
		p, err := s.client.Get(ctx, s.keyspace, sel.Table, sel.Key.String())
		if errors.Is(err, client.ErrPartitionNotFound) {
			printPartitions(w, nil)
			return nil
		}
		if err != nil {
			return err
		}
		printPartitions(w, []routes.Partition{*p})
	default:
		parts, err := s.client.Scan(ctx, s.keyspace, sel.Table)
		if err != nil {
			return err
		}
		printPartitions(w, parts)
	}
	return nil
}

func printPartitions(w io.Writer, parts []routes.Partition) {
	data := [][]string{}
	for _, p := range parts {
		for _, row := range p.Rows {
			for _, col := range util.Okeys(row.Cells) {
				cell := row.Cells[col]
				value := "null"
				if cell.Value != nil {
					value = *cell.Value
				}
				data = append(data, []string{p.Key, row.Clustering, col, value, fmt.Sprint(cell.Timestamp)})
			}
		}
	}
	cutil.PrintTable(w, []string{"key", "row", "column", "value", "timestamp"}, data)
	fmt.Fprintf(w, "(%d partitions)\n", len(parts))
}

func printViewRows(w io.Writer, rows []routes.ViewRow) {
	data := [][]string{}
	for _, row := range rows {
		for _, col := range util.Okeys(row.Columns) {
			data = append(data, []string{row.BaseKey, col, row.Columns[col]})
		}
	}
	cutil.PrintTable(w, []string{"base key", "column", "value"}, data)
}

// withPaging runs f with its output piped through pager. An empty pager
// writes to stdout directly.
func withPaging(pager string, f func(io.Writer) error) error {
	if pager == "" {
		return f(os.Stdout)
	}
	cmd := exec.Command(pager)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to make a pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start pager: %w", err)
	}
	ferr := f(stdin)
	stdin.Close()
	if err := cmd.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, "error running pager: "+err.Error())
	}
	return ferr
}

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !os.IsNotExist(err)
}

func maybePager() string {
	if cutil.StdoutRedirected() {
		return ""
	}
	pager := os.Getenv("PAGER")
	if pager != "" {
		return pager
	}
	if fileExists("/usr/bin/less") {
		return "/usr/bin/less"
	}
	return ""
}

func printError(s string) {
	errorColor.Fprintln(os.Stderr, "ERROR: "+s)
}

// handleCommand runs a backslash command.
func (s *shell) handleCommand(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "\\h":
		topic := ""
		if len(fields) > 1 {
			topic = fields[1]
		}
		text, ok := help[topic]
		if !ok {
			return fmt.Errorf("unknown help topic: %s", topic)
		}
		fmt.Println(text)
		return nil
	case "\\dk":
		return printKeyspaces(ctx, os.Stdout, s.client)
	case "\\dt":
		if err := s.requireKeyspace(); err != nil {
			return err
		}
		return printTables(ctx, os.Stdout, s.client, s.keyspace)
	case "\\stats":
		return printStats(ctx, os.Stdout, s.client)
	}
	return fmt.Errorf("unrecognized command: %s", line)
}

func (s *shell) run(ctx context.Context) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:          s.prompt(),
		HistoryFile:     "/tmp/cstore-history.tmp",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer l.Close()
	fmt.Print(artwork)
	fmt.Println(`Type "help" for help.`)
	fmt.Println()
	l.CaptureExitSignal()

	lines := []string{}
	for {
		line, err := l.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				lines = lines[:0]
				l.SetPrompt(s.prompt())
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)

		switch {
		case line == "":
			continue
		case line == "help":
			fmt.Println(help[""])
			continue
		case strings.HasPrefix(line, "\\"):
			if err := s.handleCommand(ctx, line); err != nil {
				printError(err.Error())
			}
			continue
		}

		lines = append(lines, line)
		if !strings.HasSuffix(line, ";") {
			l.SetPrompt("... # ")
			continue
		}
		statement := strings.Join(lines, " ")
		lines = lines[:0]
		if err := l.SaveHistory(statement); err != nil {
			printError(err.Error())
		}
		err = withPaging(pagerFor(statement), func(w io.Writer) error {
			return s.execute(ctx, w, statement)
		})
		if err != nil {
			printError(err.Error())
		}
		l.SetPrompt(s.prompt())
	}
}

// pagerFor returns the pager for a statement. Only reads are paged.
func pagerFor(statement string) string {
	if !strings.HasPrefix(strings.ToLower(statement), "select") {
		return ""
	}
	return maybePager()
}

var help = map[string]string{ // nolint:gochecknoglobals
	"": `The cstore shell is an interactive interpreter for cstore, a partitioned
column store with memtables, a commit log, and flushed segments.

The shell accepts statements and backslash commands. Statements are terminated
with a semicolon and may span multiple lines. The supported backslash commands
are:

  \h [topic] to print help text. If topic is blank, prints this text.
  \dk to list keyspaces
  \dt to list the tables of the current keyspace and their flush state
  \stats to show memtable usage

Available help topics are:
  statements: Show examples of statement syntax.
  flush: Explain flushing and truncation.`,

	"statements": `Select a keyspace before working with its tables:
    use app;

Write columns of a row. Rows are addressed by partition key and an optional
clustering string. Assigning null deletes a column:
    update users set name = "Alice", city = "paris" where key = "alice";
    update users set email = null where key = "alice" and row = "home";

Writes take the current time unless a timestamp is given, either in
microseconds or as a quoted ISO 8601 date:
    update users set name = "Al" where key = "alice" using timestamp "2024-01-02T03:04:05Z";

Delete columns:
    delete email, city from users where key = "alice";

Read a partition, a whole table, an index, or a materialized view:
    select from users where key = "alice";
    select from users;
    select from users using index by_email = "alice@example.com";
    select from view users_by_city where key = "paris";

Create and drop tables with no indexes or views:
    create table orders;
    drop table orders;`,

	"flush": `Writes land in memtables and are made durable in the commit log. A flush
writes the memtables of a table, together with those of its indexes and views,
to a new segment in storage:
    flush;
    flush users*;

The flush pattern is a glob over table names. Truncation discards every
segment and memtable of a table:
    truncate users;`,
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "cstore interactive shell",
	Run: func(cmd *cobra.Command, args []string) {
		s := newShell(newClient(), shellKeyspace)
		if err := s.run(cmd.Context()); err != nil {
			bailf("error running shell: %s", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)

	shellCmd.PersistentFlags().StringVarP(&shellKeyspace, "keyspace", "k", "", "Keyspace to use")
}
