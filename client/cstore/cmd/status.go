package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/wkalt/cstore/client/cstore/client"
	cutil "github.com/wkalt/cstore/client/cstore/util"
)

func bytesString(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func printKeyspaces(ctx context.Context, w io.Writer, c *client.Client) error {
	keyspaces, err := c.Keyspaces(ctx)
	if err != nil {
		return err
	}
	data := make([][]string, 0, len(keyspaces))
	for _, k := range keyspaces {
		names := make([]string, 0, len(k.Tables))
		for _, t := range k.Tables {
			names = append(names, t.Name)
		}
		data = append(data, []string{k.Name, strconv.FormatBool(k.DurableWrites), strings.Join(names, ", ")})
	}
	cutil.PrintTable(w, []string{"keyspace", "durable", "tables"}, data)
	return nil
}

func printTables(ctx context.Context, w io.Writer, c *client.Client, keyspace string) error {
	tables, err := c.Tables(ctx, keyspace)
	if err != nil {
		return err
	}
	data := make([][]string, 0, len(tables))
	for _, t := range tables {
		data = append(data, []string{
			t.Name,
			strconv.Itoa(t.Memtables),
			strconv.Itoa(t.Segments),
			bytesString(t.LiveBytes),
			bytesString(t.PendingFlushBytes),
			strings.Join(t.FlushGroup, ", "),
		})
	}
	headers := []string{"table", "memtables", "segments", "live", "pending flush", "flush group"}
	cutil.PrintTable(w, headers, data)
	return nil
}

func printStats(ctx context.Context, w io.Writer, c *client.Client) error {
	stats, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "memtable space in use: %s (%s reclaiming)\n",
		bytesString(stats.MemtableBytes),
		bytesString(stats.ReclaimingBytes),
	)
	data := make([][]string, 0, len(stats.Keyspaces))
	for _, k := range stats.Keyspaces {
		data = append(data, []string{
			k.Name,
			strconv.FormatBool(k.Durable),
			strconv.Itoa(len(k.Tables)),
			bytesString(k.PendingFlushBytes),
		})
	}
	cutil.PrintTable(w, []string{"keyspace", "durable", "tables", "pending flush"}, data)
	return nil
}

var statusKeyspace string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memtable usage and flush state",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		c := newClient()
		var err error
		if statusKeyspace == "" {
			err = printStats(ctx, os.Stdout, c)
		} else {
			err = printTables(ctx, os.Stdout, c, statusKeyspace)
		}
		if err != nil {
			bailf("error calling status: %s", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.PersistentFlags().StringVarP(&statusKeyspace, "keyspace", "k", "", "Show the tables of a keyspace")
}
