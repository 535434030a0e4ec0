package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	flushKeyspace string
	flushTables   string
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Flush the memtables of a keyspace to storage",
	Run: func(cmd *cobra.Command, args []string) {
		tables, err := newClient().Flush(cmd.Context(), flushKeyspace, flushTables)
		if err != nil {
			bailf("error calling flush: %s", err)
		}
		for _, table := range tables {
			fmt.Println(table)
		}
	},
}

var truncateKeyspace string

var truncateCmd = &cobra.Command{
	Use:   "truncate [table]",
	Short: "Discard the data of a table",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := newClient().Truncate(cmd.Context(), truncateKeyspace, args[0]); err != nil {
			bailf("error calling truncate: %s", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(truncateCmd)

	flushCmd.PersistentFlags().StringVarP(&flushKeyspace, "keyspace", "k", "", "Keyspace")
	flushCmd.MarkPersistentFlagRequired("keyspace") // nolint:errcheck
	flushCmd.PersistentFlags().StringVarP(&flushTables, "tables", "t", "", "Glob over table names; all tables if unset")

	truncateCmd.PersistentFlags().StringVarP(&truncateKeyspace, "keyspace", "k", "", "Keyspace")
	truncateCmd.MarkPersistentFlagRequired("keyspace") // nolint:errcheck
}
