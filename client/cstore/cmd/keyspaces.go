package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/wkalt/cstore/schema"
)

var createKeyspacesSchema string

var createKeyspacesCmd = &cobra.Command{
	Use:   "create-keyspaces",
	Short: "Create the keyspaces declared in a schema file",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := schema.LoadFile(createKeyspacesSchema)
		if err != nil {
			bailf("error loading schema: %s", err)
		}
		c := newClient()
		for _, def := range s.Keyspaces {
			if err := c.CreateKeyspace(cmd.Context(), def); err != nil {
				bailf("error creating keyspace %s: %s", def.Name, err)
			}
			fmt.Printf("created keyspace %s\n", def.Name)
		}
	},
}

func init() {
	rootCmd.AddCommand(createKeyspacesCmd)

	createKeyspacesCmd.PersistentFlags().StringVarP(&createKeyspacesSchema, "schema", "s", "", "Schema file")
	createKeyspacesCmd.MarkPersistentFlagRequired("schema") // nolint:errcheck
}
