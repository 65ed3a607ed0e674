package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/mundo/db"
	"github.com/teranos/mundo/logger"
	"github.com/teranos/mundo/pulse/async"
	"github.com/teranos/mundo/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the mundo database",
	Long: sym.DB + ` db - Manage the mundo database

Examples:
  mundo db migrate   # Apply pending schema migrations
  mundo db stats     # Job counts by state`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveDatabasePath(dbPathFlag)
		if err != nil {
			return err
		}
		database, err := db.Open(path, nil)
		if err != nil {
			return err
		}
		defer database.Close()

		applied, err := db.Apply(database, logger.AddDBSymbol(logger.Logger.Named("db")))
		if err != nil {
			return err
		}
		for _, m := range applied {
			fmt.Printf("  applied %s\n", m.Describe())
		}
		fmt.Printf("%s Database is up to date (%d applied)\n", sym.DB, len(applied))
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase(dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		counts, err := async.NewStore(database).CountByState(cmd.Context())
		if err != nil {
			return err
		}
		total := 0
		for _, s := range async.AllStates() {
			fmt.Printf("  %-24s %d\n", s, counts[s])
			total += counts[s]
		}
		fmt.Printf("  %-24s %d\n", "total", total)
		return nil
	},
}

var dbPathFlag string

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Custom database path (overrides config)")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}
