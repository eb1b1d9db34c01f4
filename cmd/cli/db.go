package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anstrom/porteye/internal/db"
)

// newDBCommand builds the database maintenance commands.
func newDBCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database maintenance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDatabase(cmd.Context(), root, func(database *db.DB) error {
				applied, err := db.NewMigrator(database.DB).Up(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s)\n", applied)
				return err
			})
		},
	})
	return cmd
}
