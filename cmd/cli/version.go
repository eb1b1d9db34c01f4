package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// Version output never depends on configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "porteye %s\n  commit: %s\n  built:  %s\n  go:     %s %s/%s\n",
				version, commit, buildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return err
		},
	}
}
