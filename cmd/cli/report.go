package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/porteye/internal/db"
	"github.com/anstrom/porteye/internal/errors"
	"github.com/anstrom/porteye/internal/report"
)

// newReportCommand builds the report command group.
func newReportCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Inspect saved and stored reports",
	}
	cmd.AddCommand(
		newReportShowCommand(),
		newReportRunsCommand(root),
		newReportGetCommand(root),
	)
	return cmd
}

func newReportShowCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show FILE",
		Short: "Render a saved report file",
		Example: `  porteye report show report.json
  porteye report show report.xml --format yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := report.LoadFile(args[0])
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), rep, format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table, json, yaml, xml")
	return cmd
}

func newReportRunsCommand(root *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs stored in the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRepository(cmd.Context(), root, func(repo *db.ReportRepository) error {
				runs, err := repo.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printRuns(cmd.OutOrStdout(), runs)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	return cmd
}

func newReportGetCommand(root *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "get RUN_ID",
		Short: "Render a run stored in the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return errors.NewConfigFieldError(errors.CodeValidation, "invalid run id", "run_id", args[0])
			}
			return withRepository(cmd.Context(), root, func(repo *db.ReportRepository) error {
				rep, err := repo.LoadReport(cmd.Context(), id)
				if err != nil {
					return err
				}
				return writeReport(cmd.OutOrStdout(), rep, format)
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table, json, yaml, xml")
	return cmd
}

func writeReport(w io.Writer, rep *report.Report, format string) error {
	f, err := report.ParseFormat(format)
	if err != nil {
		return err
	}
	return report.Write(w, rep, f)
}

func printRuns(w io.Writer, runs []db.ScanRun) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No stored runs")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "Created", "Hosts", "Up", "Duration")
	for i := range runs {
		run := &runs[i]
		_ = table.Append([]string{
			run.ID.String(),
			run.CreatedAt.Format("2006-01-02 15:04:05"),
			strconv.Itoa(run.NbHosts),
			strconv.Itoa(run.Up),
			run.Duration,
		})
	}
	return table.Render()
}

// withRepository runs fn against the configured database.
func withRepository(ctx context.Context, root *rootOptions, fn func(*db.ReportRepository) error) error {
	return withDatabase(ctx, root, func(database *db.DB) error {
		return fn(db.NewReportRepository(database))
	})
}

// withDatabase opens the configured database for the duration of fn.
func withDatabase(ctx context.Context, root *rootOptions, fn func(*db.DB) error) error {
	cfg := root.config.GetDatabaseConfig()
	if cfg.Database == "" || cfg.Username == "" {
		return errors.NewConfigError(errors.CodeConfiguration,
			"database name and username must be configured")
	}

	database, err := db.Connect(ctx, &cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			root.logger.Warn("Failed to close database connection", "error", closeErr)
		}
	}()
	return fn(database)
}
