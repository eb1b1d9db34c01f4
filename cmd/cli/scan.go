package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/porteye/internal/api"
	"github.com/anstrom/porteye/internal/config"
	"github.com/anstrom/porteye/internal/db"
	"github.com/anstrom/porteye/internal/errors"
	"github.com/anstrom/porteye/internal/logging"
	"github.com/anstrom/porteye/internal/metrics"
	"github.com/anstrom/porteye/internal/report"
	"github.com/anstrom/porteye/internal/resolve"
	"github.com/anstrom/porteye/internal/scanning"
	"github.com/anstrom/porteye/internal/scheduler"
	"github.com/anstrom/porteye/internal/targets"
	"github.com/anstrom/porteye/internal/vulns"
)

const (
	shutdownTimeout       = 30 * time.Second
	systemMetricsInterval = 15 * time.Second
	hostLookupTimeout     = 5 * time.Second
)

// newScanCommand builds the scan command.
func newScanCommand(root *rootOptions) *cobra.Command {
	var progress bool

	cmd := &cobra.Command{
		Use:   "scan [targets...]",
		Short: "Scan hosts and networks",
		Long: `Scan hosts and networks for reachability, open ports and services,
operating systems and known vulnerabilities.

Positional targets may be IPv4 or IPv6 hosts, networks in CIDR notation,
or hostnames, which are resolved to their first address. They are added
to the targets from the config file and flags.
Without --privileged, raw-socket probes and OS detection are used only
when running as root.`,
		Example: `  porteye scan 192.168.1.0/24
  porteye scan --mock 92.222.10.88 192.0.2.1 ::1
  porteye scan scanme.example.org --ports 22,80
  porteye scan --ipv4-networks 10.0.0.0/28 --ports 22,80,443 --format json
  porteye scan 10.0.0.1 --output report.yaml
  porteye scan 10.0.0.0/24 --schedule "@every 1h" --listen 127.0.0.1:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, root, args, progress)
		},
	}

	flags := cmd.Flags()
	flags.StringSlice("ipv4-hosts", nil, "IPv4 hosts to scan")
	flags.StringSlice("ipv6-hosts", nil, "IPv6 hosts to scan")
	flags.StringSlice("ipv4-networks", nil, "IPv4 networks to scan (CIDR)")
	flags.StringSlice("ipv6-networks", nil, "IPv6 networks to scan (CIDR)")
	flags.Bool("mock", false, "answer probes from built-in fixtures instead of the network")
	flags.Bool("privileged", false, "use raw-socket probes and OS detection (default: true when root)")
	flags.Int("max-parallel", scanning.DefaultMaxParallel, "maximum number of hosts scanned at once")
	flags.Int("rate-limit", 0, "maximum host pipelines started per second (0 = unlimited)")
	flags.String("ports", "1-1024", "ports to scan, e.g. '22,80,443' or '1-1024'")
	flags.Bool("udp", false, "also scan UDP ports")
	flags.Duration("ping-timeout", 0, "reachability probe timeout")
	flags.Duration("scan-timeout", 0, "port scan timeout per host")
	flags.StringP("format", "f", "", "report format: table, json, yaml, xml (default: from --output, else table)")
	flags.StringP("output", "o", "", "write the report to a file instead of stdout")
	flags.String("signatures", "", "YAML file with extra vulnerability signatures")
	flags.String("listen", "", "serve health, metrics and the latest report on this address")
	flags.String("schedule", "", "repeat the scan on a cron schedule, e.g. '@every 1h'")
	flags.Bool("save", false, "store reports in the configured database")
	flags.BoolVar(&progress, "progress", false, "print one line per finished host to stderr")

	v := root.viper
	bindFlag(v, flags, "targets.ipv4_hosts", "ipv4-hosts")
	bindFlag(v, flags, "targets.ipv6_hosts", "ipv6-hosts")
	bindFlag(v, flags, "targets.ipv4_networks", "ipv4-networks")
	bindFlag(v, flags, "targets.ipv6_networks", "ipv6-networks")
	bindFlag(v, flags, "scanning.mock", "mock")
	bindFlag(v, flags, "scanning.privileged", "privileged")
	bindFlag(v, flags, "scanning.max_parallel", "max-parallel")
	bindFlag(v, flags, "scanning.rate_limit", "rate-limit")
	bindFlag(v, flags, "scanning.ports", "ports")
	bindFlag(v, flags, "scanning.udp", "udp")
	bindFlag(v, flags, "scanning.ping_timeout", "ping-timeout")
	bindFlag(v, flags, "scanning.scan_timeout", "scan-timeout")
	bindFlag(v, flags, "scanning.signatures_file", "signatures")
	bindFlag(v, flags, "output.format", "format")
	bindFlag(v, flags, "output.path", "output")
	bindFlag(v, flags, "api.listen", "listen")
	bindFlag(v, flags, "schedule.cron", "schedule")
	bindFlag(v, flags, "database.enabled", "save")

	return cmd
}

// scanRun holds everything one invocation of the scan command needs.
type scanRun struct {
	cfg      *config.Config
	handler  *scanning.Handler
	format   report.Format
	stdout   io.Writer
	reports  *api.ReportHolder
	repo     *db.ReportRepository
	database *db.DB
	metrics  *metrics.PrometheusMetrics
	logger   *logging.Logger
}

func runScan(cmd *cobra.Command, root *rootOptions, args []string, progress bool) error {
	cfg := root.config
	logger := root.logger.WithComponent("cli")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := newScanRun(ctx, cmd, cfg, args, progress, logger)
	if err != nil {
		return err
	}
	defer run.close()

	if cfg.IsAPIEnabled() {
		stopAPI := run.startAPI(ctx)
		defer stopAPI()
	}

	if cfg.Schedule.Cron != "" {
		return run.schedule(ctx)
	}
	return run.once(ctx)
}

func newScanRun(ctx context.Context, cmd *cobra.Command, cfg *config.Config, args []string,
	progress bool, logger *logging.Logger,
) (*scanRun, error) {
	scanCfg, err := cfg.ScanConfig()
	if err != nil {
		return nil, err
	}
	lookup := hostLookup(scanCfg.Mock)
	for _, arg := range args {
		if err := addTarget(ctx, &scanCfg.Targets, arg, lookup, logger); err != nil {
			return nil, err
		}
	}

	format, err := cfg.OutputFormat()
	if err != nil {
		return nil, err
	}

	source := vulns.Default()
	if cfg.Scanning.SignaturesFile != "" {
		extra, err := vulns.LoadFile(cfg.Scanning.SignaturesFile)
		if err != nil {
			return nil, err
		}
		source = vulns.Merge(source, extra)
		logger.Info("Loaded vulnerability signatures", "path", cfg.Scanning.SignaturesFile, "count", extra.Len())
	}

	run := &scanRun{
		cfg:     cfg,
		format:  format,
		stdout:  cmd.OutOrStdout(),
		reports: api.NewReportHolder(),
		metrics: metrics.NewPrometheusMetrics(),
		logger:  logger,
	}

	opts := []scanning.Option{
		scanning.WithVulnSource(source),
		scanning.WithMetrics(run.metrics),
		scanning.WithLogger(logger),
	}
	if progress {
		opts = append(opts, scanning.WithProgress(cmd.ErrOrStderr()))
	}

	run.handler, err = scanning.NewHandler(scanCfg, opts...)
	if err != nil {
		return nil, err
	}

	if cfg.IsDatabaseEnabled() {
		dbCfg := cfg.GetDatabaseConfig()
		run.database, err = db.ConnectAndMigrate(ctx, &dbCfg)
		if err != nil {
			_ = run.handler.Close()
			return nil, err
		}
		run.repo = db.NewReportRepository(run.database)
	}

	logger.Info("Scan prepared",
		"hosts", run.handler.Count(),
		"max_parallel", run.handler.MaxParallel(),
		"mock", scanCfg.Mock,
		"privileged", scanCfg.Privileged)
	return run, nil
}

// hostLookup picks how positional hostnames are resolved.
func hostLookup(mock bool) resolve.HostLookup {
	if mock {
		return resolve.NewStaticResolver(resolve.Fixtures())
	}
	return resolve.NewDNSResolver(hostLookupTimeout)
}

// addTarget adds an address or network to set. Anything else is taken as
// a hostname and its first address is scanned.
func addTarget(ctx context.Context, set *targets.Set, arg string, lookup resolve.HostLookup, logger *logging.Logger) error {
	err := set.Add(arg)
	if err == nil || strings.Contains(arg, "/") || !errors.IsCode(err, errors.CodeInvalidHost) {
		return err
	}

	addrs, lookupErr := lookup.LookupHost(ctx, arg)
	if lookupErr != nil {
		logger.Debug("Hostname lookup failed", "name", arg, "error", lookupErr)
		return err
	}
	logger.Info("Resolved target", "name", arg, "host", addrs[0].String())
	return set.Add(addrs[0].String())
}

func (r *scanRun) close() {
	_ = r.handler.Close()
	if r.database != nil {
		if err := r.database.Close(); err != nil {
			r.logger.Warn("Failed to close database connection", "error", err)
		}
	}
}

// startAPI serves the API until the returned function is called.
func (r *scanRun) startAPI(ctx context.Context) func() {
	apiCfg := api.DefaultConfig()
	apiCfg.ListenAddr = r.cfg.API.ListenAddr
	apiCfg.TrustProxyHeaders = r.cfg.API.TrustProxyHeaders
	if r.cfg.API.RequestTimeout > 0 {
		apiCfg.WriteTimeout = r.cfg.API.RequestTimeout
	}

	opts := []api.Option{api.WithMetrics(r.metrics), api.WithLogger(r.logger)}
	if r.repo != nil {
		opts = append(opts, api.WithRunStore(r.repo), api.WithDatabase(r.database))
	}
	server := api.New(apiCfg, r.reports, opts...)

	apiCtx, cancel := context.WithCancel(ctx)
	go r.metrics.StartPeriodicUpdates(apiCtx, systemMetricsInterval)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Start(apiCtx); err != nil {
			r.logger.Error("API server stopped", "error", err)
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// once performs a single run and emits its report.
func (r *scanRun) once(ctx context.Context) error {
	rep, err := r.execute(ctx)
	if rep != nil {
		if emitErr := r.emit(rep); emitErr != nil {
			return emitErr
		}
	}
	return err
}

// schedule runs immediately and then on every trigger until ctx is done.
func (r *scanRun) schedule(ctx context.Context) error {
	sched := scheduler.New(r.logger)
	job := func(jobCtx context.Context) {
		rep, err := r.execute(jobCtx)
		if err != nil {
			r.logger.Warn("Scheduled scan ended with error", "error", err)
		}
		if rep != nil {
			if err := r.emit(rep); err != nil {
				r.logger.Error("Failed to write report", "error", err)
			}
		}
	}
	if _, err := sched.AddJob("scan", r.cfg.Schedule.Cron, job); err != nil {
		return err
	}

	job(ctx)
	if ctx.Err() != nil {
		return nil
	}

	if err := sched.Start(); err != nil {
		return err
	}
	r.logger.Info("Waiting for scheduled runs", "schedule", r.cfg.Schedule.Cron)
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return sched.Stop(stopCtx)
}

// execute runs the scans, publishes the report to the API and stores it.
// A canceled run still yields the partial report.
func (r *scanRun) execute(ctx context.Context) (*report.Report, error) {
	rep, err := r.handler.RunScans(ctx)
	if rep == nil {
		return nil, err
	}
	if err != nil && !errors.IsCode(err, errors.CodeCanceled) {
		return nil, err
	}

	r.reports.Set(rep)
	r.logger.Info("Scan finished", "hosts", rep.NbHosts, "up", rep.Up, "duration", rep.Duration)

	if r.repo != nil {
		// The report is stored even when the run was interrupted.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		id, saveErr := r.repo.SaveReport(saveCtx, rep)
		if saveErr != nil {
			r.logger.ErrorDatabase("Failed to store report", saveErr)
		} else {
			r.logger.Info("Stored report", "run_id", id.String())
		}
	}
	return rep, err
}

// emit writes the report to the configured file or stdout.
func (r *scanRun) emit(rep *report.Report) error {
	if r.cfg.Output.Path != "" {
		if err := report.SaveFile(r.cfg.Output.Path, rep, r.format); err != nil {
			return fmt.Errorf("failed to save report: %w", err)
		}
		r.logger.Info("Report written", "path", r.cfg.Output.Path, "format", string(r.format))
		return nil
	}
	return report.Write(r.stdout, rep, r.format)
}
