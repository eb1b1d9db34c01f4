// Package cli provides the cobra command tree of the porteye scanner:
// scanning, report inspection, database maintenance and version output.
package cli

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/anstrom/porteye/internal/config"
	"github.com/anstrom/porteye/internal/logging"
)

const envPrefix = "PORTEYE"

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootOptions is the state shared by all subcommands.
type rootOptions struct {
	cfgFile string
	verbose bool
	viper   *viper.Viper
	config  *config.Config
	logger  *logging.Logger
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{viper: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "porteye",
		Short: "Concurrent network scanner",
		Long: `porteye scans hosts and networks for reachability, open ports and
services, fingerprints operating systems, and matches detected services
against known vulnerabilities.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.initConfig(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default is ./porteye.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		newScanCommand(opts),
		newReportCommand(opts),
		newDBCommand(opts),
		newVersionCommand(),
	)
	return rootCmd
}

// Execute runs the command tree. This is called by main.main().
func Execute() {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// initConfig locates the config file, loads it, applies PORTEYE_* env vars
// and changed flags on top, and sets up logging.
func (o *rootOptions) initConfig(cmd *cobra.Command) error {
	v := o.viper
	if o.cfgFile != "" {
		v.SetConfigFile(o.cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("porteye")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := o.cfgFile
	if path == "" {
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err == nil {
			path = v.ConfigFileUsed()
		} else if !stderrors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	applyOverrides(cfg, v)
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.config = cfg

	logger, err := newLogger(cfg, o.verbose, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.SetDefault(logger)
	o.logger = logger

	if path != "" {
		logger.Debug("Using config file", "path", path)
	}
	return nil
}

// newLogger builds the logger from config. Standard streams go to the
// command's writers.
func newLogger(cfg *config.Config, verbose bool, stdout, stderr io.Writer) (*logging.Logger, error) {
	lc := cfg.LoggerConfig()
	if verbose {
		lc.Level = logging.LevelDebug
	}
	lc.AddSource = lc.Level == logging.LevelDebug

	switch lc.Output {
	case "stdout":
		return logging.NewWithWriter(lc, stdout), nil
	case "", "stderr":
		return logging.NewWithWriter(lc, stderr), nil
	default:
		return logging.New(lc)
	}
}

// applyOverrides copies every value set through the environment or a changed
// flag into cfg. Lists replace the ones from the file.
func applyOverrides(cfg *config.Config, v *viper.Viper) {
	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	setBool := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}
	setList := func(key string, dst *[]string) {
		if v.IsSet(key) {
			*dst = v.GetStringSlice(key)
		}
	}

	setList("targets.ipv4_hosts", &cfg.Targets.IPv4Hosts)
	setList("targets.ipv6_hosts", &cfg.Targets.IPv6Hosts)
	setList("targets.ipv4_networks", &cfg.Targets.IPv4Networks)
	setList("targets.ipv6_networks", &cfg.Targets.IPv6Networks)

	setBool("scanning.mock", &cfg.Scanning.Mock)
	if v.IsSet("scanning.privileged") {
		privileged := v.GetBool("scanning.privileged")
		cfg.Scanning.Privileged = &privileged
	}
	setInt("scanning.max_parallel", &cfg.Scanning.MaxParallel)
	setInt("scanning.rate_limit", &cfg.Scanning.RateLimit)
	setString("scanning.ports", &cfg.Scanning.Ports)
	setBool("scanning.udp", &cfg.Scanning.UDP)
	if v.IsSet("scanning.ping_timeout") {
		cfg.Scanning.PingTimeout = v.GetDuration("scanning.ping_timeout")
	}
	if v.IsSet("scanning.scan_timeout") {
		cfg.Scanning.ScanTimeout = v.GetDuration("scanning.scan_timeout")
	}
	setString("scanning.signatures_file", &cfg.Scanning.SignaturesFile)

	setString("output.format", &cfg.Output.Format)
	setString("output.path", &cfg.Output.Path)

	setString("logging.level", &cfg.Logging.Level)
	setString("logging.format", &cfg.Logging.Format)
	setString("logging.output", &cfg.Logging.Output)

	setBool("api.trust_proxy_headers", &cfg.API.TrustProxyHeaders)
	if v.IsSet("api.listen") {
		cfg.API.Enabled = true
		cfg.API.ListenAddr = v.GetString("api.listen")
	}

	setBool("database.enabled", &cfg.Database.Enabled)
	setString("database.host", &cfg.Database.Host)
	setInt("database.port", &cfg.Database.Port)
	setString("database.database", &cfg.Database.Database)
	setString("database.username", &cfg.Database.Username)
	setString("database.password", &cfg.Database.Password)
	setString("database.ssl_mode", &cfg.Database.SSLMode)

	setString("schedule.cron", &cfg.Schedule.Cron)
}

// bindFlag binds a flag to a config key, panicking on programmer error.
func bindFlag(v *viper.Viper, flags *pflag.FlagSet, key, flag string) {
	if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
	}
}
