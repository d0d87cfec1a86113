// Package main implements siambridge, the service that exposes SIAM
// instrument ports to message-bus clients: it answers control commands and
// streams channel samples to publish streams.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ooici/siam-integration-sub000/config"
)

// Build information, overridden with -ldflags
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "siambridge"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type cliOptions struct {
	configPath string
	v          *viper.Viper
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{v: config.NewViper()}

	root := &cobra.Command{
		Use:   appName,
		Short: "SIAM instrument bridge",
		Long: `siambridge answers SIAM control commands received over NATS and
streams instrument channel samples to caller-named publish streams.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (yaml or json)")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "", "log format (json, text)")
	bindFlag(opts.v, root.PersistentFlags(), "log.level", "log-level")
	bindFlag(opts.v, root.PersistentFlags(), "log.format", "log-format")

	root.AddCommand(newServeCmd(opts), newValidateCmd(opts), newVersionCmd())
	return root
}

// bindFlag lets a flag override viper key only when it is set
func bindFlag(v *viper.Viper, flags *pflag.FlagSet, key, name string) {
	if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
		panic(err)
	}
}

func (o *cliOptions) load() (*config.Config, error) {
	if err := config.ReadFile(o.v, o.configPath); err != nil {
		return nil, err
	}
	return config.Decode(o.v)
}

func newServeCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := setupLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBridge(ctx, cfg, logger)
		},
	}
	cmd.Flags().String("nats-url", "", "NATS server URLs, comma separated")
	cmd.Flags().String("source-host", "", "NATS URL of the streaming source")
	cmd.Flags().String("health-addr", "", "health endpoint listen address")
	bindFlag(opts.v, cmd.Flags(), "nats.urls", "nats-url")
	bindFlag(opts.v, cmd.Flags(), "source.host", "source-host")
	bindFlag(opts.v, cmd.Flags(), "health.addr", "health-addr")
	return cmd
}

func newValidateCmd(opts *cliOptions) *cobra.Command {
	var printCfg bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if printCfg {
				return cfg.WriteYAML(out)
			}
			_, err = fmt.Fprintln(out, "configuration is valid")
			return err
		},
	}
	cmd.Flags().BoolVar(&printCfg, "print", false, "print the effective configuration")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	_, _ = fmt.Fprintf(w, "%s %s (built %s, %s)\n", appName, Version, BuildTime, runtime.Version())
}
