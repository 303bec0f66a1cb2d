package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/brensch/santorini/config"
	"github.com/brensch/santorini/logging"
)

// app is shared by every subcommand once the root has loaded the config.
type app struct {
	configPath string
	logLevel   string
	pretty     bool
	jsonLogs   bool

	cfg config.Config
	log zerolog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "santorini",
		Short:         "Self-play, matches and move serving for a 5x5 tower-climbing game",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "yaml config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level")
	root.PersistentFlags().BoolVar(&a.pretty, "pretty", false, "force console log output")
	root.PersistentFlags().BoolVar(&a.jsonLogs, "json", false, "force JSON log output")

	root.AddCommand(
		newSelfPlayCmd(a),
		newPlayCmd(a),
		newServeCmd(a),
		newInspectCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	switch {
	case a.pretty:
		cfg.Log.Pretty = true
	case a.jsonLogs:
		cfg.Log.Pretty = false
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Writer: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logger
	cmd.SetContext(logger.WithContext(cmd.Context()))
	return nil
}
