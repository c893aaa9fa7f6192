package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wippyai/dualvm/capability"
	"github.com/wippyai/dualvm/config"
	"github.com/wippyai/dualvm/engine"
	"github.com/wippyai/dualvm/runners"
	"github.com/wippyai/dualvm/supervisor"
)

type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	log     *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:           "dualvm",
		Short:         "Run sandboxed runners in deterministic and non-deterministic mode",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "configuration file (YAML)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (console, json)")
	flags.String("runners-dir", "", "runner archive directory")
	flags.String("cache-dir", "", "precompile cache directory")
	flags.Bool("debug", false, "enable debug-only runner aliases")
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = a.v.BindPFlag("runners_dir", flags.Lookup("runners-dir"))
	_ = a.v.BindPFlag("cache_dir", flags.Lookup("cache-dir"))
	_ = a.v.BindPFlag("debug", flags.Lookup("debug"))

	root.AddCommand(
		newRunCmd(a),
		newPrecompileCmd(a),
		newParseVersionCmd(),
		newVersionCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if cmd.Annotations["config"] == "none" {
		return nil
	}
	if err := config.ReadFile(a.v, a.cfgFile); err != nil {
		return err
	}
	cfg, err := config.Decode(a.v)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log

	engine.SetLogger(log.Named("engine"))
	runners.SetLogger(log.Named("runners"))
	capability.SetLogger(log.Named("capability"))
	supervisor.SetLogger(log.Named("supervisor"))
	return nil
}
