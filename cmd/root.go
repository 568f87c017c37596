package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcore "github.com/liveedit/kpatch/cmd/core"
	cmdinfo "github.com/liveedit/kpatch/cmd/info"
	cmdpatch "github.com/liveedit/kpatch/cmd/patch"
	cmdunpatch "github.com/liveedit/kpatch/cmd/unpatch"
	"github.com/liveedit/kpatch/config"
)

var (
	cfgFile string
	verbose int
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "kpatch",
		Short:        "kpatch - live user-space binary patching",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmdcore.CommandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "increase log verbosity (repeatable)")
	cmd.PersistentFlags().String("storage-root", "", "default storage root directory")
	cmd.PersistentFlags().String("lock-dir", "", "per-pid lock file directory")
	cmd.PersistentFlags().Int("drive-timeout", 0, "action-driver single-step timeout, in seconds (0: use the built-in default)")

	_ = viper.BindPFlag("storage_root", cmd.PersistentFlags().Lookup("storage-root"))
	_ = viper.BindPFlag("lock_dir", cmd.PersistentFlags().Lookup("lock-dir"))
	_ = viper.BindPFlag("drive_timeout_seconds", cmd.PersistentFlags().Lookup("drive-timeout"))

	viper.SetEnvPrefix("KPATCH")
	viper.AutomaticEnv()

	confProvider := func() *config.Config { return conf }
	base := cmdcore.BaseHandler{ConfProvider: confProvider}

	cmd.AddCommand(cmdpatch.Command(cmdpatch.Handler{BaseHandler: base}))
	cmd.AddCommand(cmdunpatch.Command(cmdunpatch.Handler{BaseHandler: base}))
	cmd.AddCommand(cmdinfo.Command(cmdinfo.Handler{BaseHandler: base}))

	return cmd
}()

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		// No config file is OK; a corrupt/unreadable one is not.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if err := conf.EnsureDirs(); err != nil {
		return fmt.Errorf("ensure dirs: %w", err)
	}

	if verbose > 0 {
		conf.Log.Level = "debug"
	}

	return log.SetupLog(ctx, conf.Log, "")
}
