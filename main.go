// Package main provides the audiovault command.
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/audiovault/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string

	loader   *config.Loader
	cfg      config.Config
	logger   = log.Default()
	closeLog = func() error { return nil }

	rootCmd = &cobra.Command{
		Use:   "audiovault",
		Short: "Synthesize, cache and stream paid audio",
		Long: paragraph(
			fmt.Sprintf("\nSynthesize speech once, cache it forever and %s to entitled devices.", keyword("stream it")),
		),
		SilenceErrors:     false,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
)

// annotationConfigKey marks a flag as an override for a config key.
const annotationConfigKey = "audiovault_config_key"

// bindFlag makes flag name on cmd override the config key when passed.
func bindFlag(cmd *cobra.Command, name, key string) {
	flags := cmd.Flags()
	if flags.Lookup(name) == nil {
		flags = cmd.PersistentFlags()
	}
	_ = flags.SetAnnotation(name, annotationConfigKey, []string{key})
}

// skipConfig marks commands that must run without a loadable config.
func skipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations["skip_config"] == "true" {
			return true
		}
	}
	return false
}

func setup(cmd *cobra.Command, _ []string) error {
	loader = config.NewLoader(config.Options{File: configFile})
	if skipConfig(cmd) {
		return nil
	}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if keys := f.Annotations[annotationConfigKey]; len(keys) == 1 {
			loader.Set(keys[0], f.Value.String())
		}
	})

	var err error
	cfg, err = loader.Load()
	if err != nil {
		return err
	}
	logger, closeLog, err = setupLog(cfg)
	if err != nil {
		return err
	}
	logger.Debug("configuration loaded", "file", loader.File())
	return nil
}

func main() {
	err := rootCmd.Execute()
	_ = closeLog()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default searches the user config dirs for audiovault.yml)")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "", "auto, text or json")
	bindFlag(rootCmd, "log-level", "log_level")
	bindFlag(rootCmd, "log-format", "log_format")

	rootCmd.AddCommand(
		serveCmd,
		synthCmd,
		tokenCmd,
		grantCmd,
		migrateCmd,
		cacheCmd,
		voicesCmd,
		configCmd,
		manCmd,
	)
}
