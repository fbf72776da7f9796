package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/x/editor"
	"github.com/dgnsrekt/audiovault/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:         "config",
	Short:       "Edit the audiovault config file",
	Long:        paragraph(fmt.Sprintf("\n%s the audiovault config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example:     paragraph("audiovault config\naudiovault config --config path/to/config.yml"),
	Args:        cobra.NoArgs,
	Annotations: map[string]string{"skip_config": "true"},
	RunE: func(*cobra.Command, []string) error {
		// locate an existing file in the search dirs before falling back
		_, _ = loader.Load()
		path := loader.File()
		if err := config.EnsureFile(path); err != nil {
			return err
		}

		c, err := editor.Cmd("audiovault", path)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		if _, err := config.NewLoader(config.Options{File: path}).Load(); err != nil {
			fmt.Fprintln(os.Stderr, faintStyle.Render("warning: "+err.Error()))
		}
		fmt.Println("Wrote config file to:", path)
		return nil
	},
}
