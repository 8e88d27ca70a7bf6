/*
Package cli implements the meshfind command line interface.

Every command operates on one data directory (default ~/.meshfind)
holding the node identity, configuration and stores.
*/
package cli

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/meshfind/meshfind/internal/config"
)

// dataDirFlag resolves the --data flag, falling back to ~/.meshfind.
func dataDirFlag(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("data")
	if dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meshfind"
	}
	return filepath.Join(home, ".meshfind")
}

// loadConfig reads the config for the selected data directory, falling
// back to defaults when no file exists yet.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	dir := dataDirFlag(cmd)
	cfg, err := config.LoadFrom(config.DefaultPath(dir))
	if err != nil {
		var nf *config.NotFoundError
		if errors.As(err, &nf) {
			return config.Default(dir), nil
		}
		return nil, err
	}
	return cfg, nil
}

// addDataFlag registers the shared --data flag.
func addDataFlag(cmd *cobra.Command) {
	cmd.Flags().String("data", "", "data directory (default ~/.meshfind)")
}
