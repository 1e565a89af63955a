package cmd

import (
	"errors"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/smazurov/tgrelay/internal/config"
)

// settingsFlags are shared by subcommands that resolve worker settings.
type settingsFlags struct {
	configFile string
	mode       string
	dir        string
}

func (f *settingsFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configFile, "config", "c", "config.toml", "Path to configuration file")
	cmd.Flags().StringVar(&f.mode, "mode", "", "Override workers.mode (dev or production)")
	cmd.Flags().StringVar(&f.dir, "dir", "", "Override workers.dir")
}

// load reads the [workers] table and applies flag overrides.
// A missing config file falls back to defaults.
func (f *settingsFlags) load() (config.WorkerSettings, error) {
	settings, err := config.LoadWorkerSettings(f.configFile, config.DefaultWorkerSettings())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return settings, err
	}
	if f.mode != "" {
		mode, err := config.ParseMode(f.mode)
		if err != nil {
			return settings, err
		}
		settings.Mode = mode
	}
	if f.dir != "" {
		settings.Dir = f.dir
	}
	return settings, settings.Validate()
}
