package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/smazurov/tgrelay/internal/config"
	"github.com/smazurov/tgrelay/internal/process"
)

// CreateWorkersCmd creates the workers command, which prints the resolved
// launch commands without spawning anything.
func CreateWorkersCmd() *cobra.Command {
	var flags settingsFlags
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Show the bot and auth service launch commands",
		Long: `Resolves the worker launch commands for the configured mode and prints them. ` +
			`Nothing is started; use it to check a config file before deploying.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			settings, err := flags.load()
			if err != nil {
				return err
			}
			bot, auth, err := config.WorkerCommands(settings)
			if err != nil {
				return err
			}
			if asJSON {
				return writeWorkersJSON(c.OutOrStdout(), settings, bot, auth)
			}
			writeWorkers(c.OutOrStdout(), settings, bot, auth)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func writeWorkers(w io.Writer, s config.WorkerSettings, bot, auth process.Command) {
	fmt.Fprintf(w, "mode:     %s\n", s.Mode)
	fmt.Fprintf(w, "dir:      %s\n", bot.Dir)
	fmt.Fprintf(w, "auth url: %s\n", s.AuthBaseURL())
	fmt.Fprintf(w, "bot:      %s\n", bot)
	fmt.Fprintf(w, "auth:     %s\n", auth)

	keys := make([]string, 0, len(bot.Env))
	for k := range bot.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintln(w, "env:")
	for _, k := range keys {
		fmt.Fprintf(w, "  %s=%s\n", k, bot.Env[k])
	}
}

func writeWorkersJSON(w io.Writer, s config.WorkerSettings, bot, auth process.Command) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Mode    config.Mode     `json:"mode"`
		AuthURL string          `json:"auth_url"`
		Bot     process.Command `json:"bot"`
		Auth    process.Command `json:"auth"`
	}{s.Mode, s.AuthBaseURL(), bot, auth})
}
