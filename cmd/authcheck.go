package cmd

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/tgrelay/internal/readiness"
)

// CreateAuthCheckCmd creates the auth-check command, which polls a running
// auth service's health endpoint the same way the host does at boot.
func CreateAuthCheckCmd() *cobra.Command {
	var flags settingsFlags
	var url string
	var interval time.Duration
	var attempts int

	cmd := &cobra.Command{
		Use:   "auth-check",
		Short: "Wait for the auth service to report healthy",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			if url == "" {
				settings, err := flags.load()
				if err != nil {
					return err
				}
				url = settings.AuthBaseURL()
			}

			ctx, stop := signal.NotifyContext(c.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := c.OutOrStdout()
			gate := &readiness.Gate{
				Client:      &http.Client{},
				Endpoint:    url + "/health",
				Interval:    interval,
				MaxAttempts: attempts,
				Target:      "auth-check",
				OnAttempt: func(attempt int, err error) {
					if err != nil {
						fmt.Fprintf(out, "attempt %d/%d: %v\n", attempt, attempts, err)
					}
				},
			}
			if err := gate.WaitUntilReady(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "auth service at %s is ready\n", url)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&url, "url", "", "Auth service base URL (default from config)")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Delay between polls")
	cmd.Flags().IntVar(&attempts, "attempts", 30, "Number of polls before giving up")
	return cmd
}
