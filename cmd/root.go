// Package cmd defines the crawlstream command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlstream/internal/app"
	"github.com/JakeFAU/crawlstream/internal/config"
)

// appFactory builds the service container for a loaded config. Tests swap it
// to isolate collectors and transports.
type appFactory func(ctx context.Context, cfg *config.Config) (*app.App, error)

func defaultFactory(ctx context.Context, cfg *config.Config) (*app.App, error) {
	return app.Build(ctx, cfg, app.Options{})
}

type appKeyType struct{}

// newRootCmd creates the root command. Subcommands find the built App in
// their context.
func newRootCmd(build appFactory) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "crawlstream",
		Short: "Submit crawls and stream their results in real time.",
		Long: `crawlstream drives crawl sessions against a crawl backend: it submits a
target URL, follows the backend's result stream and fetches every result
document in arrival order. It can run one session from the terminal or serve
the session API over HTTP.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := build(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKeyType{}, a))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (env CRAWLSTREAM_* overrides)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newResumeCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKeyType{}).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// Execute runs the root command with process signals wired to cancellation.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(defaultFactory).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
