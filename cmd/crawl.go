package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlstream/internal/app"
	"github.com/JakeFAU/crawlstream/internal/report"
	"github.com/JakeFAU/crawlstream/internal/session"
)

type crawlOptions struct {
	form   session.Form
	export bool
}

// newCrawlCmd creates the 'crawl' subcommand, which runs one session to
// completion and prints its result blocks.
func newCrawlCmd() *cobra.Command {
	var opts crawlOptions
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one crawl session and print its results",
		Long: `Submits --url to the crawl backend, follows the result stream and writes
each result block to stdout in arrival order. Interrupting the command cancels
the session; blocks received so far are still printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sess, err := a.Orchestrator().Submit(opts.form)
			if err != nil {
				return errors.Join(fmt.Errorf("submit crawl: %w", err), closeApp(a))
			}
			return followSession(cmd.Context(), cmd.OutOrStdout(), a, sess, opts.export)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.form.URL, "url", "", "website URL to crawl")
	f.StringVar(&opts.form.CrawlMode, "mode", "", "crawl mode: single or all")
	f.BoolVar(&opts.form.EnableMD, "md", true, "request markdown output")
	f.BoolVar(&opts.form.EnableHTML, "html", false, "request HTML output")
	f.BoolVar(&opts.form.EnableSS, "screenshot", false, "request screenshots")
	f.BoolVar(&opts.form.EnableSEO, "seo", false, "request SEO metadata")
	f.BoolVar(&opts.export, "export", false, "write result blocks to the configured report storage")
	return cmd
}

// newResumeCmd creates the 'resume' subcommand for the most recent session.
func newResumeCmd() *cobra.Command {
	var export bool
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume the most recent crawl session",
		Long: `Restarts the latest session from history. A single-page crawl with a
stored result is fetched directly; anything else is submitted again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sess, err := a.Orchestrator().Resume(cmd.Context())
			if err != nil {
				return errors.Join(fmt.Errorf("resume crawl: %w", err), closeApp(a))
			}
			return followSession(cmd.Context(), cmd.OutOrStdout(), a, sess, export)
		},
	}
	cmd.Flags().BoolVar(&export, "export", false, "write result blocks to the configured report storage")
	return cmd
}

// followSession waits for sess, prints its blocks, optionally exports them and
// closes the app.
func followSession(ctx context.Context, out io.Writer, a *app.App, sess *session.Session, export bool) (err error) {
	logger := a.Logger()
	defer func() {
		err = errors.Join(err, closeApp(a))
	}()

	if waitErr := sess.Wait(ctx); waitErr != nil {
		logger.Info("interrupted; canceling session", zap.Stringer("session_id", sess.ID()))
		sess.Cancel()
		<-sess.Done()
	}

	blocks := sess.Blocks()
	for i, block := range blocks {
		if _, werr := fmt.Fprintf(out, "<!-- %s -->\n%s\n\n", report.FileName(i), block); werr != nil {
			return fmt.Errorf("write block: %w", werr)
		}
	}
	if export && len(blocks) > 0 {
		uris, exportErr := a.Exporter().Export(context.WithoutCancel(ctx), sess.ID(), blocks)
		if exportErr != nil {
			return fmt.Errorf("export report: %w", exportErr)
		}
		for _, uri := range uris {
			logger.Info("report exported", zap.String("uri", uri))
		}
	}
	if sessErr := sess.Err(); sessErr != nil {
		return fmt.Errorf("session %s failed: %w", sess.ID(), sessErr)
	}
	logger.Info("crawl finished",
		zap.Stringer("session_id", sess.ID()),
		zap.Int("blocks", len(blocks)))
	return nil
}

func closeApp(a *app.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}
