package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/marketplace-session/internal/monitor"
	"github.com/alexjbarnes/marketplace-session/internal/session"
)

// activity is what stdin lines drive. *monitor.Monitor satisfies it.
type activity interface {
	Touch()
	SetVisible(visible bool)
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the session verified while you work",
		Long: `watch hydrates the session and revalidates it after idle periods.
Every line on stdin counts as activity; the lines "hidden" and "visible"
mark the client as backgrounded or foregrounded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return runWatch(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), a)
			})
		},
	}
}

func runWatch(ctx context.Context, in io.Reader, out io.Writer, a *app) error {
	m := monitor.New(a.session, a.state, monitor.Config{
		CheckInterval: a.cfg.InactivityCheckInterval,
		Threshold:     a.cfg.InactivityThreshold,
		Throttle:      a.cfg.RevalidateThrottle,
		HiddenAfter:   a.cfg.HiddenRevalidateAfter,
	}, a.logger)

	unsubscribe := a.session.Subscribe(func(ev session.Event) {
		m.HandleEvent(ev)
		fmt.Fprintln(out, describeEvent(ev))

		if ev.Kind == session.EventCleared {
			a.clearCookies()
		}
	})
	defer unsubscribe()

	if err := a.session.Hydrate(ctx); err != nil {
		a.logger.Warn("initial session check failed", slog.String("error", err.Error()))
	}

	snap := a.session.Snapshot()
	fmt.Fprintf(out, "session %s\n", snap.State)

	// The reader is not part of the group: a blocked read cannot be
	// interrupted and must not hold up shutdown.
	lines := make(chan string)

	go func() {
		defer close(lines)

		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.Run(gctx)
	})

	g.Go(func() error {
		input := lines

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case line, ok := <-input:
				if !ok {
					// Input closed; keep watching on the timer alone.
					input = nil
					continue
				}

				applyInput(m, line)
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func applyInput(act activity, line string) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "hidden":
		act.SetVisible(false)
	case "visible":
		act.SetVisible(true)
	default:
		act.Touch()
	}
}

func describeEvent(ev session.Event) string {
	switch ev.Kind {
	case session.EventAuthenticated:
		return "session authenticated as " + displayName(ev.User)
	case session.EventCleared:
		if ev.Reason != nil {
			return "session cleared: " + ev.Reason.Error()
		}

		return "session cleared"
	case session.EventRefreshed:
		return "credentials refreshed"
	}

	return "session " + ev.Kind.String()
}
