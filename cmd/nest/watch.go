package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasknest/tasknest/internal/cache"
	"github.com/tasknest/tasknest/internal/orchestrator"
	"github.com/tasknest/tasknest/internal/store"
	"github.com/tasknest/tasknest/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Stay connected and print changes as they arrive",
	Long: `Keep the session open and print every change seen on the workspace
feed until interrupted. When signed out and using the file cache, changes
written by other nest processes on this device are picked up instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := openApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		a.orch.OnStateChanged(func(s orchestrator.State) {
			fmt.Fprintf(out, "%s %s\n", ui.RenderMuted(time.Now().Format("15:04:05")), ui.RenderAccent(s.String()))
		})
		a.orch.OnFeedEvent(func(ev store.ChangeEvent) {
			fmt.Fprintln(out, describeEvent(ev))
		})

		if cfg.Cache.Backend == cache.BackendFile && a.orch.State() == orchestrator.StateUnauthenticated {
			w, err := cache.NewWatcher()
			if err != nil {
				return err
			}
			if err := w.Start(cfg.Cache.Dir); err != nil {
				return err
			}
			defer func() { _ = w.Stop() }()
			go followCache(ctx, a, w)
		}

		fmt.Fprintf(out, "%s watching (%s), Ctrl+C to stop\n", ui.RenderPass("✓"), a.orch.State())
		<-ctx.Done()
		return nil
	},
}

// followCache reloads the collection whenever another process replaces the
// task snapshot.
func followCache(ctx context.Context, a *app, w *cache.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			if ev.Slot != cache.TasksFile {
				continue
			}
			before := len(a.orch.Tasks())
			a.orch.ReloadCache(ctx)
			fmt.Fprintf(a.cmd.OutOrStdout(), "%s cache %s, %d -> %d tasks\n",
				ui.RenderMuted(time.Now().Format("15:04:05")), ev.Op, before, len(a.orch.Tasks()))
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			logger.WithError(err).Warn("Cache watcher error")
		}
	}
}

func describeEvent(ev store.ChangeEvent) string {
	ts := ui.RenderMuted(time.Now().Format("15:04:05"))
	switch ev.Kind {
	case store.EventDelete:
		return fmt.Sprintf("%s %s %s", ts, ui.RenderWarn("deleted"), ui.ShortID(ev.TaskID))
	case store.EventLost:
		return fmt.Sprintf("%s %s", ts, ui.RenderWarn("feed lost, reconnecting"))
	default:
		if ev.Task == nil {
			return fmt.Sprintf("%s %s %s", ts, ev.Kind, ui.ShortID(ev.TaskID))
		}
		return fmt.Sprintf("%s %s %s", ts, ui.RenderAccent(string(ev.Kind)), ui.RenderTask(ev.Task, time.Now()))
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
