package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tasknest/tasknest/internal/cache"
	"github.com/tasknest/tasknest/internal/orchestrator"
	"github.com/tasknest/tasknest/internal/schema"
	"github.com/tasknest/tasknest/internal/session"
	"github.com/tasknest/tasknest/internal/store/remote"
	"github.com/tasknest/tasknest/internal/ui"
)

// app wires one orchestrator for the duration of a command.
type app struct {
	cache   cache.Cache
	session *session.FileProvider
	backend *remote.Client
	orch    *orchestrator.Orchestrator
	cmd     *cobra.Command
}

// openApp builds and starts the orchestrator. A hub that cannot be reached
// is reported and the command continues against the local copy.
func openApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	c, err := cache.Open(cfg.CacheOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	a := &app{
		cache:   c,
		session: session.NewFileProvider(cfg.SessionPath()),
		cmd:     cmd,
	}

	deps := orchestrator.Deps{
		Cache:   c,
		Session: a.session,
		Logger:  logger,
	}
	if cfg.Remote.URL != "" {
		client, err := remote.New(remote.Config{
			URL:     cfg.Remote.URL,
			Timeout: cfg.Remote.Timeout,
			User: func() string {
				user, _ := a.session.CurrentUser(context.Background())
				return user
			},
			Logger: logger,
		})
		if err != nil {
			_ = cache.Close(c)
			return nil, err
		}
		a.backend = client
		deps.Backend = client
	}

	a.orch = orchestrator.New(orchestrator.Config{
		ConflictTolerance: cfg.Sync.ConflictTolerance,
		UndoWindow:        cfg.Sync.UndoWindow,
		Recovery:          orchestrator.DefaultRecoveryPolicy(),
	}, deps)
	a.orch.OnNotice(a.printNotice)

	if err := a.orch.Start(ctx); err != nil {
		// Notices already told the user what failed.
		logger.WithError(err).Debug("Start did not reach the hub")
	}
	return a, nil
}

// Close stops the orchestrator and releases the cache.
func (a *app) Close() {
	a.orch.Close()
	if err := cache.Close(a.cache); err != nil {
		logger.WithError(err).Warn("Failed to close cache")
	}
}

func (a *app) printNotice(n orchestrator.Notice) {
	w := a.cmd.ErrOrStderr()
	switch n.Level {
	case orchestrator.NoticeError:
		fmt.Fprintf(w, "%s %s\n", ui.RenderFail("✗"), noticeText(n))
	case orchestrator.NoticeWarning:
		fmt.Fprintf(w, "%s %s\n", ui.RenderWarn("!"), noticeText(n))
	default:
		fmt.Fprintf(w, "%s %s\n", ui.RenderAccent("•"), noticeText(n))
	}
}

func noticeText(n orchestrator.Notice) string {
	if n.Err != nil && logger.IsLevelEnabled(logrus.DebugLevel) {
		return n.Message + ": " + n.Err.Error()
	}
	return n.Message
}

// settle interprets an operation error. The local change of an operation
// that only failed to reach the hub is kept, so it is reported as a warning.
func (a *app) settle(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, orchestrator.ErrWorkspaceNotReady):
		fmt.Fprintf(a.cmd.ErrOrStderr(), "%s saved on this device; it will sync once the hub is reachable\n", ui.RenderWarn("!"))
		return nil
	default:
		return err
	}
}

// resolveTask finds a task by id, unique id prefix, or title.
func (a *app) resolveTask(ref string) (*schema.Task, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("task reference is required")
	}
	tasks := a.orch.Tasks()

	for _, t := range tasks {
		if t.ID == ref {
			return t, nil
		}
	}

	var matches []*schema.Task
	for _, t := range tasks {
		if strings.HasPrefix(t.ID, ref) {
			matches = append(matches, t)
		}
	}
	if len(matches) == 0 {
		for _, t := range tasks {
			if strings.EqualFold(t.Title, ref) {
				matches = append(matches, t)
			}
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrTaskNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, 0, len(matches))
		for _, t := range matches {
			ids = append(ids, ui.ShortID(t.ID))
		}
		return nil, fmt.Errorf("%q matches %d tasks (%s); use a longer id", ref, len(matches), strings.Join(ids, ", "))
	}
}

// signalContext returns a context cancelled on interrupt or terminate.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
