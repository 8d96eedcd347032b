package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasknest/tasknest/internal/orchestrator"
	"github.com/tasknest/tasknest/internal/schema"
	"github.com/tasknest/tasknest/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login <user>",
	GroupID: "sync",
	Short:   "Sign in and sync with your workspace",
	Long: `Sign in as <user>. The hub picks your workspace, creating one on
first sign-in, and any tasks added while signed out are moved into it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.orch.SignIn(cmd.Context(), args[0]); err != nil {
			if errors.Is(err, orchestrator.ErrNoBackend) {
				return fmt.Errorf("no hub configured; set remote.url or pass --remote")
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Signed in as %s (workspace %s)\n",
			ui.RenderPass("✓"), ui.RenderAccent(a.orch.UserID()), ui.ShortID(a.orch.WorkspaceID()))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "sync",
	Short:   "Sign out; the workspace is remembered for next time",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.orch.SignOut(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Signed out\n", ui.RenderPass("✓"))
		return nil
	},
}

var workspaceCmd = &cobra.Command{
	Use:     "workspace [id]",
	GroupID: "sync",
	Short:   "Show or switch the current workspace",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 0 {
			ws := a.orch.WorkspaceID()
			if ws == "" {
				fmt.Fprintln(cmd.OutOrStdout(), ui.RenderMuted("no workspace"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), ws)
			return nil
		}

		if err := a.orch.SwitchWorkspace(cmd.Context(), args[0]); err != nil {
			switch {
			case errors.Is(err, orchestrator.ErrNoBackend):
				return fmt.Errorf("no hub configured; set remote.url or pass --remote")
			case errors.Is(err, orchestrator.ErrNotSignedIn):
				return fmt.Errorf("not signed in; run 'nest login <user>' first")
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Switched to workspace %s\n", ui.RenderPass("✓"), a.orch.WorkspaceID())
		return nil
	},
}

// statusReport is the --json form of 'nest status'.
type statusReport struct {
	User          string `json:"user,omitempty"`
	State         string `json:"state"`
	Workspace     string `json:"workspace,omitempty"`
	Remote        string `json:"remote,omitempty"`
	CacheBackend  string `json:"cache_backend"`
	CacheDir      string `json:"cache_dir"`
	CacheDegraded bool   `json:"cache_degraded"`
	Todo          int    `json:"todo"`
	Shopping      int    `json:"shopping"`
	Archived      int    `json:"archived"`
	Badge         int    `json:"badge"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show session, sync and cache status",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		tasks := a.orch.Tasks()
		r := statusReport{
			User:          a.orch.UserID(),
			State:         a.orch.State().String(),
			Workspace:     a.orch.WorkspaceID(),
			Remote:        cfg.Remote.URL,
			CacheBackend:  cfg.Cache.Backend,
			CacheDir:      cfg.Cache.Dir,
			CacheDegraded: a.orch.CacheDegraded(),
			Todo:          len(schema.Partition(tasks, schema.TypeTodo)),
			Shopping:      len(schema.Partition(tasks, schema.TypeShopping)),
			Archived:      len(schema.Archived(tasks)),
			Badge:         schema.BadgeCount(tasks, time.Now()),
		}
		if jsonOutput {
			return writeJSON(cmd, r)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintln(w, ui.RenderHeader("Status"))
		fmt.Fprintf(w, "  User:      %s\n", orNone(r.User))
		fmt.Fprintf(w, "  State:     %s\n", r.State)
		fmt.Fprintf(w, "  Workspace: %s\n", orNone(r.Workspace))
		fmt.Fprintf(w, "  Hub:       %s\n", orNone(r.Remote))
		cache := fmt.Sprintf("%s (%s)", r.CacheBackend, r.CacheDir)
		if r.CacheDegraded {
			cache += " " + ui.RenderWarn("not saving")
		}
		fmt.Fprintf(w, "  Cache:     %s\n", cache)
		fmt.Fprintf(w, "  Tasks:     %d to-do, %d shopping, %d archived\n", r.Todo, r.Shopping, r.Archived)
		if r.Badge > 0 {
			fmt.Fprintf(w, "  Due:       %s\n", ui.RenderWarn(fmt.Sprintf("%d overdue or due today", r.Badge)))
		}
		return nil
	},
}

func orNone(s string) string {
	if s == "" {
		return ui.RenderMuted("none")
	}
	return s
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, workspaceCmd, statusCmd)
}
