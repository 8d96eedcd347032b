package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tasknest/tasknest/internal/hub"
	"github.com/tasknest/tasknest/internal/store/sqlstore"
	"github.com/tasknest/tasknest/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "hub",
	Short:   "Run a hub that stores tasks and streams changes",
	Long: `Run the hub: a SQLite-backed task store with an HTTP API and a
websocket change feed. Completed tasks older than serve.retention are
purged every serve.sweep_interval.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		db, err := sqlstore.Open(cfg.Serve.DB, sqlstore.WithLogger(logger))
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close database")
			}
		}()

		server := hub.NewServer(db, &hub.Config{
			Addr:   cfg.Serve.Addr,
			Logger: logger,
		})
		if err := server.Start(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s hub listening on %s (db %s)\n",
			ui.RenderPass("✓"), ui.RenderAccent(server.Addr()), cfg.Serve.DB)

		sweeper := hub.NewSweeper(db,
			hub.WithRetention(cfg.Serve.Retention),
			hub.WithInterval(cfg.Serve.SweepInterval),
			hub.WithSweeperLogger(logger))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return sweeper.Run(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			return server.Stop()
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default :8080)")
	serveCmd.Flags().String("db", "", "hub database file (default hub.db)")
	for key, flag := range map[string]string{
		"serve.addr": "addr",
		"serve.db":   "db",
	} {
		if err := v.BindPFlag(key, serveCmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
		}
	}
	rootCmd.AddCommand(serveCmd)
}
