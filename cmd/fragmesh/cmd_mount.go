package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"fragmesh/internal/host"
	"fragmesh/internal/loader"
	"fragmesh/internal/logging"
	"fragmesh/internal/manifest"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	manifestPath string
	watch        bool
)

// mountCmd loads every fragment of a manifest
var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Load the fragments listed in a manifest",
	Long: `Loads every fragment in the manifest, reporting the state each one reached.

With --watch the runtime keeps running: manifest edits mount, remount or
unmount fragments, and the metrics endpoint (if enabled) stays up until
SIGINT/SIGTERM.

Example:
  fragmesh mount --manifest fragments.yaml --watch`,
	RunE: runMount,
}

func runMount(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := manifest.Load(manifestPath)
	if err != nil {
		return err
	}

	rt, err := host.New(cfg, host.WithLogger(logger))
	if err != nil {
		return err
	}
	defer rt.Close()

	boot := logging.For(logger, logging.CategoryBoot)
	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(rt), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				boot.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		boot.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
	}

	mountCtx, cancel := context.WithTimeout(ctx, timeout)
	mountErr := rt.Apply(mountCtx, m)
	cancel()
	printModules(cmd.OutOrStdout(), m, rt.Loader.Modules())

	if !watch {
		return mountErr
	}
	if mountErr != nil {
		boot.Warn("initial mount incomplete", zap.Error(mountErr))
	}

	if err := rt.Watch(ctx, manifestPath, m); err != nil {
		return fmt.Errorf("watch manifest: %w", err)
	}
	<-ctx.Done()
	boot.Info("shutting down")
	return nil
}

func metricsMux(rt *host.Runtime) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.Metrics.Handler())
	return mux
}

func printModules(w io.Writer, mf *manifest.Manifest, mods []loader.LoadedModule) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tSOURCE\tATTEMPTS\tURL\tFALLBACK")
	for _, m := range mods {
		fallback := "-"
		if e, ok := mf.Lookup(m.Descriptor.Name); ok && e.FallbackURL != "" {
			fallback = e.FallbackURL
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			m.Descriptor.Name, m.State, m.Source, m.Attempts, m.Descriptor.URL, fallback)
	}
	tw.Flush()
}
