// Command sid is the si graph daemon and its admin CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MegaWatt01/si/api"
	"github.com/MegaWatt01/si/apply"
	"github.com/MegaWatt01/si/cas"
	"github.com/MegaWatt01/si/config"
	"github.com/MegaWatt01/si/events"
	"github.com/MegaWatt01/si/funcexec"
	"github.com/MegaWatt01/si/pack"
	"github.com/MegaWatt01/si/snapshot"
	"github.com/MegaWatt01/si/store"
	"github.com/MegaWatt01/si/workspace"
)

var (
	flagConfig    string
	flagData      string
	flagListen    string
	flagChangeSet string
)

var rootCmd = &cobra.Command{
	Use:   "sid",
	Short: "sid - versioned configuration graph daemon",
	Long: `sid serves a versioned, content-addressed configuration graph.
Change sets branch from a shared baseline, merge back through rebase and
advance the baseline atomically on apply.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP daemon",
	RunE:  runServe,
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Reclaim objects no ref, open change set or pin keeps alive",
	RunE:  runGC,
}

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write a version as a pack (stdout when no file is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Ingest a pack into the store (stdin when no file is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runImport,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to YAML config file (default: $SI_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&flagData, "data", "", "Data directory (default: ./data)")

	serveCmd.Flags().StringVar(&flagListen, "listen", "", "Address to listen on (default: :7448)")
	exportCmd.Flags().StringVar(&flagChangeSet, "changeset", "", "Export this change set's current version instead of the baseline")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = os.Getenv("SI_CONFIG")
	}
	return config.FromArgs(path, flagListen, flagData)
}

// reachable adapts the snapshot walker to the sweeper's signature.
func reachable(st store.Store) store.ReachFunc {
	return func(root cas.Hash, visit func(cas.Hash) error) error {
		return snapshot.Reachable(st, root, visit)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log.Printf("sid starting...")
	log.Printf("  listen:     %s", cfg.Listen)
	log.Printf("  data:       %s", cfg.Data)
	log.Printf("  sweep:      every %s (disabled: %v)", cfg.SweepInterval, cfg.SweepDisable)
	log.Printf("  max_pack:   %d MB", cfg.MaxPackSize/(1024*1024))
	log.Printf("  version:    %s", cfg.Version)

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	bus := events.NewBus()
	defer bus.Close()

	ws := workspace.NewManager(st, bus)
	if err := ws.Init(); err != nil {
		return fmt.Errorf("initializing baseline: %w", err)
	}

	applier := apply.New(st, ws, bus, cfg.ApplyRetries)

	var runner funcexec.Runner
	if cfg.FuncEndpoint != "" {
		runner = funcexec.NewHTTPRunner(cfg.FuncEndpoint)
		log.Printf("  functions:  %s", cfg.FuncEndpoint)
	}

	if !cfg.SweepDisable {
		sweepCtx, stopSweep := context.WithCancel(context.Background())
		defer stopSweep()
		sweeper := store.NewSweeper(st, ws.Roots, reachable(st), cfg.SweepInterval)
		sweeper.Start(sweepCtx)
		defer sweeper.Stop()
	}

	mux := api.NewRouter(st, ws, applier, bus, runner, cfg)
	handler := api.WithDefaults(mux)

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Handle graceful shutdown
	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Println("shutting down...")

		// Give connections 30s to finish
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}

		close(done)
	}()

	log.Printf("sid listening on %s", cfg.Listen)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	log.Println("sid stopped")
	return nil
}

func runGC(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ws := workspace.NewManager(st, nil)
	sweeper := store.NewSweeper(st, ws.Roots, reachable(st), cfg.SweepInterval)
	plan, deleted, err := sweeper.SweepOnce()
	if err != nil {
		return err
	}
	fmt.Printf("swept %d objects (%d live from %d roots)\n", deleted, plan.Marked, plan.Roots)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	var root cas.Hash
	if flagChangeSet != "" {
		cs, err := st.GetChangeSet(flagChangeSet)
		if err != nil {
			return err
		}
		root = cs.Current
	} else {
		root, err = st.GetRef(workspace.BaselineRef)
		if err != nil {
			return err
		}
	}

	out := io.Writer(os.Stdout)
	if len(args) == 1 {
		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("creating pack file: %w", err)
		}
		defer f.Close()
		out = f
	}

	manifest, err := pack.Build(st, root, out)
	if err != nil {
		return err
	}
	// Summary on stderr so a stdout pack stream stays clean.
	fmt.Fprintf(os.Stderr, "packed %d objects (%d bytes) from %s\n",
		manifest.Objects, manifest.Bytes, manifest.Root.Short())
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	in := io.Reader(os.Stdin)
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening pack file: %w", err)
		}
		defer f.Close()
		in = f
	}

	manifest, err := pack.Ingest(st, in, cfg.MaxPackSize)
	if err != nil {
		return err
	}
	fmt.Printf("ingested %d objects (%d bytes), root %s\n",
		manifest.Objects, manifest.Bytes, manifest.Root.Hex())
	return nil
}
