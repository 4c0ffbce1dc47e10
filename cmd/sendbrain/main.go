package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/local/sendbrain/internal/config"
	"github.com/local/sendbrain/internal/master"
	"github.com/local/sendbrain/internal/proxypool"
	"github.com/local/sendbrain/internal/session"
	"github.com/local/sendbrain/internal/store"
	"github.com/local/sendbrain/internal/worker"
)

const version = "0.1.0"

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func NewRootCmd() *cobra.Command {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   "sendbrain",
		Short: "sendbrain — outbound chat-session farm",
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config.json (defaults to ~/.sendbrain/config.json)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sendbrain v%s\n", version)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "onboard",
		Short: "Write a default config and session directory",
		Run: func(cmd *cobra.Command, args []string) {
			path, sessionDir, err := config.Onboard()
			if err != nil {
				fmt.Fprintf(os.Stderr, "onboard failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Wrote config to %s\nSession directory at %s\n", path, sessionDir)
		},
	})

	rootCmd.AddCommand(newMasterCmd(&cfgPath))
	rootCmd.AddCommand(newWorkerCmd(&cfgPath))
	rootCmd.AddCommand(newPairCmd(&cfgPath))

	return rootCmd
}

func loadConfig(cfgPath string) config.Config {
	if cfgPath == "" {
		path, _, err := config.ResolveDefaultPaths()
		if err == nil {
			cfgPath = path
		}
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// newMasterCmd runs the Distributor, QueueProcessor, and ingress/metrics
// HTTP servers for one deployment (spec.md §4.7, §4.8, §6).
func newMasterCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "master",
		Short: "Run the Master process (distributor, queue processor, ingress API)",
		Run: func(cmd *cobra.Command, args []string) {
			log := newLogger()
			cfg := loadConfig(*cfgPath)
			if cfg.Server.Role == "" {
				cfg.Server.Role = "master"
			}

			m, err := master.New(cfg, log)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to build master")
			}
			defer m.Close()

			ctx, cancel := runUntilSignal(log, "master")
			defer cancel()
			if err := m.Run(ctx); err != nil {
				log.Fatal().Err(err).Msg("master exited with error")
			}
		},
	}
}

// newWorkerCmd runs one Worker's Identity runtimes and the Master-facing
// RPC server (spec.md §4.6).
func newWorkerCmd(cfgPath *string) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a Worker process (SessionGroups, Pacer, Humanizer, RPC server)",
		Run: func(cmd *cobra.Command, args []string) {
			log := newLogger()
			cfg := loadConfig(*cfgPath)
			addr := listenAddr
			if addr == "" {
				addr = cfg.Server.ListenAddr
			}
			workerID := cfg.Server.WorkerID
			if workerID == "" {
				log.Fatal().Msg("worker requires server.workerId to be set")
			}

			st, err := openStore(cfg.Storage)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to open store")
			}
			defer st.Close()

			proxies := proxypool.NewStatic(cfg.Proxies.Addrs)
			dialerFor := func(identityHandle string, slot int) session.Dialer {
				return session.NewWhatsmeowDialer(cfg.Storage.SessionDir, identityHandle, log)
			}

			rt := worker.New(workerID, st, dialerFor, proxies, cfg.Pacing, nil, nil, log)
			rt.BindLocal()

			ctx, cancel := runUntilSignal(log, "worker")
			defer cancel()

			if err := rt.Bootstrap(ctx, func(phone string, slot int) []byte { return nil }); err != nil {
				log.Warn().Err(err).Msg("bootstrap failed")
			}
			go rt.RunWarmup(ctx)

			srv := worker.NewServer(rt, log)
			httpSrv := &http.Server{Addr: addr, Handler: srv}
			errCh := make(chan error, 1)
			go func() { errCh <- httpSrv.ListenAndServe() }()

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = httpSrv.Shutdown(shutdownCtx)
				rt.Shutdown()
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					log.Error().Err(err).Msg("worker RPC server failed")
				}
			}
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "override server.listenAddr for this worker")
	return cmd
}

// newPairCmd drives the QR-pairing flow for one Identity/slot against a
// local session store, the way the teacher's "onboard whatsapp" does for
// its single WhatsApp channel.
func newPairCmd(cfgPath *string) *cobra.Command {
	var phone string
	var slot int

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair a new Identity's slot via QR code",
		Run: func(cmd *cobra.Command, args []string) {
			if phone == "" {
				fmt.Fprintln(os.Stderr, "--phone is required")
				os.Exit(1)
			}
			log := newLogger()
			cfg := loadConfig(*cfgPath)

			dialer := session.NewWhatsmeowDialer(cfg.Storage.SessionDir, phone, log)
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
			defer cancel()

			_, result := dialer.Dial(ctx, slot, nil, "")
			switch result.Outcome {
			case session.ConnectPairingPending:
				fmt.Println("Scan this QR code with the chat app:")
				session.RenderQR(result.QRCode)
				fmt.Println("Waiting for pairing to complete...")
			case session.ConnectConnected:
				fmt.Printf("Identity %s slot %d already paired.\n", phone, slot)
			default:
				fmt.Fprintf(os.Stderr, "pairing failed: %v\n", result.Err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "Identity phone handle to pair")
	cmd.Flags().IntVar(&slot, "slot", 1, "session slot (1-4)")
	return cmd
}

func openStore(cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.OpenSQLiteStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// runUntilSignal returns a context cancelled on SIGINT/SIGTERM.
func runUntilSignal(log zerolog.Logger, role string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Str("role", role).Msg("shutting down")
		cancel()
	}()
	return ctx, cancel
}

func main() {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
