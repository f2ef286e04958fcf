package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshnet/config"
	"meshnet/logging"
	"meshnet/session"
	"meshnet/storage"
)

const metricsShutdownTimeout = 5 * time.Second

var rootCmd = &cobra.Command{
	Use:   "meshnet",
	Short: "Serverless local mesh chat.",
	Long: `meshnet exchanges short text messages with nearby devices over a
pluggable transport: LAN/mDNS, Bluetooth RFCOMM, BLE or BLE GATT.

Every device keeps the same deduplicated message log. Messages are sent
to every connected peer; there is no server.`,
	SilenceUsage: true,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start the device and open the chat console",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		logger, err := logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()
		restoreLogs := logging.Install(logger)
		defer restoreLogs()

		s, err := session.New(cfg, session.Options{
			DataDir:    filepath.Dir(cfgPath),
			Logger:     logger,
			Registerer: prometheus.DefaultRegisterer,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := s.Close(); err != nil {
				logger.Warn("session close failed", zap.Error(err))
			}
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.MetricsAddress != "" {
			shutdown := serveMetrics(cfg.MetricsAddress, logger)
			defer shutdown()
		}

		go func() {
			if err := s.Run(ctx); err != nil {
				logger.Error("session run failed", zap.Error(err))
			}
		}()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Device ID:   %s\n", cfg.DeviceID)
		fmt.Fprintf(out, "Username:    %s\n", cfg.Username)
		fmt.Fprintf(out, "Backend:     %s\n", cfg.ConnectivityBackend)
		fmt.Fprintf(out, "Config File: %s\n", cfgPath)
		if !s.Core().IsSupported() {
			fmt.Fprintf(out, "Warning:     backend %q is not available on this device\n", cfg.ConnectivityBackend)
		}
		fmt.Fprintln(out, "Type /help for commands.")

		console := newConsole(s.Core(), s.Store(), cmd.InOrStdin(), out)
		return console.Run(ctx)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the stored message log",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		prune, _ := cmd.Flags().GetDuration("prune")
		return withStore(cmd, func(_ *config.DeviceConfig, store *storage.Store) error {
			if prune > 0 {
				return pruneHistory(cmd, store, prune)
			}
			messages, err := store.GetMessages(limit, 0)
			if err != nil {
				return err
			}
			for _, message := range messages {
				printMessage(cmd.OutOrStdout(), message.Model())
			}
			return nil
		})
	},
}

// pruneHistory drops messages stored longer than olderThan. Their ids stay
// seen, so peers re-sending them do not bring them back.
func pruneHistory(cmd *cobra.Command, store *storage.Store, olderThan time.Duration) error {
	pruned, err := store.PruneMessages(time.Now().Add(-olderThan))
	if err != nil {
		return err
	}
	kept, err := store.CountMessages()
	if err != nil {
		return err
	}
	seen, err := store.CountSeen()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d messages, %d kept, %d ids remembered\n", pruned, kept, seen)
	return nil
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List endpoints seen on the configured backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		return withStore(cmd, func(cfg *config.DeviceConfig, store *storage.Store) error {
			backend := cfg.ConnectivityBackend
			if all {
				backend = ""
			}
			records, err := store.ListEndpoints(backend)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, record := range records {
				lastConnected := "never"
				if record.LastConnected != nil {
					lastConnected = time.UnixMilli(*record.LastConnected).Format(time.DateTime)
				}
				fmt.Fprintf(out, "%-20s %-10s %-16s last seen %s, last connected %s\n",
					record.EndpointID, record.Backend, record.Name,
					time.UnixMilli(record.LastSeen).Format(time.DateTime), lastConnected)
			}
			return nil
		})
	},
}

var peersForgetCmd = &cobra.Command{
	Use:   "forget <endpoint-id>",
	Short: "Remove a remembered endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(cfg *config.DeviceConfig, store *storage.Store) error {
			return forgetPeer(cmd, store, args[0], cfg.ConnectivityBackend)
		})
	},
}

func forgetPeer(cmd *cobra.Command, store *storage.Store, endpointID, backend string) error {
	record, err := store.GetEndpoint(endpointID, backend)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no endpoint %q on backend %s", endpointID, backend)
	}
	if err != nil {
		return err
	}
	if err := store.ForgetEndpoint(record.EndpointID, record.Backend); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "forgot %s (%s) on %s\n", record.EndpointID, record.Name, record.Backend)
	return nil
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recorded connectivity errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		op, _ := cmd.Flags().GetString("op")
		limit, _ := cmd.Flags().GetInt("limit")
		return withStore(cmd, func(_ *config.DeviceConfig, store *storage.Store) error {
			events, err := store.GetConnectivityEvents(storage.EventFilter{Op: op, Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, event := range events {
				endpoint := "-"
				if event.EndpointID != nil {
					endpoint = *event.EndpointID
				}
				fmt.Fprintf(out, "%s %-7s %-9s %-20s %s\n",
					time.UnixMilli(event.Timestamp).Format(time.DateTime),
					event.Severity, event.Op, endpoint, event.Details)
			}
			return nil
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config_file:          %s\n", cfgPath)
		fmt.Fprintf(out, "device_id:            %s\n", cfg.DeviceID)
		fmt.Fprintf(out, "username:             %s\n", cfg.Username)
		fmt.Fprintf(out, "connectivity_backend: %s\n", cfg.ConnectivityBackend)
		fmt.Fprintf(out, "port_mode:            %s\n", cfg.PortMode)
		fmt.Fprintf(out, "listening_port:       %d\n", cfg.ListeningPort)
		fmt.Fprintf(out, "service_name:         %s\n", cfg.ServiceName)
		fmt.Fprintf(out, "persist_messages:     %t\n", cfg.PersistMessages)
		fmt.Fprintf(out, "metrics_address:      %s\n", cfg.MetricsAddress)
		fmt.Fprintf(out, "message_retention:    %s\n", retentionDays(cfg.Storage.MessageRetentionDays))
		fmt.Fprintf(out, "seen_retention:       %s\n", retentionDays(cfg.Storage.SeenRetentionDays))
		fmt.Fprintf(out, "event_retention:      %s\n", retentionDays(cfg.Storage.EventRetentionDays))
		fmt.Fprintf(out, "log_level:            %s\n", cfg.Log.Level)
		return nil
	},
}

// loadConfig resolves the data directory flag, loads the config file with
// environment overrides, and applies command-line overrides on top. Flag
// values are never written back.
func loadConfig(cmd *cobra.Command) (*config.DeviceConfig, string, error) {
	if dataDir, _ := cmd.Flags().GetString("data"); dataDir != "" {
		if err := os.Setenv(config.DataDirEnv, dataDir); err != nil {
			return nil, "", err
		}
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		backend, _ := flags.GetString("backend")
		cfg.ConnectivityBackend = config.NormalizeBackend(backend)
	}
	if flags.Changed("username") {
		cfg.Username, _ = flags.GetString("username")
	}
	if flags.Changed("port") {
		cfg.ListeningPort, _ = flags.GetInt("port")
		cfg.PortMode = config.PortModeFixed
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddress, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("no-persist") {
		noPersist, _ := flags.GetBool("no-persist")
		cfg.PersistMessages = !noPersist
	}
	return cfg, cfgPath, nil
}

func retentionDays(days int) string {
	if days <= 0 {
		return "forever"
	}
	return fmt.Sprintf("%dd", days)
}

func withStore(cmd *cobra.Command, fn func(*config.DeviceConfig, *storage.Store) error) error {
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, _, err := storage.Open(filepath.Dir(cfgPath), session.StorageOptions(cfg)...)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

func serveMetrics(addr string, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics endpoint listening", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

func init() {
	rootCmd.PersistentFlags().String("data", "", "Data directory (overrides "+config.DataDirEnv+")")

	chatCmd.Flags().String("backend", "", "Connectivity backend: default, bluetooth, ble, ble-gatt, wifi-aware, wifi-direct")
	chatCmd.Flags().String("username", "", "Name shown to peers")
	chatCmd.Flags().Int("port", 0, "Fixed TCP listening port for LAN backends")
	chatCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. 127.0.0.1:9100")
	chatCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
	chatCmd.Flags().Bool("no-persist", false, "Keep the message log in memory only")

	historyCmd.Flags().Int("limit", -1, "Maximum number of messages (-1 = all)")
	historyCmd.Flags().Duration("prune", 0, "Delete messages stored longer ago than this, e.g. 720h")
	peersCmd.PersistentFlags().String("backend", "", "Backend to list (defaults to the configured backend)")
	peersCmd.Flags().Bool("all", false, "Include endpoints of every backend")
	eventsCmd.Flags().String("op", "", "Only events of this operation (advertise, discover, connect, send, receive)")
	eventsCmd.Flags().Int("limit", 50, "Maximum number of events")

	peersCmd.AddCommand(peersForgetCmd)
	rootCmd.AddCommand(chatCmd, historyCmd, peersCmd, eventsCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
