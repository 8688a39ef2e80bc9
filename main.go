package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/auth"
	"chatrelay/blob"
	"chatrelay/config"
	"chatrelay/db"
	"chatrelay/gateway"
	"chatrelay/logger"
	"chatrelay/metrics"
	"chatrelay/server"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version = "dev"

	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:     "chatrelay",
	Short:   "Real-time direct messaging relay",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		return nil
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print live statistics of a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		reply, err := sendControlCommand(cfg.Server.ControlSocket, "stats")
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	},
}

var shutdownReason string

var shutdownCmd = &cobra.Command{
	Use:   "shutdown [completion-time RFC3339]",
	Short: "Ask a running server to disconnect clients and stop",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		line := "shutdown|" + shutdownReason
		if len(args) == 1 {
			if _, err := time.Parse(time.RFC3339, args[0]); err != nil {
				return fmt.Errorf("completion time: %w", err)
			}
			line += "|" + args[0]
		}
		reply, err := sendControlCommand(cfg.Server.ControlSocket, line)
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	shutdownCmd.Flags().StringVar(&shutdownReason, "reason", "maintenance", "reason sent to connected clients")

	rootCmd.AddCommand(serveCmd, statsCmd, shutdownCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	database, err := db.New(cfg.Storage.DBPath)
	if err != nil {
		log.Error("db_open_failed", zap.String("path", cfg.Storage.DBPath), zap.Error(err))
		return fmt.Errorf("initialize database: %w", err)
	}
	defer database.Close()
	database.SetHashCost(cfg.Auth.BcryptCost)

	blobs, err := blob.Open(cfg.Storage.BlobPath, log)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	defer blobs.Close()

	srvConfig := &server.ServerConfig{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout.Duration(),
		WriteTimeout:    cfg.Server.WriteTimeout.Duration(),
		PingInterval:    cfg.Server.PingInterval.Duration(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
		SendQueue:       cfg.Server.SendQueue,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxUpload:       cfg.Storage.MaxUpload.Int64(),
		Delivery:        cfg.Delivery.Scopes,
		Gateway: gateway.Options{
			EnforceOwnership: cfg.Delivery.EnforceOwnership,
			RequireToken:     cfg.Auth.RequireToken,
			EventsPerSecond:  cfg.Limits.EventsPerSecond,
			Burst:            cfg.Limits.Burst,
			StoreTimeout:     cfg.Server.WriteTimeout.Duration(),
		},
		DeriveUsers: cfg.Users.DeriveFromMessages,
	}

	tokens := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Duration())
	srv := server.New(database, blobs, tokens, srvConfig, log, metrics.New())

	control, err := startControlSocket(cfg.Server.ControlSocket, srv, log)
	if err != nil {
		log.Warn("control_socket_failed", zap.String("path", cfg.Server.ControlSocket), zap.Error(err))
	} else {
		defer control.Close()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("signal_received", zap.String("signal", sig.String()))
		srv.Shutdown("maintenance", time.Time{})
	}()

	log.Info("config_loaded",
		zap.String("addr", cfg.Server.Addr),
		zap.String("db", cfg.Storage.DBPath),
		zap.String("blobs", cfg.Storage.BlobPath),
		zap.Stringer("max_upload", cfg.Storage.MaxUpload),
		zap.Bool("enforce_ownership", cfg.Delivery.EnforceOwnership),
		zap.Bool("require_token", cfg.Auth.RequireToken),
	)
	if err := srv.Start(); err != nil {
		return err
	}
	// Start returns before Shutdown has finished; the stores stay open until it has.
	<-srv.Done()
	log.Info("server_stopped")
	return nil
}
