package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/mailvault/internal/pipeline"
	"github.com/shineum/mailvault/internal/smtp"
	smtptls "github.com/shineum/mailvault/internal/tls"
)

func newServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the SMTP relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(parent context.Context, opts *RootOptions) error {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	v, err := newVault(cfg)
	if err != nil {
		return err
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, initiating shutdown", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	notifier, closeNotifier, err := selectNotifier(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeNotifier()

	var tlsConfig *tls.Config
	tlsMode := "disabled"
	if !cfg.TLS.Disabled {
		tlsConfig, err = smtptls.ServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
		if err != nil {
			return fmt.Errorf("setup TLS: %w", err)
		}
		tlsMode = "self-signed"
		if cfg.TLS.CertFile != "" {
			tlsMode = "file"
		}
	}

	dispatcher := pipeline.NewDispatcher(st, v, st, notifier, cfg.Crypto.Secret)

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Deliverer:      dispatcher,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
	})

	slog.Info("starting mailvault",
		"listen", cfg.SMTP.Listen,
		"notifier", notifier.Name(),
		"store_driver", cfg.Store.Driver,
		"kdf", cfg.Crypto.KDF,
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
	)

	// Blocks until the context is cancelled
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	slog.Info("mailvault stopped")
	return nil
}
