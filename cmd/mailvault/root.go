package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/shineum/mailvault/internal/config"
	"github.com/shineum/mailvault/internal/notify"
	"github.com/shineum/mailvault/internal/notify/graph"
	"github.com/shineum/mailvault/internal/notify/mqtt"
	"github.com/shineum/mailvault/internal/notify/ses"
	"github.com/shineum/mailvault/internal/notify/stdout"
	"github.com/shineum/mailvault/internal/notify/telegram"
	"github.com/shineum/mailvault/internal/store"
	"github.com/shineum/mailvault/internal/vault"
)

// RootOptions holds global flags and the configuration they resolve to.
type RootOptions struct {
	ConfigPath string
	Config     *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:          "mailvault",
		Short:        "Inbound mail relay with an encrypted archive",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.ConfigPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			opts.Config = cfg

			// The server logs to stdout; admin commands keep stdout for their
			// own output.
			var w io.Writer = cmd.ErrOrStderr()
			if cmd.Name() == "serve" {
				w = cmd.OutOrStdout()
			}
			setupLogger(w, cfg.Logging.Level)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML configuration file (optional)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newAddressCommand(opts))
	cmd.AddCommand(newMessagesCommand(opts))
	cmd.AddCommand(newReplayCommand(opts))

	return cmd
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	return store.Open(cfg.Store.Driver, cfg.Store.Path)
}

func newVault(cfg *config.Config) (*vault.Vault, error) {
	if err := cfg.ValidateCrypto(); err != nil {
		return nil, err
	}
	kdf, err := vault.ParseKDF(cfg.Crypto.KDF)
	if err != nil {
		return nil, err
	}
	return vault.New(vault.NewKeyCache(kdf)), nil
}

// selectNotifier builds the configured notification channel. The returned
// close function releases its connection, if any.
func selectNotifier(ctx context.Context, cfg *config.Config) (notify.Notifier, func(), error) {
	noop := func() {}

	switch cfg.Notifier {
	case config.NotifierTelegram:
		n, err := telegram.New(telegram.Config{
			BotToken: cfg.Telegram.BotToken,
			ChatID:   cfg.Telegram.ChatID,
			APIBase:  cfg.Telegram.APIBase,
			Proxy:    cfg.Telegram.Proxy,
			Timeout:  cfg.Telegram.Timeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("telegram notifier: %w", err)
		}
		slog.Info("using Telegram notifier", "chat_id", cfg.Telegram.ChatID, "proxy", cfg.Telegram.Proxy != "")
		return n, noop, nil

	case config.NotifierSES:
		n, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
			Recipient:       cfg.SES.Recipient,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("ses notifier: %w", err)
		}
		slog.Info("using AWS SES notifier", "region", cfg.SES.Region, "sender", cfg.SES.Sender)
		return n, noop, nil

	case config.NotifierGraph:
		slog.Info("using Microsoft Graph notifier", "sender", cfg.Graph.Sender)
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
			Recipient:    cfg.Graph.Recipient,
		}), noop, nil

	case config.NotifierMQTT:
		n, err := mqtt.Connect(ctx, mqtt.Config{
			Broker:         cfg.MQTT.Broker,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			ClientID:       cfg.MQTT.ClientID,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            cfg.MQTT.QoS,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("mqtt notifier: %w", err)
		}
		slog.Info("using MQTT notifier", "broker", cfg.MQTT.Broker, "topic_prefix", cfg.MQTT.TopicPrefix)
		return n, func() {
			if err := n.Close(context.Background()); err != nil {
				slog.Warn("mqtt disconnect failed", "error", err)
			}
		}, nil

	case config.NotifierStdout:
		slog.Info("using stdout notifier")
		return stdout.New(), noop, nil

	default:
		return nil, nil, fmt.Errorf("unknown notifier %q", cfg.Notifier)
	}
}
