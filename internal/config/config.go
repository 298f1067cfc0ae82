// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for mailvault.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shineum/mailvault/internal/store"
	"github.com/shineum/mailvault/internal/vault"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Notifier selectors.
const (
	NotifierTelegram = "telegram"
	NotifierStdout   = "stdout"
	NotifierSES      = "ses"
	NotifierGraph    = "graph"
	NotifierMQTT     = "mqtt"
)

// ErrMissingSecret is returned by Validate when no encryption secret is set.
var ErrMissingSecret = errors.New("crypto.secret (ENCRYPT_KEY) is required")

// Config holds the complete application configuration.
type Config struct {
	SMTP     SMTPConfig     `yaml:"smtp"`
	Store    StoreConfig    `yaml:"store"`
	Crypto   CryptoConfig   `yaml:"crypto"`
	Notifier string         `yaml:"notifier"`
	Telegram TelegramConfig `yaml:"telegram"`
	SES      SESConfig      `yaml:"ses"`
	Graph    GraphConfig    `yaml:"graph"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	TLS      TLSConfig      `yaml:"tls"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// StoreConfig selects the SQLite driver and database file.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// CryptoConfig holds the message encryption secret.
type CryptoConfig struct {
	Secret string `yaml:"secret"`
	KDF    string `yaml:"kdf"`
}

// TelegramConfig holds Telegram Bot API settings.
type TelegramConfig struct {
	BotToken string        `yaml:"bot_token"`
	ChatID   string        `yaml:"chat_id"`
	APIBase  string        `yaml:"api_base"`
	Proxy    string        `yaml:"proxy"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
	Recipient       string `yaml:"recipient"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
	Recipient    string `yaml:"recipient"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ClientID       string        `yaml:"client_id"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// Disabled turns STARTTLS off entirely.
	Disabled bool `yaml:"disabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks everything the relay needs to run: store, crypto and the
// credentials of the selected notifier.
func (c *Config) Validate() error {
	if err := c.ValidateStore(); err != nil {
		return err
	}
	if err := c.ValidateCrypto(); err != nil {
		return err
	}

	switch c.Notifier {
	case NotifierTelegram:
		if !c.TelegramConfigured() {
			return errors.New("telegram notifier requires bot_token and chat_id")
		}
	case NotifierSES:
		if !c.SESConfigured() {
			return errors.New("ses notifier requires region, sender and recipient")
		}
	case NotifierGraph:
		if !c.GraphConfigured() {
			return errors.New("graph notifier requires tenant_id, client_id, client_secret, sender and recipient")
		}
	case NotifierMQTT:
		if c.MQTT.Broker == "" {
			return errors.New("mqtt notifier requires broker")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos: %d out of range", c.MQTT.QoS)
		}
	case NotifierStdout:
	default:
		return fmt.Errorf("unknown notifier %q", c.Notifier)
	}
	return nil
}

// ValidateStore checks the database settings.
func (c *Config) ValidateStore() error {
	switch c.Store.Driver {
	case store.DriverPure, store.DriverCgo:
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	if c.Store.Path == "" {
		return errors.New("store.path is required")
	}
	return nil
}

// ValidateCrypto checks the encryption secret and key derivation.
func (c *Config) ValidateCrypto() error {
	if c.Crypto.Secret == "" {
		return ErrMissingSecret
	}
	if _, err := vault.ParseKDF(c.Crypto.KDF); err != nil {
		return fmt.Errorf("crypto.kdf: %w", err)
	}
	return nil
}

// TelegramConfigured returns true if the bot token and chat id are set.
func (c *Config) TelegramConfigured() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != ""
}

// SESConfigured returns true if the SES region, sender and recipient are set.
// Static keys are optional; the default AWS credential chain applies.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != "" && c.SES.Recipient != ""
}

// GraphConfigured returns true if all Graph API settings are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != "" &&
		c.Graph.Recipient != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Store.Driver = store.DriverPure
	c.Store.Path = "mailvault.db"
	c.Crypto.KDF = string(vault.KDFPad)
	c.Notifier = NotifierTelegram
	c.Telegram.Timeout = 10 * time.Second
	c.MQTT.TopicPrefix = "mailvault/notify"
	c.MQTT.ClientID = "mailvault"
	c.MQTT.QoS = 1
	c.MQTT.ConnectTimeout = 10 * time.Second
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	setString(&c.SMTP.Listen, "SMTP_LISTEN")
	setString(&c.SMTP.Hostname, "SMTP_HOSTNAME")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("SMTP_MAX_MESSAGE_SIZE: %w", err)
		}
		c.SMTP.MaxMessageSize = size
	}

	if v := os.Getenv("DB_DRIVER"); v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	setString(&c.Store.Path, "DB_PATH")

	setString(&c.Crypto.Secret, "ENCRYPT_KEY")
	if v := os.Getenv("ENCRYPT_KDF"); v != "" {
		c.Crypto.KDF = strings.ToLower(v)
	}

	if v := os.Getenv("NOTIFIER"); v != "" {
		c.Notifier = strings.ToLower(v)
	}

	setString(&c.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	setString(&c.Telegram.ChatID, "ALLOWED_USER_ID")
	setString(&c.Telegram.ChatID, "TELEGRAM_CHAT_ID")
	setString(&c.Telegram.APIBase, "TELEGRAM_API_BASE")
	setString(&c.Telegram.Proxy, "TELEGRAM_PROXY")
	if err := setDuration(&c.Telegram.Timeout, "TELEGRAM_TIMEOUT"); err != nil {
		return err
	}

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")
	setString(&c.SES.Recipient, "SES_RECIPIENT")

	setString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Graph.Sender, "GRAPH_SENDER")
	setString(&c.Graph.Recipient, "GRAPH_RECIPIENT")

	setString(&c.MQTT.Broker, "MQTT_BROKER")
	setString(&c.MQTT.Username, "MQTT_USERNAME")
	setString(&c.MQTT.Password, "MQTT_PASSWORD")
	setString(&c.MQTT.ClientID, "MQTT_CLIENT_ID")
	setString(&c.MQTT.TopicPrefix, "MQTT_TOPIC_PREFIX")
	if v := os.Getenv("MQTT_QOS"); v != "" {
		qos, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return fmt.Errorf("MQTT_QOS: %w", err)
		}
		c.MQTT.QoS = byte(qos)
	}
	if err := setDuration(&c.MQTT.ConnectTimeout, "MQTT_CONNECT_TIMEOUT"); err != nil {
		return err
	}

	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")
	if v := os.Getenv("TLS_DISABLED"); v != "" {
		disabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TLS_DISABLED: %w", err)
		}
		c.TLS.Disabled = disabled
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
