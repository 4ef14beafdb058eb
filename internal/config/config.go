package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                     = "REALMKIT"
	defaultRealmPath              = "default.realm"
	defaultLogLevel               = "info"
	defaultServerAddress          = "0.0.0.0:9090"
	defaultServerDatabasePath     = "realmkit-server.db"
	defaultTokenTTLMinutes        = 60
	defaultExpiryIntervalSeconds  = 30
	encryptionKeyLength           = 64
	keyRealmPath                  = "realm.path"
	keyRealmSchemaVersion         = "realm.schema_version"
	keyRealmEncryptionKey         = "realm.encryption_key"
	keyRealmWatchFile             = "realm.watch_file"
	keyLogLevel                   = "log.level"
	keySyncURL                    = "sync.url"
	keySyncToken                  = "sync.token"
	keyServerAddress              = "server.address"
	keyServerDatabasePath         = "server.database_path"
	keyServerSigningSecret        = "server.signing_secret"
	keyServerTokenTTLMinutes      = "server.token_ttl_minutes"
	keyServerAckDelayMillis       = "server.ack_delay_ms"
	keyServerExpiryIntervalSecond = "server.expiry_interval_seconds"
)

// AppConfig captures runtime configuration for the realmkit CLI and the development sync server.
type AppConfig struct {
	RealmPath            string
	SchemaVersion        uint64
	EncryptionKey        []byte
	WatchFile            bool
	LogLevel             string
	SyncURL              string
	SyncToken            string
	ServerAddress        string
	ServerDatabasePath   string
	ServerSigningSecret  string
	ServerTokenTTL       time.Duration
	ServerAckDelay       time.Duration
	ServerExpiryInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault(keyRealmPath, defaultRealmPath)
	configViper.SetDefault(keyRealmSchemaVersion, 0)
	configViper.SetDefault(keyRealmWatchFile, false)
	configViper.SetDefault(keyLogLevel, defaultLogLevel)
	configViper.SetDefault(keyServerAddress, defaultServerAddress)
	configViper.SetDefault(keyServerDatabasePath, defaultServerDatabasePath)
	configViper.SetDefault(keyServerTokenTTLMinutes, defaultTokenTTLMinutes)
	configViper.SetDefault(keyServerAckDelayMillis, 0)
	configViper.SetDefault(keyServerExpiryIntervalSecond, defaultExpiryIntervalSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		RealmPath:            configViper.GetString(keyRealmPath),
		SchemaVersion:        configViper.GetUint64(keyRealmSchemaVersion),
		WatchFile:            configViper.GetBool(keyRealmWatchFile),
		LogLevel:             configViper.GetString(keyLogLevel),
		SyncURL:              configViper.GetString(keySyncURL),
		SyncToken:            configViper.GetString(keySyncToken),
		ServerAddress:        configViper.GetString(keyServerAddress),
		ServerDatabasePath:   configViper.GetString(keyServerDatabasePath),
		ServerSigningSecret:  configViper.GetString(keyServerSigningSecret),
		ServerTokenTTL:       time.Duration(configViper.GetInt(keyServerTokenTTLMinutes)) * time.Minute,
		ServerAckDelay:       time.Duration(configViper.GetInt(keyServerAckDelayMillis)) * time.Millisecond,
		ServerExpiryInterval: time.Duration(configViper.GetInt(keyServerExpiryIntervalSecond)) * time.Second,
	}

	rawKey := strings.TrimSpace(configViper.GetString(keyRealmEncryptionKey))
	if rawKey != "" {
		key, err := hex.DecodeString(rawKey)
		if err != nil {
			return AppConfig{}, fmt.Errorf("%s must be hex encoded: %w", keyRealmEncryptionKey, err)
		}
		cfg.EncryptionKey = key
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// ValidateServer checks the settings required by the sync server.
func (c AppConfig) ValidateServer() error {
	if strings.TrimSpace(c.ServerSigningSecret) == "" {
		return fmt.Errorf("%s is required", keyServerSigningSecret)
	}
	if strings.TrimSpace(c.ServerDatabasePath) == "" {
		return fmt.Errorf("%s is required", keyServerDatabasePath)
	}
	if strings.TrimSpace(c.ServerAddress) == "" {
		return fmt.Errorf("%s is required", keyServerAddress)
	}
	if c.ServerExpiryInterval <= 0 {
		return fmt.Errorf("%s must be positive", keyServerExpiryIntervalSecond)
	}
	return nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.RealmPath) == "" {
		return fmt.Errorf("%s is required", keyRealmPath)
	}
	if c.EncryptionKey != nil && len(c.EncryptionKey) != encryptionKeyLength {
		return fmt.Errorf("%s must decode to %d bytes, got %d", keyRealmEncryptionKey, encryptionKeyLength, len(c.EncryptionKey))
	}
	if c.ServerTokenTTL < 0 || c.ServerAckDelay < 0 {
		return fmt.Errorf("server durations must not be negative")
	}
	return nil
}
