package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the HTTP listener settings.
type Config struct {
	Host      string   `mapstructure:"host"`
	Port      int      `mapstructure:"port"`
	DevMode   bool     `mapstructure:"dev_mode"`
	WSOrigins []string `mapstructure:"ws_origins"`
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ServerConfig extracts the server section from a loaded Viper instance.
func ServerConfig(v *viper.Viper) Config {
	return Config{
		Host:      v.GetString("server.host"),
		Port:      v.GetInt("server.port"),
		DevMode:   v.GetBool("server.dev_mode"),
		WSOrigins: v.GetStringSlice("server.ws_origins"),
	}
}

// LoadConfig reads configuration from file and environment variables.
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("labdash")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/labdash")
	}

	// LD_SERVER_PORT=9090, LD_PLUGINS_CATALOG_ON_MISSING=delete
	v.SetEnvPrefix("LD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.dev_mode", false)
	v.SetDefault("server.ws_origins", []string{})
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.path", "./data/labdash.db")
	v.SetDefault("vault.key_file", "./data/labdash.key")
	v.SetDefault("vault.passphrase", "")

	v.SetDefault("plugins.catalog.refresh_interval", "30s")
	v.SetDefault("plugins.catalog.health_timeout", "10s")
	v.SetDefault("plugins.catalog.resolve_timeout", "5s")
	v.SetDefault("plugins.catalog.probe_timeout", "3s")
	v.SetDefault("plugins.catalog.detect_max_attempts", 5)
	v.SetDefault("plugins.catalog.detect_cooldown", "5m")
	v.SetDefault("plugins.catalog.detect_cache_ttl", "168h")
	v.SetDefault("plugins.catalog.max_workers", 10)
	v.SetDefault("plugins.catalog.on_missing", "keep")
	v.SetDefault("plugins.catalog.retention_period", "720h")
	v.SetDefault("plugins.catalog.maintenance_interval", "1h")
	v.SetDefault("plugins.catalog.traefik.timeout", "10s")
	v.SetDefault("plugins.catalog.docker.enabled", false)

	v.SetDefault("plugins.notify.send_timeout", "10s")
	v.SetDefault("plugins.notify.nats.subject", "labdash.events")
	v.SetDefault("plugins.notify.nats.timeout", "5s")
	v.SetDefault("plugins.notify.mqtt.client_id", "labdash")
	v.SetDefault("plugins.notify.mqtt.topic_prefix", "labdash")
	v.SetDefault("plugins.notify.mqtt.qos", 1)
	v.SetDefault("plugins.notify.mqtt.timeout", "10s")
	v.SetDefault("plugins.notify.mqtt.ha_discovery_prefix", "homeassistant")
	v.SetDefault("plugins.notify.webhook.timeout", "10s")
}
