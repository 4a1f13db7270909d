package config

import (
	"time"

	"github.com/spf13/viper"
)

type TrackerConfig struct {
	Name        string `mapstructure:"name"`
	AnnounceURL string `mapstructure:"announce_url"`
}

type Config struct {
	Port              string          `mapstructure:"port"`
	LogLevel          string          `mapstructure:"log_level"`
	DatabasePath      string          `mapstructure:"database_path"`
	DownloadDir       string          `mapstructure:"download_dir"`
	TorrentTimeout    time.Duration   `mapstructure:"torrent_timeout"`
	MaxConnections    int             `mapstructure:"max_connections"`
	MaxTorrents       int             `mapstructure:"max_torrents"`
	DownloadRateLimit int64           `mapstructure:"download_rate_limit"`
	UploadRateLimit   int64           `mapstructure:"upload_rate_limit"`
	LayoutCacheSize   int             `mapstructure:"layout_cache_size"`
	StatusInterval    time.Duration   `mapstructure:"status_interval"`
	CleanupInterval   time.Duration   `mapstructure:"cleanup_interval"`
	RequestRetention  time.Duration   `mapstructure:"request_retention"`
	RequestTimeout    time.Duration   `mapstructure:"request_timeout"`
	DefaultOrigin     string          `mapstructure:"default_origin"`
	Trackers          []TrackerConfig `mapstructure:"trackers"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("port", "8080")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("database_path", "swarmcache.db")
	viper.SetDefault("download_dir", "data")
	viper.SetDefault("torrent_timeout", "60s")
	viper.SetDefault("max_connections", 100)
	viper.SetDefault("max_torrents", 100)
	viper.SetDefault("download_rate_limit", 0)
	viper.SetDefault("upload_rate_limit", 0)
	viper.SetDefault("layout_cache_size", 256)
	viper.SetDefault("status_interval", "5s")
	viper.SetDefault("cleanup_interval", "10m")
	viper.SetDefault("request_retention", "1h")
	viper.SetDefault("request_timeout", "30s")
	viper.SetDefault("default_origin", "anonymous")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
