package coremain

import (
	"github.com/pmkol/swcache/mlog"
)

type Config struct {
	Log      mlog.LogConfig `yaml:"log"`
	Include  []string       `yaml:"include"`
	Cache    CacheConfig    `yaml:"cache"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Servers  []ServerConfig `yaml:"servers"`
	API      APIConfig      `yaml:"api"`
}

type CacheConfig struct {
	// Name is the cache name. Changing it starts a new, empty cache.
	Name string `yaml:"name"`

	// URLs are pre-cached on install, in order.
	URLs []string `yaml:"urls"`

	// Compress stored bodies with snappy.
	Compress bool `yaml:"compress"`

	// MemoSize is the number of decoded entries kept in memory.
	// Zero disables it.
	MemoSize int `yaml:"memo_size"`

	Backend BackendConfig `yaml:"backend"`
}

type BackendConfig struct {
	// Type is one of "memory" (default), "redis" and "sqlite".
	Type   string             `yaml:"type"`
	Redis  RedisBackendConfig `yaml:"redis"`
	SQLite SQLiteConfig       `yaml:"sqlite"`
}

type RedisBackendConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
	Timeout   int    `yaml:"timeout"` // ms
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type UpstreamConfig struct {
	URL          string `yaml:"url"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	HTTP2        bool   `yaml:"http2"`
}

// ServerConfig is a server config.
type ServerConfig struct {
	// Protocol is one of "http" (default), "https" and "h3".
	Protocol      string `yaml:"protocol"`
	Addr          string `yaml:"addr"`
	Cert          string `yaml:"cert"`
	Key           string `yaml:"key"`
	ProxyProtocol bool   `yaml:"proxy_protocol"`
	IdleTimeout   int    `yaml:"idle_timeout"` // s
	HealthPath    string `yaml:"health_path"`
	SrcIPHeader   string `yaml:"src_ip_header"`
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}
