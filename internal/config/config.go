package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir string `yaml:"dataDir" env:"NMB_DATA_DIR"`

	Cache struct {
		Memory struct {
			Max      string  `yaml:"max" env:"NMB_CACHE_MEMORY_MAX"`
			Fraction float64 `yaml:"fraction" env:"NMB_CACHE_MEMORY_FRACTION"`
		} `yaml:"memory"`
		Disk struct {
			Dir string `yaml:"dir" env:"NMB_CACHE_DISK_DIR"`
			Max string `yaml:"max" env:"NMB_CACHE_DISK_MAX"`
		} `yaml:"disk"`
	} `yaml:"cache"`

	HTTP struct {
		ConnectTimeout string `yaml:"connectTimeout" env:"NMB_HTTP_CONNECT_TIMEOUT"`
		ReadTimeout    string `yaml:"readTimeout" env:"NMB_HTTP_READ_TIMEOUT"`
		WriteTimeout   string `yaml:"writeTimeout" env:"NMB_HTTP_WRITE_TIMEOUT"`
		MaxConcurrent  int    `yaml:"maxConcurrent" env:"NMB_HTTP_MAX_CONCURRENT"`
		UserAgent      string `yaml:"userAgent" env:"NMB_HTTP_USER_AGENT"`
	} `yaml:"http"`

	Site struct {
		BaseURL         string `yaml:"baseURL" env:"NMB_SITE_BASE_URL"`
		CDNPathURL      string `yaml:"cdnPathURL" env:"NMB_SITE_CDN_PATH_URL"`
		CDNRefreshEvery string `yaml:"cdnRefreshEvery" env:"NMB_SITE_CDN_REFRESH_EVERY"`
	} `yaml:"site"`

	DNS struct {
		PreferIPv4 bool                `yaml:"preferIPv4" env:"NMB_DNS_PREFER_IPV4"`
		TTL        string              `yaml:"ttl" env:"NMB_DNS_TTL"`
		Hosts      map[string][]string `yaml:"hosts"`
	} `yaml:"dns"`

	Logging struct {
		Level         string `yaml:"level" env:"NMB_LOG_LEVEL"`
		File          string `yaml:"file" env:"NMB_LOG_FILE"`
		LogStatsEvery string `yaml:"logStatsEvery" env:"NMB_LOG_STATS_EVERY"`
	} `yaml:"logging"`

	Server struct {
		Port int `yaml:"port" env:"NMB_SERVER_PORT"`
	} `yaml:"server"`

	// compiled
	memoryMax       int64
	diskMax         int64
	connectTimeout  time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	cdnRefreshEvery time.Duration
	dnsTTL          time.Duration
	logStatsEvery   time.Duration
	baseURL         *url.URL
	cdnPathURL      *url.URL
	hosts           map[string][]netip.Addr
}

// Default returns a configuration with every default applied and compiled.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	if err := cfg.compile(); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the YAML file at path, overlays NMB_* environment variables and
// validates the result. A missing file is not an error: defaults plus the
// environment are used instead.
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Cache.Memory.Max == "" {
		c.Cache.Memory.Max = "20mb"
	}
	if c.Cache.Memory.Fraction == 0 {
		c.Cache.Memory.Fraction = 0.2
	}
	if c.Cache.Disk.Dir == "" {
		c.Cache.Disk.Dir = "thumb"
	}
	if c.Cache.Disk.Max == "" {
		c.Cache.Disk.Max = "80mb"
	}
	if c.HTTP.ConnectTimeout == "" {
		c.HTTP.ConnectTimeout = "15s"
	}
	if c.HTTP.ReadTimeout == "" {
		c.HTTP.ReadTimeout = "15s"
	}
	if c.HTTP.WriteTimeout == "" {
		c.HTTP.WriteTimeout = "15s"
	}
	if c.HTTP.MaxConcurrent == 0 {
		c.HTTP.MaxConcurrent = 8
	}
	if c.HTTP.UserAgent == "" {
		c.HTTP.UserAgent = "nimingban"
	}
	if c.Site.BaseURL == "" {
		c.Site.BaseURL = "https://h.nimingban.com"
	}
	if c.Site.CDNPathURL == "" {
		c.Site.CDNPathURL = "/Api/getCdnPath"
	}
	if c.DNS.TTL == "" {
		c.DNS.TTL = "5m"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "debug"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
}

func (c *Config) compile() error {
	var err error
	if c.memoryMax, err = ParseBytes(c.Cache.Memory.Max); err != nil {
		return fmt.Errorf("cache.memory.max: %w", err)
	}
	if c.Cache.Memory.Fraction <= 0 || c.Cache.Memory.Fraction > 1 {
		return fmt.Errorf("cache.memory.fraction: must be in (0, 1], got %v", c.Cache.Memory.Fraction)
	}
	if c.diskMax, err = ParseBytes(c.Cache.Disk.Max); err != nil {
		return fmt.Errorf("cache.disk.max: %w", err)
	}
	if c.HTTP.MaxConcurrent < 0 {
		return fmt.Errorf("http.maxConcurrent: negative")
	}

	durations := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"http.connectTimeout", c.HTTP.ConnectTimeout, &c.connectTimeout},
		{"http.readTimeout", c.HTTP.ReadTimeout, &c.readTimeout},
		{"http.writeTimeout", c.HTTP.WriteTimeout, &c.writeTimeout},
		{"site.cdnRefreshEvery", c.Site.CDNRefreshEvery, &c.cdnRefreshEvery},
		{"dns.ttl", c.DNS.TTL, &c.dnsTTL},
		{"logging.logStatsEvery", c.Logging.LogStatsEvery, &c.logStatsEvery},
	}
	for _, d := range durations {
		if d.src == "" {
			*d.dst = 0
			continue
		}
		v, err := time.ParseDuration(d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration", d.name)
		}
		*d.dst = v
	}

	c.Site.BaseURL = strings.TrimRight(c.Site.BaseURL, "/")
	if c.baseURL, err = url.Parse(c.Site.BaseURL); err != nil {
		return fmt.Errorf("site.baseURL: %w", err)
	}
	if c.baseURL.Scheme == "" || c.baseURL.Host == "" {
		return fmt.Errorf("site.baseURL: absolute URL required, got %q", c.Site.BaseURL)
	}
	ref, err := url.Parse(c.Site.CDNPathURL)
	if err != nil {
		return fmt.Errorf("site.cdnPathURL: %w", err)
	}
	c.cdnPathURL = c.baseURL.ResolveReference(ref)

	c.hosts = make(map[string][]netip.Addr, len(c.DNS.Hosts))
	for host, addrs := range c.DNS.Hosts {
		host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
		if host == "" {
			return fmt.Errorf("dns.hosts: empty hostname")
		}
		if len(addrs) == 0 {
			return fmt.Errorf("dns.hosts[%s]: no addresses", host)
		}
		for _, a := range addrs {
			ip, err := netip.ParseAddr(strings.TrimSpace(a))
			if err != nil {
				return fmt.Errorf("dns.hosts[%s]: %w", host, err)
			}
			c.hosts[host] = append(c.hosts[host], ip)
		}
	}
	return nil
}

func (c Config) MemoryMax() int64 { return c.memoryMax }
func (c Config) DiskMax() int64   { return c.diskMax }

func (c Config) DiskDir() string     { return filepath.Join(c.DataDir, c.Cache.Disk.Dir) }
func (c Config) CookieDB() string    { return filepath.Join(c.DataDir, "cookies.db") }
func (c Config) CDNPathFile() string { return filepath.Join(c.DataDir, "ac_cdn_path") }

func (c Config) ConnectTimeout() time.Duration  { return c.connectTimeout }
func (c Config) ReadTimeout() time.Duration     { return c.readTimeout }
func (c Config) WriteTimeout() time.Duration    { return c.writeTimeout }
func (c Config) CDNRefreshEvery() time.Duration { return c.cdnRefreshEvery }
func (c Config) DNSTTL() time.Duration          { return c.dnsTTL }
func (c Config) LogStatsEvery() time.Duration   { return c.logStatsEvery }

func (c Config) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

func (c Config) CDNPathURL() *url.URL {
	u := *c.cdnPathURL
	return &u
}

func (c Config) StaticHosts() map[string][]netip.Addr { return c.hosts }
