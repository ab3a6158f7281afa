package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvAPIKey overrides origin.apiKey so the credential can stay out of the
// YAML file.
const EnvAPIKey = "EDGEROUTE_ORIGIN_API_KEY"

type Config struct {
	Server struct {
		Port      int    `yaml:"port"`
		AdminPort int    `yaml:"adminPort"`
		PublicURL string `yaml:"publicURL"`

		// Static delivery for requests no other route claims. StaticDir wins
		// when both are set.
		StaticDir    string `yaml:"staticDir"`
		StaticOrigin string `yaml:"staticOrigin"`
	} `yaml:"server"`

	Origin struct {
		URL          string `yaml:"url"`
		APIKey       string `yaml:"apiKey"`
		BypassPrefix string `yaml:"bypassPrefix"`
		Timeout      string `yaml:"timeout"`
		MaxBody      string `yaml:"maxBody"`
		BreakAfter   uint32 `yaml:"breakAfter"`
		BreakFor     string `yaml:"breakFor"`

		// compiled
		Host        string        `yaml:"-"`
		TimeoutDur  time.Duration `yaml:"-"`
		MaxBodySize int64         `yaml:"-"`
		BreakForDur time.Duration `yaml:"-"`
	} `yaml:"origin"`

	Preview struct {
		SiteName      string `yaml:"siteName"`
		ScoreLabel    string `yaml:"scoreLabel"`
		Landing       string `yaml:"landing"`
		FallbackImage string `yaml:"fallbackImage"`
		ShareImage    string `yaml:"shareImage"`
		Icon          string `yaml:"icon"`
		ImageService  string `yaml:"imageService"`
	} `yaml:"preview"`

	Client Client `yaml:"client"`

	Logging struct {
		Level         string `yaml:"level"`
		Pretty        bool   `yaml:"pretty"`
		LogStatsEvery string `yaml:"logStatsEvery"`
		WarnEvery     string `yaml:"warnEvery"`

		// compiled
		LogStatsEveryDur time.Duration `yaml:"-"`
		WarnEveryDur     time.Duration `yaml:"-"`
	} `yaml:"logging"`
}

// Client configures the client-side cache orchestrator run by swshell.
// MemoryCachePath as client.cachePath keeps the cache store in memory.
const MemoryCachePath = "memory"

type Client struct {
	Port          int               `yaml:"port"`
	Env           string            `yaml:"env"`
	AppOrigin     string            `yaml:"appOrigin"`
	ProdProxyBase string            `yaml:"prodProxyBase"`
	Version       string            `yaml:"version"`
	CacheName     string            `yaml:"cacheName"`
	CachePath     string            `yaml:"cachePath"`
	MaxEntry      string            `yaml:"maxEntry"`
	Manifest      []string          `yaml:"manifest"`
	Aliases       map[string]string `yaml:"aliases"`
	UpdateEvery   string            `yaml:"updateEvery"`
	VersionFile   string            `yaml:"versionFile"`

	// compiled
	CacheInMemory  bool          `yaml:"-"`
	MaxEntrySize   int64         `yaml:"-"`
	UpdateEveryDur time.Duration `yaml:"-"`
}

// Load reads the YAML file at path. A .env file next to the process is
// loaded first when present so EnvAPIKey can be supplied that way.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes and validates a config document, applying defaults.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Origin.APIKey = v
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.AdminPort == 0 {
		cfg.Server.AdminPort = 9090
	}
	if cfg.Server.PublicURL == "" {
		return fmt.Errorf("server.publicURL is required")
	}
	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")
	cfg.Server.StaticOrigin = strings.TrimRight(cfg.Server.StaticOrigin, "/")

	if cfg.Origin.URL == "" {
		return fmt.Errorf("origin.url is required")
	}
	cfg.Origin.URL = strings.TrimRight(cfg.Origin.URL, "/")
	u, err := url.Parse(cfg.Origin.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("origin.url: invalid url %q", cfg.Origin.URL)
	}
	cfg.Origin.Host = u.Host
	if cfg.Origin.BypassPrefix == "" {
		cfg.Origin.BypassPrefix = "/supabase-api"
	}
	cfg.Origin.BypassPrefix = "/" + strings.Trim(cfg.Origin.BypassPrefix, "/")

	if cfg.Origin.TimeoutDur, err = durationOr(cfg.Origin.Timeout, 30*time.Second); err != nil {
		return fmt.Errorf("origin.timeout: %w", err)
	}
	if cfg.Origin.BreakForDur, err = durationOr(cfg.Origin.BreakFor, 30*time.Second); err != nil {
		return fmt.Errorf("origin.breakFor: %w", err)
	}
	if cfg.Origin.BreakAfter == 0 {
		cfg.Origin.BreakAfter = 5
	}
	if cfg.Origin.MaxBodySize, err = sizeOr(cfg.Origin.MaxBody, 1<<20); err != nil {
		return fmt.Errorf("origin.maxBody: %w", err)
	}

	p := &cfg.Preview
	if p.SiteName == "" {
		p.SiteName = "PlusOpinion"
	}
	if p.ScoreLabel == "" {
		p.ScoreLabel = "RQS"
	}
	if p.Landing == "" {
		p.Landing = "/HOMEPAGE_FINAL.HTML"
	}
	if p.FallbackImage == "" {
		p.FallbackImage = cfg.Server.PublicURL + "/icon-512.png"
	}
	if p.ShareImage == "" {
		p.ShareImage = cfg.Server.PublicURL + "/seo-preview.jpg"
	}
	if p.Icon == "" {
		p.Icon = cfg.Server.PublicURL + "/icon-192.png"
	}
	if p.ImageService == "" {
		p.ImageService = "https://wsrv.nl/"
	}

	if err := cfg.Client.compile(cfg.Server.PublicURL, cfg.Origin.BypassPrefix); err != nil {
		return err
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.LogStatsEveryDur = d
	}
	if cfg.Logging.WarnEveryDur, err = durationOr(cfg.Logging.WarnEvery, 10*time.Second); err != nil {
		return fmt.Errorf("logging.warnEvery: %w", err)
	}
	return nil
}

func (c *Client) compile(publicURL, bypass string) error {
	if c.Port == 0 {
		c.Port = 5500
	}
	switch c.Env {
	case "", "development", "production":
	default:
		return fmt.Errorf("client.env: want development or production, got %q", c.Env)
	}
	if c.AppOrigin == "" {
		c.AppOrigin = "http://localhost:8000"
	}
	c.AppOrigin = strings.TrimRight(c.AppOrigin, "/")
	if c.ProdProxyBase == "" {
		c.ProdProxyBase = publicURL + bypass
	}
	c.ProdProxyBase = strings.TrimRight(c.ProdProxyBase, "/")
	if c.CacheName == "" {
		c.CacheName = "plusopinion-pwa"
	}
	switch c.CachePath {
	case "":
		c.CachePath = "./data/swcache"
	case MemoryCachePath:
		c.CacheInMemory = true
		c.CachePath = ""
	}
	if c.VersionFile == "" {
		c.VersionFile = "/version.json"
	}
	var err error
	if c.MaxEntrySize, err = sizeOr(c.MaxEntry, 8<<20); err != nil {
		return fmt.Errorf("client.maxEntry: %w", err)
	}
	if c.UpdateEveryDur, err = durationOr(c.UpdateEvery, 5*time.Minute); err != nil {
		return fmt.Errorf("client.updateEvery: %w", err)
	}
	for from, to := range c.Aliases {
		if !strings.HasPrefix(from, "/") || !strings.HasPrefix(to, "/") {
			return fmt.Errorf("client.aliases: %q -> %q must both be absolute paths", from, to)
		}
	}
	return nil
}

func durationOr(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func sizeOr(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	return ParseBytes(s)
}
