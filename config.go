// Copyright (c) 2026 The Migux Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Config is the frozen view every worker is handed at start-up (component A).
// Producing it from a file on disk is bootstrap surface, not the request
// lifecycle engine, but a runnable repository needs a loader, so this file
// provides one: a small YAML front-end in the style of
// fabian4/gateway-homebrew-go's internal/config, normalizing a raw document
// into the flat, cross-referenced tree the core consumes. Unknown top-level
// keys are rejected; a missing file falls back to defaults, while an
// unreadable, unparsable or invalid file is reported as an error.

package migux

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LocationKind tags which handler a location dispatches to.
type LocationKind uint8

const (
	LocationStatic LocationKind = iota
	LocationProxy
)

// UpstreamStrategy selects how an upstream picks its next endpoint.
type UpstreamStrategy uint8

const (
	StrategyRoundRobin UpstreamStrategy = iota
	StrategySingle
)

// UpstreamConfig is the frozen view of a named backend pool.
type UpstreamConfig struct {
	Name          string
	Endpoints     []string // "host:port"
	Strategy      UpstreamStrategy
	FailThreshold int           // consecutive failures before Down
	Cooldown      time.Duration // time spent Down before eligible again
	ActiveProbe   bool          // optional background liveness probe
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// LocationConfig is a URL-prefix binding under a server.
type LocationConfig struct {
	Server       *ServerConfig // back-reference, resolved at load
	Path         string
	Kind         LocationKind
	Root         string // static: overrides server root when non-empty
	Index        string // static: overrides server index when non-empty
	Upstream     *UpstreamConfig // proxy: resolved reference
	CacheEnabled bool            // static only
	AutoIndex    bool            // supplemented feature, off by default
	StripPrefix  *string         // nil => default to Path; "" => no strip
}

// EffectiveRoot returns the root directory this location serves from.
func (l *LocationConfig) EffectiveRoot() string {
	if l.Root != "" {
		return l.Root
	}
	return l.Server.Root
}

// EffectiveIndex returns the index filename this location serves.
func (l *LocationConfig) EffectiveIndex() string {
	if l.Index != "" {
		return l.Index
	}
	return l.Server.Index
}

// StripFor returns the prefix to strip from the request target before
// forwarding to an upstream. Defaults to the location's own path so a
// location without an explicit strip_prefix forwards a root-relative path.
func (l *LocationConfig) StripFor() string {
	if l.StripPrefix != nil {
		return *l.StripPrefix
	}
	return l.Path
}

// ServerConfig is a listen-address binding.
type ServerConfig struct {
	Listen     string
	Names      []string // server_name values, matched case-insensitively against Host
	Root       string
	Index      string
	Locations  []*LocationConfig
}

// Config is the immutable snapshot handed to every worker (component A).
type Config struct {
	Servers   []*ServerConfig
	Upstreams map[string]*UpstreamConfig

	WorkerProcesses   int
	WorkerConnections int

	MaxRequestHeaderBytes         int64
	MaxRequestBodyBytes           int64
	MaxUpstreamResponseHeaderBytes int64

	KeepaliveTimeout  time.Duration
	ClientReadTimeout time.Duration
	ProxyWriteTimeout time.Duration

	ProxyPoolMaxPerAddr      int
	ProxyPoolIdleTimeout     time.Duration
	PreserveUpstreamHost     bool

	CacheDir            string
	CacheMaxObjectBytes int64
	CacheDefaultTTL     time.Duration

	LogBackend string // registered Logger name, e.g. "noop" or "file"
	LogTarget  string // backend-specific target, e.g. a file path or "-"
}

// DefaultConfig returns the built-in defaults used when no config file is
// present, and the base that a loaded file's settings override.
func DefaultConfig() *Config {
	return &Config{
		Upstreams:                      map[string]*UpstreamConfig{},
		WorkerProcesses:                1,
		WorkerConnections:              1024,
		MaxRequestHeaderBytes:          8 * 1024,
		MaxRequestBodyBytes:            8 * 1024 * 1024,
		MaxUpstreamResponseHeaderBytes: 16 * 1024,
		KeepaliveTimeout:               75 * time.Second,
		ClientReadTimeout:              60 * time.Second,
		ProxyWriteTimeout:              30 * time.Second,
		ProxyPoolMaxPerAddr:            32,
		ProxyPoolIdleTimeout:           60 * time.Second,
		PreserveUpstreamHost:           true,
		CacheDir:                       "cache",
		CacheMaxObjectBytes:            1 * 1024 * 1024,
		CacheDefaultTTL:                60 * time.Second,
		LogBackend:                     "noop",
		LogTarget:                      "-",
	}
}

// rawConfig is the shape migux.yaml is unmarshalled into before being
// normalized and cross-referenced into a *Config.
type rawConfig struct {
	WorkerProcesses   int `yaml:"worker_processes"`
	WorkerConnections int `yaml:"worker_connections"`

	MaxRequestHeaderBytes          int64 `yaml:"max_request_headers_bytes"`
	MaxRequestBodyBytes            int64 `yaml:"max_request_body_bytes"`
	MaxUpstreamResponseHeaderBytes int64 `yaml:"max_upstream_response_headers_bytes"`

	KeepaliveTimeoutSecs  int `yaml:"keepalive_timeout_secs"`
	ClientReadTimeoutSecs int `yaml:"client_read_timeout_secs"`
	ProxyWriteTimeoutSecs int `yaml:"proxy_write_timeout_secs"`

	ProxyPoolMaxPerAddr    int  `yaml:"proxy_pool_max_per_addr"`
	ProxyPoolIdleTimeoutSecs int `yaml:"proxy_pool_idle_timeout_secs"`
	PreserveUpstreamHost   *bool `yaml:"preserve_upstream_host"`

	CacheDir            string `yaml:"cache_dir"`
	CacheMaxObjectBytes int64  `yaml:"cache_max_object_bytes"`
	CacheDefaultTTLSecs int    `yaml:"cache_default_ttl_secs"`

	LogBackend string `yaml:"log_backend"`
	LogTarget  string `yaml:"log_target"`

	Upstreams []rawUpstream `yaml:"upstreams"`
	Servers   []rawServer   `yaml:"servers"`
}

type rawUpstream struct {
	Name          string   `yaml:"name"`
	Endpoints     []string `yaml:"endpoints"`
	Strategy      string   `yaml:"strategy"`
	FailThreshold int      `yaml:"fail_threshold"`
	CooldownSecs  int      `yaml:"cooldown_secs"`
	ActiveProbe       bool `yaml:"active_probe"`
	ProbeIntervalSecs int  `yaml:"probe_interval_secs"`
	ProbeTimeoutSecs  int  `yaml:"probe_timeout_secs"`
}

type rawServer struct {
	Listen    string        `yaml:"listen"`
	Names     []string      `yaml:"server_name"`
	Root      string        `yaml:"root"`
	Index     string        `yaml:"index"`
	Locations []rawLocation `yaml:"locations"`
}

type rawLocation struct {
	Path         string  `yaml:"path"`
	Kind         string  `yaml:"kind"` // "static" | "proxy"
	Root         string  `yaml:"root"`
	Index        string  `yaml:"index"`
	Upstream     string  `yaml:"upstream"`
	Cache        bool    `yaml:"cache"`
	AutoIndex    bool    `yaml:"auto_index"`
	StripPrefix  *string `yaml:"strip_prefix"`
}

// LoadConfig reads and normalizes a migux.yaml file. A missing file is not
// an error: the caller gets DefaultConfig() back with a nil error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("migux: read config: %w", err)
	}

	var strict yaml.Node
	if err := yaml.Unmarshal(data, &strict); err != nil {
		return nil, fmt.Errorf("migux: parse config: %w", err)
	}
	if err := rejectUnknownKeys(&strict); err != nil {
		return nil, err
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("migux: parse config: %w", err)
	}
	return normalizeConfig(&raw)
}

// knownTopLevelKeys enumerates exactly the keys the config file may
// contain; anything else is rejected rather than silently ignored.
var knownTopLevelKeys = map[string]bool{
	"worker_processes": true, "worker_connections": true,
	"max_request_headers_bytes": true, "max_request_body_bytes": true,
	"max_upstream_response_headers_bytes": true,
	"keepalive_timeout_secs":              true,
	"client_read_timeout_secs":            true,
	"proxy_write_timeout_secs":            true,
	"proxy_pool_max_per_addr":             true,
	"proxy_pool_idle_timeout_secs":        true,
	"preserve_upstream_host":              true,
	"cache_dir":                           true,
	"cache_max_object_bytes":              true,
	"cache_default_ttl_secs":              true,
	"log_backend":                         true,
	"log_target":                          true,
	"upstreams":                           true,
	"servers":                             true,
}

func rejectUnknownKeys(doc *yaml.Node) error {
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i < len(root.Content); i += 2 {
		key := root.Content[i].Value
		if !knownTopLevelKeys[key] {
			return fmt.Errorf("migux: unknown config key %q", key)
		}
	}
	return nil
}

func normalizeConfig(raw *rawConfig) (*Config, error) {
	cfg := DefaultConfig()

	if raw.WorkerProcesses > 0 {
		cfg.WorkerProcesses = raw.WorkerProcesses
	}
	if raw.WorkerConnections > 0 {
		cfg.WorkerConnections = raw.WorkerConnections
	}
	if raw.MaxRequestHeaderBytes > 0 {
		cfg.MaxRequestHeaderBytes = raw.MaxRequestHeaderBytes
	}
	if raw.MaxRequestBodyBytes > 0 {
		cfg.MaxRequestBodyBytes = raw.MaxRequestBodyBytes
	}
	if raw.MaxUpstreamResponseHeaderBytes > 0 {
		cfg.MaxUpstreamResponseHeaderBytes = raw.MaxUpstreamResponseHeaderBytes
	}
	if raw.KeepaliveTimeoutSecs > 0 {
		cfg.KeepaliveTimeout = time.Duration(raw.KeepaliveTimeoutSecs) * time.Second
	}
	if raw.ClientReadTimeoutSecs > 0 {
		cfg.ClientReadTimeout = time.Duration(raw.ClientReadTimeoutSecs) * time.Second
	}
	if raw.ProxyWriteTimeoutSecs > 0 {
		cfg.ProxyWriteTimeout = time.Duration(raw.ProxyWriteTimeoutSecs) * time.Second
	}
	if raw.ProxyPoolMaxPerAddr > 0 {
		cfg.ProxyPoolMaxPerAddr = raw.ProxyPoolMaxPerAddr
	}
	if raw.ProxyPoolIdleTimeoutSecs > 0 {
		cfg.ProxyPoolIdleTimeout = time.Duration(raw.ProxyPoolIdleTimeoutSecs) * time.Second
	}
	if raw.PreserveUpstreamHost != nil {
		cfg.PreserveUpstreamHost = *raw.PreserveUpstreamHost
	}
	if raw.CacheDir != "" {
		cfg.CacheDir = raw.CacheDir
	}
	if raw.CacheMaxObjectBytes > 0 {
		cfg.CacheMaxObjectBytes = raw.CacheMaxObjectBytes
	}
	if raw.CacheDefaultTTLSecs > 0 {
		cfg.CacheDefaultTTL = time.Duration(raw.CacheDefaultTTLSecs) * time.Second
	}
	if raw.LogBackend != "" {
		cfg.LogBackend = raw.LogBackend
	}
	if raw.LogTarget != "" {
		cfg.LogTarget = raw.LogTarget
	}

	for _, ru := range raw.Upstreams {
		if ru.Name == "" {
			return nil, fmt.Errorf("migux: upstream missing name")
		}
		if len(ru.Endpoints) == 0 {
			return nil, fmt.Errorf("migux: upstream %q has no endpoints", ru.Name)
		}
		u := &UpstreamConfig{
			Name:          ru.Name,
			Endpoints:     ru.Endpoints,
			FailThreshold: ru.FailThreshold,
			ActiveProbe:   ru.ActiveProbe,
		}
		if u.FailThreshold <= 0 {
			u.FailThreshold = 3
		}
		if ru.CooldownSecs > 0 {
			u.Cooldown = time.Duration(ru.CooldownSecs) * time.Second
		} else {
			u.Cooldown = 10 * time.Second
		}
		if ru.ProbeIntervalSecs > 0 {
			u.ProbeInterval = time.Duration(ru.ProbeIntervalSecs) * time.Second
		} else {
			u.ProbeInterval = 5 * time.Second
		}
		if ru.ProbeTimeoutSecs > 0 {
			u.ProbeTimeout = time.Duration(ru.ProbeTimeoutSecs) * time.Second
		} else {
			u.ProbeTimeout = time.Second
		}
		switch strings.ToLower(ru.Strategy) {
		case "", "round_robin":
			u.Strategy = StrategyRoundRobin
		case "single":
			u.Strategy = StrategySingle
		default:
			return nil, fmt.Errorf("migux: upstream %q has unknown strategy %q", ru.Name, ru.Strategy)
		}
		if cfg.Upstreams[u.Name] != nil {
			return nil, fmt.Errorf("migux: duplicate upstream %q", u.Name)
		}
		cfg.Upstreams[u.Name] = u
	}

	for _, rs := range raw.Servers {
		if rs.Listen == "" {
			return nil, fmt.Errorf("migux: server missing listen address")
		}
		srv := &ServerConfig{
			Listen: rs.Listen,
			Names:  rs.Names,
			Root:   rs.Root,
			Index:  rs.Index,
		}
		if srv.Index == "" {
			srv.Index = "index.html"
		}
		for _, rl := range rs.Locations {
			if rl.Path == "" {
				return nil, fmt.Errorf("migux: location in server %q missing path", srv.Listen)
			}
			loc := &LocationConfig{
				Server:      srv,
				Path:        rl.Path,
				Root:        rl.Root,
				Index:       rl.Index,
				CacheEnabled: rl.Cache,
				AutoIndex:   rl.AutoIndex,
				StripPrefix: rl.StripPrefix,
			}
			switch strings.ToLower(rl.Kind) {
			case "", "static":
				loc.Kind = LocationStatic
			case "proxy":
				loc.Kind = LocationProxy
				up, ok := cfg.Upstreams[rl.Upstream]
				if !ok {
					return nil, fmt.Errorf("migux: location %q references unknown upstream %q", rl.Path, rl.Upstream)
				}
				loc.Upstream = up
			default:
				return nil, fmt.Errorf("migux: location %q has unknown kind %q", rl.Path, rl.Kind)
			}
			srv.Locations = append(srv.Locations, loc)
		}
		cfg.Servers = append(cfg.Servers, srv)
	}

	return cfg, nil
}
