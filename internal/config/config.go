// Package config loads the server configuration: a TOML file with
// environment-variable overrides applied after parsing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration loaded from config.toml.
type Config struct {
	Server   ServerConfig    `toml:"server"`
	HQ       HQConfig        `toml:"hq"`
	Sessions []SessionConfig `toml:"session"`
}

// ServerConfig describes the local server identity and filesystem layout.
type ServerConfig struct {
	// Listen is the HTTP listen address serving /ws and /healthz.
	Listen string `toml:"listen"`
	// Name identifies this server in notifications and toward HQ peers.
	Name string `toml:"name"`
	// ControlDir overrides the session control directory
	// (default ~/.vibetunnel/control).
	ControlDir string `toml:"control_dir,omitempty"`
	// DataDir holds the auth token and the HQ registry database.
	DataDir string `toml:"data_dir,omitempty"`
}

// HQConfig lists the remote servers this instance federates. HQ mode is
// active when Enabled is set or at least one remote is configured.
type HQConfig struct {
	Enabled bool           `toml:"enabled,omitempty"`
	Remotes []RemoteConfig `toml:"remote"`
}

// Active reports whether this server should run the HQ federation registry.
func (h HQConfig) Active() bool {
	return h.Enabled || len(h.Remotes) > 0
}

// RemoteConfig is one federated remote, registered at startup.
type RemoteConfig struct {
	Name  string `toml:"name"`
	URL   string `toml:"url"`
	Token string `toml:"token,omitempty"`
}

// SessionConfig is a session spawned automatically at server start.
type SessionConfig struct {
	Name    string   `toml:"name,omitempty"`
	Command []string `toml:"command"`
	Dir     string   `toml:"dir,omitempty"`
	Cols    int      `toml:"cols,omitempty"`
	Rows    int      `toml:"rows,omitempty"`
}

// DefaultListen is where the server binds when nothing else is configured.
const DefaultListen = "127.0.0.1:4020"

var validName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// DefaultDataDir is ~/.vibetunnel, falling back to the system temp dir when
// the home directory cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "vibetunnel")
	}
	return filepath.Join(home, ".vibetunnel")
}

// DefaultConfigPath is <DefaultDataDir>/config.toml.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.toml")
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:  DefaultListen,
			Name:    defaultName(),
			DataDir: DefaultDataDir(),
		},
	}
}

// defaultName derives a server name from the hostname, sanitising invalid
// characters to hyphens. Falls back to "vibetunnel".
func defaultName() string {
	raw, err := os.Hostname()
	if err != nil || raw == "" {
		return "vibetunnel"
	}
	out := make([]byte, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			out[i] = c
		} else {
			out[i] = '-'
		}
	}
	return string(out)
}

// Load reads the configuration file at path (default
// ~/.vibetunnel/config.toml), applies VIBETUNNEL_* environment overrides,
// and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	cfg := DefaultConfig()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		// Parsed but left blank: fall back to the defaults.
		if cfg.Server.Name == "" {
			cfg.Server.Name = defaultName()
		}
		if cfg.Server.Listen == "" {
			cfg.Server.Listen = DefaultListen
		}
		if cfg.Server.DataDir == "" {
			cfg.Server.DataDir = DefaultDataDir()
		}
	}

	if v := os.Getenv("VIBETUNNEL_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("VIBETUNNEL_NAME"); v != "" {
		cfg.Server.Name = v
	}
	if v := os.Getenv("VIBETUNNEL_CONTROL_DIR"); v != "" {
		cfg.Server.ControlDir = v
	}
	if v := os.Getenv("VIBETUNNEL_DATA_DIR"); v != "" {
		cfg.Server.DataDir = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks internal consistency. Load calls it; callers that mutate
// the config from flags call it again.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	if err := ValidateName(c.Server.Name); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.HQ.Remotes))
	for i, r := range c.HQ.Remotes {
		if r.Name == "" || r.URL == "" {
			return fmt.Errorf("hq.remote[%d]: name and url are required", i)
		}
		if err := ValidateName(r.Name); err != nil {
			return fmt.Errorf("hq.remote[%d]: %w", i, err)
		}
		if seen[r.Name] {
			return fmt.Errorf("hq.remote[%d]: duplicate remote name %q", i, r.Name)
		}
		seen[r.Name] = true
	}
	for i, s := range c.Sessions {
		if len(s.Command) == 0 {
			return fmt.Errorf("session[%d]: command must not be empty", i)
		}
		if s.Cols < 0 || s.Cols > 10000 || s.Rows < 0 || s.Rows > 10000 {
			return fmt.Errorf("session[%d]: unreasonable terminal size %dx%d", i, s.Cols, s.Rows)
		}
	}
	return nil
}

// ValidateName checks that a server or remote name is non-empty and
// contains only alphanumeric characters, hyphens, or underscores.
func ValidateName(name string) error {
	if name == "" || !validName.MatchString(name) {
		return fmt.Errorf("name must be non-empty and alphanumeric (with - or _), got: %q", name)
	}
	return nil
}
