package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"deskrelay/internal/model"
)

// Settings is the persisted application configuration. It must round-trip
// losslessly through Save/Load and survive restart.
type Settings struct {
	AdminPort      int    `toml:"admin_port"`
	RelayPort      int    `toml:"relay_port"`
	AutoStartRelay bool   `toml:"auto_start_relay"`
	AppPath        string `toml:"app_path"`
	UsersFile      string `toml:"users_file"`

	CommandTimeoutSeconds int `toml:"command_timeout_seconds"`
	CommandQueueSize      int `toml:"command_queue_size"`

	CaptureArea model.CaptureArea     `toml:"capture_area"`
	Capture     model.CaptureSettings `toml:"capture"`
	Security    SecurityPolicy        `toml:"security"`
}

// SecurityPolicy bounds login attempts per remote address.
type SecurityPolicy struct {
	MaxLoginAttempts int `toml:"max_login_attempts"`
	WindowSeconds    int `toml:"window_seconds"`
}

func (p SecurityPolicy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// Defaults returns the settings used when no config file exists yet.
func Defaults() Settings {
	return Settings{
		AdminPort:             3100,
		RelayPort:             3101,
		AutoStartRelay:        false,
		AppPath:               "",
		UsersFile:             "users.json",
		CommandTimeoutSeconds: 45,
		CommandQueueSize:      32,
		CaptureArea:           model.CaptureArea{X: 0, Y: 0, Width: 1280, Height: 800},
		Capture:               model.CaptureSettings{IntervalMs: 2000, Quality: 70, MaxFps: 2},
		Security:              SecurityPolicy{MaxLoginAttempts: 10, WindowSeconds: 60},
	}
}

// Manager reads and atomically writes the settings file. The in-memory
// settings stay authoritative when a write fails.
type Manager struct {
	path string

	mu      sync.Mutex
	current Settings
}

func NewManager(path string) *Manager {
	return &Manager{path: path, current: Defaults()}
}

// Load reads the settings file. A missing file yields defaults, not an error.
func (m *Manager) Load() (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return m.current, nil
		}
		return m.current, fmt.Errorf("reading settings: %w", err)
	}

	s := Defaults()
	if err := toml.Unmarshal(data, &s); err != nil {
		return m.current, fmt.Errorf("decoding settings: %w", err)
	}
	m.current = s
	return s, nil
}

// Apply replaces the in-memory settings without touching the file. Used
// for environment overrides that must not be written back.
func (m *Manager) Apply(s Settings) {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
}

// Current returns the last loaded or saved settings.
func (m *Manager) Current() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Save persists the full settings atomically: encode to a temp file in the
// same directory, sync, then rename over the target. A crash mid-write
// never corrupts a previously valid file.
func (m *Manager) Save(s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp settings file: %w", err)
	}
	if err := toml.NewEncoder(tmp).Encode(s); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp settings file: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		return fmt.Errorf("renaming settings: %w", err)
	}

	m.current = s
	return nil
}

// Runtime holds process-level configuration taken from the environment
// rather than the settings file.
type Runtime struct {
	MasterSecret string
	GinMode      string
	ConfigPath   string
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadRuntime() (Runtime, error) {
	if os.Getenv("DESKRELAY_ENV") == "dev" {
		_ = godotenv.Load()
	}
	return LoadRuntimeFromEnv(osEnv{})
}

func LoadRuntimeFromEnv(env Env) (Runtime, error) {
	rt := Runtime{
		GinMode:    "release",
		ConfigPath: "deskrelay.toml",
	}

	rt.MasterSecret = env.Getenv("MASTER_SECRET")
	if rt.MasterSecret == "" {
		return Runtime{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		rt.GinMode = raw
	}
	if raw := env.Getenv("DESKRELAY_CONFIG"); raw != "" {
		rt.ConfigPath = raw
	}

	return rt, nil
}

// OverridePorts applies env port overrides on top of loaded settings.
func OverridePorts(env Env, s Settings) (Settings, error) {
	if env == nil {
		env = osEnv{}
	}
	for _, p := range []struct {
		key string
		dst *int
	}{
		{"ADMIN_PORT", &s.AdminPort},
		{"RELAY_PORT", &s.RelayPort},
	} {
		raw := env.Getenv(p.key)
		if raw == "" {
			continue
		}
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return s, fmt.Errorf("invalid %s", p.key)
		}
		*p.dst = port
	}
	return s, nil
}
