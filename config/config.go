// Package config provides configuration management for the subagent using
// CUE (cuelang.org) for schema definition and validation.
//
// The schema is embedded: user configuration files (YAML or CUE) are
// unified with it, so defaults, types and enumerations are enforced in one
// place. Environment variable references of the form ${VAR} and
// ${VAR:-default} are expanded before validation. A Manager can watch the
// configuration file with fsnotify and re-validate on change, delivering
// the fresh configuration to registered callbacks; the agent uses that to
// re-apply the log level at runtime.
//
// Basic Usage:
//
//	manager, err := config.Load("subagent.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer manager.Close()
//
//	cfg := manager.Current()
//	fmt.Println(cfg.Agent.MasterSocket)
//
//	manager.OnChange(func(cfg config.Config, err error) {
//		if err == nil {
//			levelVar.Set(logging.ParseLevel(cfg.Logging.Level))
//		}
//	})
//	manager.Watch(ctx)
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/fsnotify/fsnotify"
)

// schema is the embedded CUE schema every configuration is validated
// against. Defaults mirror net-snmp's conventions for subagents.
const schema = `
agent: {
	name:            string | *"subagent"
	master_socket:   string | *"/var/run/agentx/master"
	persistent_dir:  string | *"/var/lib/net-snmp"
	mib_dirs:        *[] | [...string]
	mib_files:       *[] | [...string]
	timeout:         string | *"5s"
	ping_interval:   string | *"15s"
	reconnect_delay: string | *"3s"
}

logging: {
	level:      "debug" | "info" | "warn" | "error" | *"info"
	format:     "logfmt" | "json" | *"logfmt"
	output:     string | *"stderr"
	add_source: bool | *false
}
`

// Config is the fully resolved configuration.
type Config struct {
	Agent   AgentSettings   `json:"agent"`
	Logging LoggingSettings `json:"logging"`
}

// AgentSettings configures the agent identity and its master connection.
type AgentSettings struct {
	// Name identifies the subagent towards the master.
	Name string `json:"name"`

	// MasterSocket is the master agent's AgentX endpoint: a unix domain
	// socket path or a host:port TCP address.
	MasterSocket string `json:"master_socket"`

	// PersistentDir is where net-snmp style persistent state lives.
	PersistentDir string `json:"persistent_dir"`

	// MIBDirs and MIBFiles feed the MIB index used to resolve symbolic
	// registration OIDs.
	MIBDirs  []string `json:"mib_dirs"`
	MIBFiles []string `json:"mib_files"`

	// Timeout, PingInterval and ReconnectDelay are duration strings
	// ("5s", "500ms") governing the AgentX session.
	Timeout        string `json:"timeout"`
	PingInterval   string `json:"ping_interval"`
	ReconnectDelay string `json:"reconnect_delay"`
}

// LoggingSettings mirrors the logging package's Config.
type LoggingSettings struct {
	Level     string `json:"level"`
	Format    string `json:"format"`
	Output    string `json:"output"`
	AddSource bool   `json:"add_source"`
}

// TimeoutDuration returns the parsed session timeout.
func (a AgentSettings) TimeoutDuration() time.Duration {
	return parseDuration(a.Timeout, 5*time.Second)
}

// PingIntervalDuration returns the parsed keepalive interval.
func (a AgentSettings) PingIntervalDuration() time.Duration {
	return parseDuration(a.PingInterval, 15*time.Second)
}

// ReconnectDelayDuration returns the parsed reconnect delay.
func (a AgentSettings) ReconnectDelayDuration() time.Duration {
	return parseDuration(a.ReconnectDelay, 3*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Default returns the schema's default configuration.
func Default() Config {
	cfg, err := decode(nil, "")
	if err != nil {
		// The embedded schema always decodes on its own.
		panic(fmt.Sprintf("config: invalid embedded schema: %v", err))
	}
	return cfg
}

// Manager owns a loaded configuration file: current value access, change
// watching and change callbacks. Safe for concurrent use.
type Manager struct {
	path string

	mu        sync.RWMutex
	current   Config
	callbacks []func(Config, error)
	watcher   *fsnotify.Watcher

	stopOnce sync.Once
	stop     chan struct{}
}

// Load reads, expands and validates the configuration file. YAML is
// detected by extension (.yaml/.yml); anything else is treated as CUE.
func Load(path string) (*Manager, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	return &Manager{path: path, current: cfg, stop: make(chan struct{})}, nil
}

// Current returns the most recently validated configuration.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a callback invoked after every reload attempt. On
// validation failure the callback receives the previous configuration
// together with the error, and the previous configuration stays in effect.
func (m *Manager) OnChange(fn func(Config, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Watch starts watching the configuration file until the context is
// cancelled or Close is called. The watch runs in a background goroutine;
// Watch itself returns immediately.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory: editors and config management tools replace
	// files instead of writing in place.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", m.path, err)
	}

	m.mu.Lock()
	m.watcher = watcher
	m.mu.Unlock()

	go m.watchLoop(ctx, watcher)
	return nil
}

// Close stops a running watch. Safe to call multiple times.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	watcher := m.watcher
	m.watcher = nil
	m.mu.Unlock()

	if watcher != nil {
		return watcher.Close()
	}
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	// Debounce: a single save can produce several events.
	var pending *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			m.reload()

		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (m *Manager) reload() {
	cfg, err := loadFile(m.path)

	m.mu.Lock()
	if err == nil {
		m.current = cfg
	} else {
		cfg = m.current
	}
	callbacks := append([]func(Config, error){}, m.callbacks...)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg, err)
	}
}

// loadFile reads the file, expands environment references and validates
// the result against the embedded schema.
func loadFile(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	expanded := expandEnv(string(content))
	return decode([]byte(expanded), path)
}

// decode unifies user content (nil means pure defaults) with the schema
// and decodes the concrete result.
func decode(content []byte, path string) (Config, error) {
	cuectx := cuecontext.New()

	schemaValue := cuectx.CompileString(schema, cue.Filename("subagent-schema.cue"))
	if err := schemaValue.Err(); err != nil {
		return Config{}, fmt.Errorf("compile schema: %w", err)
	}

	merged := schemaValue
	if content != nil {
		var userValue cue.Value
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			file, err := yaml.Extract(path, content)
			if err != nil {
				return Config{}, fmt.Errorf("parse YAML config: %w", err)
			}
			userValue = cuectx.BuildFile(file)
		default:
			userValue = cuectx.CompileBytes(content, cue.Filename(path))
		}
		if err := userValue.Err(); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
		merged = schemaValue.Unify(userValue)
	}

	if err := merged.Validate(cue.Concrete(true)); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	var cfg Config
	if err := merged.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	for field, value := range map[string]string{
		"agent.timeout":         cfg.Agent.Timeout,
		"agent.ping_interval":   cfg.Agent.PingInterval,
		"agent.reconnect_delay": cfg.Agent.ReconnectDelay,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return Config{}, fmt.Errorf("invalid duration for %s: %q", field, value)
		}
	}

	return cfg, nil
}

// expandEnv expands ${VAR} and ${VAR:-default} references.
func expandEnv(content string) string {
	return os.Expand(content, func(expr string) string {
		name, def, hasDefault := strings.Cut(expr, ":-")
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		if hasDefault {
			return def
		}
		return ""
	})
}
