// Package manifest handles stackvm.toml configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/chazu/stackvm/vm"
)

// FileName is the name of the configuration file.
const FileName = "stackvm.toml"

// Default values applied after decoding.
const (
	DefaultAddr         = "localhost:8080"
	DefaultServerBudget = 10_000_000

	DefaultServerMaxGlobals = 64 * 1024
	DefaultServerMaxLocals  = 4096
	DefaultServerMaxOutput  = 1 << 20 // bytes of output, and separately of trace, per run
)

// Manifest represents a stackvm.toml configuration.
type Manifest struct {
	VM       VMConfig          `toml:"vm"`
	Server   ServerConfig      `toml:"server"`
	Store    StoreConfig       `toml:"store"`
	Log      LogConfig         `toml:"log"`
	Programs map[string]string `toml:"programs"` // name -> program file, preloaded by the server

	// Dir is the directory containing the stackvm.toml file (set at load time).
	Dir string `toml:"-"`
}

// VMConfig configures the resource limits of every VM.
type VMConfig struct {
	MaxStackDepth int    `toml:"max-stack-depth"`
	MaxCallDepth  int    `toml:"max-call-depth"`
	MaxGlobals    int    `toml:"max-globals"`
	MaxLocals     int    `toml:"max-locals"`
	MaxSteps      uint64 `toml:"max-steps"`
	Trace         bool   `toml:"trace"`
}

// ServerConfig configures the execution service.
type ServerConfig struct {
	Addr     string `toml:"addr"`
	GRPCAddr string `toml:"grpc-addr"`
	MaxSteps   uint64 `toml:"max-steps"`   // step budget per request
	MaxGlobals int    `toml:"max-globals"` // global slots a request may declare
	MaxLocals  int    `toml:"max-locals"`  // locals per frame a request may declare
	MaxOutput  int    `toml:"max-output"`  // bytes kept of a run's output and of its trace
}

// StoreConfig configures the program store.
type StoreConfig struct {
	Path string `toml:"path"` // SQLite database; empty keeps programs in memory
}

// LogConfig configures logging.
type LogConfig struct {
	Verbosity int `toml:"verbosity"`
}

// Default returns the configuration used when no stackvm.toml exists.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

// Load parses a stackvm.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if m.VM.MaxStackDepth < 0 || m.VM.MaxCallDepth < 0 || m.VM.MaxGlobals < 0 || m.VM.MaxLocals < 0 {
		return nil, fmt.Errorf("%s: vm limits must not be negative", path)
	}
	if m.Server.MaxGlobals < 0 || m.Server.MaxLocals < 0 || m.Server.MaxOutput < 0 {
		return nil, fmt.Errorf("%s: server limits must not be negative", path)
	}

	m.applyDefaults()
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.VM.MaxStackDepth == 0 {
		m.VM.MaxStackDepth = vm.DefaultMaxStackDepth
	}
	if m.VM.MaxCallDepth == 0 {
		m.VM.MaxCallDepth = vm.DefaultMaxCallDepth
	}
	if m.VM.MaxGlobals == 0 {
		m.VM.MaxGlobals = vm.DefaultMaxGlobals
	}
	if m.VM.MaxLocals == 0 {
		m.VM.MaxLocals = vm.DefaultMaxLocals
	}
	if m.Server.Addr == "" {
		m.Server.Addr = DefaultAddr
	}
	if m.Server.MaxSteps == 0 {
		m.Server.MaxSteps = DefaultServerBudget
	}
	if m.Server.MaxGlobals == 0 {
		m.Server.MaxGlobals = DefaultServerMaxGlobals
	}
	if m.Server.MaxLocals == 0 {
		m.Server.MaxLocals = DefaultServerMaxLocals
	}
	if m.Server.MaxOutput == 0 {
		m.Server.MaxOutput = DefaultServerMaxOutput
	}
}

// FindAndLoad walks up from startDir to find a stackvm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Limits returns the VM limits for local runs.
func (m *Manifest) Limits() vm.Limits {
	return vm.Limits{
		MaxStackDepth: m.VM.MaxStackDepth,
		MaxCallDepth:  m.VM.MaxCallDepth,
		MaxGlobals:    m.VM.MaxGlobals,
		MaxLocals:     m.VM.MaxLocals,
		MaxSteps:      m.VM.MaxSteps,
	}
}

// ServerLimits returns the VM limits applied to service requests: the
// tighter of the [vm] and [server] values. The server budget replaces an
// unlimited local budget.
func (m *Manifest) ServerLimits() vm.Limits {
	l := m.Limits()
	if l.MaxSteps == 0 || m.Server.MaxSteps < l.MaxSteps {
		l.MaxSteps = m.Server.MaxSteps
	}
	l.MaxGlobals = min(l.MaxGlobals, m.Server.MaxGlobals)
	l.MaxLocals = min(l.MaxLocals, m.Server.MaxLocals)
	return l
}

// StorePath returns the absolute path of the store database, or "" for an
// in-memory store.
func (m *Manifest) StorePath() string {
	return m.resolve(m.Store.Path)
}

// Program is a preloaded program entry.
type Program struct {
	Name string
	Path string
}

// ProgramPaths returns the configured programs with absolute paths, sorted
// by name.
func (m *Manifest) ProgramPaths() []Program {
	var progs []Program
	for name, p := range m.Programs {
		progs = append(progs, Program{Name: name, Path: m.resolve(p)})
	}
	sort.Slice(progs, func(i, j int) bool { return progs[i].Name < progs[j].Name })
	return progs
}

func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}
