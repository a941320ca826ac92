package supervise

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// Command is a child's program specification. A YAML sequence is kept as an
// explicit argv; a scalar string is delegated to the shell at exec time.
type Command struct {
	// Argv is the explicit argument vector form
	Argv []string
	// Shell is the shell-string form, run via DefaultShellPath -c
	Shell string
}

// UnmarshalYAML accepts either a scalar string or a sequence of strings
func (c *Command) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&c.Shell)
	case yaml.SequenceNode:
		return node.Decode(&c.Argv)
	default:
		return fmt.Errorf("line %d: cmd must be a string or a sequence", node.Line)
	}
}

// IsZero reports whether no command was configured
func (c Command) IsZero() bool {
	return c.Shell == "" && len(c.Argv) == 0
}

// argv returns the exec form of the command
func (c Command) argv() []string {
	if c.Shell != "" {
		return []string{DefaultShellPath, "-c", c.Shell}
	}
	return c.Argv
}

// String returns the command as configured
func (c Command) String() string {
	if c.Shell != "" {
		return c.Shell
	}
	return strings.Join(c.Argv, " ")
}

// ChildConfig describes one supervised command. In YAML a child is either a
// bare command (string or sequence) or a mapping with the full option set.
type ChildConfig struct {
	// Cmd is the command to run; mandatory
	Cmd Command
	// StartDelay is the minimum wall time between an exit and the next
	// start attempt; a run whose uptime in whole seconds does not exceed
	// it counts toward StartRetries
	StartDelay time.Duration
	// StartRetries is the consecutive rapid-failure cap before the child
	// is parked as broken; zero means unlimited
	StartRetries int
	// StopSignal is the signal name used by stop and restart; default TERM
	StopSignal string
	// ReloadSignal is the signal name used by reload; default HUP
	ReloadSignal string
	// Umask is an octal file creation mask applied before exec; empty
	// leaves the supervisor's mask in place
	Umask string
	// User is the account to run as; empty inherits the supervisor's uid
	User string
	// Group is the group to run as; empty derives from User
	Group string

	stopSig   syscall.Signal
	reloadSig syscall.Signal
}

// rawChild is the mapping form of a child entry
type rawChild struct {
	Cmd          Command  `yaml:"cmd"`
	StartDelay   *float64 `yaml:"start_delay"`
	StartRetries *int     `yaml:"start_retries"`
	StopSignal   string   `yaml:"stop_signal"`
	ReloadSignal string   `yaml:"reload_signal"`
	Umask        string   `yaml:"umask"`
	User         string   `yaml:"user"`
	Group        string   `yaml:"group"`
}

// UnmarshalYAML accepts a bare command or an options mapping
func (cc *ChildConfig) UnmarshalYAML(node *yaml.Node) error {
	cc.StartDelay = DefaultStartDelay
	cc.StartRetries = DefaultStartRetries

	if node.Kind == yaml.ScalarNode || node.Kind == yaml.SequenceNode {
		return node.Decode(&cc.Cmd)
	}

	var raw rawChild
	if err := node.Decode(&raw); err != nil {
		return err
	}
	cc.Cmd = raw.Cmd
	if raw.StartDelay != nil {
		cc.StartDelay = time.Duration(*raw.StartDelay * float64(time.Second))
	}
	if raw.StartRetries != nil {
		cc.StartRetries = *raw.StartRetries
	}
	cc.StopSignal = raw.StopSignal
	cc.ReloadSignal = raw.ReloadSignal
	cc.Umask = raw.Umask
	cc.User = raw.User
	cc.Group = raw.Group
	return nil
}

// resolve validates the child entry and caches parsed signal and umask values
func (cc *ChildConfig) resolve() error {
	if cc.Cmd.IsZero() {
		return ErrMissingCmd
	}
	if cc.StartDelay < 0 {
		return fmt.Errorf("start_delay %v: must not be negative", cc.StartDelay)
	}
	if cc.StartRetries < 0 {
		return fmt.Errorf("start_retries %d: must not be negative", cc.StartRetries)
	}

	var err error
	if cc.stopSig, err = resolveSignal(cc.StopSignal, DefaultStopSignal); err != nil {
		return err
	}
	if cc.reloadSig, err = resolveSignal(cc.ReloadSignal, DefaultReloadSignal); err != nil {
		return err
	}
	_, err = parseUmask(cc.Umask)
	return err
}

func resolveSignal(name string, def syscall.Signal) (syscall.Signal, error) {
	if name == "" {
		return def, nil
	}
	return ParseSignal(name)
}

// parseUmask parses an octal mask string; empty means unset (-1)
func parseUmask(s string) (int, error) {
	if s == "" {
		return -1, nil
	}
	bits, err := strconv.ParseUint(s, 8, 16)
	if err != nil {
		return -1, fmt.Errorf("umask %q: not an octal mask", s)
	}
	return int(bits), nil
}

// LogConfig configures the logging sink
type LogConfig struct {
	// File receives log output; empty writes to stderr
	File string `yaml:"file"`
	// Level is the minimum level emitted (debug, info, warn, error);
	// SV_DEBUG in the environment overrides it to debug
	Level string `yaml:"level"`
}

// GlobalConfig holds supervisor-wide settings
type GlobalConfig struct {
	// Listen is the control endpoint, "host:port" for TCP or "unix/:path"
	// for a UNIX-domain socket; empty disables the control server
	Listen string `yaml:"listen"`
	// Umask is an octal mask applied process-wide at startup
	Umask string `yaml:"umask"`
	// PIDFile is written atomically at startup and removed on shutdown
	PIDFile string `yaml:"pidfile"`
	// Log configures the logging sink
	Log LogConfig `yaml:"log"`

	umask int
}

// resolve validates global settings and caches the parsed umask
func (g *GlobalConfig) resolve() error {
	if g.Listen != "" {
		if _, _, err := ParseListen(g.Listen); err != nil {
			return err
		}
	}
	var err error
	g.umask, err = parseUmask(g.Umask)
	return err
}

// Config is the materialized supervisor configuration
type Config struct {
	// Run maps child names to their configuration
	Run map[string]*ChildConfig `yaml:"run"`
	// Global holds optional supervisor-wide settings
	Global *GlobalConfig `yaml:"global"`
}

// Validate checks the configuration and resolves derived values.
// It is called by Parse and by New; it fails fast on a missing or
// empty run section and on any child without a cmd.
func (cfg *Config) Validate() error {
	if len(cfg.Run) == 0 {
		return ErrNoChildren
	}
	for name, cc := range cfg.Run {
		if cc == nil {
			return fmt.Errorf("child %q: %w", name, ErrMissingCmd)
		}
		if err := cc.resolve(); err != nil {
			return fmt.Errorf("child %q: %w", name, err)
		}
	}
	if cfg.Global != nil {
		return cfg.Global.resolve()
	}
	return nil
}

// Parse decodes and validates a YAML configuration document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads, decodes, and validates a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// ParseListen splits a listen endpoint into a network and address.
// "host:port" selects TCP; the special host "unix/" selects a UNIX-domain
// socket whose path occupies the port position.
func ParseListen(s string) (network, addr string, err error) {
	i := strings.Index(s, ":")
	if i < 0 {
		return "", "", fmt.Errorf("listen %q: missing port", s)
	}
	if s[:i] == ListenUnixHost {
		path := s[i+1:]
		if path == "" {
			return "", "", fmt.Errorf("listen %q: empty socket path", s)
		}
		return "unix", path, nil
	}
	if i == len(s)-1 {
		return "", "", fmt.Errorf("listen %q: empty port", s)
	}
	return "tcp", s, nil
}
