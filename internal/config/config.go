package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tailscale/hujson"
)

// DefaultPath is where the bridge looks for its configuration.
const DefaultPath = "haritoslime.json"

// MaxTPS is the highest send rate the server is known to accept. Higher
// rates are allowed but logged.
const MaxTPS = 300

const (
	defaultOSCHost       = "127.0.0.1"
	defaultDiscoveryPort = 9696
	maxFileSize          = 1 * 1024 * 1024 // 1MB
)

var (
	ErrNotFound      = errors.New("config file not found")
	ErrMissingOption = errors.New("config option missing")
	ErrMalformed     = errors.New("config file malformed")
	ErrInvalid       = errors.New("invalid configuration")
)

// Config is the bridge configuration file. The first six fields are
// required; a nil pointer after Load means the option was absent.
type Config struct {
	Autodiscovery *bool   `json:"autodiscovery,omitempty"`
	SlimeIP       *string `json:"slime_ip,omitempty"`
	SlimePort     *int    `json:"slime_port,omitempty"`
	OSCPort       *int    `json:"osc_port,omitempty"`
	TPS           *int    `json:"tps,omitempty"`
	TrackerCount  *int    `json:"tracker_count,omitempty"`

	// Optional
	OSCHost       *string `json:"osc_host,omitempty"`
	DiscoveryPort *int    `json:"discovery_port,omitempty"`
	RecordPath    *string `json:"record_path,omitempty"`
	DebugListen   *string `json:"debug_listen,omitempty"`
}

func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// Reference returns the config written for first-time users.
func Reference() *Config {
	return &Config{
		Autodiscovery: ptrBool(true),
		SlimeIP:       ptrString("127.0.0.1"),
		SlimePort:     ptrInt(6969),
		OSCPort:       ptrInt(12345),
		TPS:           ptrInt(150),
		TrackerCount:  ptrInt(5),
	}
}

// WriteReference writes Reference to path, replacing any existing file.
func WriteReference(path string) error {
	data, err := json.MarshalIndent(Reference(), "", "    ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Clean(path), data, 0o644); err != nil {
		return fmt.Errorf("failed to write reference config: %w", err)
	}
	return nil
}

// Load reads and validates the config at path. Comments and trailing commas
// are accepted. The returned error wraps ErrNotFound, ErrMalformed,
// ErrMissingOption or ErrInvalid so callers can decide whether to write a
// reference config.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("%w: config file must have .json extension, got %q", ErrInvalid, ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cleanPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)", ErrMalformed, fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates config data.
func Parse(data []byte) (*Config, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(std, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := cfg.checkRequired(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) checkRequired() error {
	var missing []error
	add := func(present bool, key string) {
		if !present {
			missing = append(missing, fmt.Errorf("%w: %s", ErrMissingOption, key))
		}
	}
	add(c.Autodiscovery != nil, "autodiscovery")
	add(c.SlimeIP != nil, "slime_ip")
	add(c.SlimePort != nil, "slime_port")
	add(c.OSCPort != nil, "osc_port")
	add(c.TPS != nil, "tps")
	add(c.TrackerCount != nil, "tracker_count")
	return errors.Join(missing...)
}

// Validate checks the values that are set.
func (c *Config) Validate() error {
	if c.TrackerCount != nil && (*c.TrackerCount < 1 || *c.TrackerCount > 255) {
		return fmt.Errorf("%w: tracker_count must be between 1 and 255, got %d", ErrInvalid, *c.TrackerCount)
	}
	if c.TPS != nil && *c.TPS <= 0 {
		return fmt.Errorf("%w: tps must be positive, got %d", ErrInvalid, *c.TPS)
	}
	if c.SlimeIP != nil && net.ParseIP(*c.SlimeIP) == nil {
		return fmt.Errorf("%w: slime_ip %q is not an IP address", ErrInvalid, *c.SlimeIP)
	}
	for _, p := range []struct {
		name string
		v    *int
	}{
		{"slime_port", c.SlimePort},
		{"osc_port", c.OSCPort},
		{"discovery_port", c.DiscoveryPort},
	} {
		if p.v != nil && (*p.v < 1 || *p.v > 65535) {
			return fmt.Errorf("%w: %s must be between 1 and 65535, got %d", ErrInvalid, p.name, *p.v)
		}
	}
	return nil
}

// Warnings returns non-fatal remarks about the configuration.
func (c *Config) Warnings() []string {
	var w []string
	if c.GetTPS() > MaxTPS {
		w = append(w, fmt.Sprintf("tps %d is above %d; the server may drop or reject the stream", c.GetTPS(), MaxTPS))
	}
	return w
}

// GetAutodiscovery returns the autodiscovery value or the default.
func (c *Config) GetAutodiscovery() bool {
	if c.Autodiscovery == nil {
		return true
	}
	return *c.Autodiscovery
}

// GetTPS returns the tps value or the default.
func (c *Config) GetTPS() int {
	if c.TPS == nil {
		return 150
	}
	return *c.TPS
}

// GetTrackerCount returns the tracker_count value or the default.
func (c *Config) GetTrackerCount() int {
	if c.TrackerCount == nil {
		return 5
	}
	return *c.TrackerCount
}

// GetOSCPort returns the osc_port value or the default.
func (c *Config) GetOSCPort() int {
	if c.OSCPort == nil {
		return 12345
	}
	return *c.OSCPort
}

// GetDiscoveryPort returns the discovery_port value or the default.
func (c *Config) GetDiscoveryPort() int {
	if c.DiscoveryPort == nil {
		return defaultDiscoveryPort
	}
	return *c.DiscoveryPort
}

// GetRecordPath returns the record_path value; empty disables recording.
func (c *Config) GetRecordPath() string {
	if c.RecordPath == nil {
		return ""
	}
	return *c.RecordPath
}

// GetDebugListen returns the debug_listen value; empty disables the debug server.
func (c *Config) GetDebugListen() string {
	if c.DebugListen == nil {
		return ""
	}
	return *c.DebugListen
}

// SendInterval is the minimum time between two sweeps.
func (c *Config) SendInterval() time.Duration {
	return time.Second / time.Duration(c.GetTPS())
}

// ServerAddr is the configured server address used before discovery
// replaces it.
func (c *Config) ServerAddr() *net.UDPAddr {
	ip := net.IPv4(127, 0, 0, 1)
	if c.SlimeIP != nil {
		if parsed := net.ParseIP(*c.SlimeIP); parsed != nil {
			ip = parsed
		}
	}
	port := 6969
	if c.SlimePort != nil {
		port = *c.SlimePort
	}
	return &net.UDPAddr{IP: ip, Port: port}
}

// OSCListenAddr is the host:port the OSC listener binds.
func (c *Config) OSCListenAddr() string {
	host := defaultOSCHost
	if c.OSCHost != nil {
		host = *c.OSCHost
	}
	return net.JoinHostPort(host, strconv.Itoa(c.GetOSCPort()))
}

// DiscoveryListenAddr is the local address of the socket used to talk to
// the server. It binds all interfaces so broadcast replies arrive.
func (c *Config) DiscoveryListenAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4zero, Port: c.GetDiscoveryPort()}
}
