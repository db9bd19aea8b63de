// Package config loads the engine configuration: environment overrides via
// github.com/sethvargo/go-envconfig layered on top of a YAML document
// describing the richer structure (servers, timeouts, rate limits) that
// does not fit naturally into flat environment variables.
package config

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Env holds process-level settings that are more natural as environment
// variables than as document structure: deployment knobs rather than
// engine topology.
type Env struct {
	LogLevel   string `env:"NFTRAFFIC_LOG_LEVEL,default=info"`
	ConfigPath string `env:"NFTRAFFIC_CONFIG,default=nftraffic.yaml"`
}

// LoadEnv reads Env from the process environment.
func LoadEnv(ctx context.Context) (Env, error) {
	var e Env
	if err := envconfig.Process(ctx, &e); err != nil {
		return Env{}, fmt.Errorf("config: loading environment: %w", err)
	}
	return e, nil
}

// L234 is the YAML-decodable form of an L234Data endpoint identity.
type L234 struct {
	MAC  string `yaml:"mac"`
	IP   string `yaml:"ip"`
	Port uint16 `yaml:"port"`
}

// Parsed resolves the textual MAC/IP into their binary forms.
func (l L234) Parsed() (mac [6]byte, ip [4]byte, err error) {
	hw, err := parseMAC(l.MAC)
	if err != nil {
		return mac, ip, fmt.Errorf("config: bad mac %q: %w", l.MAC, err)
	}
	addr, err := netip.ParseAddr(l.IP)
	if err != nil || !addr.Is4() {
		return mac, ip, fmt.Errorf("config: bad ipv4 %q", l.IP)
	}
	return hw, addr.As4(), nil
}

func parseMAC(s string) (out [6]byte, err error) {
	var b [6]int
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x", &b[0], &b[1], &b[2], &b[3], &b[4], &b[5])
	if err != nil || n != 6 {
		return out, fmt.Errorf("expected aa:bb:cc:dd:ee:ff form")
	}
	for i, v := range b {
		out[i] = byte(v)
	}
	return out, nil
}

// Timeouts holds the connection-lifecycle timeout settings.
type Timeouts struct {
	EstablishedMS int `yaml:"established_ms"`
}

// Tick holds the tick generator's cadence.
type Tick struct {
	IntervalMS int `yaml:"interval_ms"`
}

// Engine is the full engine configuration document (section 6 of the
// design): servers to dial, per-pipeline rate/connection targets, timeouts,
// this engine's own identity, and ambient settings.
type Engine struct {
	Servers       []L234   `yaml:"servers"`
	EngineID      L234     `yaml:"engine"`
	Timeouts      Timeouts `yaml:"timeouts"`
	Tick          Tick     `yaml:"tick"`
	CPSLimit      uint64   `yaml:"cps_limit"`
	NrConnections int      `yaml:"nr_connections"`
	LogLevel      string   `yaml:"log_level"`
}

// Load reads and decodes the YAML engine configuration at path.
func Load(path string) (Engine, error) {
	f, err := os.Open(path)
	if err != nil {
		return Engine{}, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	var e Engine
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&e); err != nil {
		return Engine{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if err := e.Validate(); err != nil {
		return Engine{}, err
	}
	return e, nil
}

// Validate checks the loaded Engine document for the structural
// requirements the pipeline depends on.
func (e Engine) Validate() error {
	if len(e.Servers) == 0 {
		return fmt.Errorf("config: at least one server required")
	}
	if e.NrConnections <= 0 {
		return fmt.Errorf("config: nr_connections must be positive")
	}
	if e.CPSLimit == 0 {
		return fmt.Errorf("config: cps_limit must be positive")
	}
	if e.Timeouts.EstablishedMS <= 0 {
		return fmt.Errorf("config: timeouts.established_ms must be positive")
	}
	return nil
}

// EstablishedTimeout returns the configured established-connection timeout
// as a time.Duration, for callers converting to CPU cycles.
func (t Timeouts) EstablishedTimeout() time.Duration {
	return time.Duration(t.EstablishedMS) * time.Millisecond
}

// TickInterval returns the configured tick cadence as a time.Duration.
func (t Tick) TickInterval() time.Duration {
	if t.IntervalMS <= 0 {
		return time.Millisecond
	}
	return time.Duration(t.IntervalMS) * time.Millisecond
}
