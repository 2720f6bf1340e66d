package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Call     Call     `json:"call"`
	Media    Media    `json:"media"`
	Relay    Relay    `json:"relay"`
	Presence Presence `json:"presence"`
	Ledger   Ledger   `json:"ledger"`
}

// Call holds the state-machine timing knobs. Both windows were hardcoded in
// earlier deployments; they are configuration now, with the old values as
// defaults.
type Call struct {
	// How long an unanswered incoming call rings before it auto-rejects.
	AcceptWindowSec int `json:"accept_window_seconds"`

	// How long a connected call may stay disconnected before it is ended.
	ReconnectGraceSec int `json:"reconnect_grace_seconds"`

	// Timeout for the blocking offer/answer publish.
	SignalSendTimeoutSec int `json:"signal_send_timeout_seconds"`
}

type Media struct {
	PreferredCam string `json:"preferred_cam"`
	PreferredMic string `json:"preferred_mic"`

	// Capture caps. Higher resolutions increase encoder latency.
	MaxWidth  int `json:"max_width"`
	MaxHeight int `json:"max_height"`
}

// Relay selects and configures the signaling transport.
type Relay struct {
	// "pubsub" runs an embedded libp2p gossipsub node; "ws" connects to an
	// external websocket relay.
	Mode string `json:"mode"`

	// pubsub mode
	ListenPort int      `json:"listen_port"`
	KeyFile    string   `json:"key_file"`
	Bootstrap  []string `json:"bootstrap"` // multiaddrs of relay/rendezvous nodes

	// ws mode
	WSURL string `json:"ws_url"`

	StunServers []string `json:"stun_servers"`
}

type Presence struct {
	Topic        string `json:"topic"`
	TTLSec       int    `json:"ttl_seconds"`
	HeartbeatSec int    `json:"heartbeat_seconds"`
}

type Ledger struct {
	// SQLite database path. Empty disables the built-in store (callers may
	// supply their own ledger implementation).
	DBPath string `json:"db_path"`
}

func Default() Config {
	return Config{
		Call: Call{
			AcceptWindowSec:      30,
			ReconnectGraceSec:    10,
			SignalSendTimeoutSec: 10,
		},
		Media: Media{
			MaxWidth:  640,
			MaxHeight: 480,
		},
		Relay: Relay{
			Mode:       "pubsub",
			ListenPort: 0,
			KeyFile:    "data/identity.key",
			StunServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
		Presence: Presence{
			Topic:        "siren.presence.v1",
			TTLSec:       20,
			HeartbeatSec: 5,
		},
		Ledger: Ledger{
			DBPath: "data/calls.db",
		},
	}
}

// Duration accessors: JSON stores integer seconds, callers want durations.

func (c Call) AcceptWindow() time.Duration   { return time.Duration(c.AcceptWindowSec) * time.Second }
func (c Call) ReconnectGrace() time.Duration { return time.Duration(c.ReconnectGraceSec) * time.Second }
func (c Call) SignalSendTimeout() time.Duration {
	return time.Duration(c.SignalSendTimeoutSec) * time.Second
}

func (p Presence) TTL() time.Duration       { return time.Duration(p.TTLSec) * time.Second }
func (p Presence) Heartbeat() time.Duration { return time.Duration(p.HeartbeatSec) * time.Second }

func (c *Config) Validate() error {
	// Call
	if c.Call.AcceptWindowSec <= 0 {
		return errors.New("call.accept_window_seconds must be > 0")
	}
	if c.Call.ReconnectGraceSec <= 0 {
		return errors.New("call.reconnect_grace_seconds must be > 0")
	}
	if c.Call.SignalSendTimeoutSec <= 0 {
		return errors.New("call.signal_send_timeout_seconds must be > 0")
	}

	// Media
	if c.Media.MaxWidth < 0 || c.Media.MaxHeight < 0 {
		return errors.New("media.max_width and media.max_height must be >= 0")
	}

	// Relay
	switch c.Relay.Mode {
	case "pubsub":
		if c.Relay.ListenPort < 0 || c.Relay.ListenPort > 65535 {
			return errors.New("relay.listen_port must be 0..65535")
		}
		if strings.TrimSpace(c.Relay.KeyFile) == "" {
			return errors.New("relay.key_file is required in pubsub mode")
		}
	case "ws":
		if err := validateWSURL(c.Relay.WSURL); err != nil {
			return fmt.Errorf("relay.ws_url: %w", err)
		}
	default:
		return fmt.Errorf("relay.mode must be \"pubsub\" or \"ws\", got %q", c.Relay.Mode)
	}
	for _, s := range c.Relay.StunServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("relay.stun_servers: %q must start with stun: or turn:", s)
		}
	}

	// Presence
	if strings.TrimSpace(c.Presence.Topic) == "" {
		return errors.New("presence.topic is required")
	}
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}

	return nil
}

func validateWSURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("required in ws mode")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnv overlays SIREN_* environment variables on the file config.
// A .env file in the working directory, if present, is loaded first.
func (c *Config) applyEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("SIREN_RELAY_MODE"); v != "" {
		c.Relay.Mode = v
	}
	if v := os.Getenv("SIREN_RELAY_WS_URL"); v != "" {
		c.Relay.WSURL = v
	}
	if v := os.Getenv("SIREN_RELAY_BOOTSTRAP"); v != "" {
		c.Relay.Bootstrap = strings.Split(v, ",")
	}
	if v := os.Getenv("SIREN_LEDGER_DB"); v != "" {
		c.Ledger.DBPath = v
	}
	if v := os.Getenv("SIREN_ACCEPT_WINDOW_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Call.AcceptWindowSec = n
		}
	}
	if v := os.Getenv("SIREN_RECONNECT_GRACE_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Call.ReconnectGraceSec = n
		}
	}
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
