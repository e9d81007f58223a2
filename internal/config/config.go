package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/lumenassist/lumen/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Store    Store    `json:"store"`
	P2P      P2P      `json:"p2p"`
	Dispatch Dispatch `json:"dispatch"`
	Call     Call     `json:"call"`
	HTTP     HTTP     `json:"http"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type Store struct {
	Dir string `json:"dir"`
}

type P2P struct {
	ListenPort int `json:"listen_port"`

	// Full peer multiaddrs to dial at startup, for peers that mDNS
	// cannot discover (different network, no relay between them).
	BootstrapPeers []string `json:"bootstrap_peers,omitempty"`
}

type Dispatch struct {
	// How long an assigned volunteer has to accept before the request is
	// treated as implicitly declined and reassigned.
	ResponseTimeoutSec int `json:"response_timeout_seconds"`
}

// ICEServer mirrors the webrtc.ICEServer fields the node needs.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Call struct {
	ICEServers []ICEServer `json:"ice_servers"`

	// Reconnection policy. Attempt n (1-based) waits
	// ReconnectBackoffSec[n-1] seconds before re-negotiating; the schedule
	// must therefore have exactly MaxReconnectAttempts entries.
	MaxReconnectAttempts int   `json:"max_reconnect_attempts"`
	ReconnectBackoffSec  []int `json:"reconnect_backoff_seconds"`

	// ICE timeouts pushed into the Pion SettingEngine. The Pion default
	// disconnectedTimeout of 5 s is too short for relay paths with brief
	// outages during re-keying or failover.
	DisconnectedTimeoutSec int `json:"disconnected_timeout_seconds"`
	FailedTimeoutSec       int `json:"failed_timeout_seconds"`
}

type HTTP struct {
	Addr string `json:"addr"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Store: Store{
			Dir: "data",
		},
		P2P: P2P{
			ListenPort: 0,
		},
		Dispatch: Dispatch{
			ResponseTimeoutSec: 30,
		},
		Call: Call{
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			MaxReconnectAttempts:   5,
			ReconnectBackoffSec:    []int{1, 2, 4, 8, 16},
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
		},
		HTTP: HTTP{
			Addr: "127.0.0.1:8440",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if strings.TrimSpace(c.Store.Dir) == "" {
		return errors.New("store.dir is required")
	}
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if c.Dispatch.ResponseTimeoutSec <= 0 {
		return errors.New("dispatch.response_timeout_seconds must be > 0")
	}
	if len(c.Call.ICEServers) == 0 {
		return errors.New("call.ice_servers must not be empty")
	}
	for i, s := range c.Call.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("call.ice_servers[%d].urls must not be empty", i)
		}
	}
	if c.Call.MaxReconnectAttempts <= 0 {
		return errors.New("call.max_reconnect_attempts must be > 0")
	}
	if len(c.Call.ReconnectBackoffSec) != c.Call.MaxReconnectAttempts {
		return errors.New("call.reconnect_backoff_seconds must have max_reconnect_attempts entries")
	}
	for _, d := range c.Call.ReconnectBackoffSec {
		if d <= 0 {
			return errors.New("call.reconnect_backoff_seconds entries must be > 0")
		}
	}
	if c.Call.DisconnectedTimeoutSec <= 0 {
		return errors.New("call.disconnected_timeout_seconds must be > 0")
	}
	if c.Call.FailedTimeoutSec <= c.Call.DisconnectedTimeoutSec {
		return errors.New("call.failed_timeout_seconds must be > call.disconnected_timeout_seconds")
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("http.addr is required")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
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

	return util.WriteJSONFile(path, cfg)
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
