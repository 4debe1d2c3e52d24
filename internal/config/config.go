// internal/config/config.go
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/petervdpas/goop2/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Router    Router    `json:"router"`
	Transport Transport `json:"transport"`
	Relay     Relay     `json:"relay"`
	Server    Server    `json:"server"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

// Router holds the L1 forwarding knobs: default TTL stamped on
// originated packets, and how many recent (from, seq) pairs to
// remember for loop/duplicate suppression.
type Router struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
	DefaultTTL int    `json:"default_ttl"`
	RecentCap  int    `json:"recent_cap"`
}

// Transport holds L3 P2PConnection timing knobs. HandshakeTimeoutSec
// and RetransmitIdleWindowSec are validated and saved but not read by
// internal/p2ptransport, which uses its own HandshakeTimeout and
// RetransmitIdleWindow constants.
type Transport struct {
	HandshakeTimeoutSec     int `json:"handshake_timeout_seconds"`
	RetransmitIdleWindowSec int `json:"retransmit_idle_window_seconds"`

	// HeartbeatIntervalSec is how often a peer with a configured relay
	// sends a KindHeartBeat to it, keeping its relaysession.Manager
	// entry alive. Should stay well under Relay.SessionTimeoutSec on
	// the relay side.
	HeartbeatIntervalSec int `json:"heartbeat_interval_seconds"`
}

// Relay holds L3′ RelaySessionManager and relay-host knobs. Only
// meaningful on a relay node; a pure peer leaves Enabled false.
type Relay struct {
	Enabled           bool   `json:"enabled"`
	Port              int    `json:"port"`
	KeyFile           string `json:"key_file"`
	ExternalURL       string `json:"external_url"`
	SessionTimeoutSec int    `json:"session_timeout_seconds"`
}

// Server holds internal/relaydash's listen address.
type Server struct {
	DashboardAddr string `json:"dashboard_addr"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Router: Router{
			ListenPort: 0,
			MdnsTag:    "goop2-route-mdns",
			DefaultTTL: 16,
			RecentCap:  4096,
		},
		Transport: Transport{
			HandshakeTimeoutSec:     5,
			RetransmitIdleWindowSec: 5,
			HeartbeatIntervalSec:    3,
		},
		Relay: Relay{
			Enabled:           false,
			Port:              4102,
			KeyFile:           "data/relay-identity.key",
			ExternalURL:       "",
			SessionTimeoutSec: 10,
		},
		Server: Server{
			DashboardAddr: "127.0.0.1:8788",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	if c.Router.ListenPort < 0 || c.Router.ListenPort > 65535 {
		return errors.New("router.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.Router.MdnsTag) == "" {
		return errors.New("router.mdns_tag is required")
	}
	if c.Router.DefaultTTL <= 0 || c.Router.DefaultTTL > 255 {
		return errors.New("router.default_ttl must be 1..255")
	}
	if c.Router.RecentCap <= 0 {
		return errors.New("router.recent_cap must be > 0")
	}

	if c.Transport.HandshakeTimeoutSec <= 0 {
		return errors.New("transport.handshake_timeout_seconds must be > 0")
	}
	if c.Transport.RetransmitIdleWindowSec <= 0 {
		return errors.New("transport.retransmit_idle_window_seconds must be > 0")
	}
	if c.Transport.HeartbeatIntervalSec <= 0 {
		return errors.New("transport.heartbeat_interval_seconds must be > 0")
	}

	if c.Relay.Enabled {
		if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
			return errors.New("relay.port must be 1..65535 when relay.enabled is true")
		}
		if strings.TrimSpace(c.Relay.KeyFile) == "" {
			return errors.New("relay.key_file is required when relay.enabled is true")
		}
		if c.Relay.SessionTimeoutSec <= 0 {
			return errors.New("relay.session_timeout_seconds must be > 0")
		}
	}

	if strings.TrimSpace(c.Server.DashboardAddr) == "" {
		return errors.New("server.dashboard_addr is required")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

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

// WatchReload watches path for writes and calls onReload with the
// freshly validated config whenever it changes, letting
// relaysession.Manager and router.Router pick up a new timeout/TTL
// without a restart. A reload that fails validation is logged and
// ignored — the previous in-memory config stays in effect. Modeled on
// internal/lua/engine.go's fsnotify watch loop.
func WatchReload(ctx context.Context, path string, onReload func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					cfg, err := Load(path)
					if err != nil {
						log.Printf("CONFIG: reload of %s failed, keeping previous config: %v", path, err)
						return
					}
					onReload(cfg)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("CONFIG: watch error: %v", err)
			}
		}
	}()

	return nil
}
