// Package config gathers huddle's settings from defaults, a .env file, the
// HUDDLE_* environment and command-line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/1ureka/huddle/internal/transport"
	"github.com/1ureka/huddle/internal/whiteboard"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "HUDDLE_"

// Defaults. The signaling URL is left empty so that join can ask for it;
// DefaultSignalingURL is what it offers.
const (
	DefaultSignalingURL = "ws://localhost:8080"
	DefaultListen       = ":8080"
	DefaultMaxPeers     = 8
	DefaultPolicy       = "logical-clock"
)

// Config stores every tunable of a huddle process.
type Config struct {
	SignalingURL string `validate:"omitempty,url"`
	Room         string `validate:"omitempty,max=64,excludesall=/?#"`
	Name         string `validate:"max=32"`
	PIN          string `validate:"omitempty,numeric,min=4,max=12"`
	Listen       string `validate:"required"`
	MaxPeers     int    `validate:"min=0,max=64"`

	STUN []string `validate:"dive,startswith=stun:|startswith=stuns:"`
	TURN []transport.TURNServer

	Debug     bool
	Advertise bool
	Discover  bool

	DocSyncDelay   time.Duration `validate:"min=0"`
	BoardSyncDelay time.Duration `validate:"min=0"`
	Policy         string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:         DefaultListen,
		MaxPeers:       DefaultMaxPeers,
		DocSyncDelay:   1000 * time.Millisecond,
		BoardSyncDelay: 1500 * time.Millisecond,
		Policy:         DefaultPolicy,
	}
}

// Load returns the defaults overridden by envFile (if it exists) and then by
// the process environment. Variables already set in the environment win
// over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg := Default()
	if err := cfg.fromEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) fromEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("SIGNALING_URL", &c.SignalingURL)
	str("ROOM", &c.Room)
	str("NAME", &c.Name)
	str("PIN", &c.PIN)
	str("LISTEN", &c.Listen)
	str("POLICY", &c.Policy)

	var errs []error
	if v, ok := lookup(EnvPrefix + "MAX_PEERS"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMAX_PEERS: %w", EnvPrefix, err))
		}
		c.MaxPeers = n
	}
	for key, dst := range map[string]*bool{"DEBUG": &c.Debug, "ADVERTISE": &c.Advertise, "DISCOVER": &c.Discover} {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			}
			*dst = b
		}
	}
	for key, dst := range map[string]*time.Duration{"DOC_SYNC_DELAY": &c.DocSyncDelay, "BOARD_SYNC_DELAY": &c.BoardSyncDelay} {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			}
			*dst = d
		}
	}
	if v, ok := lookup(EnvPrefix + "STUN"); ok {
		c.STUN = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "TURN"); ok {
		turn, err := ParseTURN(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sTURN: %w", EnvPrefix, err))
		}
		c.TURN = turn
	}
	return errors.Join(errs...)
}

// BindFlags registers flags whose defaults are the current values, so a flag
// only overrides what was loaded when it is given explicitly.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.SignalingURL, "url", c.SignalingURL, "signaling server base URL")
	fs.StringVarP(&c.Room, "room", "r", c.Room, "room to join")
	fs.StringVarP(&c.Name, "name", "n", c.Name, "display name")
	fs.StringVar(&c.PIN, "pin", c.PIN, "room PIN")
	fs.StringSliceVar(&c.STUN, "stun", c.STUN, "STUN server URLs")
	fs.DurationVar(&c.DocSyncDelay, "doc-sync-delay", c.DocSyncDelay, "delay before the document sync request")
	fs.DurationVar(&c.BoardSyncDelay, "board-sync-delay", c.BoardSyncDelay, "delay before the whiteboard sync request")
	fs.StringVar(&c.Policy, "policy", c.Policy, "whiteboard snapshot policy: logical-clock or last-response")
	fs.BoolVar(&c.Discover, "discover", c.Discover, "find the signaling server on the local network")
}

// BindServerFlags registers the flags of the signaling server.
func (c *Config) BindServerFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Listen, "listen", "l", c.Listen, "address to listen on")
	fs.StringVar(&c.PIN, "pin", c.PIN, "require this PIN to join")
	fs.IntVar(&c.MaxPeers, "max-peers", c.MaxPeers, "participants per room, 0 for no limit")
	fs.BoolVar(&c.Advertise, "advertise", c.Advertise, "announce the server over mDNS")
}

// ReconcilePolicy parses Policy.
func (c Config) ReconcilePolicy() (whiteboard.ReconcilePolicy, error) {
	return whiteboard.ParsePolicy(c.Policy)
}

// ICE returns the transport ICE configuration.
func (c Config) ICE() transport.ICEConfig {
	return transport.ICEConfig{STUN: c.STUN, TURN: c.TURN}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and formats.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed %q check", strings.ToLower(fe.Field()), fe.Tag())
		}
		return err
	}
	if _, err := c.ReconcilePolicy(); err != nil {
		return err
	}
	return nil
}

// ParseTURN parses a comma-separated list of url|username|credential items.
func ParseTURN(s string) ([]transport.TURNServer, error) {
	var out []transport.TURNServer
	for _, item := range splitList(s) {
		parts := strings.Split(item, "|")
		if len(parts) != 1 && len(parts) != 3 {
			return nil, fmt.Errorf("malformed TURN entry %q", item)
		}
		if !strings.HasPrefix(parts[0], "turn:") && !strings.HasPrefix(parts[0], "turns:") {
			return nil, fmt.Errorf("TURN entry %q must start with turn: or turns:", item)
		}
		t := transport.TURNServer{URL: parts[0]}
		if len(parts) == 3 {
			t.Username, t.Credential = parts[1], parts[2]
		}
		out = append(out, t)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
