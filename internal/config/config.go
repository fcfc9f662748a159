// Package config parses and validates the declarative HQ configuration:
// identity, peers, transport selection, worker permissions, security flags,
// and operational settings.
package config

import (
	"sync"
)

// Transport names selectable via the top-level "transport" key.
const (
	TransportSlack  = "slack"
	TransportLinear = "linear"
)

// Channel strategies for the chat-room transport.
const (
	StrategyDedicated       = "dedicated"
	StrategyPerRelationship = "per-relationship"
	StrategyContextual      = "contextual"
	StrategyDM              = "dm"
)

// Trust levels assignable to a peer relationship.
const (
	TrustChannelScoped = "channel-scoped"
	TrustVerified      = "verified"
	TrustOpen          = "open"
)

// Config is the typed view of the HQ configuration file. A single Config is
// shared across components; Replace swaps the contents under the mutex on
// hot reload.
type Config struct {
	Identity    IdentityConfig    `yaml:"identity"`
	Peers       []PeerConfig      `yaml:"peers"`
	Transport   string            `yaml:"transport"`
	Slack       SlackConfig       `yaml:"slack,omitempty"`
	Linear      LinearConfig      `yaml:"linear,omitempty"`
	Permissions PermissionsConfig `yaml:"worker-permissions"`
	Security    SecurityConfig    `yaml:"security,omitempty"`
	Settings    SettingsConfig    `yaml:"settings,omitempty"`
	Telemetry   TelemetryConfig   `yaml:"telemetry,omitempty"`
	Feed        FeedConfig        `yaml:"feed,omitempty"`

	mu sync.RWMutex
}

// IdentityConfig names this HQ instance.
type IdentityConfig struct {
	Owner       string `yaml:"owner"`
	InstanceID  string `yaml:"instance-id"`
	DisplayName string `yaml:"display-name,omitempty"`
}

// PeerConfig describes one remote HQ reachable over the shared transport.
type PeerConfig struct {
	Owner       string   `yaml:"owner"`
	Trust       string   `yaml:"trust,omitempty"`
	Workers     []string `yaml:"workers,omitempty"`
	BotID       string   `yaml:"bot-id,omitempty"`
	DisplayName string   `yaml:"display-name,omitempty"`
}

// HasWorker reports whether the peer declares the named worker.
func (p PeerConfig) HasWorker(worker string) bool {
	for _, w := range p.Workers {
		if w == worker {
			return true
		}
	}
	return false
}

// SlackConfig is the chat-room transport block.
type SlackConfig struct {
	BotToken        string                  `yaml:"bot-token,omitempty"`
	AppToken        string                  `yaml:"app-token,omitempty"`
	ChannelStrategy string                  `yaml:"channel-strategy,omitempty"`
	Channel         string                  `yaml:"channel,omitempty"`  // dedicated strategy
	Channels        map[string]string       `yaml:"channels,omitempty"` // per-relationship: "<a>--<b>" → channel id
	Contexts        map[string]SlackContext `yaml:"contexts,omitempty"` // contextual strategy
	DMs             map[string]string       `yaml:"dms,omitempty"`      // dm strategy: peer owner → im channel id
}

// SlackContext declares one contextual channel and its subscriber peers.
type SlackContext struct {
	Channel     string   `yaml:"channel"`
	Subscribers []string `yaml:"subscribers,omitempty"`
}

// LinearConfig is the issue-tracker transport block.
type LinearConfig struct {
	APIKey      string                `yaml:"api-key,omitempty"`
	Endpoint    string                `yaml:"endpoint,omitempty"` // override for tests; default https://api.linear.app/graphql
	DefaultTeam string                `yaml:"default-team,omitempty"`
	Teams       map[string]LinearTeam `yaml:"teams,omitempty"`
}

// LinearTeam configures one team the transport may post into.
type LinearTeam struct {
	ID                string            `yaml:"id,omitempty"` // team UUID if known; resolved lazily otherwise
	AgentCommsIssueID string            `yaml:"agent-comms-issue-id,omitempty"`
	ProjectMappings   map[string]string `yaml:"project-mappings,omitempty"` // context tag → project id
}

// PermissionsConfig is the worker permission matrix.
type PermissionsConfig struct {
	Default string       `yaml:"default,omitempty"` // "deny" (default) or "allow"
	Workers []WorkerRule `yaml:"workers,omitempty"`
}

// WorkerRule grants or withholds send/receive for one local worker.
type WorkerRule struct {
	ID             string   `yaml:"id"`
	Send           bool     `yaml:"send"`
	Receive        bool     `yaml:"receive"`
	AllowedIntents []string `yaml:"allowed-intents,omitempty"`
	AllowedPeers   []string `yaml:"allowed-peers,omitempty"`
}

// SecurityConfig carries the kill switch, default trust, and rate limits.
type SecurityConfig struct {
	KillSwitch   bool               `yaml:"kill-switch,omitempty"`
	Trust        string             `yaml:"trust,omitempty"`
	RateLimiting RateLimitingConfig `yaml:"rate-limiting,omitempty"`
}

// RateLimitingConfig bounds outbound message rates. Zero means unlimited.
type RateLimitingConfig struct {
	MaxMessagesPerMinute       int `yaml:"max-messages-per-minute,omitempty"`
	MaxMessagesPerMinuteGlobal int `yaml:"max-messages-per-minute-global,omitempty"`
}

// SettingsConfig holds operational knobs. Zero values are replaced by the
// documented defaults at load time.
type SettingsConfig struct {
	Enabled                  *bool  `yaml:"enabled,omitempty"` // nil = enabled
	AckTimeoutSeconds        int    `yaml:"ack-timeout-seconds,omitempty"`
	MaxRetries               int    `yaml:"max-retries,omitempty"`
	ThreadIdleTimeoutSeconds int    `yaml:"thread-idle-timeout-seconds,omitempty"`
	ThreadMaxAgeSeconds      int    `yaml:"thread-max-age-seconds,omitempty"`
	MessageMaxLength         int    `yaml:"message-max-length,omitempty"`
	AttachmentMaxBytes       int    `yaml:"attachment-max-bytes,omitempty"`
	InboxPath                string `yaml:"inbox-path,omitempty"`
	ThreadLogPath            string `yaml:"thread-log-path,omitempty"`
}

// IsEnabled reports whether outbound messaging is enabled.
func (s SettingsConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `yaml:"enabled,omitempty"`
	Endpoint    string            `yaml:"endpoint,omitempty"`
	Insecure    bool              `yaml:"insecure,omitempty"`
	ServiceName string            `yaml:"service-name,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
}

// FeedConfig configures the WebSocket event feed listener.
type FeedConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// Peer looks up a peer by owner name.
func (c *Config) Peer(owner string) (PeerConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.Peers {
		if p.Owner == owner {
			return p, true
		}
	}
	return PeerConfig{}, false
}

// WorkerRule looks up the permission rule for a local worker.
func (c *Config) WorkerRule(worker string) (WorkerRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, w := range c.Permissions.Workers {
		if w.ID == worker {
			return w, true
		}
	}
	return WorkerRule{}, false
}

// Replace copies all data fields from src, preserving c's mutex.
func (c *Config) Replace(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Identity = src.Identity
	c.Peers = src.Peers
	c.Transport = src.Transport
	c.Slack = src.Slack
	c.Linear = src.Linear
	c.Permissions = src.Permissions
	c.Security = src.Security
	c.Settings = src.Settings
	c.Telemetry = src.Telemetry
	c.Feed = src.Feed
}

// Snapshot returns a detached copy safe to read without holding the lock.
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Config{
		Identity:    c.Identity,
		Peers:       c.Peers,
		Transport:   c.Transport,
		Slack:       c.Slack,
		Linear:      c.Linear,
		Permissions: c.Permissions,
		Security:    c.Security,
		Settings:    c.Settings,
		Telemetry:   c.Telemetry,
		Feed:        c.Feed,
	}
}
