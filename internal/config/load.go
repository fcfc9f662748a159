package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
	"github.com/nextlevelbuilder/hqlink/internal/ids"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "HIAMP_CONFIG_PATH"

// Operational defaults applied when the settings block leaves a field unset.
const (
	DefaultAckTimeoutSeconds        = 300
	DefaultMaxRetries               = 1
	DefaultThreadIdleTimeoutSeconds = 86400
	DefaultThreadMaxAgeSeconds      = 604800
	DefaultMessageMaxLength         = 4000
	DefaultAttachmentMaxBytes       = 4000
	DefaultInboxPath                = "workspace/inbox"
	DefaultThreadLogPath            = "workspace/threads/hiamp"
)

// FieldError is one accumulated validation failure.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) String() string { return e.Field + ": " + e.Message }

// ValidationError aggregates every FieldError found in one load.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return "config validation failed: " + strings.Join(parts, "; ")
}

// ResolvePath returns the config path from the explicit flag value, the
// HIAMP_CONFIG_PATH env var, or the default "hq.yaml", in that order.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(EnvConfigPath); v != "" {
		return v
	}
	return "hq.yaml"
}

// Load reads, env-resolves, validates, and defaults the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, hqerr.Newf(hqerr.CodeConfigMissing, "config file not found: %s", path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a config document, resolving $NAME scalars against the
// process environment before unmarshalling.
func Parse(data []byte) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, hqerr.New(hqerr.CodeConfigParse, "parse config").WithDetail(err.Error())
	}
	resolveEnvRefs(&root)

	cfg := &Config{}
	if err := root.Decode(cfg); err != nil {
		return nil, hqerr.New(hqerr.CodeConfigParse, "decode config").WithDetail(err.Error())
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// resolveEnvRefs walks the YAML node tree replacing scalar values with a
// leading "$" by the named environment variable. Unset variables resolve to
// the empty string, which downstream validation catches where it matters.
func resolveEnvRefs(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && strings.HasPrefix(n.Value, "$") && len(n.Value) > 1 {
		n.Value = os.Getenv(n.Value[1:])
	}
	for _, child := range n.Content {
		resolveEnvRefs(child)
	}
}

// validate checks shape, identifier syntax, enums, and cross-field
// constraints. A missing required section fails fast; other errors
// accumulate.
func (c *Config) validate() error {
	if c.Identity.Owner == "" && c.Identity.InstanceID == "" {
		return &ValidationError{Fields: []FieldError{{Field: "identity", Message: "required section missing"}}}
	}

	var errs []FieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if !ids.ValidOwner(c.Identity.Owner) {
		add("identity.owner", "must be lowercase kebab, 2-32 chars, got %q", c.Identity.Owner)
	}
	if !ids.ValidOwner(c.Identity.InstanceID) {
		add("identity.instance-id", "must be lowercase kebab, 2-32 chars, got %q", c.Identity.InstanceID)
	}

	for i, p := range c.Peers {
		field := fmt.Sprintf("peers[%d]", i)
		if !ids.ValidOwner(p.Owner) {
			add(field+".owner", "must be lowercase kebab, 2-32 chars, got %q", p.Owner)
		}
		switch p.Trust {
		case "", TrustChannelScoped, TrustVerified, TrustOpen:
		default:
			add(field+".trust", "unknown trust level %q", p.Trust)
		}
		for j, w := range p.Workers {
			if !ids.ValidOwner(w) {
				add(fmt.Sprintf("%s.workers[%d]", field, j), "bad worker id %q", w)
			}
		}
	}

	switch c.Transport {
	case TransportSlack:
		switch c.Slack.ChannelStrategy {
		case "", StrategyDedicated, StrategyPerRelationship, StrategyContextual, StrategyDM:
		default:
			add("slack.channel-strategy", "unknown strategy %q", c.Slack.ChannelStrategy)
		}
	case TransportLinear:
		if c.Linear.DefaultTeam != "" {
			if _, ok := c.Linear.Teams[c.Linear.DefaultTeam]; !ok {
				add("linear.default-team", "team %q not present in linear.teams", c.Linear.DefaultTeam)
			}
		}
	case "":
		add("transport", "required")
	default:
		add("transport", "unknown transport %q", c.Transport)
	}

	switch c.Permissions.Default {
	case "", "deny", "allow":
	default:
		add("worker-permissions.default", "must be \"deny\" or \"allow\", got %q", c.Permissions.Default)
	}
	for i, w := range c.Permissions.Workers {
		if !ids.ValidOwner(w.ID) {
			add(fmt.Sprintf("worker-permissions.workers[%d].id", i), "bad worker id %q", w.ID)
		}
	}

	switch c.Security.Trust {
	case "", TrustChannelScoped, TrustVerified, TrustOpen:
	default:
		add("security.trust", "unknown trust level %q", c.Security.Trust)
	}

	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// applyDefaults fills unset fields with the documented defaults.
func (c *Config) applyDefaults() {
	if c.Permissions.Default == "" {
		c.Permissions.Default = "deny"
	}
	if c.Security.Trust == "" {
		c.Security.Trust = TrustChannelScoped
	}
	s := &c.Settings
	if s.AckTimeoutSeconds == 0 {
		s.AckTimeoutSeconds = DefaultAckTimeoutSeconds
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = DefaultMaxRetries
	}
	if s.ThreadIdleTimeoutSeconds == 0 {
		s.ThreadIdleTimeoutSeconds = DefaultThreadIdleTimeoutSeconds
	}
	if s.ThreadMaxAgeSeconds == 0 {
		s.ThreadMaxAgeSeconds = DefaultThreadMaxAgeSeconds
	}
	if s.MessageMaxLength == 0 {
		s.MessageMaxLength = DefaultMessageMaxLength
	}
	if s.AttachmentMaxBytes == 0 {
		s.AttachmentMaxBytes = DefaultAttachmentMaxBytes
	}
	if s.InboxPath == "" {
		s.InboxPath = DefaultInboxPath
	}
	if s.ThreadLogPath == "" {
		s.ThreadLogPath = DefaultThreadLogPath
	}
	if c.Slack.ChannelStrategy == "" && c.Transport == TransportSlack {
		c.Slack.ChannelStrategy = StrategyDedicated
	}
	if c.Feed.Host == "" {
		c.Feed.Host = "127.0.0.1"
	}
	if c.Feed.Port == 0 {
		c.Feed.Port = 18890
	}
}

// Save writes cfg to path as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg.Snapshot())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
