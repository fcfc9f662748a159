// Package registry maps the configured transport name to its constructor.
package registry

import (
	"github.com/nextlevelbuilder/hqlink/internal/config"
	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
	"github.com/nextlevelbuilder/hqlink/internal/transport"
	"github.com/nextlevelbuilder/hqlink/internal/transport/linear"
	"github.com/nextlevelbuilder/hqlink/internal/transport/slack"
)

// constructors is the single map from config.transport to implementation.
var constructors = map[string]func(*config.Config) transport.Transport{
	config.TransportSlack:  func(c *config.Config) transport.Transport { return slack.New(c) },
	config.TransportLinear: func(c *config.Config) transport.Transport { return linear.New(c) },
}

// New builds the transport selected by cfg.Transport.
func New(cfg *config.Config) (transport.Transport, error) {
	name := cfg.Snapshot().Transport
	ctor, ok := constructors[name]
	if !ok {
		return nil, hqerr.Newf(hqerr.CodeConfigValidation, "unknown transport %q", name)
	}
	return ctor(cfg), nil
}
