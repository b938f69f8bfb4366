package coyote

import (
	"context"

	"github.com/CalebMorris/coyote/config"
)

// NewEndpointFromConfig builds an endpoint from a loaded configuration
// object. Options passed here take precedence over the configuration.
func NewEndpointFromConfig(ctx context.Context, cfg config.EndpointConfig, opts ...Option) (*Endpoint, error) {
	base := []Option{
		WithTopic(cfg.Topic),
		WithRouting(cfg.Routing),
		WithPrefetch(cfg.Prefetch),
		WithPersistent(cfg.Persistent),
		WithExpiration(cfg.Expiration),
	}

	return NewEndpoint(ctx, cfg.URI, cfg.Archetype, cfg.QueueName, append(base, opts...)...)
}
