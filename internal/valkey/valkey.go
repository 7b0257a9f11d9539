// Package valkey constructs the Valkey client shared by the event bus, session store, presence, and token storage.
package valkey

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect opens a client for the given URL and pings it so a bad address fails at startup rather than on first use.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration) (*redis.Client, error) {
	opts, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	opts.DialTimeout = dialTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping valkey: %w", err)
	}
	return client, nil
}

// parseURL accepts valkey:// and valkeys:// alongside the redis schemes. go-redis only parses the latter, so the
// Valkey schemes are rewritten before handing off.
func parseURL(rawURL string) (*redis.Options, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse valkey URL: %w", err)
	}
	switch {
	case strings.EqualFold(parsed.Scheme, "valkey"):
		parsed.Scheme = "redis"
	case strings.EqualFold(parsed.Scheme, "valkeys"):
		parsed.Scheme = "rediss"
	}

	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, fmt.Errorf("parse valkey URL: %w", err)
	}
	return opts, nil
}
