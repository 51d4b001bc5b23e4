package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/iview-tiler/config"
)

const redisPingTimeout = 5 * time.Second

// ConnectRedis opens the connection backing the tiling status cache.
//
//nolint:ireturn // returning redis.UniversalClient lets us pick single, sentinel, or cluster clients at runtime.
func ConnectRedis(cfg DatabaseConfig) (redis.UniversalClient, error) {
	opts, desc, err := redisOptions(cfg.RedisConfig)
	if err != nil {
		return nil, err
	}

	var client redis.UniversalClient
	if cfg.RedisConfig.UseCluster {
		// NewUniversalClient would treat a single seed address as a standalone server.
		client = redis.NewClusterClient(opts.Cluster())
	} else {
		client = redis.NewUniversalClient(opts)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		if closeErr := client.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close redis client: %w", closeErr))
		}
		return nil, fmt.Errorf("ping redis %s: %w", desc, pingErr)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("redis connected", "addr", desc)
	}
	return client, nil
}

// redisOptions translates RedisConfig into client options plus a credential-free description.
func redisOptions(cfg config.RedisConfig) (*redis.UniversalOptions, string, error) {
	opts := &redis.UniversalOptions{Password: cfg.Password}

	switch {
	case cfg.UseCluster:
		addrs := normalizeAddrs(cfg.ClusterNodes)
		if len(addrs) == 0 && strings.TrimSpace(cfg.URI) != "" {
			addr, err := applyRedisURI(opts, cfg.URI)
			if err != nil {
				return nil, "", err
			}
			addrs = []string{addr}
		}
		if len(addrs) == 0 {
			return nil, "", errors.New("redis cluster configuration requires at least one address")
		}
		opts.Addrs = addrs
		return opts, "cluster:" + strings.Join(addrs, ","), nil

	case cfg.UseSentinel:
		nodes := normalizeAddrs(cfg.SentinelNodes)
		if len(nodes) == 0 {
			return nil, "", errors.New("redis sentinel configuration requires at least one sentinel node")
		}
		opts.Addrs = nodes
		opts.MasterName = cfg.SentinelMasterName
		opts.SentinelPassword = cfg.SentinelPassword
		return opts, "sentinel:" + cfg.SentinelMasterName, nil

	default:
		if strings.TrimSpace(cfg.URI) == "" {
			return nil, "", errors.New("redis direct configuration requires a URI")
		}
		addr, err := applyRedisURI(opts, cfg.URI)
		if err != nil {
			return nil, "", err
		}
		opts.Addrs = []string{addr}
		return opts, addr, nil
	}
}

// applyRedisURI accepts either host:port or a redis:// / rediss:// URL and returns the address.
// Credentials and TLS settings from a URL override the plain config values.
func applyRedisURI(opts *redis.UniversalOptions, uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	if !isRedisURL(uri) {
		return uri, nil
	}

	parsed, err := redis.ParseURL(uri)
	if err != nil {
		return "", fmt.Errorf("parse redis url %s: %w", redactRedisURL(uri), err)
	}
	opts.Username = parsed.Username
	if parsed.Password != "" {
		opts.Password = parsed.Password
	}
	opts.DB = parsed.DB
	opts.TLSConfig = parsed.TLSConfig
	return parsed.Addr, nil
}

func redactRedisURL(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}

func normalizeAddrs(raw []string) []string {
	result := make([]string, 0, len(raw))
	for _, addr := range raw {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func isRedisURL(value string) bool {
	return strings.HasPrefix(value, "redis://") || strings.HasPrefix(value, "rediss://")
}
