package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the tracker daemon.
type Config struct {
	// DatabaseURL is the SQLite data source name.
	DatabaseURL string

	// UpstreamHosts is the list of Jetstream hosts to connect to, picked
	// from uniformly at random on each (re)connect.
	UpstreamHosts []string

	// AdminDID is the DID allowed to operate the admin CLI against this
	// instance's database. It is loaded from ADMIN_DID but is not read by
	// trackerd or trackeradmin.
	AdminDID string

	// PLCDirectoryHost is the host serving DID documents and audit logs
	// for did:plc: identifiers (e.g. "plc.directory").
	PLCDirectoryHost string

	// PublicAPIHost is the host serving app.bsky.graph.getFollows for the
	// follow-sync bootstrap (e.g. "public.api.bsky.app").
	PublicAPIHost string

	// Port is the status HTTP server port.
	Port int

	// TempPoolMax is the temp-pool's concurrent-stream capacity.
	TempPoolMax int

	// ResolverCacheSize bounds the handle resolver's LRU cache.
	ResolverCacheSize int

	// ResolverTimeout bounds every outbound HTTPS call made by the
	// resolver and the follow-graph client.
	ResolverTimeout time.Duration
}

// Load reads configuration from environment variables with sensible
// defaults.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "file:atwatch.db"
	}

	hostsRaw := os.Getenv("UPSTREAM_HOSTS")
	if hostsRaw == "" {
		hostsRaw = "jetstream1.us-east.bsky.network,jetstream2.us-east.bsky.network"
	}
	var hosts []string
	for _, h := range strings.Split(hostsRaw, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("UPSTREAM_HOSTS must contain at least one host")
	}

	adminDID := os.Getenv("ADMIN_DID")

	plcHost := os.Getenv("PLC_DIRECTORY_HOST")
	if plcHost == "" {
		plcHost = "plc.directory"
	}

	publicAPIHost := os.Getenv("PUBLIC_API_HOST")
	if publicAPIHost == "" {
		publicAPIHost = "public.api.bsky.app"
	}

	port := 8080
	if p := os.Getenv("PORT"); p != "" {
		var err error
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
	}

	tempPoolMax := 50
	if v := os.Getenv("TEMP_POOL_MAX"); v != "" {
		var err error
		tempPoolMax, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TEMP_POOL_MAX: %w", err)
		}
	}

	resolverCacheSize := 10_000
	if v := os.Getenv("RESOLVER_CACHE_SIZE"); v != "" {
		var err error
		resolverCacheSize, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RESOLVER_CACHE_SIZE: %w", err)
		}
	}

	resolverTimeout := 10 * time.Second
	if v := os.Getenv("RESOLVER_TIMEOUT"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RESOLVER_TIMEOUT: %w", err)
		}
		resolverTimeout = parsed
	}

	return &Config{
		DatabaseURL:       dbURL,
		UpstreamHosts:     hosts,
		AdminDID:          adminDID,
		PLCDirectoryHost:  plcHost,
		PublicAPIHost:     publicAPIHost,
		Port:              port,
		TempPoolMax:       tempPoolMax,
		ResolverCacheSize: resolverCacheSize,
		ResolverTimeout:   resolverTimeout,
	}, nil
}
