// Package resolver resolves a DID to its current (and previous) handle via
// the PLC directory / did:web well-known document, with a bounded,
// best-effort LRU cache in front of the network call.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultCacheSize is the resolver's bounded negative+positive cache
	// capacity when none is configured.
	DefaultCacheSize = 10_000

	// defaultTimeout bounds every outbound HTTPS call made by the resolver.
	defaultTimeout = 10 * time.Second

	atURIPrefix = "at://"
)

// cacheEntry holds a cached resolution; Found distinguishes a real empty
// handle (never observed) from a cached negative result.
type cacheEntry struct {
	Handle string
	Found  bool
}

// Resolver looks up DIDs against the AT Protocol directory.
type Resolver struct {
	httpClient   *http.Client
	plcHost      string
	cache        *lru.Cache[string, cacheEntry]
	logger       *slog.Logger
}

// New creates a Resolver backed by the given PLC directory host (e.g.
// "plc.directory") with a cache of cacheSize entries. cacheSize <= 0 falls
// back to DefaultCacheSize.
func New(plcHost string, cacheSize int, timeout time.Duration, logger *slog.Logger) (*Resolver, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, cacheEntry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("resolver: create cache: %w", err)
	}
	return &Resolver{
		httpClient: &http.Client{Timeout: timeout},
		plcHost:    plcHost,
		cache:      cache,
		logger:     logger,
	}, nil
}

// didDocument is the subset of a DID document this resolver needs.
type didDocument struct {
	AlsoKnownAs []string `json:"alsoKnownAs"`
}

// auditLogEntry is a single entry in a did:plc audit log, newest first.
type auditLogEntry struct {
	AlsoKnownAs []string `json:"alsoKnownAs"`
}

// Resolve returns the current handle for did, or ok=false if it cannot be
// determined. Negative results are cached to suppress repeated failures;
// the cache is best-effort and correctness never depends on its contents.
func (r *Resolver) Resolve(ctx context.Context, did string) (string, bool) {
	if entry, ok := r.cache.Get(did); ok {
		return entry.Handle, entry.Found
	}

	doc, err := r.fetchDIDDocument(ctx, did)
	if err != nil {
		r.logger.Warn("resolve handle failed", "did", did, "error", err)
		r.cache.Add(did, cacheEntry{})
		return "", false
	}

	handle, found := handleFromAliases(doc.AlsoKnownAs)
	r.cache.Add(did, cacheEntry{Handle: handle, Found: found})
	return handle, found
}

// ResolvePrevious inspects the did:plc audit log's second-newest entry (the
// state immediately before the current one) and returns the handle it
// carried. Only meaningful for did:plc identifiers; did:web has no audit
// log and always returns ok=false.
func (r *Resolver) ResolvePrevious(ctx context.Context, did string) (string, bool) {
	if !strings.HasPrefix(did, "did:plc:") {
		return "", false
	}

	entries, err := r.fetchAuditLog(ctx, did)
	if err != nil {
		r.logger.Warn("resolve previous handle failed", "did", did, "error", err)
		return "", false
	}
	if len(entries) < 2 {
		return "", false
	}
	return handleFromAliases(entries[1].AlsoKnownAs)
}

// ResolveMany resolves a batch of DIDs sequentially, returning a map from
// each input DID to its handle (possibly "").
func (r *Resolver) ResolveMany(ctx context.Context, dids []string) map[string]string {
	out := make(map[string]string, len(dids))
	for _, did := range dids {
		handle, _ := r.Resolve(ctx, did)
		out[did] = handle
	}
	return out
}

func (r *Resolver) fetchDIDDocument(ctx context.Context, did string) (didDocument, error) {
	var url string
	if strings.HasPrefix(did, "did:web:") {
		host := strings.TrimPrefix(did, "did:web:")
		url = fmt.Sprintf("https://%s/.well-known/did.json", host)
	} else {
		url = fmt.Sprintf("https://%s/%s", r.plcHost, did)
	}

	var doc didDocument
	if err := r.getJSON(ctx, url, &doc); err != nil {
		return didDocument{}, err
	}
	return doc, nil
}

func (r *Resolver) fetchAuditLog(ctx context.Context, did string) ([]auditLogEntry, error) {
	url := fmt.Sprintf("https://%s/%s/log", r.plcHost, did)
	var entries []auditLogEntry
	if err := r.getJSON(ctx, url, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Resolver) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleFromAliases returns the suffix of the first alsoKnownAs entry that
// starts with "at://", which is how AT Protocol DID documents encode a
// DID's current handle.
func handleFromAliases(aliases []string) (string, bool) {
	for _, a := range aliases {
		if strings.HasPrefix(a, atURIPrefix) {
			return strings.TrimPrefix(a, atURIPrefix), true
		}
	}
	return "", false
}
