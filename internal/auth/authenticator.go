package auth

import (
	"context"
	"sync"
	"time"

	"soilwatch/internal/config"
)

// KeyLookup resolves an API key to a device id. RedisStore implements it;
// empty string means unknown key.
type KeyLookup interface {
	GetAPIKey(ctx context.Context, apiKey string) (string, error)
}

type cacheEntry struct {
	deviceID  string
	expiresAt time.Time
}

// Authenticator validates device API keys for the ingestion boundary and
// operator keys for the management boundary. Device keys resolve through
// three levels: static config keys, an in-memory cache, then Redis.
type Authenticator struct {
	localCache   sync.Map
	lookup       KeyLookup
	ttl          time.Duration
	staticKeys   map[string]bool
	operatorKeys map[string]bool
}

func NewAuthenticator(cfg *config.Config, lookup KeyLookup) *Authenticator {
	staticKeys := make(map[string]bool, len(cfg.DeviceAPIKeys))
	for _, k := range cfg.DeviceAPIKeys {
		if k != "" {
			staticKeys[k] = true
		}
	}
	operatorKeys := make(map[string]bool, len(cfg.OperatorKeys))
	for _, k := range cfg.OperatorKeys {
		if k != "" {
			operatorKeys[k] = true
		}
	}

	return &Authenticator{
		lookup:       lookup,
		ttl:          cfg.AuthCacheTTL,
		staticKeys:   staticKeys,
		operatorKeys: operatorKeys,
	}
}

// ValidateDevice checks an ingestion API key.
func (a *Authenticator) ValidateDevice(ctx context.Context, apiKey string) bool {
	// Level 0: static config keys
	if a.staticKeys[apiKey] {
		return true
	}

	// Level 1: in-memory cache
	if raw, ok := a.localCache.Load(apiKey); ok {
		entry := raw.(cacheEntry)
		if time.Now().Before(entry.expiresAt) {
			return true
		}
		a.localCache.Delete(apiKey)
	}

	// Level 2: Redis lookup
	if a.lookup == nil {
		return false
	}
	deviceID, err := a.lookup.GetAPIKey(ctx, apiKey)
	if err != nil || deviceID == "" {
		return false
	}

	a.localCache.Store(apiKey, cacheEntry{
		deviceID:  deviceID,
		expiresAt: time.Now().Add(a.ttl),
	})
	return true
}

// ValidateOperator checks a registry-management key. Operator keys come
// from configuration only.
func (a *Authenticator) ValidateOperator(apiKey string) bool {
	return a.operatorKeys[apiKey]
}
