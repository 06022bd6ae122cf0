package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"

	"github.com/me/gomh/pkg/model"
)

const ctxKeyProcessorAuth ctxKey = "processor_auth"

// ProcessorAuthContext holds authenticated processor info for a request.
type ProcessorAuthContext struct {
	KeyID string   // Hash of the key (for logging, not the raw key)
	Cores []string // Core codes this key may declare
}

// ProcessorAuthFromContext extracts the ProcessorAuthContext from request context.
func ProcessorAuthFromContext(ctx context.Context) *ProcessorAuthContext {
	if pc, ok := ctx.Value(ctxKeyProcessorAuth).(*ProcessorAuthContext); ok {
		return pc
	}
	return nil
}

// ProcessorKeyConfig maps processor keys to the cores they may declare.
type ProcessorKeyConfig struct {
	Keys map[string]ProcessorKeyEntry `json:"keys"`
}

// ProcessorKeyEntry defines the allowed cores and metadata for a key.
type ProcessorKeyEntry struct {
	Cores       []string `json:"cores"`
	Description string   `json:"description,omitempty"`
}

// LoadProcessorKeyConfig loads key configuration from a JSON file and the
// GOMH_PROCESSOR_KEYS environment variable. Environment entries win.
func LoadProcessorKeyConfig(configFile string) (*ProcessorKeyConfig, error) {
	cfg := &ProcessorKeyConfig{
		Keys: make(map[string]ProcessorKeyEntry),
	}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("read processor keys: %w", err)
		}
		var fileCfg ProcessorKeyConfig
		if err := json.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parse processor keys %s: %w", configFile, err)
		}
		for k, v := range fileCfg.Keys {
			cfg.Keys[k] = v
		}
	}

	// Format: {"key1": ["core-a", "core-b"], "key2": []}
	if envVal := os.Getenv("GOMH_PROCESSOR_KEYS"); envVal != "" {
		var envKeys map[string][]string
		if err := json.Unmarshal([]byte(envVal), &envKeys); err != nil {
			return nil, fmt.Errorf("parse GOMH_PROCESSOR_KEYS: %w", err)
		}
		for key, cores := range envKeys {
			cfg.Keys[key] = ProcessorKeyEntry{Cores: cores}
		}
	}

	return cfg, nil
}

// ValidateKey returns the entry for key, or nil if the key is unknown.
func (c *ProcessorKeyConfig) ValidateKey(key string) *ProcessorKeyEntry {
	if entry, ok := c.Keys[key]; ok {
		return &entry
	}
	return nil
}

// IsEnabled returns true if any processor keys are configured.
func (c *ProcessorKeyConfig) IsEnabled() bool {
	return c != nil && len(c.Keys) > 0
}

// hashKey creates a short hash of the key for logging purposes.
func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:8])
}

// processorAuthMiddleware validates the X-Processor-Key header.
// With no keys configured every request is let through.
func processorAuthMiddleware(keyConfig *ProcessorKeyConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := RequestIDFromContext(r.Context())

			if !keyConfig.IsEnabled() {
				ctx := context.WithValue(r.Context(), ctxKeyProcessorAuth, &ProcessorAuthContext{KeyID: "none"})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			key := r.Header.Get("X-Processor-Key")
			if key == "" {
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "processor authentication required (X-Processor-Key header missing)",
				})
				return
			}

			entry := keyConfig.ValidateKey(key)
			if entry == nil {
				logger.Warn("invalid processor key", "key_hash", hashKey(key))
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "invalid processor key",
				})
				return
			}

			pc := &ProcessorAuthContext{
				KeyID: hashKey(key),
				Cores: entry.Cores,
			}
			ctx := context.WithValue(r.Context(), ctxKeyProcessorAuth, pc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CanDeclareCore reports whether the key allows serving the core code.
// An empty core list allows any core.
func (c *ProcessorAuthContext) CanDeclareCore(code string) bool {
	if c == nil {
		return false
	}
	if len(c.Cores) == 0 {
		return true
	}
	return slices.Contains(c.Cores, code)
}
