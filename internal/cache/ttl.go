// Package cache implements discovery.CacheStore over an in-process go-cache
// and over Postgres. Entries outlive their TTL by a stale-retention window so
// that callers can revalidate them conditionally.
package cache

import (
	"time"

	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
)

// TTLConfig holds per-kind TTLs in hours.
type TTLConfig struct {
	SerpHours           int `mapstructure:"serp_hours"`
	PageHours           int `mapstructure:"page_hours"`
	PageBlockedHours    int `mapstructure:"page_blocked_hours"`
	PageErrorHours      int `mapstructure:"page_error_hours"`
	DocumentHours       int `mapstructure:"document_hours"`
	StaleRetentionHours int `mapstructure:"stale_retention_hours"`
}

// DefaultTTLConfig returns the TTLs used when none are configured.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		SerpHours:           24,
		PageHours:           24 * 7,
		PageBlockedHours:    6,
		PageErrorHours:      1,
		DocumentHours:       24 * 30,
		StaleRetentionHours: 24 * 30,
	}
}

// TTLPolicy resolves TTLs by cache kind.
type TTLPolicy struct {
	ttls  map[discovery.CacheKind]time.Duration
	stale time.Duration
}

// NewTTLPolicy fills zero values from DefaultTTLConfig.
func NewTTLPolicy(cfg TTLConfig) TTLPolicy {
	def := DefaultTTLConfig()
	pick := func(v, d int) time.Duration {
		if v <= 0 {
			v = d
		}
		return time.Duration(v) * time.Hour
	}
	return TTLPolicy{
		ttls: map[discovery.CacheKind]time.Duration{
			discovery.CacheKindSerp:        pick(cfg.SerpHours, def.SerpHours),
			discovery.CacheKindPage:        pick(cfg.PageHours, def.PageHours),
			discovery.CacheKindPageBlocked: pick(cfg.PageBlockedHours, def.PageBlockedHours),
			discovery.CacheKindPageError:   pick(cfg.PageErrorHours, def.PageErrorHours),
			discovery.CacheKindDocument:    pick(cfg.DocumentHours, def.DocumentHours),
		},
		stale: pick(cfg.StaleRetentionHours, def.StaleRetentionHours),
	}
}

// TTL returns the freshness window for kind.
func (p TTLPolicy) TTL(kind discovery.CacheKind) time.Duration {
	if d, ok := p.ttls[kind]; ok {
		return d
	}
	return p.ttls[discovery.CacheKindPageError]
}

// StaleRetention is how long an expired entry remains readable for revalidation.
func (p TTLPolicy) StaleRetention() time.Duration {
	return p.stale
}

// PageKind maps a page status to its TTL class. Failures get shorter TTLs.
func PageKind(status string) discovery.CacheKind {
	switch status {
	case "success":
		return discovery.CacheKindPage
	case "blocked", "captcha", "auth_required", "paywall":
		return discovery.CacheKindPageBlocked
	}
	return discovery.CacheKindPageError
}

// URLKind maps a public URL status to its TTL class.
func URLKind(status string) discovery.CacheKind {
	if status == "success" {
		return discovery.CacheKindDocument
	}
	return discovery.CacheKindPageError
}
