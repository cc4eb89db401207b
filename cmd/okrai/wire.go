package main

import (
	"fmt"
	"reflect"

	"github.com/alecgard/okrai/internal/auth"
	"github.com/alecgard/okrai/internal/budget"
	"github.com/alecgard/okrai/internal/cache"
	"github.com/alecgard/okrai/internal/config"
	"github.com/alecgard/okrai/internal/crypto"
	"github.com/alecgard/okrai/internal/gateway"
	"github.com/alecgard/okrai/internal/monitor"
)

func cacheOptions(c config.CacheConfig) cache.Options {
	return cache.Options{
		Enabled:        c.Enabled,
		MaxEntries:     c.MaxEntries,
		MaxMemoryBytes: c.MaxMemoryBytes,
		MaxEntryBytes:  c.MaxEntryBytes,
		DefaultTTL:     c.DefaultTTL,
	}
}

func warmItems(c config.WarmingConfig) []cache.WarmItem {
	items := make([]cache.WarmItem, 0, len(c.Entries))
	for _, e := range c.Entries {
		items = append(items, cache.WarmItem{
			Operation: e.Operation,
			Params:    e.Params,
			Tags:      e.Tags,
			TTL:       e.TTL,
		})
	}
	return items
}

func monitorOptions(c config.MonitorConfig) monitor.Options {
	return monitor.Options{
		MaxTraces: c.MaxTraces,
		Retention: c.Retention,
		Thresholds: monitor.Thresholds{
			ErrorRateDegraded:  c.ErrorRateDegraded,
			ErrorRateUnhealthy: c.ErrorRateUnhealthy,
			LatencyDegraded:    c.LatencyDegraded,
			MemoryDegraded:     c.MemoryDegraded,
			MemoryCritical:     c.MemoryCritical,
		},
	}
}

func budgetConfig(c config.BudgetConfig) budget.Config {
	rules := make([]budget.Rule, 0, len(c.Rules))
	for _, r := range c.Rules {
		rules = append(rules, budget.Rule{Condition: r.Condition, Action: r.Action, Enabled: r.Enabled})
	}
	return budget.Config{
		DailyLimitCents:    c.DailyLimitCents,
		MonthlyLimitCents:  c.MonthlyLimitCents,
		WarningThreshold:   c.WarningThreshold,
		EmergencyThreshold: c.EmergencyThreshold,
		AutoStop:           c.AutoStop,
		Rules:              rules,
	}
}

// budgetReload remembers the budget section last applied from the config
// file. A reload that leaves the section untouched must not overwrite limits
// set through the API.
type budgetReload struct {
	last budget.Config
}

// changed reports whether next differs from the last file value and records
// it.
func (b *budgetReload) changed(next budget.Config) bool {
	if reflect.DeepEqual(b.last, next) {
		return false
	}
	b.last = next
	return true
}

func authKeys(c config.AuthConfig) []auth.Key {
	keys := make([]auth.Key, 0, len(c.Keys))
	for _, k := range c.Keys {
		keys = append(keys, auth.Key{Principal: k.Principal, Tenant: k.Tenant, Prefix: k.Prefix, Hash: k.Hash})
	}
	return keys
}

// gatewayOptions decrypts sealed provider keys with cipher, which may be nil
// when no encryption key is configured.
func gatewayOptions(c config.GatewayConfig, cipher *crypto.Cipher) (gateway.Options, error) {
	providers := make([]gateway.Provider, 0, len(c.Providers))
	for _, p := range c.Providers {
		key, err := cipher.Reveal(p.APIKey)
		if err != nil {
			return gateway.Options{}, fmt.Errorf("provider %s api key: %w", p.Name, err)
		}
		providers = append(providers, gateway.Provider{
			Name:    p.Name,
			BaseURL: p.BaseURL,
			APIKey:  key,
			Model:   p.Model,
		})
	}

	pricing := make(gateway.Pricing, len(c.Pricing))
	for model, price := range c.Pricing {
		pricing[model] = gateway.Price{Prompt: price.Prompt, Completion: price.Completion}
	}

	return gateway.Options{
		Providers:    providers,
		Timeout:      c.Timeout,
		MaxRetries:   c.MaxRetries,
		DefaultModel: c.DefaultModel,
		Pricing:      pricing,
	}, nil
}
