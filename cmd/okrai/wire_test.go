package main

import (
	"errors"
	"testing"
	"time"

	"github.com/alecgard/okrai/internal/config"
	"github.com/alecgard/okrai/internal/crypto"
)

func TestGatewayOptionsRevealsSealedKeys(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := cipher.Seal("sk-secret")
	if err != nil {
		t.Fatal(err)
	}

	opts, err := gatewayOptions(config.GatewayConfig{
		Timeout:    30 * time.Second,
		MaxRetries: 1,
		Providers: []config.ProviderConfig{
			{Name: "primary", BaseURL: "https://a.example/v1", APIKey: sealed},
			{Name: "backup", BaseURL: "https://b.example/v1", APIKey: "sk-plain"},
		},
		Pricing: map[string]config.PriceConfig{"m": {Prompt: 1, Completion: 2}},
	}, cipher)
	if err != nil {
		t.Fatal(err)
	}

	if len(opts.Providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(opts.Providers))
	}
	if opts.Providers[0].APIKey != "sk-secret" {
		t.Errorf("sealed key not revealed: %q", opts.Providers[0].APIKey)
	}
	if opts.Providers[1].APIKey != "sk-plain" {
		t.Errorf("plain key altered: %q", opts.Providers[1].APIKey)
	}
	if opts.Pricing["m"].Completion != 2 {
		t.Errorf("pricing not converted: %+v", opts.Pricing)
	}
}

func TestGatewayOptionsSealedKeyWithoutCipher(t *testing.T) {
	_, err := gatewayOptions(config.GatewayConfig{
		Providers: []config.ProviderConfig{{Name: "p", BaseURL: "https://x", APIKey: "enc:AAAA"}},
	}, nil)
	if !errors.Is(err, crypto.ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}

func TestBudgetConfigCarriesRules(t *testing.T) {
	got := budgetConfig(config.BudgetConfig{
		DailyLimitCents:    100,
		MonthlyLimitCents:  1000,
		WarningThreshold:   80,
		EmergencyThreshold: 95,
		AutoStop:           true,
		Rules: []config.RuleConfig{
			{Condition: "daily_percent >= 50", Action: "downgrade_model", Enabled: true},
		},
	})
	if err := got.Validate(); err != nil {
		t.Fatalf("converted config invalid: %v", err)
	}
	if len(got.Rules) != 1 || got.Rules[0].Action != "downgrade_model" {
		t.Errorf("rules not carried: %+v", got.Rules)
	}
}

func TestBudgetReloadOnlyOnChange(t *testing.T) {
	base := config.BudgetConfig{DailyLimitCents: 100, MonthlyLimitCents: 1000, WarningThreshold: 80, EmergencyThreshold: 95}
	reload := &budgetReload{last: budgetConfig(base)}

	if reload.changed(budgetConfig(base)) {
		t.Fatal("unchanged budget section must not be reapplied")
	}

	edited := base
	edited.DailyLimitCents = 200
	if !reload.changed(budgetConfig(edited)) {
		t.Fatal("edited budget section should be applied")
	}
	if reload.changed(budgetConfig(edited)) {
		t.Fatal("same edit must not be applied twice")
	}

	edited.Rules = []config.RuleConfig{{Condition: "daily_percent >= 50", Action: "notify", Enabled: true}}
	if !reload.changed(budgetConfig(edited)) {
		t.Fatal("rule change should be applied")
	}
}

func TestWarmItems(t *testing.T) {
	items := warmItems(config.WarmingConfig{Entries: []config.WarmEntry{
		{Operation: "enhance", Params: map[string]any{"text": "x"}, Tags: []string{"warm"}, TTL: time.Hour},
	}})
	if len(items) != 1 || items[0].Operation != "enhance" || items[0].TTL != time.Hour {
		t.Errorf("unexpected items: %+v", items)
	}
}
