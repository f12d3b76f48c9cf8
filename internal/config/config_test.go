package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	o := cfg.Orchestrator
	if o.MaxAttempts != 3 || o.BackoffBase != 2*time.Second || o.CallTimeout != 30*time.Second || o.JobCacheTTL != time.Minute {
		t.Fatalf("unexpected orchestrator defaults %+v", o)
	}
	if cfg.Metrics.Schedule != "@every 5m" || cfg.Credentials.Skew != 2*time.Minute {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Metrics, cfg.Credentials)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
orchestrator:
  max_attempts: 5
portals:
  scout:
    type: scout
    base_url: http://scout.local
    token_url: http://scout.local/token
    client_id: c
    client_secret_env: SCOUT_SECRET_FOR_TEST
    listing_ttl: 24h
    requirements:
      energy_class: required
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Orchestrator.MaxAttempts != 5 || cfg.Orchestrator.Workers != 4 {
		t.Fatalf("overlay failed: %+v", cfg.Orchestrator)
	}
	p := cfg.Portals["scout"]
	if p.ListingTTL != 24*time.Hour || p.Requirements["energy_class"] != "required" {
		t.Fatalf("portal = %+v", p)
	}
	t.Setenv("SCOUT_SECRET_FOR_TEST", "s3cret")
	oc := p.OAuth()
	if oc.ClientSecret != "s3cret" || oc.Endpoint.TokenURL != "http://scout.local/token" {
		t.Fatalf("oauth config = %+v", oc)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"attempts":    "orchestrator:\n  max_attempts: 0\n",
		"backoff":     "orchestrator:\n  backoff_base: 10m\n  backoff_max: 1m\n",
		"queue":       "orchestrator:\n  queue: kafka\n",
		"schedule":    "metrics:\n  schedule: \"every now and then\"\n",
		"portal type": "portals:\n  x:\n    type: other\n    base_url: http://x\n",
		"portal url":  "portals:\n  x:\n    type: scout\n",
		"requirement": "portals:\n  x:\n    type: scout\n    base_url: http://x\n    token_url: http://x/t\n    client_id: c\n    requirements:\n      price: mandatory\n",
		"webhook":     "webhooks:\n  - secret: s\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "psync config init") {
		t.Fatalf("missing file error = %v", err)
	}
	cfg, err := LoadOptional(dir)
	if err != nil || cfg.Orchestrator.MaxAttempts != 3 {
		t.Fatalf("load optional = %+v, %v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "portalsync.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("load generated default: %v", err)
	}
}

func TestLoadRuntime(t *testing.T) {
	t.Setenv("PSYNC_ADDR", ":9999")
	t.Setenv("PSYNC_ALLOW_TENANT_HEADER", "true")
	r, err := LoadRuntime()
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	if r.Addr != ":9999" || !r.AllowTenantHeader || r.BasePath != "/v1" || r.LogLevel != "info" {
		t.Fatalf("runtime = %+v", r)
	}
}
