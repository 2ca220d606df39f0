package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Membership.RegionID != "default" {
		t.Fatalf("region = %q, want default", cfg.Membership.RegionID)
	}
	if cfg.Membership.UpdateInterval != 5*time.Second {
		t.Fatalf("update interval = %v, want 5s", cfg.Membership.UpdateInterval)
	}
	if cfg.Gateway.ListenAddr != ":8080" {
		t.Fatalf("listen addr = %q, want :8080", cfg.Gateway.ListenAddr)
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	content := []byte("membership:\n  region_id: us-east\n  update_interval: 10s\nkv:\n  etcd_endpoints:\n    - etcd-0:2379\n    - etcd-1:2379\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Membership.RegionID != "us-east" {
		t.Fatalf("region = %q, want us-east", cfg.Membership.RegionID)
	}
	if cfg.Membership.UpdateInterval != 10*time.Second {
		t.Fatalf("update interval = %v, want 10s", cfg.Membership.UpdateInterval)
	}
	if len(cfg.KV.EtcdEndpoints) != 2 {
		t.Fatalf("etcd endpoints = %+v, want 2 entries", cfg.KV.EtcdEndpoints)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
