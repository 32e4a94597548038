package config

import (
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/cvsouth/tox-go/dhtserver"
)

func TestLoadConfigMissingFileGeneratesIdentity(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ServerPK == "" || cfg.ServerSK == "" {
		t.Fatal("expected generated identity keys")
	}
	if _, _, err := cfg.Keys(); err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if cfg.BindAddr != defaultBindAddr {
		t.Fatalf("expected default bind addr, got %q", cfg.BindAddr)
	}
}

func TestSaveLoadRoundTripsIdentityAndBindAddr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.BindAddr = "127.0.0.1:12345"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.ServerPK != cfg.ServerPK || reloaded.ServerSK != cfg.ServerSK {
		t.Fatal("identity keys did not round-trip")
	}
	if reloaded.BindAddr != "127.0.0.1:12345" {
		t.Fatalf("bind addr did not round-trip: got %q", reloaded.BindAddr)
	}
}

func TestBootstrapKeysSeparatesMalformedEntries(t *testing.T) {
	goodPK := hex.EncodeToString(make([]byte, 32))
	cfg := &Config{Bootstrap: []BootstrapNode{
		{Addr: "1.2.3.4:33445", PK: goodPK},
		{Addr: "5.6.7.8:33445", PK: "not-hex"},
	}}
	ok, bad := cfg.BootstrapKeys()
	if len(ok) != 1 || ok[0].Addr != "1.2.3.4:33445" {
		t.Fatalf("expected one good entry, got %+v", ok)
	}
	if len(bad) != 1 || bad[0].Addr != "5.6.7.8:33445" {
		t.Fatalf("expected one bad entry, got %+v", bad)
	}
}

func TestApplyTimingOverridesOnlyTouchesSetFields(t *testing.T) {
	origPingInterval := dhtserver.PingInterval
	origBadNodeTimeout := dhtserver.BadNodeTimeout
	t.Cleanup(func() {
		dhtserver.PingInterval = origPingInterval
		dhtserver.BadNodeTimeout = origBadNodeTimeout
	})

	cfg := &Config{PingIntervalMS: 5000}
	cfg.ApplyTimingOverrides()

	if dhtserver.PingInterval != 5*time.Second {
		t.Fatalf("expected overridden ping interval, got %v", dhtserver.PingInterval)
	}
	if dhtserver.BadNodeTimeout != origBadNodeTimeout {
		t.Fatalf("expected untouched bad node timeout, got %v", dhtserver.BadNodeTimeout)
	}
}
