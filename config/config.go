// Package config loads and saves the node's JSON configuration file:
// identity keys, bind address, bootstrap list, and the dhtserver timing
// overrides, mirroring directory/cache.go's load/save-with-defaults
// idiom.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cvsouth/tox-go/cryptobox"
	"github.com/cvsouth/tox-go/dhtserver"
)

// BootstrapNode is one seed node to query at startup.
type BootstrapNode struct {
	Addr string `json:"addr"`
	PK   string `json:"pk"`
}

// Config holds a node's persistent identity, bind address, bootstrap
// list, and dhtserver timing overrides. Key fields and timing overrides
// are empty/zero when absent; LoadConfig fills in a freshly generated
// identity and leaves the timing fields zero, and ApplyTimingOverrides
// then keeps the dhtserver package defaults for every zero field.
type Config struct {
	ServerSK string          `json:"server_sk,omitempty"`
	ServerPK string          `json:"server_pk,omitempty"`
	BindAddr string          `json:"bind_addr"`
	Bootstrap []BootstrapNode `json:"bootstrap,omitempty"`

	PingIntervalMS       int64 `json:"ping_interval_ms,omitempty"`
	PingTimeoutMS        int64 `json:"ping_timeout_ms,omitempty"`
	PingIterIntervalMS   int64 `json:"ping_iter_interval_ms,omitempty"`
	NodesReqIntervalMS   int64 `json:"nodes_req_interval_ms,omitempty"`
	BadNodeTimeoutMS     int64 `json:"bad_node_timeout_ms,omitempty"`
	KillNodeTimeoutMS    int64 `json:"kill_node_timeout_ms,omitempty"`
	NatPingReqIntervalMS int64 `json:"nat_ping_req_interval_ms,omitempty"`

	path string
}

const defaultBindAddr = "0.0.0.0:33445"

// LoadConfig reads path if it exists. An empty BindAddr defaults to
// 0.0.0.0:33445, and a fresh identity keypair is generated whenever
// either key field is empty (including when path doesn't exist); no
// other field is given a default here. Either way the
// returned Config's path is remembered so a later Save writes back to
// the same file.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{BindAddr: defaultBindAddr, path: path}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// fresh node: nothing on disk yet, generate identity below.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		cfg.path = path
	}

	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	if cfg.ServerSK == "" || cfg.ServerPK == "" {
		pk, sk, err := cryptobox.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("generate identity: %w", err)
		}
		cfg.ServerPK = hex.EncodeToString(pk[:])
		cfg.ServerSK = hex.EncodeToString(sk[:])
	}
	return cfg, nil
}

// Keys decodes ServerPK/ServerSK into their binary form.
func (c *Config) Keys() (cryptobox.PublicKey, cryptobox.SecretKey, error) {
	var pk cryptobox.PublicKey
	var sk cryptobox.SecretKey
	pkBytes, err := hex.DecodeString(c.ServerPK)
	if err != nil || len(pkBytes) != cryptobox.PublicKeySize {
		return pk, sk, fmt.Errorf("config: invalid server_pk")
	}
	skBytes, err := hex.DecodeString(c.ServerSK)
	if err != nil || len(skBytes) != cryptobox.SecretKeySize {
		return pk, sk, fmt.Errorf("config: invalid server_sk")
	}
	copy(pk[:], pkBytes)
	copy(sk[:], skBytes)
	return pk, sk, nil
}

// BootstrapKeys decodes every configured bootstrap node's hex public
// key, skipping (and returning as a separate slice) any entry whose
// key fails to parse rather than aborting startup over one bad entry.
func (c *Config) BootstrapKeys() (ok []BootstrapNode, bad []BootstrapNode) {
	for _, b := range c.Bootstrap {
		if raw, err := hex.DecodeString(b.PK); err != nil || len(raw) != cryptobox.PublicKeySize {
			bad = append(bad, b)
			continue
		}
		ok = append(ok, b)
	}
	return ok, bad
}

// ApplyTimingOverrides assigns every non-zero *_ms field onto the
// dhtserver package's exported timing vars, leaving package defaults
// in place for whichever fields are absent.
func (c *Config) ApplyTimingOverrides() {
	if c.PingIntervalMS > 0 {
		dhtserver.PingInterval = time.Duration(c.PingIntervalMS) * time.Millisecond
	}
	if c.PingTimeoutMS > 0 {
		dhtserver.PingTimeout = time.Duration(c.PingTimeoutMS) * time.Millisecond
	}
	if c.PingIterIntervalMS > 0 {
		dhtserver.PingIterInterval = time.Duration(c.PingIterIntervalMS) * time.Millisecond
	}
	if c.NodesReqIntervalMS > 0 {
		dhtserver.NodesReqInterval = time.Duration(c.NodesReqIntervalMS) * time.Millisecond
	}
	if c.BadNodeTimeoutMS > 0 {
		dhtserver.BadNodeTimeout = time.Duration(c.BadNodeTimeoutMS) * time.Millisecond
	}
	if c.KillNodeTimeoutMS > 0 {
		dhtserver.KillNodeTimeout = time.Duration(c.KillNodeTimeoutMS) * time.Millisecond
	}
	if c.NatPingReqIntervalMS > 0 {
		dhtserver.NatPingReqInterval = time.Duration(c.NatPingReqIntervalMS) * time.Millisecond
	}
}

// Save writes the config to path, or, when path is empty, back to the
// path LoadConfig read it from, atomically via a temp file in the same
// directory followed by
// an os.Rename, matching directory/cache.go's SaveConsensus discipline.
func (c *Config) Save(path string) error {
	if path == "" {
		path = c.path
	}
	if path == "" {
		return fmt.Errorf("config: no path to save to")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename config into place: %w", err)
	}
	c.path = path
	return nil
}
