package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cvsouth/tox-go/config"
	"github.com/cvsouth/tox-go/cryptobox"
	"github.com/cvsouth/tox-go/dhtserver"
	"github.com/cvsouth/tox-go/onion"
	"github.com/cvsouth/tox-go/statefile"
	"github.com/cvsouth/tox-go/tcprelay"
	"github.com/cvsouth/tox-go/wire"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	stateDir := defaultStateDir()
	logger, logFile := setupLogging(stateDir)
	defer func() { _ = logFile.Close() }()

	cfgPath := filepath.Join(stateDir, "config.json")
	savePath := filepath.Join(stateDir, "tox_save")

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	cfg.ApplyTimingOverrides()

	doc, err := statefile.Load(savePath)
	if err != nil {
		logger.Error("load state file", "err", err)
		os.Exit(1)
	}

	pk, sk := resolveIdentity(cfg, &doc, logger)

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.BindAddr)
	if err != nil {
		logger.Error("resolve bind addr", "addr", cfg.BindAddr, "err", err)
		os.Exit(1)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		logger.Error("bind dht socket", "addr", cfg.BindAddr, "err", err)
		os.Exit(1)
	}

	dht := dhtserver.New(conn, pk, sk, logger)
	onionSrv := onion.New(pk, sk, dht, func(data []byte, addr *net.UDPAddr) {
		if _, err := conn.WriteToUDP(data, addr); err != nil {
			logger.Debug("onion: write to udp failed", "addr", addr, "err", err)
		}
	}, logger)
	dht.SetOnionDispatcher(onionSrv)

	relay := tcprelay.New(pk, sk, onionSrv, logger)
	relayAddr := relayBindAddr(conn.LocalAddr().(*net.UDPAddr))
	relayEnabled := true
	if err := relay.Listen(relayAddr); err != nil {
		logger.Warn("tcp relay listen failed, continuing without it", "addr", relayAddr, "err", err)
		relayEnabled = false
	}

	seedBootstrapNodes(dht, cfg, doc, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := dht.Run(ctx); err != nil {
			logger.Error("dht server stopped", "err", err)
		}
	}()
	if relayEnabled {
		go func() {
			if err := relay.Serve(); err != nil {
				logger.Info("tcp relay stopped", "err", err)
			}
		}()
	}

	logger.Info("tox node running", "version", Version, "bind", cfg.BindAddr, "pk", hex.EncodeToString(pk[:]))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	_ = relay.Close()
	_ = conn.Close()

	doc.DHTNodes = dht.Snapshot()
	if err := statefile.Save(savePath, doc); err != nil {
		logger.Warn("save state file", "err", err)
	}
	if err := cfg.Save(cfgPath); err != nil {
		logger.Warn("save config", "err", err)
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tox-go"
	}
	return filepath.Join(home, ".tox-go")
}

// resolveIdentity prefers a previously saved state-file identity (the
// canonical Tox-style keypair persisted across restarts) over the
// config file's, and writes a freshly generated one into doc if
// neither source has keys yet.
func resolveIdentity(cfg *config.Config, doc *statefile.Document, logger *slog.Logger) (cryptobox.PublicKey, cryptobox.SecretKey) {
	if doc.HasKeys {
		return doc.PublicKey, doc.SecretKey
	}
	if pk, sk, err := cfg.Keys(); err == nil {
		doc.HasKeys = true
		doc.PublicKey = pk
		doc.SecretKey = sk
		return pk, sk
	}
	pk, sk, err := cryptobox.GenerateKeyPair()
	if err != nil {
		logger.Error("generate identity", "err", err)
		os.Exit(1)
	}
	doc.HasKeys = true
	doc.PublicKey = pk
	doc.SecretKey = sk
	return pk, sk
}

// relayBindAddr derives the TCP relay's listen address from the DHT's
// UDP bind address (same IP, next port): Tox nodes conventionally run
// both services on adjacent ports and there's no separate relay-port
// setting.
func relayBindAddr(udpAddr *net.UDPAddr) string {
	return net.JoinHostPort(udpAddr.IP.String(), fmt.Sprintf("%d", udpAddr.Port+1))
}

// seedBootstrapNodes queues every configured bootstrap node and every
// node recovered from the previous run's state file as a close-node
// candidate, so friend/DHT searches have somewhere to start.
func seedBootstrapNodes(dht *dhtserver.Server, cfg *config.Config, doc statefile.Document, logger *slog.Logger) {
	ok, bad := cfg.BootstrapKeys()
	for _, b := range bad {
		logger.Warn("skipping bootstrap node with malformed public key", "addr", b.Addr)
	}
	for _, b := range ok {
		addr, err := net.ResolveUDPAddr("udp", b.Addr)
		if err != nil {
			logger.Warn("skipping bootstrap node with unresolvable address", "addr", b.Addr, "err", err)
			continue
		}
		node, err := bootstrapPackedNode(addr, b.PK)
		if err != nil {
			logger.Warn("skipping malformed bootstrap node", "addr", b.Addr, "err", err)
			continue
		}
		dht.AddBootstrapNode(node)
	}
	for _, node := range doc.DHTNodes {
		dht.AddBootstrapNode(node)
	}
}

func bootstrapPackedNode(addr *net.UDPAddr, pkHex string) (wire.PackedNode, error) {
	pkBytes, err := hex.DecodeString(pkHex)
	if err != nil || len(pkBytes) != cryptobox.PublicKeySize {
		return wire.PackedNode{}, fmt.Errorf("invalid public key %q", pkHex)
	}
	var pk cryptobox.PublicKey
	copy(pk[:], pkBytes)

	ipType := wire.IPTypeUDP4
	ip := addr.IP.To4()
	if ip == nil {
		ipType = wire.IPTypeUDP6
		ip = addr.IP.To16()
	}
	return wire.PackedNode{Type: ipType, IP: ip, Port: uint16(addr.Port), NodeID: pk}, nil
}

// setupLogging fans every record out to a debug-level JSON file under
// stateDir and an info-level text handler on stdout, mirroring
// cmd/tor-client's split between a full debug trail and a readable
// console stream.
func setupLogging(stateDir string) (*slog.Logger, *os.File) {
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create state dir: %v\n", err)
		os.Exit(1)
	}
	logFile, err := os.OpenFile(filepath.Join(stateDir, "tox-node-debug.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
