// Package natsserver runs an in-process NATS server so a single scribe node
// needs no external broker.
package natsserver

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start runs the server when cfg.Embedded is set and returns nil otherwise.
// JetStream state lives in a per-node directory under cfg.StoreDir.
func Start(cfg config.BusConfig, id config.Identity, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	log = log.With(slog.String("component", "nats-embedded"), slog.String("node_id", id.NodeID))

	host := cfg.Host
	if host == "" {
		host = "0.0.0.0"
	}
	base := cfg.StoreDir
	if base == "" {
		base = filepath.Join("data", "nats")
	}
	storeDir := base
	if id.NodeID != "" {
		storeDir = filepath.Join(base, id.NodeID)
	}

	ns, err := server.NewServer(&server.Options{
		ServerName:    id.ServerName(),
		Host:          host,
		Port:          cfg.Port,
		JetStream:     true,
		StoreDir:      storeDir,
		Username:      cfg.Username,
		Password:      cfg.Password,
		Authorization: cfg.Token,
		NoSigs:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server %s not ready after %s", id.ServerName(), readyTimeout)
	}

	log.Info("embedded NATS server started",
		slog.String("server_name", id.ServerName()),
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", storeDir))
	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL is the address clients on this host connect to.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
