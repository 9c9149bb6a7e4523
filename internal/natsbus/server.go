package natsbus

import (
	"errors"
	"fmt"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/aristath/agentmesh/internal/config"
)

// Server is an in-process NATS server.
type Server struct {
	server *natsserver.Server
	cfg    config.NATSConfig
}

// NewServer starts an embedded server on cfg.Port (-1 picks a free port).
// JetStream is enabled when cfg.StoreDir is set.
func NewServer(cfg config.NATSConfig) (*Server, error) {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   cfg.Port,
		NoLog:  true,
		NoSigs: true,
	}
	if cfg.StoreDir != "" {
		if err := os.MkdirAll(cfg.StoreDir, 0o755); err != nil {
			return nil, fmt.Errorf("create nats store dir: %w", err)
		}
		opts.JetStream = true
		opts.StoreDir = cfg.StoreDir
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("nats server not ready")
	}

	return &Server{server: ns, cfg: cfg}, nil
}

func (s *Server) ClientURL() string {
	return s.server.ClientURL()
}

func (s *Server) Close() {
	s.server.Shutdown()
	s.server.WaitForShutdown()
}
