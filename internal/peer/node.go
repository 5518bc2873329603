package peer

import (
	"fmt"
	"net"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"georepl/internal/logging"
)

// Node hosts the replication service for one region.
type Node struct {
	region     string
	listenAddr string
	grpcServer *grpc.Server
	logger     log.Logger
}

// NewNode registers srv on a fresh gRPC server.
func NewNode(region, listenAddr string, srv ReplicationServer, logger log.Logger, opts ...grpc.ServerOption) *Node {
	gs := grpc.NewServer(opts...)
	RegisterReplicationServer(gs, srv)
	reflection.Register(gs)

	return &Node{
		region:     region,
		listenAddr: listenAddr,
		grpcServer: gs,
		logger:     logging.Component(logger, "peer-node"),
	}
}

// Registrar exposes the gRPC server so other services share its listener.
// Register before Start or Serve.
func (n *Node) Registrar() grpc.ServiceRegistrar {
	return n.grpcServer
}

// Start listens on the configured address and serves until Stop.
func (n *Node) Start() error {
	lis, err := net.Listen("tcp", n.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.listenAddr, err)
	}
	return n.Serve(lis)
}

// Serve serves on lis until Stop.
func (n *Node) Serve(lis net.Listener) error {
	level.Info(n.logger).Log("msg", "serving replication", "region", n.region, "addr", lis.Addr().String())

	if err := n.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (n *Node) Stop() {
	level.Info(n.logger).Log("msg", "stopping replication server", "region", n.region)
	n.grpcServer.GracefulStop()
}
