package flightsvc

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/swarmsql/swarmsql/pkg/swarmerr"
)

// ServerConfig is the configuration a started server is registered
// under, kept for status reporting.
type ServerConfig struct {
	Host string
	Port int
	TLS  bool
}

type serverHandle struct {
	grpcServer *grpc.Server
	listener   net.Listener
	startTime  time.Time
	config     ServerConfig
	done       chan struct{}
}

// Registry is the process-wide table of running Flight servers, keyed by
// (host, port). Starting a server already registered at that address
// fails; stopping signals shutdown and joins the serving goroutine.
// Mirrors spec.md §4.7's server lifecycle registry.
type Registry struct {
	mu      sync.Mutex
	servers map[string]*serverHandle
}

// NewRegistry creates an empty server registry. One Registry instance is
// a process singleton, created explicitly at node startup and threaded
// through call sites rather than held in a package global (spec.md §9
// Design Notes).
func NewRegistry() *Registry {
	return &Registry{servers: make(map[string]*serverHandle)}
}

func addrKey(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// Start binds (host, port) and serves svc over gRPC, optionally with TLS
// (and client-cert verification, if tlsFiles.CAFile is set). It returns
// once the listener is bound; serving happens on a background goroutine.
func (r *Registry) Start(host string, port int, svc *Service, tlsFiles *TLSFiles) error {
	key := addrKey(host, port)

	r.mu.Lock()
	if _, exists := r.servers[key]; exists {
		r.mu.Unlock()
		return swarmerr.InvalidArgument("flightsvc", "server already registered at %s", key)
	}
	r.mu.Unlock()

	lis, err := net.Listen("tcp", key)
	if err != nil {
		return swarmerr.Internal("flightsvc", "listen on %s", key).WithCause(err)
	}

	var opts []grpc.ServerOption
	cfg := ServerConfig{Host: host, Port: port}
	if tlsFiles != nil {
		tlsCfg, err := LoadServerTLSConfig(*tlsFiles)
		if err != nil {
			lis.Close()
			return err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
		cfg.TLS = true
	}

	grpcServer := grpc.NewServer(opts...)
	flight.RegisterFlightServiceServer(grpcServer, svc)

	handle := &serverHandle{
		grpcServer: grpcServer,
		listener:   lis,
		startTime:  time.Now(),
		config:     cfg,
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	r.servers[key] = handle
	r.mu.Unlock()

	go func() {
		defer close(handle.done)
		_ = grpcServer.Serve(lis)
	}()

	return nil
}

// Stop signals (host, port)'s server to shut down gracefully and waits
// for its serving goroutine to exit, then deregisters it.
func (r *Registry) Stop(host string, port int) error {
	key := addrKey(host, port)

	r.mu.Lock()
	handle, ok := r.servers[key]
	if ok {
		delete(r.servers, key)
	}
	r.mu.Unlock()

	if !ok {
		return swarmerr.NotFound("flightsvc", "no server registered at %s", key)
	}

	handle.grpcServer.GracefulStop()
	<-handle.done
	return nil
}

// Status reports the registered servers and their start times, used by
// cluster status reporting.
func (r *Registry) Status() map[string]ServerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]ServerStatus, len(r.servers))
	for key, h := range r.servers {
		out[key] = ServerStatus{Config: h.config, StartedAt: h.startTime}
	}
	return out
}

// ServerStatus is a point-in-time view of one registered server.
type ServerStatus struct {
	Config    ServerConfig
	StartedAt time.Time
}
