package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cyberinferno/go-gamenet/cacher"
	"github.com/cyberinferno/go-gamenet/config"
	"github.com/cyberinferno/go-gamenet/connection"
	"github.com/cyberinferno/go-gamenet/eventloop"
	"github.com/cyberinferno/go-gamenet/idgenerator"
	"github.com/cyberinferno/go-gamenet/logger"
	"github.com/cyberinferno/go-gamenet/protocol"
	"github.com/cyberinferno/go-gamenet/transport"
)

// statusCacheKey is where the built status response lives in the cache.
const statusCacheKey = "status"

// statusCleanupInterval is how often the memory cache purges expired entries.
const statusCleanupInterval = time.Minute

// NewListenerFunc builds the initial packet listener for a freshly accepted
// connection, typically the handshake-phase handler. The connection is
// already registered when it is called.
type NewListenerFunc func(c *connection.Connection) protocol.Listener

// StatusResponse is the payload served to server-list pings. It is built
// from the configuration and the live connection count, and cached for the
// configured TTL.
type StatusResponse struct {
	Name          string `json:"name"`
	MOTD          string `json:"motd"`
	OnlinePlayers int    `json:"online_players"`
	MaxPlayers    int    `json:"max_players"`
}

// Params bundles what a Server is constructed with. Config, Decoder and
// Encoder are required.
type Params struct {
	// Config holds the validated runtime settings.
	Config config.Config
	// Decoder decodes inbound client traffic.
	Decoder protocol.Decoder
	// Encoder encodes outbound packets.
	Encoder protocol.Encoder
	// NewListener installs the handshake listener on each accepted
	// connection. Nil leaves connections on their fallback listener.
	NewListener NewListenerFunc
	// Logger receives server lifecycle events. Defaults to a no-op logger.
	Logger logger.Logger
	// Transport configures buffer sizes and the optional cipher/compressor
	// stages of each binding. Zero value gets the transport defaults.
	Transport transport.Config
	// StatusCache overrides the status cache. Nil builds one from Config:
	// in-memory, or Redis when the config selects the redis backend.
	StatusCache cacher.Cacher[StatusResponse]
}

// Server accepts game clients and runs their sessions. Each accepted
// connection gets an ID, a loop from the pool as its home execution context,
// and a connection engine wired to the registry; a ticker drives queue
// draining and liveness checks across all of them.
type Server struct {
	cfg         config.Config
	dec         protocol.Decoder
	enc         protocol.Encoder
	newListener NewListenerFunc
	log         logger.Logger
	tcfg        transport.Config

	registry *Registry
	loops    *eventloop.Pool
	status   cacher.Cacher[StatusResponse]
	rdb      *redis.Client

	listener net.Listener
	running  atomic.Bool
	ids      *idgenerator.Generator
	quit     chan struct{}
}

// NewServer creates a server from p. The configuration is validated and the
// loop pool is built, but nothing listens until Start.
//
// Parameters:
//   - p: Construction parameters; see Params for defaults
//
// Returns:
//   - A new *Server ready to be started
//   - An error if the configuration is invalid or a required collaborator is missing
func NewServer(p Params) (*Server, error) {
	if err := p.Config.Validate(); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}
	if p.Decoder == nil {
		return nil, errors.New("server requires a packet decoder")
	}
	if p.Encoder == nil {
		return nil, errors.New("server requires a packet encoder")
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}

	s := &Server{
		cfg:         p.Config,
		dec:         p.Decoder,
		enc:         p.Encoder,
		newListener: p.NewListener,
		log:         p.Logger,
		tcfg:        p.Transport,
		registry:    NewRegistry(p.Logger),
		ids:         idgenerator.New(0),
		quit:        make(chan struct{}),
	}
	s.loops = eventloop.NewPool(p.Config.Loops, func(v any) {
		s.log.Error("loop task panicked", logger.Field{Key: "panic", Value: fmt.Sprint(v)})
	})

	s.status = p.StatusCache
	if s.status == nil {
		switch p.Config.CacheBackend {
		case config.CacheRedis:
			s.rdb = redis.NewClient(&redis.Options{Addr: p.Config.RedisAddr})
			s.status = cacher.NewRedisCacher[StatusResponse](s.rdb)
		default:
			s.status = cacher.NewMemoryCacher[StatusResponse](p.Config.StatusCacheTTL, statusCleanupInterval)
		}
	}

	return s, nil
}

// Start binds the listen address, starts the loop pool, and launches the
// accept and tick goroutines. A server starts at most once.
//
// Returns:
//   - An error if the server is already running or listening on the
//     configured address fails
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Error("server already running")
		return fmt.Errorf("server %s already running", s.cfg.Name)
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.running.Store(false)
		s.log.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s failed to start: %w", s.cfg.Name, err)
	}

	s.listener = ln
	s.loops.Start()

	s.log.Info(fmt.Sprintf("%s server started", s.cfg.Name),
		logger.Field{Key: "addr", Value: ln.Addr().String()})

	go s.acceptLoop()
	go s.tickLoop()

	return nil
}

// Stop shuts the server down: it stops accepting, closes every live
// connection with a "Server closed" disconnect, and stops the loop pool,
// which flushes the pending transport teardowns. Safe to call when the
// server is not running.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		s.log.Info(fmt.Sprintf("%s server not running", s.cfg.Name))
		return
	}

	close(s.quit)
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.registry.CloseAll("Server closed")
	s.loops.Stop()

	if s.rdb != nil {
		_ = s.rdb.Close()
	}

	s.log.Info(fmt.Sprintf("%s server stopped", s.cfg.Name))
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Registry returns the live connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Status returns the status response served to server-list pings, rebuilding
// it through the cache when the TTL lapsed. Concurrent rebuilds collapse into
// a single one.
func (s *Server) Status(ctx context.Context) (StatusResponse, error) {
	return s.status.GetOrLoad(ctx, statusCacheKey, s.cfg.StatusCacheTTL, func(context.Context) (StatusResponse, error) {
		return StatusResponse{
			Name:          s.cfg.Name,
			MOTD:          s.cfg.MOTD,
			OnlinePlayers: s.registry.Len(),
			MaxPlayers:    s.cfg.MaxPlayers,
		}, nil
	})
}

// acceptLoop accepts clients until the server stops. Accept errors while
// running are logged and the loop continues.
func (s *Server) acceptLoop() {
	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			s.log.Error("accept failed", logger.Field{Key: "error", Value: err})
			continue
		}
		s.handleConn(conn)
	}
}

// handleConn wires one accepted socket: a connection engine registered under
// a fresh ID, the initial listener, and a transport binding homed on the next
// loop of the pool. Registration happens before the binding starts so a
// connection that dies immediately still leaves through the registry.
func (s *Server) handleConn(nc net.Conn) {
	id := s.ids.Next()
	c := connection.New(connection.Params{
		ID:         id,
		ServerAddr: s.cfg.Addr,
		Encoder:    s.enc,
		Registry:   s.registry,
		Logger:     s.log.With(logger.Field{Key: "id", Value: id}),
		Timeout:    s.cfg.PlayerTimeout,
	})
	if s.newListener != nil {
		c.SetListener(s.newListener(c))
	}
	s.registry.Add(c)

	b := transport.NewTCPBinding(nc, s.loops.Next(), s.dec, s.tcfg)
	b.Start(c)

	s.log.Debug("connection accepted",
		logger.Field{Key: "id", Value: id},
		logger.Field{Key: "remote", Value: nc.RemoteAddr().String()})
}

// tickLoop runs the maintenance pass at the configured interval until the
// server stops.
func (s *Server) tickLoop() {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick drains outbound queues and runs the liveness checks on every live
// connection. An overrun means the server cannot keep up with its own tick
// rate, which operators want to know about.
func (s *Server) tick() {
	start := time.Now()
	s.registry.Range(func(c *connection.Connection) bool {
		c.Update()
		c.CheckAlive()
		c.CheckConnection()
		return true
	})
	if elapsed := time.Since(start); elapsed > s.cfg.TickInterval {
		s.log.Warn("tick overran its interval",
			logger.Field{Key: "elapsed", Value: elapsed.String()},
			logger.Field{Key: "interval", Value: s.cfg.TickInterval.String()})
	}
}
