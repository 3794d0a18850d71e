// Package api provides the HTTP REST API and WebSocket event stream for
// RadioWatch Core.
//
// It exposes the tracker's snapshot surfaces (views, multimac lookups,
// PHY listings), the user-settable device fields, and a WebSocket feed
// of tracker events to the enclosing sniffer's web layer.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/radiowatch/radiowatch-core/internal/eventbus"
	"github.com/radiowatch/radiowatch-core/internal/infrastructure/config"
	"github.com/radiowatch/radiowatch-core/internal/infrastructure/logging"
	"github.com/radiowatch/radiowatch-core/internal/tracker"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Tracker *tracker.Tracker
	Bus     *eventbus.Bus
	Version string
}

// Server is the HTTP API server for RadioWatch Core.
//
// It manages the HTTP listener, routes, middleware, and the WebSocket
// hub. The server is created with New() and started with Start().
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	logger  *logging.Logger
	tracker *tracker.Tracker
	bus     *eventbus.Bus
	version string

	server *http.Server
	hub    *Hub
	subIDs []uint64
	cancel context.CancelFunc
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}

	return &Server{
		cfg:     deps.Config,
		wsCfg:   deps.WS,
		logger:  deps.Logger,
		tracker: deps.Tracker,
		bus:     deps.Bus,
		version: deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It builds the router, starts the WebSocket hub, bridges tracker bus
// events onto the hub, and launches the HTTP listener in a background
// goroutine. The server is stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)

	s.bridgeTrackerEvents()

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// bridgeTrackerEvents forwards tracker bus events to WebSocket clients
// subscribed to the matching channels.
func (s *Server) bridgeTrackerEvents() {
	s.subIDs = append(s.subIDs,
		s.bus.Subscribe(tracker.EventNewDevice, func(evt eventbus.Event) {
			if e, ok := evt.(tracker.NewDeviceEvent); ok {
				s.hub.Broadcast("device.new", e.Device.View())
			}
		}),
		s.bus.Subscribe(tracker.EventDeviceRemoved, func(evt eventbus.Event) {
			if e, ok := evt.(tracker.DeviceRemovedEvent); ok {
				s.hub.Broadcast("device.removed", map[string]string{"key": e.Key.String()})
			}
		}),
		s.bus.Subscribe(tracker.EventNewPhy, func(evt eventbus.Event) {
			if e, ok := evt.(tracker.NewPhyEvent); ok {
				s.hub.Broadcast("phy.new", map[string]any{
					"id":   e.Phy.ID(),
					"name": e.Phy.Name(),
				})
			}
		}),
	)
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete, then
// forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	for _, id := range s.subIDs {
		s.bus.Unsubscribe(id)
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		_ = s.server.Close()
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
