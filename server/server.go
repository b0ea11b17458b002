package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dicomnet/pacscore/dimse"
	"github.com/dicomnet/pacscore/interfaces"
	"github.com/dicomnet/pacscore/metrics"
	"github.com/dicomnet/pacscore/pdu"
	"github.com/dicomnet/pacscore/pipeline"
)

// Option configures a Server instance.
type Option func(*Server)

// WithLogger overrides the logger used by the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.Logger = logger
	}
}

// WithReadTimeout sets the read timeout for client connections.
func WithReadTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.ReadTimeout = timeout
	}
}

// WithWriteTimeout sets the write timeout for client connections.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.WriteTimeout = timeout
	}
}

// WithCoordinator routes every connection's DIMSE dispatch through the
// pipeline coordinator's dimse_process stage instead of running it
// directly on the connection's goroutine. Coordinator must already be
// started (Coordinator.Start).
func WithCoordinator(coordinator *pipeline.Coordinator) Option {
	return func(s *Server) {
		s.Coordinator = coordinator
	}
}

// WithMetrics attaches Prometheus instrumentation for association
// counts; every DIMSE service built per-connection also reports its
// operation counts to the same *metrics.Metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.Metrics = m
	}
}

// Server exposes a reusable DICOM listener that wires the DIMSE and PDU layers.
type Server struct {
	AETitle      string
	Handler      interfaces.ServiceHandler
	Logger       *slog.Logger
	ReadTimeout  time.Duration // Read deadline set once when a connection is accepted (zero: none)
	WriteTimeout time.Duration // Write deadline set once when a connection is accepted (zero: none)

	// Coordinator, if set, dispatches every inbound DIMSE message through
	// its dimse_process stage's bounded worker pool instead of running it
	// inline on the connection goroutine, per spec.md §4.5.
	Coordinator *pipeline.Coordinator

	// Metrics, if set, receives association and per-operation counts
	// from every connection this server handles.
	Metrics *metrics.Metrics

	activeAssociations int64
}

// New builds a Server with the provided AE title and handler.
func New(aeTitle string, handler interfaces.ServiceHandler, opts ...Option) *Server {
	srv := &Server{AETitle: aeTitle, Handler: handler}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// ListenAndServe listens on the given address and serves until the context is done or an error occurs.
func ListenAndServe(ctx context.Context, address, aeTitle string, handler interfaces.ServiceHandler, opts ...Option) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	defer listener.Close()

	srv := New(aeTitle, handler, opts...)
	return srv.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is cancelled or an unrecoverable error occurs.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if listener == nil {
		return errors.New("dicomserver: listener is required")
	}
	if s == nil {
		return errors.New("dicomserver: server is nil")
	}
	if s.Handler == nil {
		return errors.New("dicomserver: handler is required")
	}
	if s.AETitle == "" {
		return errors.New("dicomserver: AE title is required")
	}

	logger := s.logger()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	logger.Info("DICOM server listening",
		"address", listener.Addr().String(),
		"ae_title", s.AETitle)

	var (
		wg       sync.WaitGroup
		serveErr error
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Warn("Accept timeout", "error", err)
				continue
			}
			serveErr = err
			break
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			s.handleConnection(ctx, c, logger)
		}(conn)
	}

	wg.Wait()

	if serveErr != nil {
		return serveErr
	}

	return ctx.Err()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	sessionID := uuid.NewString()
	logger = logger.With("session_id", sessionID)
	logger.Info("Accepted DICOM connection",
		"remote_addr", conn.RemoteAddr())

	// Set timeouts if configured
	if s.ReadTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.ReadTimeout)); err != nil {
			logger.Warn("Failed to set read deadline", "error", err)
		}
	}
	if s.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout)); err != nil {
			logger.Warn("Failed to set write deadline", "error", err)
		}
	}

	service := dimse.NewService(s.Handler, logger)
	service.SetSessionID(sessionID)
	service.SetCoordinator(s.Coordinator)
	service.SetMetrics(s.Metrics)
	adapter := &dimseHandlerAdapter{service: service, coordinator: s.Coordinator, sessionID: sessionID}
	layer := pdu.NewLayer(conn, adapter, s.AETitle, logger)

	active := atomic.AddInt64(&s.activeAssociations, 1)
	s.Metrics.SetAssociationsActive(int(active))
	defer func() {
		active := atomic.AddInt64(&s.activeAssociations, -1)
		s.Metrics.SetAssociationsActive(int(active))
	}()

	if err := layer.HandleConnection(); err != nil && ctx.Err() == nil {
		s.Metrics.RecordAssociation("failed")
		logger.Warn("DIMSE connection ended",
			"error", err,
			"remote_addr", conn.RemoteAddr())
	} else {
		s.Metrics.RecordAssociation("closed")
		logger.Info("DIMSE connection closed",
			"remote_addr", conn.RemoteAddr())
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// dimseHandlerAdapter bridges pdu.Layer's DIMSEHandler callback into the
// DIMSE service layer. When a coordinator is set, the whole per-PDV
// dispatch runs as one job on the dimse_process stage, so the stage's
// bounded worker pool and queue_full backpressure actually govern how
// many DIMSE messages pacscore processes concurrently, per spec.md §4.5.
type dimseHandlerAdapter struct {
	service     *dimse.Service
	coordinator *pipeline.Coordinator
	sessionID   string
}

func (a *dimseHandlerAdapter) HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, layer *pdu.Layer) error {
	return pipeline.Run(a.coordinator, context.Background(), pipeline.StageDIMSEProcess, pipeline.CategoryOther, a.sessionID,
		func(ctx context.Context) error {
			return a.service.HandleDIMSEMessage(presContextID, msgCtrlHeader, data, layer)
		})
}
