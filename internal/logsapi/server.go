package logsapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fastjson"

	"github.com/mumzworld-tech/lambda-log-shipper/internal/buffer"
	"github.com/mumzworld-tech/lambda-log-shipper/internal/record"
)

// listenerHost is the name the Logs API resolves to this sandbox
const listenerHost = "sandbox"

// RuntimeDoneHandler is called when a batch carried platform.runtimeDone
type RuntimeDoneHandler func(requestID string)

// Stats counts what the server has seen since start
type Stats struct {
	Batches     int64 // pushes received
	Accepted    int64 // events decoded and buffered
	Rejected    int64 // events skipped because they failed to decode
	BatchErrors int64 // pushes whose body was not a JSON sequence
	Lost        int64 // events decoded after the buffer was closed
}

type ackResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	ErrorType    string `json:"errorType"`
	ErrorMessage string `json:"errorMessage"`
}

// Server is the HTTP endpoint the Logs API pushes batches to
type Server struct {
	server        *http.Server
	listener      net.Listener
	buffer        *buffer.Buffer
	port          int
	onRuntimeDone RuntimeDoneHandler
	parsers       fastjson.ParserPool

	batches     atomic.Int64
	accepted    atomic.Int64
	rejected    atomic.Int64
	batchErrors atomic.Int64
	lost        atomic.Int64
}

// NewServer creates a log receiver appending into buf. onRuntimeDone may be nil.
func NewServer(buf *buffer.Buffer, port int, onRuntimeDone RuntimeDoneHandler) *Server {
	s := &Server{
		buffer:        buf,
		port:          port,
		onRuntimeDone: onRuntimeDone,
	}

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Handler(),
	}

	return s
}

// Handler returns the router serving POST /
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(accessLog)
	router.Post("/", s.handleLogs)
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		render.Status(r, http.StatusMethodNotAllowed)
		render.JSON(w, r, &errorResponse{
			ErrorType:    "MethodNotAllowed",
			ErrorMessage: fmt.Sprintf("%s is not supported", r.Method),
		})
	})
	return router
}

// Start binds the listener and serves in the background. Bind errors are
// returned; serve errors after that are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	log.WithField("addr", ln.Addr().String()).Info("Starting log receiver")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Log server error")
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// ListenerURI returns the URI for the Logs API subscription
func (s *Server) ListenerURI() string {
	return fmt.Sprintf("http://%s:%d", listenerHost, s.port)
}

// Stats returns a snapshot of the ingestion counters
func (s *Server) Stats() Stats {
	return Stats{
		Batches:     s.batches.Load(),
		Accepted:    s.accepted.Load(),
		Rejected:    s.rejected.Load(),
		BatchErrors: s.batchErrors.Load(),
		Lost:        s.lost.Load(),
	}
}

// handleLogs always acknowledges: decode problems are logged, never
// reported to the host, so the subscription is not backed off.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	s.batches.Add(1)

	records, err := s.decodeBatch(r.Body)
	if err != nil {
		s.batchErrors.Add(1)
		var bde *BatchDecodeError
		entry := log.WithError(err)
		if errors.As(err, &bde) {
			entry = entry.WithFields(log.Fields{
				"error_type": bde.Type(),
				"body":       bde.Excerpt,
			})
		}
		entry.Error("Failed to decode log batch")
		acknowledge(w, r)
		return
	}

	n := s.buffer.Append(records...)
	s.accepted.Add(int64(n))
	if lost := len(records) - n; lost > 0 {
		s.lost.Add(int64(lost))
		log.WithField("lost", lost).Error("Buffer closed, decoded records not buffered")
	}

	var runtimeDoneRequestID string
	for _, rec := range records {
		if rec.Type == record.TypePlatformRuntimeDone {
			runtimeDoneRequestID = rec.RequestID()
		}
	}

	// Records are buffered before the hook runs so a flush triggered by it sees them
	if runtimeDoneRequestID != "" && s.onRuntimeDone != nil {
		s.onRuntimeDone(runtimeDoneRequestID)
	}

	acknowledge(w, r)
}

// decodeBatch turns a pushed body into records in arrival order. Events
// that fail to decode are logged and skipped; only a body that is not a
// JSON array fails the whole batch.
func (s *Server) decodeBatch(body io.Reader) ([]record.LogRecord, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &BatchDecodeError{Err: fmt.Errorf("failed to read body: %w", err)}
	}

	p := s.parsers.Get()
	defer s.parsers.Put(p)

	v, err := p.ParseBytes(data)
	if err != nil {
		return nil, &BatchDecodeError{Excerpt: excerpt(data), Err: err}
	}
	if v.Type() != fastjson.TypeArray {
		return nil, &BatchDecodeError{
			Excerpt: excerpt(data),
			Err:     fmt.Errorf("expected a JSON array of events, got %s", v.Type()),
		}
	}

	events := v.GetArray()
	records := make([]record.LogRecord, 0, len(events))
	for i, ev := range events {
		raw := ev.MarshalTo(nil)
		rec, err := record.Parse(raw)
		if err != nil {
			s.rejected.Add(1)
			logDecodeFailure(i, raw, err)
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}

func logDecodeFailure(index int, raw []byte, err error) {
	fields := log.Fields{
		"index": index,
		"event": excerpt(raw),
	}
	var de *record.DecodeError
	if errors.As(err, &de) {
		fields["error_type"] = de.Type()
		fields["kind"] = de.Kind.String()
	}
	log.WithError(err).WithFields(fields).Error("Skipping log event that failed to decode")
}

func acknowledge(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, &ackResponse{Status: "OK"})
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("logs: -> %s %s (%d bytes)", r.Method, r.URL, r.ContentLength)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if status/100 != 2 {
			log.Warnf("logs: <- %s %d", r.URL, status)
		} else {
			log.Debugf("logs: <- %s %d", r.URL, status)
		}
	})
}
