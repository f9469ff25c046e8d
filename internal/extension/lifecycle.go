package extension

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mumzworld-tech/lambda-log-shipper/internal/buffer"
	"github.com/mumzworld-tech/lambda-log-shipper/internal/config"
	"github.com/mumzworld-tech/lambda-log-shipper/internal/logsapi"
	"github.com/mumzworld-tech/lambda-log-shipper/internal/loki"
	"github.com/mumzworld-tech/lambda-log-shipper/internal/record"
)

const (
	criticalFlushTimeout = 10 * time.Second
	shutdownTimeout      = 2 * time.Second
	finalDeliveryWait    = 100 * time.Millisecond
)

// State represents the extension's current operational state
type State int32

const (
	StateIdle     State = iota // No active invocation, longer flush intervals
	StateActive                // Invocation in progress, normal flush intervals
	StateFlushing              // Critical flush in progress
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateActive:
		return "ACTIVE"
	case StateFlushing:
		return "FLUSHING"
	default:
		return "UNKNOWN"
	}
}

// Pusher delivers push requests to Loki
type Pusher interface {
	Push(ctx context.Context, req *loki.PushRequest) error
	PushCritical(ctx context.Context, req *loki.PushRequest) error
}

// Manager orchestrates the extension lifecycle. It owns the log buffer and
// hands it to the ingestion server and the flush loop.
type Manager struct {
	cfg        *config.Config
	extClient  *Client
	logsServer *logsapi.Server
	pusher     Pusher
	buffer     *buffer.Buffer
	labels     map[string]string
	instanceID string
	// deliveryWait keeps the receiver open after SHUTDOWN for in-flight batches
	deliveryWait time.Duration

	stopFlush chan struct{}
	stopOnce  sync.Once

	// State management for adaptive intervals
	state          atomic.Int32
	intervalChange chan struct{}

	// flushMu serializes pushes and guards requestID
	flushMu   sync.Mutex
	requestID string

	// Signalled by runtimeDone once its critical flush is complete
	invocationDone chan struct{}
}

// NewManager creates a new lifecycle manager
func NewManager(cfg *config.Config) *Manager {
	return newManager(cfg, NewClient(cfg.RuntimeAPI, filepath.Base(os.Args[0])), loki.NewClient(cfg))
}

func newManager(cfg *config.Config, extClient *Client, pusher Pusher) *Manager {
	m := &Manager{
		cfg:            cfg,
		extClient:      extClient,
		pusher:         pusher,
		buffer:         buffer.New(cfg.BufferSize),
		instanceID:     uuid.NewString(),
		deliveryWait:   finalDeliveryWait,
		stopFlush:      make(chan struct{}),
		intervalChange: make(chan struct{}, 1),
		invocationDone: make(chan struct{}, 1),
	}
	m.state.Store(int32(StateIdle))
	return m
}

// Run registers the extension, starts log ingestion and blocks until
// SHUTDOWN or ctx is cancelled. Startup failures are returned.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.init(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.flushLoop(gctx)
		return nil
	})
	g.Go(func() error {
		defer m.stopFlushLoop()
		return m.eventLoop(gctx)
	})
	return g.Wait()
}

func (m *Manager) init(ctx context.Context) error {
	regResp, err := m.extClient.Register(ctx)
	if err != nil {
		return err
	}

	m.labels = m.buildLabels(regResp)

	m.logsServer = logsapi.NewServer(m.buffer, m.cfg.ListenerPort, m.onRuntimeDone)
	if err := m.logsServer.Start(); err != nil {
		return err
	}

	sub := logsapi.NewClient(m.cfg.RuntimeAPI, m.extClient.ExtensionID(), m.logsServer.ListenerURI())
	if err := sub.Subscribe(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := m.logsServer.Shutdown(shutdownCtx); serr != nil {
			log.WithError(serr).Warn("Error shutting down log receiver")
		}
		return err
	}

	return nil
}

func (m *Manager) buildLabels(regResp *RegisterResponse) map[string]string {
	labels := make(map[string]string, len(m.cfg.Labels)+5)

	for k, v := range m.cfg.Labels {
		labels[k] = v
	}

	// Lambda-specific labels win over configured ones
	labels["function_name"] = regResp.FunctionName
	labels["function_version"] = regResp.FunctionVersion
	if region := os.Getenv("AWS_REGION"); region != "" {
		labels["region"] = region
	}
	labels["instance_id"] = m.instanceID
	labels["source"] = "lambda"

	return labels
}

func (m *Manager) eventLoop(ctx context.Context) error {
	for {
		event, err := m.extClient.NextEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.WithError(ctx.Err()).Info("Context cancelled, shutting down")
				return m.shutdown(ctx)
			}
			return err
		}

		switch event.EventType {
		case Invoke:
			// Discard a signal left over from an invocation that timed out
			select {
			case <-m.invocationDone:
			default:
			}

			m.setState(StateActive)
			log.WithField("request_id", event.RequestID).Info("Received INVOKE event")

			if err := m.awaitInvocation(ctx, event); err != nil {
				return m.shutdown(ctx)
			}

		case Shutdown:
			log.WithField("reason", event.ShutdownReason).Info("Received SHUTDOWN event")
			return m.shutdown(ctx)
		}
	}
}

// awaitInvocation holds the next NextEvent call until runtimeDone has been
// flushed, or the invocation deadline has passed
func (m *Manager) awaitInvocation(ctx context.Context, event *NextEventResponse) error {
	var deadline <-chan time.Time
	if d := event.Deadline(); !d.IsZero() {
		timer := time.NewTimer(time.Until(d))
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-m.invocationDone:
		log.Debug("Invocation complete, ready for next event")
	case <-deadline:
		log.WithField("request_id", event.RequestID).Warn("No runtimeDone before invocation deadline")
		m.setState(StateIdle)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// setState updates the state and signals the flush loop to adjust interval
func (m *Manager) setState(newState State) {
	oldState := State(m.state.Swap(int32(newState)))
	if oldState != newState {
		log.WithFields(log.Fields{"from": oldState.String(), "to": newState.String()}).Debug("State transition")
		select {
		case m.intervalChange <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) getState() State {
	return State(m.state.Load())
}

// getFlushInterval returns the flush interval for the current state
func (m *Manager) getFlushInterval() time.Duration {
	baseInterval := time.Duration(m.cfg.FlushIntervalMs) * time.Millisecond

	switch m.getState() {
	case StateIdle:
		return baseInterval * time.Duration(m.cfg.IdleFlushMultiplier)
	case StateFlushing:
		// Back off while the critical flush owns the buffer
		return baseInterval * 3 / 2
	default:
		return baseInterval
	}
}

func (m *Manager) stopFlushLoop() {
	m.stopOnce.Do(func() { close(m.stopFlush) })
}

func (m *Manager) flushLoop(ctx context.Context) {
	interval := m.getFlushInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.WithFields(log.Fields{"interval": interval.String(), "state": m.getState().String()}).Info("Flush loop started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopFlush:
			return
		case <-m.intervalChange:
			if newInterval := m.getFlushInterval(); newInterval != interval {
				interval = newInterval
				ticker.Reset(interval)
				log.WithFields(log.Fields{"interval": interval.String(), "state": m.getState().String()}).Debug("Flush interval adjusted")
			}
		case <-ticker.C:
			m.flush(ctx)
		case <-m.buffer.Ready():
			if m.shouldFlush() {
				m.flush(ctx)
			}
		}
	}
}

// shouldFlush reports whether the buffer holds a full batch by count or bytes
func (m *Manager) shouldFlush() bool {
	if m.buffer.Len() >= m.cfg.BatchSize {
		return true
	}
	return m.cfg.MaxBatchSizeBytes > 0 && m.buffer.ByteSize() >= m.cfg.MaxBatchSizeBytes
}

// onRuntimeDone runs inside the log receiver once the batch carrying
// platform.runtimeDone has been buffered
func (m *Manager) onRuntimeDone(requestID string) {
	log.WithField("request_id", requestID).Info("Received platform.runtimeDone")

	m.setState(StateFlushing)

	ctx, cancel := context.WithTimeout(context.Background(), criticalFlushTimeout)
	defer cancel()
	m.criticalFlush(ctx)
	m.setState(StateIdle)

	select {
	case m.invocationDone <- struct{}{}:
	default:
	}
}

// nextBatch takes up to one batch from the buffer. Caller holds flushMu.
func (m *Manager) nextBatch() []record.LogRecord {
	if m.cfg.MaxBatchSizeBytes > 0 {
		return m.buffer.FlushBySize(m.cfg.BatchSize, m.cfg.MaxBatchSizeBytes)
	}
	return m.buffer.Flush(m.cfg.BatchSize)
}

// buildRequest converts records to a push request, carrying the current
// request id across batches. Caller holds flushMu.
func (m *Manager) buildRequest(records []record.LogRecord) *loki.PushRequest {
	batch := loki.NewBatch(m.labels, m.cfg.ExtractRequestID, m.cfg.MaxLineSize).WithRequestID(m.requestID)
	batch.Add(records)
	m.requestID = batch.CurrentRequestID()
	return batch.ToPushRequest()
}

// flush pushes one batch with the regular retry budget
func (m *Manager) flush(ctx context.Context) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	records := m.nextBatch()
	if len(records) == 0 {
		return
	}

	log.WithField("count", len(records)).Debug("Pushing log records to Loki")
	if err := m.pusher.Push(ctx, m.buildRequest(records)); err != nil {
		log.WithError(err).WithField("count", len(records)).Error("Failed to push logs to Loki")
	}
}

// criticalFlush pushes everything buffered when it starts, with the critical
// retry budget
func (m *Manager) criticalFlush(ctx context.Context) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	remaining := m.buffer.Len()
	if remaining == 0 {
		return
	}

	log.WithField("count", remaining).Info("Critical flush")

	for remaining > 0 {
		records := m.nextBatch()
		if len(records) == 0 {
			break
		}
		remaining -= len(records)

		if err := m.pusher.PushCritical(ctx, m.buildRequest(records)); err != nil {
			log.WithError(err).Error("Critical flush failed")
			break
		}
	}
}

func (m *Manager) shutdown(ctx context.Context) error {
	m.stopFlushLoop()

	// The parent context may already be cancelled by a signal
	baseCtx := context.WithoutCancel(ctx)

	// Give the Logs API a moment to deliver any final batch
	time.Sleep(m.deliveryWait)

	if m.logsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(baseCtx, shutdownTimeout)
		if err := m.logsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			log.WithError(err).Warn("Error shutting down log receiver")
		}
		cancel()
	}

	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	records := m.buffer.Close()
	if len(records) > 0 {
		log.WithField("count", len(records)).Info("Flushing remaining log records")

		pushCtx, cancel := context.WithTimeout(baseCtx, criticalFlushTimeout)
		defer cancel()
		if err := m.pusher.PushCritical(pushCtx, m.buildRequest(records)); err != nil {
			log.WithError(err).Error("Failed to push final logs to Loki")
		}
	}

	fields := log.Fields{"dropped": m.buffer.Dropped()}
	if m.logsServer != nil {
		stats := m.logsServer.Stats()
		fields["batches"] = stats.Batches
		fields["accepted"] = stats.Accepted
		fields["rejected"] = stats.Rejected
		fields["batch_errors"] = stats.BatchErrors
		fields["lost"] = stats.Lost
	}
	log.WithFields(fields).Info("Shutdown complete")
	return nil
}
