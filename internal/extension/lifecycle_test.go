package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mumzworld-tech/lambda-log-shipper/internal/config"
	"github.com/mumzworld-tech/lambda-log-shipper/internal/logsapi"
	"github.com/mumzworld-tech/lambda-log-shipper/internal/loki"
	"github.com/mumzworld-tech/lambda-log-shipper/internal/record"
)

type mockPusher struct {
	mock.Mock

	mu    sync.Mutex
	lines []string
}

func (p *mockPusher) Push(ctx context.Context, req *loki.PushRequest) error {
	p.record(req)
	return p.Called(ctx, req).Error(0)
}

func (p *mockPusher) PushCritical(ctx context.Context, req *loki.PushRequest) error {
	p.record(req)
	return p.Called(ctx, req).Error(0)
}

func (p *mockPusher) record(req *loki.PushRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range req.Streams {
		for _, v := range s.Values {
			p.lines = append(p.lines, v[1])
		}
	}
}

func (p *mockPusher) Lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...)
}

func newTestConfig() *config.Config {
	return &config.Config{
		RuntimeAPI:           "127.0.0.1:9001",
		ListenerPort:         config.DefaultListenerPort,
		LokiEndpoint:         "http://localhost:3100/loki/api/v1/push",
		BatchSize:            100,
		MaxBatchSizeBytes:    5 * 1024 * 1024,
		FlushIntervalMs:      1000,
		IdleFlushMultiplier:  3,
		MaxRetries:           3,
		CriticalFlushRetries: 5,
		BufferSize:           0,
		MaxLineSize:          204800,
		ExtractRequestID:     true,
		Labels:               map[string]string{},
	}
}

func newTestManager(cfg *config.Config, pusher Pusher) *Manager {
	m := newManager(cfg, NewClient(cfg.RuntimeAPI, "lambda-log-shipper"), pusher)
	m.labels = map[string]string{"source": "lambda"}
	return m
}

func functionRecords(t *testing.T, n int) []record.LogRecord {
	t.Helper()
	records := make([]record.LogRecord, 0, n)
	for i := 0; i < n; i++ {
		rec, err := record.Parse([]byte(fmt.Sprintf(`{"time":"2020-08-20T12:31:32.%03dZ","type":"function","record":"line %d"}`, i, i)))
		require.NoError(t, err)
		records = append(records, rec)
	}
	return records
}

// TC-4.1.1: State Names
func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateIdle, "IDLE"},
		{StateActive, "ACTIVE"},
		{StateFlushing, "FLUSHING"},
		{State(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.state.String())
	}
}

// TC-4.1.2: Initial State
func TestState_InitialState(t *testing.T) {
	m := newTestManager(newTestConfig(), &mockPusher{})
	assert.Equal(t, StateIdle, m.getState())
}

// TC-4.2.1: Transitions Signal The Flush Loop
func TestSetState_SignalsOnChange(t *testing.T) {
	m := newTestManager(newTestConfig(), &mockPusher{})

	m.setState(StateActive)
	assert.Equal(t, StateActive, m.getState())
	select {
	case <-m.intervalChange:
	default:
		t.Fatal("expected interval change signal")
	}

	m.setState(StateActive)
	select {
	case <-m.intervalChange:
		t.Fatal("no signal expected without a state change")
	default:
	}
}

// TC-4.2.2: Flush Interval Per State
func TestGetFlushInterval(t *testing.T) {
	m := newTestManager(newTestConfig(), &mockPusher{})

	assert.Equal(t, 3*time.Second, m.getFlushInterval())

	m.setState(StateActive)
	assert.Equal(t, time.Second, m.getFlushInterval())

	m.setState(StateFlushing)
	assert.Equal(t, 1500*time.Millisecond, m.getFlushInterval())
}

// TC-4.3.1: shouldFlush By Count And Bytes
func TestShouldFlush(t *testing.T) {
	cfg := newTestConfig()
	cfg.BatchSize = 3
	m := newTestManager(cfg, &mockPusher{})

	m.buffer.Append(functionRecords(t, 2)...)
	assert.False(t, m.shouldFlush())

	m.buffer.Append(functionRecords(t, 1)...)
	assert.True(t, m.shouldFlush())

	cfg.BatchSize = 100
	cfg.MaxBatchSizeBytes = 10
	assert.True(t, m.shouldFlush())
}

// TC-4.3.2: Flush Pushes One Batch
func TestFlush_PushesBatch(t *testing.T) {
	cfg := newTestConfig()
	cfg.BatchSize = 2
	pusher := &mockPusher{}
	pusher.On("Push", mock.Anything, mock.MatchedBy(func(req *loki.PushRequest) bool {
		return req.Len() == 2
	})).Return(nil).Once()

	m := newTestManager(cfg, pusher)
	m.buffer.Append(functionRecords(t, 3)...)

	m.flush(context.Background())

	pusher.AssertExpectations(t)
	assert.Equal(t, 1, m.buffer.Len())
	assert.Equal(t, []string{"line 0", "line 1"}, pusher.Lines())
}

// TC-4.3.3: Flush Of Empty Buffer Does Nothing
func TestFlush_EmptyBuffer(t *testing.T) {
	pusher := &mockPusher{}
	m := newTestManager(newTestConfig(), pusher)

	m.flush(context.Background())
	pusher.AssertNotCalled(t, "Push", mock.Anything, mock.Anything)
}

// TC-4.3.4: Push Failure Is Logged, Not Fatal
func TestFlush_PushFailure(t *testing.T) {
	pusher := &mockPusher{}
	pusher.On("Push", mock.Anything, mock.Anything).Return(errors.New("loki down")).Once()

	m := newTestManager(newTestConfig(), pusher)
	m.buffer.Append(functionRecords(t, 1)...)

	assert.NotPanics(t, func() { m.flush(context.Background()) })
	pusher.AssertExpectations(t)
	assert.Zero(t, m.buffer.Len())
}

// TC-4.4.1: Critical Flush Empties The Buffer In Batches
func TestCriticalFlush_FlushesAll(t *testing.T) {
	cfg := newTestConfig()
	cfg.BatchSize = 2
	pusher := &mockPusher{}
	pusher.On("PushCritical", mock.Anything, mock.Anything).Return(nil).Times(3)

	m := newTestManager(cfg, pusher)
	m.buffer.Append(functionRecords(t, 5)...)

	m.criticalFlush(context.Background())

	pusher.AssertExpectations(t)
	assert.Zero(t, m.buffer.Len())
	assert.Len(t, pusher.Lines(), 5)
}

// TC-4.4.2: Critical Flush Stops On Error
func TestCriticalFlush_StopsOnError(t *testing.T) {
	cfg := newTestConfig()
	cfg.BatchSize = 2
	pusher := &mockPusher{}
	pusher.On("PushCritical", mock.Anything, mock.Anything).Return(errors.New("loki down")).Once()

	m := newTestManager(cfg, pusher)
	m.buffer.Append(functionRecords(t, 5)...)

	m.criticalFlush(context.Background())

	pusher.AssertExpectations(t)
	assert.Equal(t, 3, m.buffer.Len())
}

// TC-4.4.3: Request Id Carries Across Batches
func TestFlush_RequestIDCarriesAcrossBatches(t *testing.T) {
	cfg := newTestConfig()
	cfg.BatchSize = 1
	pusher := &mockPusher{}
	pusher.On("Push", mock.Anything, mock.Anything).Return(nil)

	m := newTestManager(cfg, pusher)
	start, err := record.Parse([]byte(`{"time":"2020-08-20T12:31:32.123Z","type":"platform.start","record":{"requestId":"req-1"}}`))
	require.NoError(t, err)
	m.buffer.Append(start)
	m.buffer.Append(functionRecords(t, 1)...)

	m.flush(context.Background())
	m.flush(context.Background())

	lines := pusher.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "[request_id=req-1] line 0", lines[1])
}

// TC-4.5.1: runtimeDone Flushes And Signals
func TestOnRuntimeDone_FlushesAndSignals(t *testing.T) {
	pusher := &mockPusher{}
	pusher.On("PushCritical", mock.Anything, mock.Anything).Return(nil).Once()

	m := newTestManager(newTestConfig(), pusher)
	m.setState(StateActive)
	m.buffer.Append(functionRecords(t, 2)...)

	m.onRuntimeDone("req-1")

	pusher.AssertExpectations(t)
	assert.Zero(t, m.buffer.Len())
	assert.Equal(t, StateIdle, m.getState())
	select {
	case <-m.invocationDone:
	default:
		t.Fatal("expected invocation done signal")
	}
}

// TC-4.5.2: Invocation Wait Ends At Deadline
func TestAwaitInvocation_Deadline(t *testing.T) {
	m := newTestManager(newTestConfig(), &mockPusher{})
	m.setState(StateActive)

	event := &NextEventResponse{EventType: Invoke, DeadlineMs: time.Now().Add(20 * time.Millisecond).UnixMilli()}
	require.NoError(t, m.awaitInvocation(context.Background(), event))
	assert.Equal(t, StateIdle, m.getState())
}

// TC-4.6.1: Flush Loop Stops
func TestFlushLoop_Stops(t *testing.T) {
	m := newTestManager(newTestConfig(), &mockPusher{})

	done := make(chan struct{})
	go func() {
		m.flushLoop(context.Background())
		close(done)
	}()

	m.stopFlushLoop()
	m.stopFlushLoop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("flush loop did not stop")
	}
}

// TC-4.6.2: Flush Loop Flushes On Timer
func TestFlushLoop_FlushesOnTimer(t *testing.T) {
	cfg := newTestConfig()
	cfg.FlushIntervalMs = 10
	cfg.IdleFlushMultiplier = 1
	pusher := &mockPusher{}
	pusher.On("Push", mock.Anything, mock.Anything).Return(nil)

	m := newTestManager(cfg, pusher)
	m.buffer.Append(functionRecords(t, 1)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.flushLoop(ctx)

	assert.Eventually(t, func() bool { return len(pusher.Lines()) == 1 }, time.Second, 5*time.Millisecond)
}

// TC-4.7.1: Labels
func TestBuildLabels(t *testing.T) {
	t.Setenv("AWS_REGION", "eu-west-1")
	cfg := newTestConfig()
	cfg.Labels = map[string]string{"team": "payments", "source": "custom"}
	m := newTestManager(cfg, &mockPusher{})

	labels := m.buildLabels(&RegisterResponse{FunctionName: "checkout", FunctionVersion: "$LATEST"})

	assert.Equal(t, "payments", labels["team"])
	assert.Equal(t, "checkout", labels["function_name"])
	assert.Equal(t, "$LATEST", labels["function_version"])
	assert.Equal(t, "eu-west-1", labels["region"])
	assert.Equal(t, "lambda", labels["source"])
	assert.Equal(t, m.instanceID, labels["instance_id"])
	assert.NotEmpty(t, m.instanceID)
}

// TC-4.6.3: Batches Arriving During The Final Wait Are Shipped
func TestShutdown_AcceptsLateBatch(t *testing.T) {
	cfg := newTestConfig()
	cfg.ListenerPort = freePort(t)
	pusher := &mockPusher{}
	pusher.On("PushCritical", mock.Anything, mock.Anything).Return(nil).Once()

	m := newTestManager(cfg, pusher)
	m.deliveryWait = 500 * time.Millisecond
	m.logsServer = logsapi.NewServer(m.buffer, cfg.ListenerPort, nil)
	require.NoError(t, m.logsServer.Start())

	done := make(chan error, 1)
	go func() { done <- m.shutdown(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/", cfg.ListenerPort), "application/json",
		strings.NewReader(`[{"time":"2020-08-20T12:31:32.124Z","type":"function","record":"late line"}]`))
	require.NoError(t, err)
	resp.Body.Close()

	require.NoError(t, <-done)
	pusher.AssertExpectations(t)
	assert.Equal(t, []string{"late line"}, pusher.Lines())
	assert.Equal(t, logsapi.Stats{Batches: 1, Accepted: 1}, m.logsServer.Stats())
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

type fakeRuntime struct {
	t             *testing.T
	listenerPort  int
	subscribeCode int

	nextCalls atomic.Int32
	subscribe atomic.Value // string
}

func (f *fakeRuntime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/2020-01-01/extension/register":
		assert.Equal(f.t, "lambda-log-shipper", r.Header.Get(extensionNameHeader))
		w.Header().Set(extensionIDHeader, "ext-123")
		_ = json.NewEncoder(w).Encode(RegisterResponse{FunctionName: "checkout", FunctionVersion: "1"})

	case r.Method == http.MethodPut && r.URL.Path == "/2020-08-15/logs":
		assert.Equal(f.t, "ext-123", r.Header.Get(extensionIDHeader))
		body, err := io.ReadAll(r.Body)
		assert.NoError(f.t, err)
		f.subscribe.Store(string(body))
		w.WriteHeader(f.subscribeCode)

	case r.Method == http.MethodGet && r.URL.Path == "/2020-01-01/extension/event/next":
		assert.Equal(f.t, "ext-123", r.Header.Get(extensionIDHeader))
		if f.nextCalls.Add(1) == 1 {
			go f.deliverLogs()
			_ = json.NewEncoder(w).Encode(NextEventResponse{
				EventType:  Invoke,
				RequestID:  "req-1",
				DeadlineMs: time.Now().Add(5 * time.Second).UnixMilli(),
			})
			return
		}
		_ = json.NewEncoder(w).Encode(NextEventResponse{EventType: Shutdown, ShutdownReason: "spindown"})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeRuntime) deliverLogs() {
	body := `[
		{"time":"2020-08-20T12:31:32.123Z","type":"platform.start","record":{"requestId":"req-1"}},
		{"time":"2020-08-20T12:31:32.124Z","type":"function","record":"hello from handler\n"},
		{"time":"2020-08-20T12:31:32.200Z","type":"platform.runtimeDone","record":{"requestId":"req-1","status":"success"}}
	]`
	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/", f.listenerPort), "application/json", strings.NewReader(body))
	if assert.NoError(f.t, err) {
		resp.Body.Close()
	}
}

func newRunManager(t *testing.T, subscribeCode int) (*Manager, *fakeRuntime, *mockPusher) {
	t.Helper()
	fake := &fakeRuntime{t: t, listenerPort: freePort(t), subscribeCode: subscribeCode}
	api := httptest.NewServer(fake)
	t.Cleanup(api.Close)

	cfg := newTestConfig()
	cfg.RuntimeAPI = strings.TrimPrefix(api.URL, "http://")
	cfg.ListenerPort = fake.listenerPort

	pusher := &mockPusher{}
	m := newManager(cfg, NewClient(cfg.RuntimeAPI, "lambda-log-shipper"), pusher)
	return m, fake, pusher
}

// TC-4.8.1: Full Lifecycle
func TestManager_Run(t *testing.T) {
	m, fake, pusher := newRunManager(t, http.StatusOK)
	pusher.On("Push", mock.Anything, mock.Anything).Return(nil).Maybe()
	pusher.On("PushCritical", mock.Anything, mock.Anything).Return(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, m.Run(ctx))

	assert.EqualValues(t, 2, fake.nextCalls.Load())
	assert.Equal(t,
		fmt.Sprintf(`{"destination": {"protocol": "HTTP", "URI": "http://sandbox:%d"}, "types": ["platform", "function"]}`, fake.listenerPort),
		fake.subscribe.Load())

	lines := pusher.Lines()
	assert.Contains(t, lines, "[request_id=req-1] hello from handler")
	assert.Equal(t, logsapi.Stats{Batches: 1, Accepted: 3}, m.logsServer.Stats())
	assert.Zero(t, m.buffer.Len())
}

// TC-4.8.2: Subscription Failure Aborts Startup
func TestManager_Run_SubscriptionFailure(t *testing.T) {
	m, fake, pusher := newRunManager(t, http.StatusInternalServerError)

	err := m.Run(context.Background())

	var subErr *logsapi.SubscriptionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, http.StatusInternalServerError, subErr.StatusCode)
	assert.Zero(t, fake.nextCalls.Load())
	pusher.AssertNotCalled(t, "PushCritical", mock.Anything, mock.Anything)

	// The receiver was shut down, so its port is free again
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", fake.listenerPort))
	require.NoError(t, err)
	l.Close()
}

// TC-4.9.1: Register
func TestClient_Register(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2020-01-01/extension/register", r.URL.Path)
		assert.Equal(t, "shipper", r.Header.Get(extensionNameHeader))

		var body map[string][]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"INVOKE", "SHUTDOWN"}, body["events"])

		w.Header().Set(extensionIDHeader, "ext-1")
		_ = json.NewEncoder(w).Encode(RegisterResponse{FunctionName: "fn", FunctionVersion: "3", Handler: "index.handler"})
	}))
	defer api.Close()

	c := NewClient(strings.TrimPrefix(api.URL, "http://"), "shipper")
	resp, err := c.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fn", resp.FunctionName)
	assert.Equal(t, "ext-1", c.ExtensionID())
}

// TC-4.9.2: Register Failures
func TestClient_Register_Failure(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer api.Close()

		_, err := NewClient(strings.TrimPrefix(api.URL, "http://"), "shipper").Register(context.Background())
		assert.ErrorContains(t, err, "403")
	})

	t.Run("missing identifier", func(t *testing.T) {
		api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		}))
		defer api.Close()

		_, err := NewClient(strings.TrimPrefix(api.URL, "http://"), "shipper").Register(context.Background())
		assert.ErrorContains(t, err, "no extension ID")
	})
}

// TC-4.9.3: NextEvent
func TestClient_NextEvent(t *testing.T) {
	deadline := time.Now().Add(time.Minute).UnixMilli()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2020-01-01/extension/event/next", r.URL.Path)
		_ = json.NewEncoder(w).Encode(NextEventResponse{
			EventType:  Invoke,
			RequestID:  "req-9",
			DeadlineMs: deadline,
			Tracing:    &Tracing{Type: "X-Amzn-Trace-Id", Value: "Root=1-abc"},
		})
	}))
	defer api.Close()

	event, err := NewClient(strings.TrimPrefix(api.URL, "http://"), "shipper").NextEvent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Invoke, event.EventType)
	assert.Equal(t, "req-9", event.RequestID)
	assert.Equal(t, time.UnixMilli(deadline), event.Deadline())
	assert.True(t, (&NextEventResponse{}).Deadline().IsZero())
}
