package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/ibverbs-go/ib"
	"github.com/rocketbitz/ibverbs-go/internal/verbs"
	"github.com/rocketbitz/ibverbs-go/internal/verbs/verbstest"
)

func testConfig(fake *verbstest.Fake) Config {
	return Config{
		Lib:            fake,
		MaxMessageSize: 1 << 20,
	}
}

// establishPair runs both sides of a loopback handshake to completion.
func establishPair(t *testing.T, fake *verbstest.Fake, cfgA, cfgB Config) (*Endpoint, *Endpoint) {
	t.Helper()
	exA, exB := Pipe()

	var (
		wg   sync.WaitGroup
		b    *Endpoint
		errB error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		b, errB = Establish(context.Background(), cfgB, exB)
	}()

	a, errA := Establish(context.Background(), cfgA, exA)
	wg.Wait()
	if errA != nil {
		t.Fatalf("Establish a: %v", errA)
	}
	if errB != nil {
		t.Fatalf("Establish b: %v", errB)
	}
	return a, b
}

func TestEstablishLoopback(t *testing.T) {
	fake := verbstest.New(verbstest.ActiveDevice("mlx5_0", 3))
	a, b := establishPair(t, fake, testConfig(fake), testConfig(fake))

	if a.DeviceName() != "mlx5_0" {
		t.Fatalf("unexpected device: %s", a.DeviceName())
	}
	if a.PeerSetup().QueuePairNumber != b.LocalSetup().QueuePairNumber {
		t.Fatalf("a's peer QPN %d does not match b's local QPN %d",
			a.PeerSetup().QueuePairNumber, b.LocalSetup().QueuePairNumber)
	}
	if b.PeerSetup().QueuePairNumber != a.LocalSetup().QueuePairNumber {
		t.Fatalf("b's peer QPN %d does not match a's local QPN %d",
			b.PeerSetup().QueuePairNumber, a.LocalSetup().QueuePairNumber)
	}

	for _, ep := range []*Endpoint{a, b} {
		state, ok := fake.QPState(ep.QueuePairNumber())
		if !ok || state != verbs.QPStateRTS {
			t.Fatalf("endpoint %d not ready-to-send: %v", ep.QueuePairNumber(), state)
		}
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close a: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close b: %v", err)
	}
	if fake.LiveTotal() != 0 {
		t.Fatalf("expected all handles released, got %v", fake.Live())
	}
}

func TestEstablishValidatesConfig(t *testing.T) {
	fake := verbstest.New(verbstest.ActiveDevice("mlx5_0", 3))
	exchanger, _ := Pipe()

	if _, err := Establish(context.Background(), Config{MaxMessageSize: 1}, exchanger); err == nil {
		t.Fatalf("expected error for missing capability table")
	}
	if _, err := Establish(context.Background(), testConfig(fake), nil); err == nil {
		t.Fatalf("expected error for missing exchanger")
	}
	cfg := testConfig(fake)
	cfg.MaxMessageSize = 0
	if _, err := Establish(context.Background(), cfg, exchanger); err == nil {
		t.Fatalf("expected error for zero max message size")
	}
}

func TestEstablishNoUsableDevice(t *testing.T) {
	down := verbstest.ActiveDevice("mlx5_0", 3)
	down.Port.State = verbs.PortDown
	fake := verbstest.New(down)
	exchanger, _ := Pipe()

	_, err := Establish(context.Background(), testConfig(fake), exchanger)
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
	if fake.LiveTotal() != 0 {
		t.Fatalf("expected no live handles, got %v", fake.Live())
	}
}

func TestEstablishExchangeFailureReleasesEverything(t *testing.T) {
	fake := verbstest.New(verbstest.ActiveDevice("mlx5_0", 3))
	boom := errors.New("control plane down")
	exchanger := ExchangerFunc(func(context.Context, ib.SetupInformation) (ib.SetupInformation, error) {
		return ib.SetupInformation{}, boom
	})

	_, err := Establish(context.Background(), testConfig(fake), exchanger)
	if !errors.Is(err, boom) {
		t.Fatalf("expected exchange error surfaced, got %v", err)
	}
	if fake.LiveTotal() != 0 {
		t.Fatalf("expected teardown after failed exchange, got %v", fake.Live())
	}
}

func TestEstablishCreateFailureReleasesEverything(t *testing.T) {
	fake := verbstest.New(verbstest.ActiveDevice("mlx5_0", 3))
	fake.CreateSRQErr = verbs.ENOMEM
	exchanger, _ := Pipe()

	_, err := Establish(context.Background(), testConfig(fake), exchanger)
	if !errors.Is(err, verbs.ENOMEM) {
		t.Fatalf("expected ENOMEM surfaced, got %v", err)
	}
	if fake.LiveTotal() != 0 {
		t.Fatalf("expected teardown after failed create, got %v", fake.Live())
	}
}

func TestEstablishRespectsContextCancellation(t *testing.T) {
	fake := verbstest.New(verbstest.ActiveDevice("mlx5_0", 3))
	exchanger, _ := Pipe() // the far end never answers

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := Establish(ctx, testConfig(fake), exchanger)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if fake.LiveTotal() != 0 {
		t.Fatalf("expected teardown after cancelled exchange, got %v", fake.Live())
	}
}

func TestCloseIsExactlyOnce(t *testing.T) {
	fake := verbstest.New(verbstest.ActiveDevice("mlx5_0", 3))
	a, b := establishPair(t, fake, testConfig(fake), testConfig(fake))
	defer b.Close()

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on second Close, got %v", err)
	}
}

func TestCloseSurfacesReleaseFailure(t *testing.T) {
	fake := verbstest.New(verbstest.ActiveDevice("mlx5_0", 3))
	a, b := establishPair(t, fake, testConfig(fake), testConfig(fake))
	defer b.Close()

	fake.DestroyCQErr = verbs.EBUSY
	err := a.Close()
	if !errors.Is(err, verbs.EBUSY) {
		t.Fatalf("expected EBUSY from failed teardown, got %v", err)
	}
}

func TestRegisterMemory(t *testing.T) {
	fake := verbstest.New(verbstest.ActiveDevice("mlx5_0", 3))
	a, b := establishPair(t, fake, testConfig(fake), testConfig(fake))
	defer b.Close()

	mr, err := a.RegisterMemory(make([]byte, 4096), verbs.AccessLocalWrite)
	if err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}
	if err := mr.Close(); err != nil {
		t.Fatalf("mr Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := a.RegisterMemory(make([]byte, 16), verbs.AccessLocalWrite); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestEstablishLogsHandshakeEvents(t *testing.T) {
	fake := verbstest.New(verbstest.ActiveDevice("mlx5_0", 3))
	logger, logs := newObservedLogger()

	cfgA := testConfig(fake)
	cfgA.StructuredLogger = logger
	a, b := establishPair(t, fake, cfgA, testConfig(fake))
	defer a.Close()
	defer b.Close()

	for _, event := range []string{"device selected", "exchanging setup information", "handshake completed"} {
		if !hasLogEvent(logs, event) {
			t.Fatalf("expected log event %q, got %v", event, logs.All())
		}
	}
}

func TestEstablishFailureLogsStage(t *testing.T) {
	fake := verbstest.New(verbstest.ActiveDevice("mlx5_0", 3))
	fake.CreateQPErr = verbs.ENOMEM
	logger, logs := newObservedLogger()

	cfg := testConfig(fake)
	cfg.StructuredLogger = logger
	exchanger, _ := Pipe()
	if _, err := Establish(context.Background(), cfg, exchanger); err == nil {
		t.Fatalf("expected establish failure")
	}

	found := false
	for _, entry := range logs.All() {
		ctxMap := entry.ContextMap()
		if ctxMap["event"] == "handshake failed" && ctxMap["stage"] == "create_resources" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected failure log with stage, got %v", logs.All())
	}
}

func TestEstablishEmitsSpans(t *testing.T) {
	fake := verbstest.New(verbstest.ActiveDevice("mlx5_0", 3))
	tp, recorder := newTestTracerProvider()
	defer tp.Shutdown(context.Background())

	cfgA := testConfig(fake)
	cfgA.Tracer = &otelTracerAdapter{tracer: tp.Tracer("test")}
	a, b := establishPair(t, fake, cfgA, testConfig(fake))
	defer a.Close()
	defer b.Close()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(spans))
	}
	if spans[0].Name() != "ibverbs-endpoint-establish" {
		t.Fatalf("unexpected span name: %s", spans[0].Name())
	}
	for _, event := range []string{"device_selected", "resources_created", "setup_exchanged", "to_ready_to_send"} {
		if !spanHasEvent(recorder, event) {
			t.Fatalf("expected span event %q", event)
		}
	}
}

type recordingMetrics struct {
	mu        sync.Mutex
	started   int
	completed int
	failed    []string
	released  int
	relFailed int
}

func (r *recordingMetrics) HandshakeStarted(map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recordingMetrics) HandshakeCompleted(map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}

func (r *recordingMetrics) HandshakeFailed(stage string, _ error, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, stage)
}

func (r *recordingMetrics) ResourcesReleased(map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released++
}

func (r *recordingMetrics) ReleaseFailed(error, map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relFailed++
}

func TestMetricHookLifecycle(t *testing.T) {
	fake := verbstest.New(verbstest.ActiveDevice("mlx5_0", 3))
	metrics := &recordingMetrics{}

	cfgA := testConfig(fake)
	cfgA.Metrics = metrics
	a, b := establishPair(t, fake, cfgA, testConfig(fake))
	defer b.Close()
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if metrics.started != 1 || metrics.completed != 1 || metrics.released != 1 {
		t.Fatalf("unexpected counts: %+v", metrics)
	}
	if len(metrics.failed) != 0 || metrics.relFailed != 0 {
		t.Fatalf("unexpected failure counts: %+v", metrics)
	}
}

func TestMetricHookFailedHandshake(t *testing.T) {
	fake := verbstest.New(verbstest.ActiveDevice("mlx5_0", 3))
	fake.ModifyQPErr = verbs.EIO
	metrics := &recordingMetrics{}

	cfg := testConfig(fake)
	cfg.Metrics = metrics
	exchanger, _ := Pipe()
	if _, err := Establish(context.Background(), cfg, exchanger); err == nil {
		t.Fatalf("expected establish failure")
	}

	if metrics.started != 1 {
		t.Fatalf("expected handshake started, got %+v", metrics)
	}
	if len(metrics.failed) != 1 || metrics.failed[0] != stageInit {
		t.Fatalf("expected one failure at %q, got %v", stageInit, metrics.failed)
	}
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core).Sugar(), logs
}

func hasLogEvent(logs *observer.ObservedLogs, event string) bool {
	for _, entry := range logs.All() {
		if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
			return true
		}
	}
	return false
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func spanHasEvent(recorder *tracetest.SpanRecorder, event string) bool {
	for _, span := range recorder.Ended() {
		if span.Name() != "ibverbs-endpoint-establish" {
			continue
		}
		for _, evt := range span.Events() {
			if evt.Name == event {
				return true
			}
		}
	}
	return false
}

type otelTracerAdapter struct {
	tracer trace.Tracer
}

func (o *otelTracerAdapter) StartSpan(name string, attrs ...TraceAttribute) Span {
	if o == nil || o.tracer == nil {
		return nil
	}
	attributes := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		attributes = append(attributes, toAttribute(attr))
	}
	_, span := o.tracer.Start(context.Background(), name, trace.WithAttributes(attributes...))
	return &otelSpanAdapter{span: span}
}

type otelSpanAdapter struct {
	span trace.Span
}

func (s *otelSpanAdapter) End(err error) {
	if s == nil || s.span == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
	}
	s.span.End()
}

func (s *otelSpanAdapter) AddEvent(name string, attrs ...TraceAttribute) {
	if s == nil || s.span == nil {
		return
	}
	attributes := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		attributes = append(attributes, toAttribute(attr))
	}
	s.span.AddEvent(name, trace.WithAttributes(attributes...))
}

func (s *otelSpanAdapter) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
}

func toAttribute(attr TraceAttribute) attribute.KeyValue {
	switch v := attr.Value.(type) {
	case string:
		return attribute.String(attr.Key, v)
	case fmt.Stringer:
		return attribute.String(attr.Key, v.String())
	case int:
		return attribute.Int(attr.Key, v)
	case uint8:
		return attribute.Int(attr.Key, int(v))
	case uint32:
		return attribute.Int64(attr.Key, int64(v))
	default:
		return attribute.String(attr.Key, fmt.Sprint(v))
	}
}
