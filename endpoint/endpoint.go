// Package endpoint establishes reliable-connected RDMA endpoints: it picks
// a usable adapter, builds the verbs resource chain, and drives the queue
// pair handshake against a peer reached through a caller-supplied
// out-of-band exchange channel. Posting and polling work requests on the
// established pair is the caller's concern.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/rocketbitz/ibverbs-go/ib"
	"github.com/rocketbitz/ibverbs-go/internal/verbs"
)

// ErrClosed indicates the endpoint has already been closed.
var ErrClosed = errors.New("ibverbs endpoint: closed")

// ErrNoDevice indicates discovery found no adapter with a usable, active
// port.
var ErrNoDevice = errors.New("ibverbs endpoint: no usable device")

// Config controls Establish behaviour.
type Config struct {
	// Lib is the verbs capability table, typically verbs.Load().
	Lib verbs.Lib
	// PortNum selects the adapter port; 0 means port 1.
	PortNum uint8
	// GIDIndex selects the entry of the port's global identifier table.
	GIDIndex uint8
	// MaxMessageSize is the policy ceiling advertised to the peer. It is
	// not derived from hardware limits and must be supplied.
	MaxMessageSize uint32

	SendQueueDepth       uint32
	ReceiveQueueDepth    uint32
	CompletionQueueDepth int

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

const (
	defaultSendQueueDepth       = 256
	defaultReceiveQueueDepth    = 256
	defaultCompletionQueueDepth = 1024
	defaultMaxSGE               = 1
)

// Logger provides printf-style debug logging hooks.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to establish
// spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap the handshake.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records handshake lifecycle, events, and errors for tracing
// systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures handshake and teardown telemetry events.
type MetricHook interface {
	HandshakeStarted(attrs map[string]string)
	HandshakeCompleted(attrs map[string]string)
	HandshakeFailed(stage string, err error, attrs map[string]string)
	ResourcesReleased(attrs map[string]string)
	ReleaseFailed(err error, attrs map[string]string)
}

const (
	labelDevice   = "device"
	labelPort     = "port"
	labelGIDIndex = "gid_index"
	labelStage    = "stage"
)

// Handshake stages reported through MetricHook and trace events.
const (
	stageDiscover       = "discover"
	stageResolveAddress = "resolve_address"
	stageCreate         = "create_resources"
	stageInit           = "to_init"
	stageExchange       = "exchange"
	stageReadyToReceive = "to_ready_to_receive"
	stageReadyToSend    = "to_ready_to_send"
)

// Endpoint owns the verbs resources behind one connected queue pair.
// An Endpoint is driven by a single goroutine at a time; this layer adds
// no locking of its own.
type Endpoint struct {
	cfg        Config
	lib        verbs.Lib
	deviceName string

	devCtx *ib.Context
	pd     *ib.ProtectionDomain
	cq     *ib.CompletionQueue
	srq    *ib.SharedReceiveQueue
	qp     *ib.QueuePair

	self  ib.Address
	local ib.SetupInformation
	peer  ib.SetupInformation

	closed atomic.Bool

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
}

// Establish builds the resource chain on the first usable adapter and
// drives the queue pair through init, ready-to-receive, and ready-to-send,
// swapping setup information with the peer through exchanger. No timeout
// is imposed on the handshake itself; a peer that never answers blocks
// until ctx is cancelled. On failure every resource created so far is
// released (the queue pair is forced to the error state first) and the
// original failure is reported.
func Establish(ctx context.Context, cfg Config, exchanger Exchanger) (*Endpoint, error) {
	if cfg.Lib == nil {
		return nil, errors.New("ibverbs endpoint: capability table required")
	}
	if exchanger == nil {
		return nil, errors.New("ibverbs endpoint: exchanger required")
	}
	if cfg.MaxMessageSize == 0 {
		return nil, errors.New("ibverbs endpoint: max message size required")
	}
	if cfg.PortNum == 0 {
		cfg.PortNum = ib.DefaultPortNum
	}
	if cfg.SendQueueDepth == 0 {
		cfg.SendQueueDepth = defaultSendQueueDepth
	}
	if cfg.ReceiveQueueDepth == 0 {
		cfg.ReceiveQueueDepth = defaultReceiveQueueDepth
	}
	if cfg.CompletionQueueDepth == 0 {
		cfg.CompletionQueueDepth = defaultCompletionQueueDepth
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	e := &Endpoint{
		cfg:              cfg,
		lib:              cfg.Lib,
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}

	span := e.startSpan("ibverbs-endpoint-establish")
	e.metricHandshakeStarted()

	fail := func(stage string, err error) (*Endpoint, error) {
		e.logEvent("handshake failed", logKV("stage", stage), logKV("error", err))
		e.releaseAll()
		e.metricHandshakeFailed(stage, err)
		spanRecordError(span, err)
		spanEnd(span, err)
		return nil, err
	}

	devices, err := ib.DiscoverDevices(e.lib, cfg.PortNum)
	if err != nil {
		return fail(stageDiscover, err)
	}
	if devices.Size() == 0 {
		_ = devices.Close()
		return fail(stageDiscover, ErrNoDevice)
	}
	device := devices.At(0)
	e.deviceName = device.Name
	spanEvent(span, "device_selected", TraceAttribute{Key: labelDevice, Value: device.Name})
	e.logEvent("device selected", logKV("device", device.Name), logKV("usable", devices.Size()))

	e.devCtx, err = ib.OpenContext(e.lib, device)
	if derr := devices.Close(); derr != nil && err == nil {
		err = derr
	}
	if err != nil {
		return fail(stageDiscover, fmt.Errorf("open device: %w", err))
	}

	e.self, err = ib.MakeAddress(e.devCtx, cfg.PortNum, cfg.GIDIndex, cfg.MaxMessageSize)
	if err != nil {
		return fail(stageResolveAddress, fmt.Errorf("resolve address: %w", err))
	}
	spanEvent(span, "address_resolved")

	if e.pd, err = ib.AllocProtectionDomain(e.devCtx); err != nil {
		return fail(stageCreate, fmt.Errorf("alloc protection domain: %w", err))
	}
	if e.cq, err = ib.CreateCompletionQueue(e.devCtx, cfg.CompletionQueueDepth); err != nil {
		return fail(stageCreate, fmt.Errorf("create completion queue: %w", err))
	}
	if e.srq, err = ib.CreateSharedReceiveQueue(e.pd, verbs.SRQInitAttr{
		MaxWR:  cfg.ReceiveQueueDepth,
		MaxSGE: defaultMaxSGE,
	}); err != nil {
		return fail(stageCreate, fmt.Errorf("create shared receive queue: %w", err))
	}
	if e.qp, err = ib.CreateQueuePair(e.pd, ib.QueuePairConfig{
		SendQueue:     e.cq,
		ReceiveQueue:  e.cq,
		SharedReceive: e.srq,
		Cap: verbs.QPCap{
			MaxSendWR:  cfg.SendQueueDepth,
			MaxRecvWR:  cfg.ReceiveQueueDepth,
			MaxSendSGE: defaultMaxSGE,
			MaxRecvSGE: defaultMaxSGE,
		},
		Type: verbs.QPTypeRC,
	}); err != nil {
		return fail(stageCreate, fmt.Errorf("create queue pair: %w", err))
	}
	spanEvent(span, "resources_created")

	if err = e.qp.ToInit(e.self); err != nil {
		return fail(stageInit, err)
	}
	spanEvent(span, stageInit)

	e.local = ib.MakeSetupInformation(e.self, e.qp)
	e.logEvent("exchanging setup information",
		logKV("queue_pair", e.local.QueuePairNumber),
		logKV("local_identifier", e.local.LocalIdentifier))

	e.peer, err = exchanger.Exchange(ctx, e.local)
	if err != nil {
		return fail(stageExchange, fmt.Errorf("setup exchange: %w", err))
	}
	spanEvent(span, "setup_exchanged",
		TraceAttribute{Key: "peer_queue_pair", Value: e.peer.QueuePairNumber})

	if err = e.qp.ToReadyToReceive(e.self, e.peer); err != nil {
		return fail(stageReadyToReceive, err)
	}
	spanEvent(span, stageReadyToReceive)

	if err = e.qp.ToReadyToSend(); err != nil {
		return fail(stageReadyToSend, err)
	}
	spanEvent(span, stageReadyToSend)

	e.metricHandshakeCompleted()
	e.logEvent("handshake completed",
		logKV("device", e.deviceName),
		logKV("queue_pair", e.local.QueuePairNumber),
		logKV("peer_queue_pair", e.peer.QueuePairNumber))
	spanEnd(span, nil)

	return e, nil
}

// Self returns the locally resolved address.
func (e *Endpoint) Self() ib.Address {
	return e.self
}

// LocalSetup returns the setup information this endpoint sent its peer.
func (e *Endpoint) LocalSetup() ib.SetupInformation {
	return e.local
}

// PeerSetup returns the setup information received from the peer.
func (e *Endpoint) PeerSetup() ib.SetupInformation {
	return e.peer
}

// DeviceName reports the adapter the endpoint was established on.
func (e *Endpoint) DeviceName() string {
	return e.deviceName
}

// QueuePairNumber returns the adapter-assigned number of the connected
// queue pair.
func (e *Endpoint) QueuePairNumber() uint32 {
	return e.qp.Num()
}

// RegisterMemory registers buf with the endpoint's protection domain. The
// caller owns the returned region and must Close it before the endpoint.
func (e *Endpoint) RegisterMemory(buf []byte, access verbs.AccessFlags) (*ib.MemoryRegion, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return ib.RegisterMemoryRegion(e.pd, buf, access)
}

// Close forces the queue pair to the error state so outstanding work
// requests flush, then releases every resource in reverse creation order.
// Release failures are aggregated and surfaced; a non-nil error means the
// process can no longer trust that the adapter state is gone.
func (e *Endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	err := e.releaseAll()
	if err != nil {
		e.metricReleaseFailed(err)
		return err
	}
	e.metricResourcesReleased()
	return nil
}

func (e *Endpoint) releaseAll() error {
	var err error
	if e.qp != nil {
		err = multierr.Append(err, e.qp.ToError())
		err = multierr.Append(err, e.qp.Close())
		e.qp = nil
	}
	if e.srq != nil {
		err = multierr.Append(err, e.srq.Close())
		e.srq = nil
	}
	if e.cq != nil {
		err = multierr.Append(err, e.cq.Close())
		e.cq = nil
	}
	if e.pd != nil {
		err = multierr.Append(err, e.pd.Close())
		e.pd = nil
	}
	if e.devCtx != nil {
		err = multierr.Append(err, e.devCtx.Close())
		e.devCtx = nil
	}
	if err != nil {
		e.logEvent("resource release failed", logKV("error", err))
	}
	return err
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (e *Endpoint) logEvent(event string, fields ...logField) {
	if e == nil {
		return
	}
	if e.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		e.structuredLogger.Debugw("ibverbs endpoint", kv...)
		return
	}
	if e.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	e.logger.Debugf("endpoint %s", b.String())
}

func (e *Endpoint) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+3)
	attrs[labelDevice] = e.deviceName
	attrs[labelPort] = fmt.Sprint(e.cfg.PortNum)
	attrs[labelGIDIndex] = fmt.Sprint(e.cfg.GIDIndex)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (e *Endpoint) metricHandshakeStarted() {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.HandshakeStarted(e.metricAttrs())
}

func (e *Endpoint) metricHandshakeCompleted() {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.HandshakeCompleted(e.metricAttrs())
}

func (e *Endpoint) metricHandshakeFailed(stage string, err error) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.HandshakeFailed(stage, err, e.metricAttrs())
}

func (e *Endpoint) metricResourcesReleased() {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.ResourcesReleased(e.metricAttrs())
}

func (e *Endpoint) metricReleaseFailed(err error) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.ReleaseFailed(err, e.metricAttrs())
}

func (e *Endpoint) startSpan(name string) Span {
	if e == nil || e.tracer == nil {
		return nil
	}
	return e.tracer.StartSpan(name,
		TraceAttribute{Key: labelPort, Value: e.cfg.PortNum},
		TraceAttribute{Key: labelGIDIndex, Value: e.cfg.GIDIndex})
}

func spanEvent(span Span, name string, attrs ...TraceAttribute) {
	if span == nil {
		return
	}
	span.AddEvent(name, attrs...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func spanEnd(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}
