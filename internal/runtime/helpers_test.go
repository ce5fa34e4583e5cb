package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rabbitflow/broker"
	configpkg "github.com/drblury/rabbitflow/internal/runtime/config"
	"github.com/drblury/rabbitflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/rabbitflow/internal/runtime/logging"
)

// fakeDialer hands out fakeConnections. Errors queued in dialErrs are
// returned by the next dials, one per call.
type fakeDialer struct {
	mu       sync.Mutex
	dialErrs []error
	conns    []*fakeConnection
	dials    int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (broker.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.dialErrs) > 0 {
		err := d.dialErrs[0]
		d.dialErrs = d.dialErrs[1:]
		return nil, err
	}
	conn := newFakeConnection()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) connection(i int) *fakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) latest() *fakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeConnection struct {
	events *broker.EventStream

	mu      sync.Mutex
	sockets []*fakeSocket
	closed  bool
}

func newFakeConnection() *fakeConnection {
	c := &fakeConnection{events: broker.NewEventStream(0)}
	c.events.Emit(broker.Event{Type: broker.EventReady})
	return c
}

func (c *fakeConnection) Events() <-chan broker.Event { return c.events.Events() }

func (c *fakeConnection) Socket(kind broker.SocketType, opts broker.SocketOptions) (broker.Socket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, broker.ErrClosed
	}
	s := &fakeSocket{kind: kind, opts: opts}
	c.sockets = append(c.sockets, s)
	return s, nil
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.events.Close()
	return nil
}

func (c *fakeConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fail emits a close event carrying err, as a dropped connection would.
func (c *fakeConnection) fail(err error) {
	c.events.Emit(broker.Event{Type: broker.EventClose, Err: err})
}

func (c *fakeConnection) socket(channel string) *fakeSocket {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sockets {
		if s.channelName() == channel {
			return s
		}
	}
	return nil
}

type published struct {
	topic   string
	payload string
}

type fakeSocket struct {
	kind broker.SocketType
	opts broker.SocketOptions

	mu        sync.Mutex
	channel   string
	topic     string
	encoding  string
	handler   func(broker.Delivery)
	published []published
	closed    bool
}

func (s *fakeSocket) Connect(_ context.Context, channel, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel, s.topic = channel, topic
	return nil
}

func (s *fakeSocket) On(event string, fn func(broker.Delivery)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
	return nil
}

func (s *fakeSocket) SetEncoding(enc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encoding = enc
	return nil
}

func (s *fakeSocket) Publish(_ context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, published{topic: topic, payload: string(payload)})
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) channelName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *fakeSocket) messages() []published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]published(nil), s.published...)
}

// deliver pushes a delivery through the registered handler synchronously.
func (s *fakeSocket) deliver(topic, payload string) *fakeAcker {
	s.mu.Lock()
	handler, channel := s.handler, s.channel
	s.mu.Unlock()
	acker := &fakeAcker{}
	handler(broker.Delivery{
		ID:      "delivery-" + topic,
		Channel: channel,
		Topic:   topic,
		Payload: []byte(payload),
		Acker:   acker,
	})
	return acker
}

type fakeAcker struct {
	mu     sync.Mutex
	acked  int
	nacked int
}

func (a *fakeAcker) Ack() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked++
	return nil
}

func (a *fakeAcker) Nack() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked++
	return nil
}

func (a *fakeAcker) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked, a.nacked
}

// fakeTimer records scheduled reconnect delays and fires them on demand.
type fakeTimer struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []func()
}

func (f *fakeTimer) afterFunc(d time.Duration, fn func()) timerHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	f.pending = append(f.pending, fn)
	return stopFunc(func() bool { return true })
}

// fireNext runs the oldest scheduled callback. It reports false when none is pending.
func (f *fakeTimer) fireNext() bool {
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.mu.Unlock()
		return false
	}
	fn := f.pending[0]
	f.pending = f.pending[1:]
	f.mu.Unlock()
	fn()
	return true
}

func (f *fakeTimer) scheduled() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

type stopFunc func() bool

func (f stopFunc) Stop() bool { return f() }

// testConfig returns a config that passes validation without touching a real broker.
func testConfig() *configpkg.Config {
	return &configpkg.Config{
		Context: configpkg.DefaultContext(),
	}
}

func newTestService(t *testing.T, dialer broker.Dialer, bindings ...SocketBinding) *Service {
	t.Helper()
	svc, err := NewService(testConfig(), loggingpkg.NewNopServiceLogger(), ServiceDependencies{
		Dialer:                    dialer,
		DisableDefaultMiddlewares: true,
		MetricsRegisterer:         prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, svc.Register(bindings...))
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func newTestRequest(channel, topic, message string) *RequestContext {
	rc, err := handlers.NewRequestContext(context.Background(), handlers.SocketInfo{
		Channel:  channel,
		Topic:    topic,
		Type:     broker.SocketSub,
		Encoding: "utf8",
	}, broker.Delivery{Channel: channel, Topic: topic, Payload: []byte(message)}, loggingpkg.NewNopServiceLogger())
	if err != nil {
		panic(err)
	}
	return rc
}

type recordedLog struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

// recordingLogger stores every entry, including those of its children.
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]recordedLog
	fields  loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]recordedLog{}}
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, recordedLog{level: level, msg: msg, err: err, fields: merged})
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: l.mu, entries: l.entries, fields: merged}
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) find(msg string) (recordedLog, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range *l.entries {
		if e.msg == msg {
			return e, true
		}
	}
	return recordedLog{}, false
}
