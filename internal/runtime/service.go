package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/rabbitflow/broker"
	configpkg "github.com/drblury/rabbitflow/internal/runtime/config"
	errspkg "github.com/drblury/rabbitflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/rabbitflow/internal/runtime/logging"
)

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the defaults.
type ServiceDependencies struct {
	// Dialer overrides the broker picked from the config.
	Dialer broker.Dialer
	// Controllers resolves string controllers.
	Controllers ControllerResolver
	// Middlewares are appended after the default middleware chain.
	Middlewares               []MiddlewareRegistration
	DisableDefaultMiddlewares bool
	ErrorClassifier           ErrorClassifier
	// MetricsRegisterer defaults to prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer
	// Catch and Reconnect preset the handlers otherwise set with Service.Catch
	// and Service.Reconnect.
	Catch     CatchHandler
	Reconnect ReconnectHandler
}

// Service binds sockets on a broker connection and runs every delivery through
// the middleware chain and its controller. It reconnects on connection loss.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	dialer      broker.Dialer
	controllers ControllerResolver
	reconnect   *reconnector
	metrics     *serviceMetrics

	mu        sync.RWMutex
	bindings  []*binding
	chain     []Middleware
	catch     CatchHandler
	listening bool
	closed    bool

	connMu     sync.Mutex
	conn       broker.Connection
	connGen    uint64
	sockets    []broker.Socket
	publishers map[string]broker.Socket

	readyOnce sync.Once
	ready     chan struct{}
	fatal     chan error

	ctx    context.Context
	cancel context.CancelFunc

	httpServers   map[int]*http.ServeMux
	running       []*http.Server
	httpServersMu sync.Mutex

	errorClassifier ErrorClassifier
	resourceTracker *resourceTracker
}

// NewService constructs a Service for the supplied configuration. Defaults are
// applied to a copy of conf. Sockets declared in the config are registered
// right away, so string controllers must be resolvable through deps.Controllers.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	cfg := conf.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigurationError("config", err)
	}

	log.Info("Creating rabbitflow service", loggingpkg.LogFields{
		"broker": broker.ResolveName(&cfg),
		"config": cfg,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		Conf:            &cfg,
		Logger:          log,
		controllers:     deps.Controllers,
		publishers:      make(map[string]broker.Socket),
		ready:           make(chan struct{}),
		fatal:           make(chan error, 1),
		ctx:             ctx,
		cancel:          cancel,
		catch:           deps.Catch,
		errorClassifier: deps.ErrorClassifier,
		resourceTracker: newResourceTracker(),
	}
	if s.errorClassifier == nil {
		s.errorClassifier = defaultErrorClassifier
	}

	s.dialer = deps.Dialer
	if s.dialer == nil {
		dialer, err := broker.Build(ctx, &cfg, loggingpkg.NewWatermillAdapter(log))
		if err != nil {
			cancel()
			return nil, errspkg.NewConfigurationError("broker", err)
		}
		s.dialer = dialer
	}

	if cfg.MetricsEnabled {
		metrics, err := newServiceMetrics(deps.MetricsRegisterer)
		if err != nil {
			cancel()
			return nil, errspkg.NewConfigurationError("metrics", err)
		}
		s.metrics = metrics
	}

	s.reconnect = newReconnector(cfg.Reconnect, log)
	s.reconnect.attempt = s.reconnectAttempt
	s.reconnect.stopped = s.reconnectStopped
	s.reconnect.observe = s.metrics.observeConnection
	if deps.Reconnect != nil {
		s.reconnect.setHandler(deps.Reconnect)
	}

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		cancel()
		return nil, err
	}
	if err := s.Register(BindingsFromConfig(cfg.Sockets)...); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// Register adds socket bindings. Controllers are resolved immediately and any
// problem is returned as a *ConfigurationError. Bindings cannot be added once
// the service listens.
func (s *Service) Register(bindings ...SocketBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return errspkg.ErrAlreadyListening
	}

	resolved := make([]*binding, 0, len(bindings))
	for _, sb := range bindings {
		b, err := newBinding(sb, s.Conf.Defaults, s.Conf.Controllers, s.controllers)
		if err != nil {
			return errspkg.NewConfigurationError("register "+sb.Channel, err)
		}
		b.stats = newBindingStats(s.getResourceTracker())
		resolved = append(resolved, b)
	}
	s.bindings = append(s.bindings, resolved...)

	for _, b := range resolved {
		s.Logger.Debug("Registered socket", loggingpkg.LogFields{
			"channel":    b.Channel,
			"topic":      b.Topic,
			"type":       string(b.kind),
			"controller": b.controllerName,
		})
	}
	return nil
}

// Use appends middleware to the chain. The first middleware added runs
// outermost.
func (s *Service) Use(mws ...Middleware) error {
	for _, mw := range mws {
		if mw == nil {
			return errspkg.ErrMiddlewareRequired
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return errspkg.ErrAlreadyListening
	}
	s.chain = append(s.chain, mws...)
	return nil
}

// Catch sets the handler for errors escaping a pipeline.
func (s *Service) Catch(handler CatchHandler) error {
	if handler == nil {
		return errspkg.ErrCatchRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catch = handler
	return nil
}

// Reconnect sets the hook called before each reconnect delay.
func (s *Service) Reconnect(handler ReconnectHandler) error {
	if handler == nil {
		return errspkg.ErrReconnectRequired
	}
	s.reconnect.setHandler(handler)
	return nil
}

// SetReconnectPolicy replaces the backoff settings. Zero fields take the defaults.
func (s *Service) SetReconnectPolicy(policy ReconnectPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return errspkg.ErrAlreadyListening
	}
	candidate := *s.Conf
	candidate.Reconnect = policy
	candidate = candidate.WithDefaults()
	if err := candidate.Validate(); err != nil {
		return errspkg.NewConfigurationError("reconnect policy", err)
	}
	s.Conf.Reconnect = candidate.Reconnect
	s.reconnect.setPolicy(candidate.Reconnect)
	return nil
}

// SetContext replaces the broker location. It accepts a URL string or a
// configpkg.ConnectionContext whose empty parts take the defaults.
func (s *Service) SetContext(value any) error {
	var next configpkg.ConnectionContext
	switch v := value.(type) {
	case string:
		parsed, err := configpkg.ParseContext(v)
		if err != nil {
			return errspkg.NewConfigurationError("context", err)
		}
		next = parsed
	case configpkg.ConnectionContext:
		next = v.Merge(configpkg.DefaultContext())
	case *configpkg.ConnectionContext:
		if v == nil {
			return errspkg.NewConfigurationError("context", errors.New("context is nil"))
		}
		next = v.Merge(configpkg.DefaultContext())
	default:
		return errspkg.NewConfigurationError("context", fmt.Errorf("unsupported context type %T", value))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return errspkg.ErrAlreadyListening
	}
	s.Conf.Context = next
	return nil
}

// Bindings returns a snapshot of the registered bindings.
func (s *Service) Bindings() []BindingInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BindingInfo, len(s.bindings))
	for i, b := range s.bindings {
		out[i] = BindingInfo{
			Channel:    b.Channel,
			Topic:      b.Topic,
			Type:       string(b.kind),
			Controller: b.controllerName,
			Stats:      b.stats,
		}
	}
	return out
}

// ConnectionState reports the current reconnect state.
func (s *Service) ConnectionState() ConnectionSnapshot {
	return s.reconnect.snapshot()
}

// Listen connects to the broker and binds every socket. It returns once the
// first connection is ready, when a failure cannot be retried, or when ctx is
// done. Qualifying failures before the first connection are retried with
// backoff while Listen keeps waiting. A failed Listen closes the service.
func (s *Service) Listen(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errspkg.ErrServiceClosed
	}
	if s.listening {
		s.mu.Unlock()
		return errspkg.ErrAlreadyListening
	}
	s.listening = true
	chain := s.chain
	for _, b := range s.bindings {
		if b.controller != nil {
			b.pipeline = Compose(chain, b.controller)
		}
	}
	s.mu.Unlock()

	s.startWebUIServer()
	s.startHTTPServers()

	gen := s.reconnect.current()
	if err := s.connect(ctx, gen); err != nil {
		if !broker.IsQualifying(err) {
			s.Close()
			return &errspkg.ConnectionError{Err: err}
		}
		s.reconnect.failed(gen, err)
	}

	select {
	case <-s.ready:
		s.Logger.Info("Service listening", loggingpkg.LogFields{"url": configpkg.RedactURL(s.Conf.GetBrokerURL())})
		return nil
	case err := <-s.fatal:
		s.Close()
		return &errspkg.ConnectionError{Err: err, Qualifying: broker.IsQualifying(err)}
	case <-s.ctx.Done():
		return errspkg.ErrServiceClosed
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

// Run listens and blocks until ctx is done, then closes the service.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

// Close stops reconnecting, closes the sockets and the connection and shuts the
// HTTP servers down. It is safe to call more than once.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.reconnect.stop()
	s.cancel()

	err := s.dropConnection()
	s.stopHTTPServers()
	s.Logger.Info("Service closed", nil)
	return err
}

func (s *Service) baseContext() context.Context {
	return s.ctx
}

// connect dials the broker for gen, waits for it to be ready and binds every
// socket.
func (s *Service) connect(ctx context.Context, gen uint64) error {
	conn, err := s.dialer.Dial(ctx, s.Conf.GetBrokerURL())
	if err != nil {
		return err
	}
	if err := awaitReady(ctx, conn); err != nil {
		_ = conn.Close()
		return err
	}

	sockets, publishers, err := s.bind(ctx, conn)
	if err != nil {
		closeSockets(sockets)
		_ = conn.Close()
		return err
	}

	s.connMu.Lock()
	if !s.reconnect.isCurrent(gen) {
		s.connMu.Unlock()
		closeSockets(sockets)
		_ = conn.Close()
		return nil
	}
	s.conn, s.connGen, s.sockets, s.publishers = conn, gen, sockets, publishers
	s.connMu.Unlock()

	if !s.reconnect.connected(gen) {
		_ = s.dropConnection()
		return nil
	}
	go s.watch(conn, gen)
	s.readyOnce.Do(func() { close(s.ready) })
	return nil
}

func awaitReady(ctx context.Context, conn broker.Connection) error {
	select {
	case ev, ok := <-conn.Events():
		if !ok {
			return broker.ErrUnexpectedClose
		}
		switch ev.Type {
		case broker.EventReady:
			return nil
		case broker.EventClose:
			if ev.Err == nil {
				return broker.ErrUnexpectedClose
			}
			return ev.Err
		default:
			return ev.Err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) bind(ctx context.Context, conn broker.Connection) ([]broker.Socket, map[string]broker.Socket, error) {
	s.mu.RLock()
	bindings := s.bindings
	s.mu.RUnlock()

	sockets := make([]broker.Socket, 0, len(bindings))
	publishers := make(map[string]broker.Socket)
	for _, b := range bindings {
		sock, err := conn.Socket(b.kind, b.Options.Broker())
		if err != nil {
			return sockets, nil, fmt.Errorf("socket %s on %q: %w", b.kind, b.Channel, err)
		}
		sockets = append(sockets, sock)
		if err := sock.SetEncoding(b.encoding); err != nil {
			return sockets, nil, err
		}
		if err := sock.Connect(ctx, b.Channel, b.Topic); err != nil {
			return sockets, nil, fmt.Errorf("connect %q: %w", b.Channel, err)
		}
		if !b.kind.Consumes() {
			publishers[b.Channel] = sock
			continue
		}
		bound := b
		if err := sock.On(b.Listen, func(d broker.Delivery) { s.dispatch(bound, d) }); err != nil {
			return sockets, nil, fmt.Errorf("listen %q: %w", b.Channel, err)
		}
	}
	return sockets, publishers, nil
}

// watch routes lifecycle events of a live connection until its stream closes.
func (s *Service) watch(conn broker.Connection, gen uint64) {
	for ev := range conn.Events() {
		switch ev.Type {
		case broker.EventReady:
		case broker.EventClose:
			if ev.Err != nil {
				s.connectionFailed(gen, ev.Err)
			}
		case broker.EventError:
			s.connectionFailed(gen, ev.Err)
		}
	}
}

func (s *Service) connectionFailed(gen uint64, err error) {
	if err == nil {
		return
	}
	if broker.IsQualifying(err) {
		s.metrics.connectionLost()
		s.reconnect.failed(gen, err)
		return
	}
	s.handleError(&errspkg.ConnectionError{Err: err})
}

func (s *Service) reconnectAttempt(gen uint64) {
	_ = s.dropConnection()
	s.metrics.reconnectAttempt()

	ctx, cancel := context.WithTimeout(s.ctx, s.attemptTimeout())
	defer cancel()
	if err := s.connect(ctx, gen); err != nil {
		s.Logger.Error("Reconnect attempt failed", err, loggingpkg.LogFields{"generation": gen})
		s.reconnect.failed(gen, err)
	}
}

func (s *Service) attemptTimeout() time.Duration {
	if max := s.Conf.Reconnect.MaxDelay; max > 30*time.Second {
		return max
	}
	return 30 * time.Second
}

func (s *Service) reconnectStopped(err error) {
	select {
	case <-s.ready:
		s.handleError(&errspkg.ConnectionError{Err: err, Qualifying: broker.IsQualifying(err)})
	default:
		select {
		case s.fatal <- err:
		default:
		}
	}
}

// dropConnection closes the current sockets and connection, if any.
func (s *Service) dropConnection() error {
	s.connMu.Lock()
	conn, sockets := s.conn, s.sockets
	s.conn, s.sockets = nil, nil
	s.publishers = make(map[string]broker.Socket)
	s.connMu.Unlock()

	closeSockets(sockets)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func closeSockets(sockets []broker.Socket) {
	for _, sock := range sockets {
		_ = sock.Close()
	}
}

// RegisterHTTPHandler mounts handler on the HTTP server for port. Servers start
// with Listen.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		s.running = append(s.running, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (s *Service) stopHTTPServers() {
	s.httpServersMu.Lock()
	running := s.running
	s.running = nil
	s.httpServersMu.Unlock()

	for _, srv := range running {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			s.Logger.Error("Failed to stop HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
		}
		cancel()
	}
}

func (s *Service) getErrorClassifier() ErrorClassifier {
	if s.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return s.errorClassifier
}

func (s *Service) getResourceTracker() *resourceTracker {
	if s.resourceTracker == nil {
		s.resourceTracker = newResourceTracker()
	}
	return s.resourceTracker
}
