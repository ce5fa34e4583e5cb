package runtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errspkg "github.com/drblury/rabbitflow/internal/runtime/errors"
	"github.com/drblury/rabbitflow/internal/runtime/handlers"
	idspkg "github.com/drblury/rabbitflow/internal/runtime/ids"
	"github.com/drblury/rabbitflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/rabbitflow/internal/runtime/logging"
)

// MiddlewareBuilder constructs a middleware using the provided service instance.
// Returning a nil middleware skips the registration.
type MiddlewareBuilder func(*Service) (Middleware, error)

// MiddlewareRegistration captures how a middleware should be added to a Service chain.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard chain used by the Service constructor.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// RegisterMiddleware builds the registration and appends it to the chain.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}
	return s.Use(mw)
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return errspkg.NewConfigurationError("middleware "+name, err)
		}
	}
	return nil
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

func correlationIDMiddleware(rc *RequestContext, next Next) error {
	if rc.Metadata == nil {
		rc.Metadata = make(map[string]string)
	}
	if rc.Metadata.Get(handlers.MetadataKeyCorrelationID) == "" {
		rc.Metadata[handlers.MetadataKeyCorrelationID] = idspkg.CreateULID()
	}
	return next()
}

// MessageIDMiddleware fills rc.ID with the broker message id, or a fresh ULID.
func MessageIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "message_id",
		Middleware: Before(func(rc *RequestContext) error {
			if rc.ID != "" {
				return nil
			}
			rc.ID = rc.Metadata.Get(handlers.MetadataKeyMessageID)
			if rc.ID == "" {
				rc.ID = idspkg.CreateULID()
			}
			return nil
		}),
	}
}

// LogMessagesMiddleware logs each message on the way in and out.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (Middleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) Middleware {
	return func(rc *RequestContext, next Next) error {
		location := rc.Channel
		if rc.Topic != "" {
			location += ":(" + rc.Topic + ")"
		}
		fields := loggingpkg.LogFields{
			"location":   location,
			"message_id": rc.ID,
			"controller": rc.Socket.Controller,
			"metadata":   rc.Metadata,
		}
		logger.Debug("=> Processing message", withField(fields, "payload", rc.Message))

		start := time.Now()
		err := next()

		fields = withField(fields, "duration_ms", time.Since(start).Milliseconds())
		if err != nil {
			logger.Error("<= Message failed", err, fields)
			return err
		}
		logger.Debug("<= Message processed", fields)
		return nil
	}
}

// TracerMiddleware wraps the rest of the chain in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

func tracerMiddleware(rc *RequestContext, next Next) error {
	tracer := otel.Tracer("rabbitflow")
	ctx, span := tracer.Start(rc.Context(), "ProcessMessage")
	defer span.End()
	rc.SetContext(ctx)

	span.SetAttributes(
		attribute.String("messaging.destination", rc.Channel),
		attribute.String("messaging.routing_key", rc.Topic),
		attribute.String("rabbitflow.controller", rc.Socket.Controller),
	)
	if sc := span.SpanContext(); sc.IsValid() {
		if rc.Metadata == nil {
			rc.Metadata = make(map[string]string)
		}
		rc.Metadata[handlers.MetadataKeyTraceID] = sc.TraceID().String()
		rc.Metadata[handlers.MetadataKeySpanID] = sc.SpanID().String()
	}

	err := next()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// MetricsMiddleware records Prometheus metrics per message and serves them on
// the configured metrics port. It is skipped when metrics are disabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (Middleware, error) {
			if !s.Conf.MetricsEnabled || s.metrics == nil {
				return nil, nil
			}
			if s.Conf.MetricsPort > 0 {
				s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.Handler())
			}
			return s.metrics.middleware, nil
		},
	}
}

// RecovererMiddleware logs panics raised further down the chain with their stack.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "recoverer",
		Builder: func(s *Service) (Middleware, error) {
			return func(rc *RequestContext, next Next) error {
				err := next()
				var panicErr *errspkg.PanicError
				if errors.As(err, &panicErr) {
					s.Logger.Error("Recovered from panic", err, loggingpkg.LogFields{
						"channel": rc.Channel,
						"stack":   panicErr.Stack,
					})
				}
				return err
			}, nil
		},
	}
}

// JSONParserMiddleware parses the message into rc.JSON. Use it instead of the
// json config flag to parse only behind earlier middleware.
func JSONParserMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "json_parser",
		Middleware: Before(func(rc *RequestContext) error {
			if rc.JSON != nil {
				return nil
			}
			var parsed any
			if err := jsoncodec.UnmarshalString(rc.Message, &parsed); err != nil {
				return &errspkg.ParsePayloadError{Payload: rc.Message, Err: err}
			}
			rc.JSON = parsed
			return nil
		}),
	}
}

// MatchFieldMiddleware lets a message through only when the field at path
// (gjson syntax) equals one of values. Other messages are acknowledged
// without running the rest of the chain.
func MatchFieldMiddleware(path string, values ...string) MiddlewareRegistration {
	allowed := make(map[string]struct{}, len(values))
	for _, v := range values {
		allowed[v] = struct{}{}
	}
	return MiddlewareRegistration{
		Name: fmt.Sprintf("match_field(%s)", path),
		Builder: func(s *Service) (Middleware, error) {
			if path == "" {
				return nil, errors.New("match field middleware requires a path")
			}
			return func(rc *RequestContext, next Next) error {
				field := gjson.Get(rc.Message, path)
				if _, ok := allowed[field.String()]; !field.Exists() || !ok {
					rc.Logger.Trace("Message filtered", loggingpkg.LogFields{"path": path, "value": field.String()})
					return nil
				}
				return next()
			}, nil
		},
	}
}

func withField(fields loggingpkg.LogFields, key string, value any) loggingpkg.LogFields {
	out := make(loggingpkg.LogFields, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}
