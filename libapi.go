package rabbitflow

import (
	"github.com/drblury/rabbitflow/broker"
	_ "github.com/drblury/rabbitflow/broker/brokers"
	runtimepkg "github.com/drblury/rabbitflow/internal/runtime"
	configpkg "github.com/drblury/rabbitflow/internal/runtime/config"
	errspkg "github.com/drblury/rabbitflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/rabbitflow/internal/runtime/handlers"
	idspkg "github.com/drblury/rabbitflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/rabbitflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/rabbitflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/rabbitflow/internal/runtime/metadata"
	"google.golang.org/protobuf/proto"
)

type (
	Config              = configpkg.Config
	ConnectionContext   = configpkg.ConnectionContext
	SocketConfig        = configpkg.SocketConfig
	SocketDefaults      = configpkg.SocketDefaults
	SocketOptions       = configpkg.SocketOptions
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	SocketBinding       = runtimepkg.SocketBinding
	Producer            = runtimepkg.Producer

	RequestContext  = runtimepkg.RequestContext
	Next            = runtimepkg.Next
	Middleware      = runtimepkg.Middleware
	Controller      = runtimepkg.Controller
	AsyncMiddleware = runtimepkg.AsyncMiddleware
	AsyncController = runtimepkg.AsyncController
	Pipeline        = runtimepkg.Pipeline

	ControllerModule   = runtimepkg.ControllerModule
	ControllerResolver = runtimepkg.ControllerResolver
	ControllerRegistry = runtimepkg.ControllerRegistry

	CatchHandler       = runtimepkg.CatchHandler
	PipelineError      = runtimepkg.PipelineError
	ConfigurationError = errspkg.ConfigurationError
	ParsePayloadError  = errspkg.ParsePayloadError
	ConnectionError    = errspkg.ConnectionError
	PanicError         = errspkg.PanicError

	ReconnectPolicy    = runtimepkg.ReconnectPolicy
	ReconnectInfo      = runtimepkg.ReconnectInfo
	ReconnectHandler   = runtimepkg.ReconnectHandler
	ConnectionState    = runtimepkg.ConnectionState
	ConnectionSnapshot = runtimepkg.ConnectionSnapshot

	JSONMessageContext[T any]            = handlerpkg.JSONMessageContext[T]
	JSONMessageOutput[O any]             = handlerpkg.JSONMessageOutput[O]
	JSONMessageHandler[T any, O any]     = handlerpkg.JSONMessageHandler[T, O]
	ProtoMessageContext[T proto.Message] = handlerpkg.ProtoMessageContext[T]
	ProtoMessageOutput                   = handlerpkg.ProtoMessageOutput
	ProtoMessageHandler[T proto.Message] = handlerpkg.ProtoMessageHandler[T]
	MessageContextBase                   = handlerpkg.MessageContextBase

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	BindingInfo  = runtimepkg.BindingInfo
	BindingStats = runtimepkg.BindingStats

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// Broker contract
	Dialer       = broker.Dialer
	Connection   = broker.Connection
	Socket       = broker.Socket
	Delivery     = broker.Delivery
	Capabilities = broker.Capabilities
)

var (
	NewService            = runtimepkg.NewService
	NewControllerRegistry = runtimepkg.NewControllerRegistry
	BindingsFromConfig    = runtimepkg.BindingsFromConfig
	ValidateConfig        = configpkg.ValidateConfig
	LoadConfig            = configpkg.Load
	ParseContext          = configpkg.ParseContext
	DefaultContext        = configpkg.DefaultContext

	Compose             = runtimepkg.Compose
	Before              = runtimepkg.Before
	FromAsync           = runtimepkg.FromAsync
	FromAsyncController = runtimepkg.FromAsyncController

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	MessageIDMiddleware     = runtimepkg.MessageIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	JSONParserMiddleware    = runtimepkg.JSONParserMiddleware
	MatchFieldMiddleware    = runtimepkg.MatchFieldMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	GetCapabilities = broker.GetCapabilities
	MatchTopic      = broker.MatchTopic

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrControllerRequired   = errspkg.ErrControllerRequired
	ErrChannelRequired      = errspkg.ErrChannelRequired
	ErrControllersDirectory = errspkg.ErrControllersDirectory
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrAlreadyListening     = errspkg.ErrAlreadyListening
	ErrServiceClosed        = errspkg.ErrServiceClosed
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrNextCalledTwice      = errspkg.ErrNextCalledTwice
	ErrStopReconnecting     = errspkg.ErrStopReconnecting
	ErrNotConnected         = broker.ErrNotConnected
	ErrConnectionRefused    = broker.ErrConnectionRefused
	ErrUnexpectedClose      = broker.ErrUnexpectedClose

	IsConfigurationError = errspkg.IsConfigurationError

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Metadata keys filled by brokers and middleware.
const (
	MetadataKeyCorrelationID = handlerpkg.MetadataKeyCorrelationID
	MetadataKeyMessageID     = handlerpkg.MetadataKeyMessageID
	MetadataKeyContentType   = handlerpkg.MetadataKeyContentType
	MetadataKeyEncoding      = handlerpkg.MetadataKeyEncoding
	MetadataKeyEventSchema   = handlerpkg.MetadataKeyEventSchema
	MetadataKeyTraceID       = handlerpkg.MetadataKeyTraceID
	MetadataKeySpanID        = handlerpkg.MetadataKeySpanID
)

// Reconnect states reported by Service.ConnectionState.
const (
	StateReconnecting = runtimepkg.StateReconnecting
	StateConnected    = runtimepkg.StateConnected
	StateBackoffWait  = runtimepkg.StateBackoffWait
	StateStopped      = runtimepkg.StateStopped
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

// JSONController builds a controller that decodes the payload into T, calls
// handler and publishes the returned outputs as JSON. T must be a pointer type.
func JSONController[T any, O any](handler JSONMessageHandler[T, O]) (Controller, error) {
	fn, err := handlerpkg.BuildJSONController(handler)
	if err != nil {
		return nil, err
	}
	return fn, nil
}

// ProtoController builds a controller for protojson payloads of type T.
func ProtoController[T proto.Message](prototype T, handler ProtoMessageHandler[T]) (Controller, error) {
	fn, err := handlerpkg.BuildProtoController(prototype, handler, nil)
	if err != nil {
		return nil, err
	}
	return fn, nil
}

// Value returns the request value stored under key when it has type T.
func Value[T any](rc *RequestContext, key string) (T, bool) {
	return handlerpkg.Value[T](rc, key)
}
