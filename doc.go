// Package rabbitflow binds message broker sockets to controllers through a
// middleware pipeline. A Service reads its connection context, socket
// declarations and reconnect policy from Config, opens the sockets on every
// connection and runs each delivery through the middleware chain before its
// controller. Lost connections are re-established with exponential backoff.
//
// A minimal setup fills Config, creates a Service, registers SocketBindings
// and calls Run. Controllers are plain functions taking a *RequestContext, or
// dotted strings resolved through a ControllerRegistry. JSONController and
// ProtoController build typed controllers for JSON and protojson payloads.
//
// # Brokers
//
// The broker is derived from the context URL scheme:
//   - amqp, amqps: native RabbitMQ sockets (PUB, SUB, PUSH, PULL, WORKER)
//   - nats: NATS subjects
//   - kafka: Kafka topics
//   - http, https: webhook subscriber and HTTP publisher
//   - sns: AWS SNS topics with SQS subscriptions, LocalStack supported
//   - mem, channel: in-process Go channels
//   - file: newline-delimited JSON file
//
// Config.Broker picks an implementation explicitly, for example "rabbitmq" for
// the Watermill AMQP adapter.
//
// # Middleware
//
// Middleware receives the request context and a next function, and may call
// next at most once. The default chain adds correlation IDs, message logging,
// OpenTelemetry tracing, Prometheus metrics and panic recovery. Disable it with
// ServiceDependencies.DisableDefaultMiddlewares and add your own with
// Service.Use or ServiceDependencies.Middlewares.
//
// # Errors
//
// Errors escaping a pipeline reach the handler set with Service.Catch as a
// *PipelineError, and the delivery is nacked. Connection errors that cannot be
// retried arrive there as *ConnectionError. A ReconnectHandler may return
// ErrStopReconnecting to give up.
package rabbitflow
