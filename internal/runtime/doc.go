/*
Package runtime hosts the rabbitflow service: socket bindings, the middleware
pipeline, controller resolution and the reconnect state machine.

# Service (service.go, dispatch.go)

A Service owns one broker connection at a time. Listen dials the broker
through a broker.Dialer, opens one socket per registered SocketBinding and
returns once the first connection is ready. Every delivery on a consuming
socket is dispatched on its own RequestContext:

  - the payload is decoded with the socket encoding
  - with Config.JSON set it is parsed into RequestContext.JSON
  - the pipeline runs and the delivery is acked, or nacked on error
  - errors reach the catch handler once, wrapped in a *PipelineError

# Pipeline (pipeline.go)

Middleware composes in onion order around the binding controller. Each
middleware may call next at most once; a second call fails the run with
ErrNextCalledTwice. Panics in middleware or controllers become *PanicError.
Before, FromAsync and FromAsyncController adapt simpler function shapes.

# Controllers (controller.go, binding.go)

A binding controller is a function value or a dotted path such as
"orders.created". Paths resolve through a ControllerResolver, usually a
ControllerRegistry populated by the host program.

# Reconnect (reconnect.go)

Connection failures that qualify (refused dials, unexpected closes) move the
service into backoff. Delays start at StartDelay, grow by Multiplier and cap
at MaxDelay. A ReconnectHandler runs before every wait and may return
ErrStopReconnecting to give up.

# Middleware, hooks and stats

middleware.go holds the configurable middleware (correlation and message IDs,
message logging, tracing, metrics, panic recovery, JSON parsing, field
matching). hooks.go adds job lifecycle callbacks. models.go and resources.go
keep per-binding stats, served as JSON by webui.go.

# Sub-packages

  - config/: configuration, defaults, validation and file loading
  - errors/: sentinel errors and error types
  - handlers/: RequestContext and typed JSON and protobuf controllers
  - ids/: ULID generation
  - jsoncodec/: JSON encoding
  - logging/: logger interface and adapters
  - metadata/: delivery headers

# Usage

	svc, err := rabbitflow.NewService(&rabbitflow.Config{JSON: true}, logger, rabbitflow.ServiceDependencies{})
	if err != nil {
		return err
	}
	svc.Register(rabbitflow.SocketBinding{
		Channel:    "events",
		Topic:      "user.*",
		Controller: handleUser,
	})
	return svc.Run(ctx)
*/
package runtime
