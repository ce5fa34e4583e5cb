package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/rabbitflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/rabbitflow/internal/runtime/metadata"
)

// JobContext provides information about a message being processed to hooks.
type JobContext struct {
	// Controller is the name of the controller handling the message.
	Controller string
	Channel    string
	// Topic is the routing key the message was published with.
	Topic     string
	MessageID string
	Metadata  metadatapkg.Metadata
	Context   context.Context
	StartedAt time.Time
	// Duration is how long the rest of the chain took (only set in OnJobDone and OnJobError).
	Duration time.Duration
}

// JobHooks defines callbacks for message lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the rest of the chain runs.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when the rest of the chain succeeded.
	OnJobDone func(ctx JobContext)

	// OnJobError is called with the error the rest of the chain returned.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware creates a middleware that invokes the provided hooks
// around the rest of the chain.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks),
	}
}

func jobHooksMiddleware(hooks JobHooks) Middleware {
	return func(rc *RequestContext, next Next) error {
		jobCtx := JobContext{
			Controller: rc.Socket.Controller,
			Channel:    rc.Channel,
			Topic:      rc.Topic,
			MessageID:  rc.ID,
			Metadata:   rc.Metadata,
			Context:    rc.Context(),
			StartedAt:  time.Now(),
		}

		if hooks.OnJobStart != nil {
			hooks.OnJobStart(jobCtx)
		}

		err := next()
		jobCtx.Duration = time.Since(jobCtx.StartedAt)

		if err != nil {
			if hooks.OnJobError != nil {
				hooks.OnJobError(jobCtx, err)
			}
		} else if hooks.OnJobDone != nil {
			hooks.OnJobDone(jobCtx)
		}

		return err
	}
}

// LoggingHooks returns pre-built hooks that log message lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	fields := func(ctx JobContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"controller": ctx.Controller,
			"channel":    ctx.Channel,
			"topic":      ctx.Topic,
			"message_id": ctx.MessageID,
		}
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", fields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", withField(fields(ctx), "duration_ms", ctx.Duration.Milliseconds()))
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, withField(fields(ctx), "duration_ms", ctx.Duration.Milliseconds()))
		},
	}
}

// MetricsHooks returns pre-built hooks that report to caller-supplied counters.
func MetricsHooks(onStart, onDone, onError func(controller, channel string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Controller, ctx.Channel)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Controller, ctx.Channel)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.Controller, ctx.Channel)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
