package runtime

import (
	"fmt"
	"time"

	"github.com/drblury/rabbitflow/broker"
	errspkg "github.com/drblury/rabbitflow/internal/runtime/errors"
	"github.com/drblury/rabbitflow/internal/runtime/handlers"
	"github.com/drblury/rabbitflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/rabbitflow/internal/runtime/logging"
)

// PipelineError carries an error raised while processing one message together
// with the message context. Context is nil when the context could not be built.
type PipelineError struct {
	Err     error
	Context *RequestContext
}

func (e *PipelineError) Error() string {
	if e.Context == nil {
		return "rabbitflow: message processing failed: " + e.Err.Error()
	}
	return fmt.Sprintf("rabbitflow: message on %s (%s) failed: %v", e.Context.Channel, e.Context.Topic, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// CatchHandler receives every error that escapes a pipeline, along with
// connection errors that do not trigger a reconnect. Message errors arrive as
// *PipelineError. An error returned by the handler is logged.
type CatchHandler func(err error) error

// dispatch runs one delivery through its binding's pipeline and settles it.
func (s *Service) dispatch(b *binding, d broker.Delivery) {
	logger := s.Logger.With(loggingpkg.LogFields{"channel": b.Channel, "controller": b.controllerName})

	rc, err := handlers.NewRequestContext(s.baseContext(), b.info(), d, logger)
	if err != nil {
		s.settle(d, err)
		s.handleError(&PipelineError{Err: err})
		return
	}
	rc.SetPublisher(s)

	start := time.Now()
	call := b.stats.onMessageStart()

	err = s.process(b, rc)

	b.stats.onMessageFinish(call, time.Since(start), err, s.getErrorClassifier())
	s.settle(d, err)
	if err != nil {
		s.handleError(&PipelineError{Err: err, Context: rc})
	}
}

func (s *Service) process(b *binding, rc *RequestContext) error {
	if s.Conf.JSON {
		var parsed any
		if err := jsoncodec.UnmarshalString(rc.Message, &parsed); err != nil {
			return &errspkg.ParsePayloadError{Payload: rc.Message, Err: err}
		}
		rc.JSON = parsed
	}
	return b.pipeline.Run(rc)
}

func (s *Service) settle(d broker.Delivery, err error) {
	settle := d.Ack
	if err != nil {
		settle = d.Nack
	}
	if serr := settle(); serr != nil {
		s.Logger.Error("Failed to settle delivery", serr, loggingpkg.LogFields{"delivery_id": d.ID, "nack": err != nil})
	}
}

// handleError hands err to the catch handler. Failures and panics of the
// handler itself are logged and dropped.
func (s *Service) handleError(err error) {
	s.mu.RLock()
	catch := s.catch
	s.mu.RUnlock()

	if catch == nil {
		s.Logger.Error("Unhandled error", err, nil)
		return
	}

	defer func() {
		if v := recover(); v != nil {
			s.Logger.Error("Catch handler panicked", &errspkg.PanicError{Value: v}, loggingpkg.LogFields{"original_error": err.Error()})
		}
	}()
	if cerr := catch(err); cerr != nil {
		s.Logger.Error("Catch handler failed", cerr, loggingpkg.LogFields{"original_error": err.Error()})
	}
}
