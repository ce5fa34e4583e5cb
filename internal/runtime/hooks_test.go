package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hookRequest() *RequestContext {
	rc := newTestRequest("orders", "order.created", "payload")
	rc.ID = "msg-1"
	rc.Socket.Controller = "orders.created"
	return rc
}

func TestJobHooks_OnJobStart(t *testing.T) {
	var captured JobContext
	mw := jobHooksMiddleware(JobHooks{
		OnJobStart: func(ctx JobContext) { captured = ctx },
	})

	require.NoError(t, run(mw, hookRequest(), nil))
	assert.Equal(t, "msg-1", captured.MessageID)
	assert.Equal(t, "orders.created", captured.Controller)
	assert.Equal(t, "orders", captured.Channel)
	assert.Equal(t, "order.created", captured.Topic)
	assert.NotNil(t, captured.Context)
	assert.False(t, captured.StartedAt.IsZero())
}

func TestJobHooks_OnJobDone(t *testing.T) {
	var captured JobContext
	errorCalled := false
	mw := jobHooksMiddleware(JobHooks{
		OnJobDone:  func(ctx JobContext) { captured = ctx },
		OnJobError: func(JobContext, error) { errorCalled = true },
	})

	require.NoError(t, run(mw, hookRequest(), func(rc *RequestContext) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}))
	assert.GreaterOrEqual(t, captured.Duration, 10*time.Millisecond)
	assert.False(t, errorCalled)
}

func TestJobHooks_OnJobError(t *testing.T) {
	boom := errors.New("handler failed")
	var captured error
	doneCalled := false
	mw := jobHooksMiddleware(JobHooks{
		OnJobDone:  func(JobContext) { doneCalled = true },
		OnJobError: func(ctx JobContext, err error) { captured = err },
	})

	assert.ErrorIs(t, run(mw, hookRequest(), func(rc *RequestContext) error { return boom }), boom)
	assert.ErrorIs(t, captured, boom)
	assert.False(t, doneCalled)
}

func TestJobHooks_NilHooks(t *testing.T) {
	assert.NoError(t, run(jobHooksMiddleware(JobHooks{}), hookRequest(), nil))
}

func TestJobHooks_Merge(t *testing.T) {
	var order []string
	first := JobHooks{
		OnJobStart: func(JobContext) { order = append(order, "first-start") },
		OnJobError: func(JobContext, error) { order = append(order, "first-error") },
	}
	second := JobHooks{
		OnJobStart: func(JobContext) { order = append(order, "second-start") },
		OnJobDone:  func(JobContext) { order = append(order, "second-done") },
	}
	merged := first.Merge(second)

	require.NoError(t, run(jobHooksMiddleware(merged), hookRequest(), nil))
	assert.Equal(t, []string{"first-start", "second-start", "second-done"}, order)

	order = nil
	_ = run(jobHooksMiddleware(merged), hookRequest(), func(rc *RequestContext) error { return errors.New("x") })
	assert.Equal(t, []string{"first-start", "second-start", "first-error"}, order)
}

func TestJobHooksMiddlewareRegistration(t *testing.T) {
	reg := JobHooksMiddleware(JobHooks{})
	assert.Equal(t, "job_hooks", reg.Name)
	assert.NotNil(t, reg.Middleware)
}

func TestLoggingHooks(t *testing.T) {
	logger := newRecordingLogger()
	mw := jobHooksMiddleware(LoggingHooks(logger))

	require.NoError(t, run(mw, hookRequest(), nil))
	_ = run(mw, hookRequest(), func(rc *RequestContext) error { return errors.New("x") })

	for _, msg := range []string{"Job started", "Job completed", "Job failed"} {
		entry, ok := logger.find(msg)
		require.True(t, ok, msg)
		assert.Equal(t, "orders.created", entry.fields["controller"])
	}
}

func TestMetricsHooks(t *testing.T) {
	var started, done, failed []string
	hooks := MetricsHooks(
		func(controller, channel string) { started = append(started, controller+"@"+channel) },
		func(controller, channel string) { done = append(done, controller) },
		func(controller, channel string) { failed = append(failed, controller) },
	)
	mw := jobHooksMiddleware(hooks)

	require.NoError(t, run(mw, hookRequest(), nil))
	_ = run(mw, hookRequest(), func(rc *RequestContext) error { return errors.New("x") })

	assert.Equal(t, []string{"orders.created@orders", "orders.created@orders"}, started)
	assert.Len(t, done, 1)
	assert.Len(t, failed, 1)

	assert.NotPanics(t, func() {
		_ = run(jobHooksMiddleware(MetricsHooks(nil, nil, nil)), hookRequest(), nil)
	})
}

func TestAlertingHooks(t *testing.T) {
	var alerted error
	hooks := AlertingHooks(func(ctx JobContext, err error) { alerted = err })
	assert.Nil(t, hooks.OnJobStart)
	assert.Nil(t, hooks.OnJobDone)

	boom := errors.New("page someone")
	_ = run(jobHooksMiddleware(hooks), hookRequest(), func(rc *RequestContext) error { return boom })
	assert.ErrorIs(t, alerted, boom)
}
