package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/drblury/rabbitflow/broker/channel"
	configpkg "github.com/drblury/rabbitflow/internal/runtime/config"
	loggingpkg "github.com/drblury/rabbitflow/internal/runtime/logging"
)

func TestServiceOverInMemoryBroker(t *testing.T) {
	memCtx, err := configpkg.ParseContext("mem://local")
	require.NoError(t, err)
	cfg := &configpkg.Config{Context: memCtx, JSON: true}

	svc, err := NewService(cfg, loggingpkg.NewNopServiceLogger(), ServiceDependencies{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	type greeting struct {
		topic string
		name  string
	}
	got := make(chan greeting, 4)
	require.NoError(t, svc.Register(
		SocketBinding{Channel: "greetings", Topic: "hello.*", Controller: func(rc *RequestContext) error {
			got <- greeting{topic: rc.Topic, name: rc.Lookup("name").String()}
			return nil
		}},
		SocketBinding{Channel: "greetings", Type: "PUB"},
	))
	require.NoError(t, svc.Use(MessageIDMiddleware().Middleware))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Listen(ctx))

	require.NoError(t, svc.PublishJSON(ctx, "greetings", "bye.world", map[string]string{"name": "skipped"}))
	require.NoError(t, svc.PublishJSON(ctx, "greetings", "hello.world", map[string]string{"name": "ada"}))

	select {
	case g := <-got:
		assert.Equal(t, greeting{topic: "hello.world", name: "ada"}, g)
	case <-time.After(3 * time.Second):
		t.Fatal("expected the greeting to be delivered")
	}

	require.Eventually(t, func() bool {
		return svc.Bindings()[0].Stats != nil && bindingProcessed(svc.Bindings()[0].Stats) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, got, "messages outside the topic pattern are not delivered")
}

func bindingProcessed(stats *BindingStats) uint64 {
	stats.mu.Lock()
	defer stats.mu.Unlock()
	return stats.MessagesProcessed
}
