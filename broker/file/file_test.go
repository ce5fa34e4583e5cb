package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rabbitflow/broker"
)

func TestRegistered(t *testing.T) {
	assert.True(t, broker.DefaultRegistry.Has(BrokerName))
	assert.Equal(t, broker.FileCapabilities, Capabilities())
	assert.Equal(t, BrokerName, broker.NameFromURL("file://localhost/tmp/bus.log"))
}

func TestPathFromURL(t *testing.T) {
	path, err := PathFromURL("file://localhost/var/log/bus.log")
	require.NoError(t, err)
	assert.Equal(t, "/var/log/bus.log", path)

	path, err = PathFromURL("file://localhost")
	require.NoError(t, err)
	assert.Equal(t, DefaultFilePath, path)
}

func TestPublishAndTail(t *testing.T) {
	PollInterval = 5 * time.Millisecond
	logPath := filepath.Join(t.TempDir(), "bus.log")
	url := "file://localhost" + logPath

	dialer, err := Build(context.Background(), nil, watermill.NopLogger{})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	producer, err := dialer.Dial(ctx, url)
	require.NoError(t, err)
	defer producer.Close()
	pub, err := producer.Socket(broker.SocketPub, broker.SocketOptions{})
	require.NoError(t, err)
	require.NoError(t, pub.Connect(ctx, "orders", ""))

	require.NoError(t, pub.Publish(ctx, "order.old", []byte("before subscribe")))

	consumer, err := dialer.Dial(ctx, url)
	require.NoError(t, err)
	defer consumer.Close()
	sub, err := consumer.Socket(broker.SocketSub, broker.SocketOptions{})
	require.NoError(t, err)
	require.NoError(t, sub.Connect(ctx, "orders", "order.*"))
	got := make(chan broker.Delivery, 4)
	require.NoError(t, sub.On(broker.DefaultListenEvent, func(d broker.Delivery) {
		got <- d
		_ = d.Ack()
	}))

	other, err := producer.Socket(broker.SocketPub, broker.SocketOptions{})
	require.NoError(t, err)
	require.NoError(t, other.Connect(ctx, "users", ""))
	require.NoError(t, other.Publish(ctx, "order.new", []byte("other channel")))
	require.NoError(t, pub.Publish(ctx, "order.new", []byte("after subscribe")))

	select {
	case d := <-got:
		assert.Equal(t, "after subscribe", string(d.Payload))
		assert.Equal(t, "order.new", d.Topic)
		assert.Equal(t, "orders", d.Channel)
	case <-time.After(3 * time.Second):
		t.Fatal("expected tailed delivery")
	}
	assert.Empty(t, got)

	raw, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(raw), "\n"))
}

func TestPublisherClosed(t *testing.T) {
	p := &Publisher{path: filepath.Join(t.TempDir(), "bus.log")}
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Publish("orders"), broker.ErrClosed)
}
