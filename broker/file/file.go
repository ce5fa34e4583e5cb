// Package file provides an append-only log file broker for rabbitflow. Every
// published message becomes one JSON line; consuming sockets tail the file
// from the moment they subscribe. Separate processes can share a log, which
// makes it handy for local tooling and demos.
//
// The log path is taken from the connection URL: file://localhost/tmp/bus.log
// uses /tmp/bus.log. A URL without a path uses DefaultFilePath.
package file

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/rabbitflow/broker"
	"github.com/drblury/rabbitflow/broker/pubsub"
	"github.com/drblury/rabbitflow/internal/runtime/jsoncodec"
)

// BrokerName is the name used to register this broker.
const BrokerName = "file"

// DefaultFilePath is used when the URL carries no path.
const DefaultFilePath = "rabbitflow.log"

// PollInterval is how long a subscriber waits at the end of the log before
// looking for new lines.
var PollInterval = 50 * time.Millisecond

func init() {
	broker.RegisterWithCapabilities(BrokerName, Build, broker.FileCapabilities)
}

// Build creates a Dialer writing to and tailing the log named by the URL.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Dialer, error) {
	return pubsub.NewDialer(factory, logger, pubsub.Options{Name: BrokerName}), nil
}

// Capabilities returns the capabilities of this broker.
func Capabilities() broker.Capabilities {
	return broker.FileCapabilities
}

func factory(ctx context.Context, params pubsub.Params) (message.Publisher, message.Subscriber, error) {
	path, err := PathFromURL(params.URL)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, err
	}
	if err := f.Close(); err != nil {
		return nil, nil, err
	}
	return &Publisher{path: path}, &Subscriber{path: path, logger: params.Logger}, nil
}

// PathFromURL extracts the log path from a file:// URL.
func PathFromURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if parsed.Path == "" || parsed.Path == "/" {
		return DefaultFilePath, nil
	}
	return parsed.Path, nil
}

// storedMessage is one line of the log.
type storedMessage struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata"`
	Payload  []byte            `json:"payload"`
}

// Publisher appends messages to the log.
type Publisher struct {
	path string

	mu     sync.Mutex
	closed bool
}

// Publish writes each message as one line.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return broker.ErrClosed
	}

	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	for _, msg := range messages {
		line, err := jsoncodec.Marshal(storedMessage{
			UUID:     msg.UUID,
			Topic:    topic,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
		})
		if err != nil {
			_ = f.Close()
			return err
		}
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Close stops further publishing.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Subscriber tails the log.
type Subscriber struct {
	path   string
	logger watermill.LoggerAdapter
}

// Subscribe streams lines for topic written after the call. The channel is
// closed when ctx is done or the log cannot be read anymore.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	out := make(chan *message.Message)
	go func() {
		defer close(out)
		defer f.Close()
		s.tail(ctx, f, offset, topic, out)
	}()
	return out, nil
}

func (s *Subscriber) tail(ctx context.Context, f *os.File, offset int64, topic string, out chan<- *message.Message) {
	reader := bufio.NewReader(f)
	var partial []byte
	for {
		if ctx.Err() != nil {
			return
		}
		chunk, err := reader.ReadBytes('\n')
		offset += int64(len(chunk))
		if errors.Is(err, io.EOF) {
			// keep an unterminated line until the writer finishes it
			partial = append(partial, chunk...)
			select {
			case <-ctx.Done():
				return
			case <-time.After(PollInterval):
			}
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				s.logger.Error("Failed to seek log", err, watermill.LogFields{"path": s.path})
				return
			}
			reader.Reset(f)
			continue
		}
		if err != nil {
			s.logger.Error("Failed to read log", err, watermill.LogFields{"path": s.path})
			return
		}

		line := append(partial, chunk...)
		partial = nil
		if !s.emit(ctx, out, line, topic) {
			return
		}
	}
}

func (s *Subscriber) emit(ctx context.Context, out chan<- *message.Message, line []byte, topic string) bool {
	var stored storedMessage
	if err := jsoncodec.Unmarshal(line, &stored); err != nil {
		s.logger.Error("Skipping malformed log line", err, watermill.LogFields{"path": s.path})
		return true
	}
	if stored.Topic != topic {
		return true
	}

	msg := message.NewMessage(stored.UUID, stored.Payload)
	for k, v := range stored.Metadata {
		msg.Metadata.Set(k, v)
	}

	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	}
	select {
	case <-msg.Acked():
	case <-msg.Nacked():
	case <-ctx.Done():
		return false
	}
	return true
}

// Close is a no-op; subscriptions end with their context.
func (s *Subscriber) Close() error {
	return nil
}
