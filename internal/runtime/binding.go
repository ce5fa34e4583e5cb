package runtime

import (
	"fmt"
	"strings"

	"github.com/drblury/rabbitflow/broker"
	configpkg "github.com/drblury/rabbitflow/internal/runtime/config"
	errspkg "github.com/drblury/rabbitflow/internal/runtime/errors"
	"github.com/drblury/rabbitflow/internal/runtime/handlers"
)

// SocketBinding declares a socket the service opens on every connection.
// Empty fields take the configured socket defaults.
type SocketBinding struct {
	Channel string
	// Topic is the routing pattern for SUB sockets. Empty receives everything.
	Topic    string
	Type string
	// Listen names the socket event deliveries arrive on. Every broker emits
	// them on "data" only, so other names are rejected at registration with
	// broker.ErrUnsupportedEvent. Empty takes the configured default.
	Listen   string
	Encoding string
	Options  configpkg.SocketOptions
	// Controller is a Controller, a func(*RequestContext) error, an
	// AsyncController or a dotted string path. Only consuming sockets take one.
	Controller any
}

// binding is a registered SocketBinding with its resolved controller.
type binding struct {
	SocketBinding

	kind           broker.SocketType
	encoding       string
	controller     Controller
	controllerName string
	pipeline       *Pipeline
	stats          *BindingStats
}

func (b *binding) info() handlers.SocketInfo {
	return handlers.SocketInfo{
		Channel:    b.Channel,
		Topic:      b.Topic,
		Type:       b.kind,
		Listen:     b.Listen,
		Encoding:   b.encoding,
		Options:    b.Options.Broker(),
		Controller: b.controllerName,
	}
}

// newBinding applies defaults, validates sb and resolves its controller.
func newBinding(sb SocketBinding, defaults configpkg.SocketDefaults, dir string, resolver ControllerResolver) (*binding, error) {
	if strings.TrimSpace(sb.Channel) == "" {
		return nil, errspkg.ErrChannelRequired
	}
	applied := defaults.Apply(configpkg.SocketConfig{
		Type:     sb.Type,
		Listen:   sb.Listen,
		Encoding: sb.Encoding,
		Options:  sb.Options,
	})
	sb.Type, sb.Listen, sb.Encoding, sb.Options = applied.Type, applied.Listen, applied.Encoding, applied.Options

	kind, ok := broker.ParseSocketType(sb.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", broker.ErrUnknownSocketType, sb.Type)
	}
	encoding, ok := handlers.NormalizeEncoding(sb.Encoding)
	if !ok {
		return nil, fmt.Errorf("unknown encoding %q", sb.Encoding)
	}

	b := &binding{SocketBinding: sb, kind: kind, encoding: encoding}
	if !kind.Consumes() {
		if sb.Controller != nil {
			return nil, fmt.Errorf("%s socket on %q does not consume and cannot take a controller", kind, sb.Channel)
		}
		return b, nil
	}

	if sb.Listen != broker.DefaultListenEvent {
		return nil, fmt.Errorf("%w: %q", broker.ErrUnsupportedEvent, sb.Listen)
	}
	controller, name, err := resolveController(sb.Controller, dir, resolver)
	if err != nil {
		return nil, err
	}
	b.controller = controller
	b.controllerName = name
	return b, nil
}

// BindingsFromConfig converts file-declared sockets into bindings. Controllers
// stay as dotted strings and are resolved on Register.
func BindingsFromConfig(sockets []configpkg.SocketConfig) []SocketBinding {
	out := make([]SocketBinding, 0, len(sockets))
	for _, sc := range sockets {
		sb := SocketBinding{
			Channel:  sc.Channel,
			Topic:    sc.Topic,
			Type:     sc.Type,
			Listen:   sc.Listen,
			Encoding: sc.Encoding,
			Options:  sc.Options,
		}
		if sc.Controller != "" {
			sb.Controller = sc.Controller
		}
		out = append(out, sb)
	}
	return out
}
