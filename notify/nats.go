package notify

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/tailstream/stream"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NatsNotifier fans wakeups out across processes sharing one store.
// Every stream maps to its own subject so other consumers of the NATS
// server can filter cheaply; the stream name travels as the message body.
type NatsNotifier struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	prefix string
	local  *Hub
}

var _ stream.Notifier = (*NatsNotifier)(nil)

// NewNatsNotifier connects to url and listens on prefix.>
func NewNatsNotifier(url, prefix string) (*NatsNotifier, error) {
	n := &NatsNotifier{
		prefix: prefix,
		local:  NewHub(),
	}

	nc, err := nats.Connect(url,
		nats.Name("tailstream-notifier"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Str("url", url).Msg("NATS notifier reconnected, waking all listeners")
			n.local.PublishAll()
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS notifier disconnected")
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	sub, err := nc.Subscribe(prefix+".>", n.handle)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to %s.>: %w", prefix, err)
	}

	n.nc = nc
	n.sub = sub
	return n, nil
}

// Subject returns the wakeup subject for id.
func (n *NatsNotifier) Subject(id stream.StreamID) string {
	return SubjectFor(n.prefix, id)
}

// SubjectFor hashes the stream name into a single subject token.
func SubjectFor(prefix string, id stream.StreamID) string {
	return prefix + "." + strconv.FormatUint(xxhash.Sum64String(string(id)), 16)
}

func (n *NatsNotifier) handle(msg *nats.Msg) {
	n.local.Publish(stream.StreamID(msg.Data))
}

// Publish broadcasts a wakeup for id to every connected process, this one included.
func (n *NatsNotifier) Publish(id stream.StreamID) {
	if err := n.nc.Publish(n.Subject(id), []byte(id)); err != nil {
		log.Debug().Err(err).Str("stream", string(id)).Msg("NATS wakeup publish failed")
		// Local listeners still get their wakeup
		n.local.Publish(id)
	}
}

// Listen registers a local listener for id.
func (n *NatsNotifier) Listen(id stream.StreamID) (<-chan struct{}, func()) {
	return n.local.Listen(id)
}

// Close drains the subscription and closes every local listener.
func (n *NatsNotifier) Close() error {
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	if n.nc != nil {
		n.nc.Close()
	}
	return n.local.Close()
}
