package notify

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/maxpert/tailstream/stream"
	"github.com/rs/zerolog/log"
)

// PGNotifier relays wakeups through PostgreSQL LISTEN/NOTIFY, for processes
// sharing the postgres store.
type PGNotifier struct {
	db       *sql.DB
	listener *pq.Listener
	channel  string
	local    *Hub

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ stream.Notifier = (*PGNotifier)(nil)

// NewPGNotifier listens on channel using a dedicated connection to dsn and
// publishes through db.
func NewPGNotifier(db *sql.DB, dsn, channel string) (*PGNotifier, error) {
	n := &PGNotifier{
		db:      db,
		channel: channel,
		local:   NewHub(),
		stopCh:  make(chan struct{}),
	}

	n.listener = pq.NewListener(dsn, 100*time.Millisecond, 10*time.Second, n.event)
	if err := n.listener.Listen(channel); err != nil {
		_ = n.listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}

	n.wg.Add(1)
	go n.loop()
	return n, nil
}

func (n *PGNotifier) event(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		log.Warn().Err(err).Str("channel", n.channel).Msg("Postgres notifier disconnected")
	case pq.ListenerEventReconnected:
		log.Info().Str("channel", n.channel).Msg("Postgres notifier reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		log.Debug().Err(err).Str("channel", n.channel).Msg("Postgres notifier reconnect attempt failed")
	}
}

func (n *PGNotifier) loop() {
	defer n.wg.Done()

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case note, ok := <-n.listener.Notify:
			if !ok {
				return
			}
			// nil after a reconnect: notifications may have been lost
			if note == nil {
				n.local.PublishAll()
				continue
			}
			n.local.Publish(stream.StreamID(note.Extra))
		case <-ping.C:
			go func() { _ = n.listener.Ping() }()
		case <-n.stopCh:
			return
		}
	}
}

// Publish sends NOTIFY with the stream name as payload.
func (n *PGNotifier) Publish(id stream.StreamID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := n.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", n.channel, string(id)); err != nil {
		log.Debug().Err(err).Str("stream", string(id)).Msg("Postgres wakeup publish failed")
		n.local.Publish(id)
	}
}

// Listen registers a local listener for id.
func (n *PGNotifier) Listen(id stream.StreamID) (<-chan struct{}, func()) {
	return n.local.Listen(id)
}

// Close stops listening and closes every local listener.
func (n *PGNotifier) Close() error {
	var err error
	n.once.Do(func() {
		close(n.stopCh)
		err = n.listener.Close()
		n.wg.Wait()
		_ = n.local.Close()
	})
	return err
}
