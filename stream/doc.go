// Package stream implements append-only event streams consumed by any number
// of subscribers, each with its own cursor.
//
// # Architecture
//
//  1. Store: the transactional backend keeping, per stream, the event log and
//     the subscription registry (store/pebblestore, store/sqlitestore, store/pgstore)
//  2. Guard: serialises producers of one stream for the duration of their commit
//  3. Notifier: best-effort wakeups for idle subscribers (package notify)
//  4. Broker and Session: the subscribe, unsubscribe, read and append protocol
//
// # Ordering
//
// Append assigns tail+1 while holding the stream's guard and only releases it
// after the store committed, so no reader can observe sequence N before N-1.
// The guard serialises all producers of a stream; this is the known throughput
// limit of the design.
//
// # Retention
//
// Read computes the minimum cursor over every other subscription of the
// stream (or the tail when there is none), advances the caller's cursor to the
// tail and deletes every event at or below that minimum, all in one unit of
// work. A subscriber can therefore never lose an event it has not read.
//
// # Sessions
//
// A session owns the subscriptions it creates. Sessions unused for longer
// than the Sweeper's idle timeout are closed, which drops their cursors so an
// abandoned client stops holding back trimming. On start a broker purges the
// leftover subscriptions of its own node (ids beginning with NodePrefix) and
// leaves other nodes sharing the store alone.
//
// Example usage:
//
//	b, _ := stream.NewBroker(ctx, stream.BrokerConfig{Store: st, Notifier: notify.NewHub(), NodeID: nodeID})
//	s, _ := b.Session(stream.NewSubscriberID(b.NodeID()))
//	defer s.Close(ctx)
//
//	s.Subscribe(ctx, "orders")
//	b.Append(ctx, "orders", []byte("created"))
//
//	if ok, _ := s.Wait(ctx, "orders", time.Second); ok {
//		events, _ := s.Read(ctx, "orders")
//		for events.Next() {
//			handle(events.Event())
//		}
//		events.Close()
//	}
package stream
