package redisstore

import (
	"context"
	"fmt"
	"sync"

	"goa.design/pulse/streaming"

	"goa.design/powermode/store"
)

type subscription struct {
	sink   *streaming.Sink
	ch     chan store.Delivery
	cancel context.CancelFunc

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// Subscribe opens a consumer group named after clientID on the channel's
// stream. Redis tracks the group's read cursor, so a subscriber that
// reconnects with the same clientID resumes after the last acknowledged
// message.
func (s *Store) Subscribe(ctx context.Context, clientID, channel string) (store.Subscription, error) {
	if clientID == "" || channel == "" {
		return nil, store.ErrInvalidKey
	}
	str, err := streaming.NewStream(channel, s.rdb)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", channel, err)
	}
	sink, err := str.NewSink(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("create sink %s on %s: %w", clientID, channel, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		sink:   sink,
		ch:     make(chan store.Delivery, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.consume(runCtx, channel)
	return sub, nil
}

// C returns the delivery channel.
func (sub *subscription) C() <-chan store.Delivery { return sub.ch }

// Err returns the terminal error once C is closed.
func (sub *subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

// Close stops consumption and closes the sink.
func (sub *subscription) Close() {
	sub.cancel()
	<-sub.done
	sub.sink.Close(context.Background())
}

// consume reads events from the sink, forwards them, and acks each one after
// it is handed to the consumer so redelivery picks up exactly where the
// subscriber left off.
func (sub *subscription) consume(ctx context.Context, channel string) {
	defer close(sub.done)
	defer close(sub.ch)
	events := sub.sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			d := store.Delivery{Channel: channel, Payload: evt.Payload, Seq: evt.ID}
			select {
			case sub.ch <- d:
			case <-ctx.Done():
				return
			}
			if err := sub.sink.Ack(ctx, evt); err != nil {
				if ctx.Err() != nil {
					return
				}
				sub.mu.Lock()
				sub.err = fmt.Errorf("ack %s: %w", evt.ID, err)
				sub.mu.Unlock()
				return
			}
		}
	}
}
