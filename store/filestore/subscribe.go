package filestore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"goa.design/powermode/store"
)

type subscription struct {
	s        *Store
	clientID string
	channel  string
	ch       chan store.Delivery
	cancel   context.CancelFunc

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// Subscribe starts a polling consumer for the channel. The read cursor is
// persisted in the state file under clientID, so a subscriber that restarts
// with the same clientID resumes after the last delivered message.
func (s *Store) Subscribe(ctx context.Context, clientID, channel string) (store.Subscription, error) {
	if clientID == "" || channel == "" {
		return nil, store.ErrInvalidKey
	}
	// Record the subscription so the cursor survives restarts.
	err := s.update(ctx, func(doc *stateDoc) error {
		chans := doc.Subscriptions[clientID]
		for _, c := range chans {
			if c == channel {
				return nil
			}
		}
		doc.Subscriptions[clientID] = append(chans, channel)
		if doc.ReadPositions[clientID] == nil {
			doc.ReadPositions[clientID] = make(map[string]uint64)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		s:        s,
		clientID: clientID,
		channel:  channel,
		ch:       make(chan store.Delivery, 64),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go sub.poll(runCtx)
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

// Close stops polling and closes the delivery channel.
func (sub *subscription) Close() {
	sub.cancel()
	<-sub.done
}

// poll re-reads the state file at the poll interval and delivers messages
// past the persisted cursor, advancing the cursor after delivery.
func (sub *subscription) poll(ctx context.Context) {
	defer close(sub.done)
	defer close(sub.ch)
	ticker := time.NewTicker(sub.s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sub.drain(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				sub.mu.Lock()
				sub.err = err
				sub.mu.Unlock()
				return
			}
		}
	}
}

func (sub *subscription) drain(ctx context.Context) error {
	var pending []store.Delivery
	err := sub.s.withLock(ctx, func(doc *stateDoc) (bool, error) {
		pos := doc.ReadPositions[sub.clientID][sub.channel]
		last := pos
		for _, m := range doc.Messages[sub.channel] {
			if m.Seq <= pos {
				continue
			}
			pending = append(pending, store.Delivery{
				Channel: sub.channel,
				Payload: []byte(m.Data),
				Seq:     strconv.FormatUint(m.Seq, 10),
			})
			last = m.Seq
		}
		if last == pos {
			return false, nil
		}
		if doc.ReadPositions[sub.clientID] == nil {
			doc.ReadPositions[sub.clientID] = make(map[string]uint64)
		}
		doc.ReadPositions[sub.clientID][sub.channel] = last
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, d := range pending {
		select {
		case sub.ch <- d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
