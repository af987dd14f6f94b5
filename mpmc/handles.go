package mpmc

import (
	"context"
	"errors"
)

// handles.go implements the reference-counted Sender and Receiver of
// spec.md §4.8.5: Clone increments the matching count, Dispose decrements
// it, and the transition to zero closes the channel exactly once — from
// the sender side so receivers drain and see closed, from the receiver
// side so blocked senders do not stall forever.

// Sender is a handle for pushing values into the channel. Values must be
// JSON-compatible (nil, bool, numbers, string, map[string]any, []any).
type Sender struct {
	ch       *Channel
	disposed bool
}

// Channel returns the shared internals, e.g. for envelope serialization.
func (s *Sender) Channel() *Channel { return s.ch }

// Clone returns a new Sender sharing this channel, incrementing tx_count.
func (s *Sender) Clone() (*Sender, error) {
	if s.disposed {
		return nil, ErrDisposed
	}
	s.ch.state.Add(offTxCount, 1)
	return &Sender{ch: s.ch}, nil
}

// Dispose drops this handle. When the last sender is dropped the channel
// closes, so receivers drain remaining items and then see ErrClosed.
// Idempotent.
func (s *Sender) Dispose() {
	if s.disposed {
		return
	}
	s.disposed = true
	if s.ch.state.Add(offTxCount, -1) == 0 {
		s.ch.Close()
	}
}

// DetachForMove marks this handle disposed without decrementing tx_count,
// transferring its reference to whichever goroutine reconstructs a Sender
// from the channel's regions (spec.md §4.8.5 move semantics).
func (s *Sender) DetachForMove() *Channel {
	s.disposed = true
	return s.ch
}

// SenderFrom adopts an already-counted reference to ch — the receiving
// half of a move. It does not increment tx_count.
func SenderFrom(ch *Channel) *Sender { return &Sender{ch: ch} }

// SendBlocking delivers v, parking the OS thread while the ring is full.
func (s *Sender) SendBlocking(v any) error {
	if s.disposed {
		return ErrDisposed
	}
	return s.ch.send(blockingAcquire, v)
}

// SendAsync delivers v without blocking the OS thread between retries.
func (s *Sender) SendAsync(ctx context.Context, v any) error {
	if s.disposed {
		return ErrDisposed
	}
	return s.ch.send(asyncAcquire(ctx), v)
}

// Receiver is a handle for taking values out of the channel.
type Receiver struct {
	ch       *Channel
	disposed bool
}

// Channel returns the shared internals, e.g. for envelope serialization.
func (r *Receiver) Channel() *Channel { return r.ch }

// Clone returns a new Receiver sharing this channel, incrementing
// rx_count.
func (r *Receiver) Clone() (*Receiver, error) {
	if r.disposed {
		return nil, ErrDisposed
	}
	r.ch.state.Add(offRxCount, 1)
	return &Receiver{ch: r.ch}, nil
}

// Dispose drops this handle. When the last receiver is dropped the
// channel closes so blocked senders wake with ErrClosed rather than
// stalling forever. Idempotent.
func (r *Receiver) Dispose() {
	if r.disposed {
		return
	}
	r.disposed = true
	if r.ch.state.Add(offRxCount, -1) == 0 {
		r.ch.Close()
	}
}

// DetachForMove marks this handle disposed without decrementing rx_count;
// see Sender.DetachForMove.
func (r *Receiver) DetachForMove() *Channel {
	r.disposed = true
	return r.ch
}

// ReceiverFrom adopts an already-counted reference to ch — the receiving
// half of a move. It does not increment rx_count.
func ReceiverFrom(ch *Channel) *Receiver { return &Receiver{ch: ch} }

// RecvBlocking takes the next value, parking the OS thread while the ring
// is empty.
func (r *Receiver) RecvBlocking() (any, error) {
	if r.disposed {
		return nil, ErrDisposed
	}
	return r.ch.recv(blockingAcquire)
}

// RecvAsync takes the next value without blocking the OS thread between
// retries.
func (r *Receiver) RecvAsync(ctx context.Context) (any, error) {
	if r.disposed {
		return nil, ErrDisposed
	}
	return r.ch.recv(asyncAcquire(ctx))
}

// Range repeatedly receives and passes each value to fn until fn returns
// false, the channel closes, or this handle is disposed. Close and
// dispose terminate the iteration normally; any other error propagates
// (spec.md §4.8.6).
func (r *Receiver) Range(fn func(v any) bool) error {
	for {
		v, err := r.RecvBlocking()
		switch {
		case err == nil:
			if !fn(v) {
				return nil
			}
		case isTerminal(err):
			return nil
		default:
			return err
		}
	}
}

func isTerminal(err error) bool {
	return errors.Is(err, ErrDisposed) || errors.Is(err, ErrClosed)
}
