package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out AMQP channels, reusing idle ones and replacing
// broken ones transparently.
type ChannelPool struct {
	manager *ConnectionManager
	maxSize int

	mu     sync.Mutex
	idle   chan *amqp.Channel
	active int
	closed bool
}

// PoolOption configures the channel pool.
type PoolOption func(*ChannelPool)

// WithPoolSize sets the maximum number of channels.
func WithPoolSize(n int) PoolOption {
	return func(p *ChannelPool) {
		p.maxSize = n
	}
}

// NewChannelPool creates a pool backed by the given connection manager.
func NewChannelPool(manager *ConnectionManager, options ...PoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager is required", ErrInvalidConfiguration)
	}

	p := &ChannelPool{
		manager: manager,
		maxSize: 10,
	}

	for _, opt := range options {
		opt(p)
	}

	if p.maxSize < 1 {
		return nil, fmt.Errorf("%w: pool size must be at least 1", ErrInvalidConfiguration)
	}

	p.idle = make(chan *amqp.Channel, p.maxSize)
	return p, nil
}

// Get returns a usable channel, creating one when none is idle.
func (p *ChannelPool) Get(ctx context.Context) (*amqp.Channel, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	p.mu.Unlock()

	for {
		select {
		case ch := <-p.idle:
			if ch.IsClosed() {
				p.forget()
				continue
			}
			return ch, nil
		default:
		}

		p.mu.Lock()
		if p.active < p.maxSize {
			p.active++
			p.mu.Unlock()

			ch, err := p.open()
			if err != nil {
				p.forget()
				return nil, err
			}
			return ch, nil
		}
		p.mu.Unlock()

		// Pool saturated: wait for a channel to come back.
		select {
		case ch := <-p.idle:
			if ch.IsClosed() {
				p.forget()
				continue
			}
			return ch, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, ErrChannelPoolExhausted
		}
	}
}

// Put returns a channel to the pool. Broken or surplus channels are closed.
func (p *ChannelPool) Put(ch *amqp.Channel) {
	if ch == nil {
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed || ch.IsClosed() {
		if !ch.IsClosed() {
			ch.Close()
		}
		p.forget()
		return
	}

	select {
	case p.idle <- ch:
	default:
		ch.Close()
		p.forget()
	}
}

// Execute runs fn with a pooled channel, recovering panics as errors.
func (p *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer p.Put(ch)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic during channel operation: %v", r)
			}
		}()
		execErr = fn(ch)
	}()
	return execErr
}

// Size returns the number of channels currently accounted for.
func (p *ChannelPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Close closes the pool and every idle channel.
func (p *ChannelPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.idle)
	for ch := range p.idle {
		if !ch.IsClosed() {
			ch.Close()
		}
	}
	return nil
}

func (p *ChannelPool) open() (*amqp.Channel, error) {
	conn, err := p.manager.Connection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

func (p *ChannelPool) forget() {
	p.mu.Lock()
	if p.active > 0 {
		p.active--
	}
	p.mu.Unlock()
}
