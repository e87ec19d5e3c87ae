package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager maintains one AMQP connection and reconnects
// automatically when the broker drops it.
type ConnectionManager struct {
	url            string
	reconnectDelay time.Duration
	maxReconnects  int
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	connected   bool
	notifyClose chan *amqp.Error
	done        chan struct{}
	closeOnce   sync.Once
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithConnectionLogger sets the logger.
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base delay between reconnection attempts.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxReconnects bounds reconnection attempts. Negative means unbounded.
func WithMaxReconnects(n int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxReconnects = n
	}
}

// NewConnectionManager creates a manager for the given AMQP URL. Connect
// must be called before use.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: 5 * time.Second,
		maxReconnects:  -1,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection and starts the reconnect
// watcher.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.connected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Attempts:  1,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	cm.adopt(conn)
	cm.logger.Info("connected to broker", "url", SanitizeURL(cm.url))

	go cm.watch()
	return nil
}

// dial opens a connection with a bounded timeout.
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		conn, err := amqp.Dial(cm.url)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-dialCtx.Done():
		return nil, ErrConnectionTimeout
	}
}

// adopt installs a live connection. Caller holds the mutex.
func (cm *ConnectionManager) adopt(conn *amqp.Connection) {
	cm.conn = conn
	cm.connected = true
	cm.notifyClose = make(chan *amqp.Error, 1)
	conn.NotifyClose(cm.notifyClose)
}

// watch reconnects whenever the broker closes the connection.
func (cm *ConnectionManager) watch() {
	for {
		select {
		case amqpErr := <-cm.notifyClose:
			if amqpErr != nil {
				cm.logger.Error("broker connection lost", "error", amqpErr)
			}

			cm.mu.Lock()
			cm.connected = false
			cm.conn = nil
			cm.mu.Unlock()

			if !cm.reconnect() {
				return
			}

		case <-cm.done:
			return
		}
	}
}

// reconnect loops until a connection is re-established or the budget runs
// out. Returns false when the manager should stop watching.
func (cm *ConnectionManager) reconnect() bool {
	started := time.Now()

	for attempt := 1; ; attempt++ {
		if cm.maxReconnects >= 0 && attempt > cm.maxReconnects {
			cm.logger.Error("giving up on reconnection",
				"attempts", attempt-1,
				"elapsed", time.Since(started))
			return false
		}

		select {
		case <-time.After(cm.backoff(attempt)):
		case <-cm.done:
			return false
		}

		cm.logger.Info("reconnecting to broker", "attempt", attempt)

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Error("reconnection attempt failed", "attempt", attempt, "error", err)
			continue
		}

		cm.mu.Lock()
		cm.adopt(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to broker",
			"attempts", attempt,
			"elapsed", time.Since(started))
		return true
	}
}

// backoff doubles the reconnect delay per attempt, capped at five minutes.
func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	delay := cm.reconnectDelay << uint(attempt-1)
	if max := 5 * time.Minute; delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

// Connection returns the live connection or an error when disconnected.
func (cm *ConnectionManager) Connection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.connected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected reports the current connection status.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connected && cm.conn != nil && !cm.conn.IsClosed()
}

// Close shuts down the connection and stops the reconnect watcher.
func (cm *ConnectionManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		close(cm.done)

		cm.mu.Lock()
		defer cm.mu.Unlock()

		cm.connected = false
		if cm.conn != nil {
			err = cm.conn.Close()
			cm.conn = nil
		}
	})
	return err
}
