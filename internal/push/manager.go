package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ridesync/internal/contracts"
	"ridesync/internal/faults"
	"ridesync/internal/logger"
	"ridesync/internal/observability"
)

// Sink receives everything the manager reads off the wire. The event
// multiplexer implements it.
type Sink interface {
	HandleFrame(f contracts.Frame)
	NotifySourceDown()
}

// ErrNotAuthenticated rejects sends attempted before the channel is
// authenticated. Fail fast, never buffer in the transport.
var ErrNotAuthenticated = errors.New("push channel not authenticated")

// tokenSkew is how close to expiry a token may be before the manager
// refreshes it ahead of connecting.
const tokenSkew = 30 * time.Second

// Manager owns the push-channel lifecycle: connect, authenticate, reconnect
// with capped backoff, and fail-fast send gating.
type Manager struct {
	url       string
	transport Transport
	tokens    *TokenSource
	sink      Sink
	log       *slog.Logger

	state atomic.Int32
	gen   atomic.Uint64 // reconnection generation, bumped per AUTHENTICATED

	mu     sync.Mutex
	conn   Conn
	onAuth []func(gen uint64)

	closed    chan struct{}
	reconnect chan struct{}
	closeOnce sync.Once
	logCtx    context.Context
}

func NewManager(url string, transport Transport, tokens *TokenSource, sink Sink, log *slog.Logger) *Manager {
	return &Manager{
		url:       url,
		transport: transport,
		tokens:    tokens,
		sink:      sink,
		log:       log,
		closed:    make(chan struct{}),
		reconnect: make(chan struct{}, 1),
	}
}

// Start launches the connection watcher. The first connect happens
// asynchronously; components must consult State before sending.
func (m *Manager) Start(ctx context.Context) {
	m.logCtx = context.WithoutCancel(ctx)
	go m.watch(ctx)
	m.requestReconnect()
}

// Close tears the channel down for good.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
	})

	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()

	m.setState(StateDisconnected)
}

// State reports the current channel state.
func (m *Manager) State() ConnState {
	return ConnState(m.state.Load())
}

// Generation returns the current reconnection generation. It increases each
// time the channel reaches AUTHENTICATED.
func (m *Manager) Generation() uint64 {
	return m.gen.Load()
}

// OnAuthenticated registers a callback fired on every transition to
// AUTHENTICATED with the new generation. Callbacks run on the watcher
// goroutine and must not block; spawn work instead.
func (m *Manager) OnAuthenticated(fn func(gen uint64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAuth = append(m.onAuth, fn)
}

// Send writes one outbound message. Rejected immediately unless the channel
// is AUTHENTICATED.
func (m *Manager) Send(v any) error {
	if m.State() != StateAuthenticated {
		return faults.New(faults.KindTransientNetwork, ErrNotAuthenticated)
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return faults.New(faults.KindTransientNetwork, ErrNotAuthenticated)
	}

	if err := conn.WriteJSON(v); err != nil {
		return faults.Newf(faults.KindTransientNetwork, "push send: %w", err)
	}
	return nil
}

// ----- internals -----

func (m *Manager) setState(s ConnState) {
	m.state.Store(int32(s))
	observability.ConnectionState.Set(float64(s))
}

func (m *Manager) requestReconnect() {
	select {
	case m.reconnect <- struct{}{}:
	default:
		// already enqueued
	}
}

// watch is the reconnect loop: each reconnect signal is served by retrying
// connectOnce with doubling, capped backoff until success or Close.
func (m *Manager) watch(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-m.closed:
			return
		case <-ctx.Done():
			return
		case <-m.reconnect:
			for {
				select {
				case <-m.closed:
					return
				case <-ctx.Done():
					return
				default:
				}

				err := m.connectOnce(ctx)
				if err == nil {
					backoff = time.Second
					break
				}

				logger.Error(m.logCtx, m.log, "push_reconnect_failed", "Failed to connect push channel", err)

				select {
				case <-m.closed:
					return
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < 30*time.Second {
					backoff *= 2
					if backoff > 30*time.Second {
						backoff = 30 * time.Second
					}
				}
			}
		}
	}
}

// connectOnce performs one full connect+authenticate attempt.
func (m *Manager) connectOnce(ctx context.Context) error {
	m.setState(StateConnecting)

	// refresh ahead of the dial instead of burning a connection on a dead
	// token; a failed refresh aborts the attempt
	if m.tokens.ExpiresSoon(tokenSkew) {
		if err := m.tokens.Refresh(ctx); err != nil {
			m.setState(StateDisconnected)
			return fmt.Errorf("pre-connect token refresh: %w", err)
		}
	}

	conn, err := m.transport.Dial(ctx, m.url)
	if err != nil {
		m.setState(StateDisconnected)
		return err
	}
	m.setState(StateConnected)

	if err := conn.WriteJSON(contracts.AuthFrame{Type: contracts.OutboundAuth, Token: m.tokens.AccessToken()}); err != nil {
		_ = conn.Close()
		m.setState(StateDisconnected)
		return fmt.Errorf("push auth write: %w", err)
	}

	first, err := conn.ReadFrame()
	if err != nil {
		_ = conn.Close()
		m.setState(StateDisconnected)
		return fmt.Errorf("push auth read: %w", err)
	}
	if first.Type != contracts.EventAuthOK {
		_ = conn.Close()
		m.setState(StateDisconnected)
		return fmt.Errorf("push auth rejected: got %q", first.Type)
	}

	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.conn = conn
	callbacks := make([]func(uint64), len(m.onAuth))
	copy(callbacks, m.onAuth)
	m.mu.Unlock()

	m.setState(StateAuthenticated)
	gen := m.gen.Add(1)
	observability.ReconnectsTotal.Inc()
	logger.Info(m.logCtx, m.log, "push_connected", "Push channel authenticated")

	go m.readLoop(conn)

	for _, fn := range callbacks {
		fn(gen)
	}
	return nil
}

// readLoop pumps inbound frames into the sink until the connection dies,
// then flips to DISCONNECTED, tells subscribers the source is gone and asks
// the watcher for a reconnect.
func (m *Manager) readLoop(conn Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			select {
			case <-m.closed:
				return
			default:
			}

			logger.Error(m.logCtx, m.log, "push_stream_closed", "Push stream terminated", err)
			m.setState(StateDisconnected)
			m.sink.NotifySourceDown()
			m.requestReconnect()
			return
		}

		m.sink.HandleFrame(frame)
	}
}
