package bus

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tenzoki/agenorc/internal/envelope"
)

// bridgeQueueSize bounds the forwarding queue. Once full, the oldest
// pending envelope is dropped to make room for the newest one (spec
// section 4.2: "forwarding retries with exponential backoff up to a
// bounded queue; overflow logs and drops with a counter increment").
const bridgeQueueSize = 256

// Bridge forwards published envelopes to an external broker over a
// persistent TCP connection using newline-delimited JSON, the same wire
// shape cellorg/internal/broker/service.go uses for its JSON-RPC
// connections. It never blocks the local Bus: Forward only ever enqueues.
type Bridge struct {
	log zerolog.Logger

	brokerURL string
	limiter   *rate.Limiter

	mu      sync.Mutex
	queue   []*envelope.Envelope
	dropped uint64

	conn   net.Conn
	dialFn func(ctx context.Context, addr string) (net.Conn, error)

	backoff time.Duration
}

// NewBridge creates a Bridge that dials brokerURL lazily on the first
// forward attempt. ratePerSecond caps the number of forward attempts
// dequeued per second, so a flapping connection cannot busy-loop retries.
func NewBridge(brokerURL string, ratePerSecond float64, log zerolog.Logger) *Bridge {
	return &Bridge{
		log:       log.With().Str("component", "bus-bridge").Logger(),
		brokerURL: brokerURL,
		limiter:   rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		dialFn: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
		backoff: 500 * time.Millisecond,
	}
}

// Forward enqueues env for best-effort delivery to the external broker.
// It is non-blocking: if the queue is already at capacity, the oldest
// queued envelope is dropped and Dropped is incremented.
func (b *Bridge) Forward(env *envelope.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) >= bridgeQueueSize {
		b.queue = b.queue[1:]
		b.dropped++
		b.log.Warn().Uint64("dropped_total", b.dropped).Msg("bridge queue full, dropping oldest")
	}
	b.queue = append(b.queue, env)
}

// Dropped returns the total count of envelopes dropped for queue overflow.
func (b *Bridge) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Run drains the forward queue until ctx is cancelled, rate-limiting
// attempts via the configured limiter and reconnecting with exponential
// backoff on failure.
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.closeConn()
			return
		default:
		}

		env := b.dequeue()
		if env == nil {
			select {
			case <-ctx.Done():
				b.closeConn()
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		if err := b.limiter.Wait(ctx); err != nil {
			return
		}
		if err := b.send(ctx, env); err != nil {
			b.log.Warn().Err(err).Msg("bridge forward failed, will retry with backoff")
			b.requeueFront(env)
			b.sleepBackoff(ctx)
			continue
		}
		b.resetBackoff()
	}
}

func (b *Bridge) dequeue() *envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	env := b.queue[0]
	b.queue = b.queue[1:]
	return env
}

func (b *Bridge) requeueFront(env *envelope.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append([]*envelope.Envelope{env}, b.queue...)
}

func (b *Bridge) send(ctx context.Context, env *envelope.Envelope) error {
	if b.conn == nil {
		conn, err := b.dialFn(ctx, b.brokerURL)
		if err != nil {
			return err
		}
		b.conn = conn
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := b.conn.Write(data); err != nil {
		b.closeConn()
		return err
	}
	return nil
}

func (b *Bridge) closeConn() {
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

func (b *Bridge) sleepBackoff(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(b.backoff):
	}
	if b.backoff < 30*time.Second {
		b.backoff *= 2
	}
}

func (b *Bridge) resetBackoff() {
	b.backoff = 500 * time.Millisecond
}
