// Package bus implements the Envelope Bus (C2): a topic-keyed
// publish/subscribe dispatcher with an optional bridge to an external
// broker, modeled on cellorg/internal/broker/service.go's Topic type
// (an RWMutex-guarded map of topic name to subscriber list) but
// in-process rather than over TCP/JSON-RPC.
package bus

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tenzoki/agenorc/internal/envelope"
	"github.com/tenzoki/agenorc/internal/errs"
)

// Handler receives an envelope published to a topic it is subscribed to.
// A Handler that returns an error counts against the owning agent via
// errs.HandlerFailure; the Bus logs and continues dispatching to the
// remaining subscribers.
type Handler func(env *envelope.Envelope) error

// subscriber pairs a handler with its dispatch mode. Async handlers are
// run on their own goroutine per envelope rather than inline, the
// orchestrator's stand-in for a cooperative scheduler's deferred task —
// Go has no single-threaded event loop to schedule onto, so async
// dispatch here means "does not block the publisher".
type subscriber struct {
	id      string
	handler Handler
	async   bool
}

// topic holds one recipient's subscriber list plus the per-publisher FIFO
// queues that give the "per (publisher, topic) ordering" guarantee: each
// publisher gets its own serial dispatch queue so a slow handler for
// publisher A never reorders publisher B's envelopes, while publishers
// run independently of one another.
type topic struct {
	mu          sync.RWMutex
	subscribers []subscriber
	publishers  map[string]chan dispatchJob
}

type dispatchJob struct {
	env  *envelope.Envelope
	out  []subscriber
	done chan struct{}
}

// Bus is the in-process publish/subscribe dispatcher sitting at the
// orchestrator's core. The zero value is not usable; construct with New.
type Bus struct {
	log zerolog.Logger

	mu     sync.RWMutex
	topics map[string]*topic

	// Bridge, if non-nil, receives every published envelope for forwarding
	// to an external broker. Forwarding failures never block local
	// dispatch: delivery to local subscribers must never stall on broker
	// unavailability.
	Bridge *Bridge

	// OnHandlerFailure, if set, is invoked with the subscriber id and the
	// error whenever a handler returns one, so the Runner/Supervisor can
	// count it against the owning agent's error budget.
	OnHandlerFailure func(subscriberID string, err error)
}

// New constructs an empty Bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		log:    log.With().Str("component", "bus").Logger(),
		topics: make(map[string]*topic),
	}
}

func (b *Bus) topicFor(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{publishers: make(map[string]chan dispatchJob)}
		b.topics[name] = t
	}
	return t
}

// Subscribe registers handler under subscriberID for topicName. async
// controls whether Publish waits for the handler to finish (sync, the
// default used by most agents) or launches it on its own goroutine
// (async, used by handlers that themselves block on I/O).
func (b *Bus) Subscribe(topicName, subscriberID string, handler Handler, async bool) {
	t := b.topicFor(topicName)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers = append(t.subscribers, subscriber{id: subscriberID, handler: handler, async: async})
}

// Unsubscribe removes every handler registered under subscriberID from
// topicName.
func (b *Bus) Unsubscribe(topicName, subscriberID string) {
	t := b.topicFor(topicName)
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.subscribers[:0]
	for _, s := range t.subscribers {
		if s.id != subscriberID {
			kept = append(kept, s)
		}
	}
	t.subscribers = kept
}

// Publish dispatches env to every handler subscribed to env.Recipient at
// the moment of publish. Sync handlers run in subscription order and
// have all returned by the time Publish returns; async handlers are
// launched on their own goroutine so Publish does not wait for them.
// Envelopes from a single (sender, topic) pair reach each sync handler in
// publish order, through the per-publisher queue in dispatch; each async
// invocation runs on a separate goroutine, so async handlers have no
// defined delivery order.
func (b *Bus) Publish(env *envelope.Envelope) error {
	if err := envelope.ValidatePayload(env.Payload); err != nil {
		return err
	}

	t := b.topicFor(env.Recipient)
	t.mu.RLock()
	subs := make([]subscriber, len(t.subscribers))
	copy(subs, t.subscribers)
	t.mu.RUnlock()

	b.dispatch(t, env, subs)

	if b.Bridge != nil {
		b.Bridge.Forward(env)
	}
	return nil
}

// dispatch hands env to the topic's queue for its publisher and waits
// until the queue's goroutine has run every sync handler (async handlers
// are only launched). A sync handler that publishes to the same topic
// under the same sender therefore blocks: its Publish waits on the queue
// the handler itself is running on.
func (b *Bus) dispatch(t *topic, env *envelope.Envelope, subs []subscriber) {
	t.mu.Lock()
	queue, ok := t.publishers[env.Sender]
	if !ok {
		queue = make(chan dispatchJob, 256)
		t.publishers[env.Sender] = queue
		go b.drainQueue(queue)
	}
	t.mu.Unlock()

	done := make(chan struct{})
	queue <- dispatchJob{env: env, out: subs, done: done}
	<-done
}

func (b *Bus) drainQueue(queue chan dispatchJob) {
	for job := range queue {
		for _, s := range job.out {
			s := s
			if s.async {
				go b.invoke(s, job.env)
			} else {
				b.invoke(s, job.env)
			}
		}
		close(job.done)
	}
}

func (b *Bus) invoke(s subscriber, env *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.reportFailure(s.id, &errs.HandlerFailure{Topic: env.Recipient, Err: errsRecoverError(r)})
		}
	}()
	if err := s.handler(env); err != nil {
		b.reportFailure(s.id, &errs.HandlerFailure{Topic: env.Recipient, Err: err})
	}
}

func (b *Bus) reportFailure(subscriberID string, err error) {
	b.log.Warn().Str("subscriber", subscriberID).Err(err).Msg("handler failure")
	if b.OnHandlerFailure != nil {
		b.OnHandlerFailure(subscriberID, err)
	}
}

func errsRecoverError(r any) error {
	if e, ok := r.(error); ok {
		return e
	}
	return fmt.Errorf("panic in handler: %v", r)
}
