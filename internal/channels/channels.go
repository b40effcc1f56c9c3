// Package channels implements the channel fabric: a pub/sub layer over
// the shared store's KV primitive, with per-module subscription
// tracking and explicit envelope targeting so "is this message for me"
// is a field comparison, never a string-contains hack.
package channels

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/flowsentinel/sentryflow/internal/store/kv"
)

// Well-known channel names.
const (
	NewFlow         = "new_flow"
	NewTimeWindow   = "new_tw"
	NewIP           = "new_ip"
	NewDNS          = "new_dns"
	NewHTTP         = "new_http"
	NewSSL          = "new_ssl"
	NewNotice       = "new_notice"
	NewAlert        = "new_alert"
	EvidenceAdded   = "evidence_added"
	FinishedModules = "finished_modules"
	ControlChannel  = "control_channel"
)

// Envelope is the channel message: a target channel name, an opaque
// payload with a schema tag, a producer identity and a per-producer
// sequence number.
type Envelope struct {
	Target     string          `json:"target"`
	SchemaTag  string          `json:"schema"`
	Payload    json.RawMessage `json:"payload"`
	Producer   string          `json:"producer"`
	Sequence   uint64          `json:"sequence"`
	// Targets lists every logical subscriber this message is intended
	// for when a store channel multiplexes several logical streams. A
	// nil/empty Targets means "everyone subscribed to Target".
	Targets []string `json:"targets,omitempty"`
}

// Fabric wraps a kv.Store and hands out per-module channel trackers.
type Fabric struct {
	store kv.Store

	mtx sync.Mutex
	seq map[string]uint64 // producer -> next sequence number
}

func New(store kv.Store) *Fabric {
	return &Fabric{store: store, seq: make(map[string]uint64)}
}

// Publish sends payload on the named channel as envelope's producer,
// stamping the next sequence number for that producer so FIFO-per-
// publisher ordering is externally verifiable.
func (f *Fabric) Publish(ctx context.Context, channel, producer, schemaTag string, payload json.RawMessage, targets ...string) error {
	f.mtx.Lock()
	seq := f.seq[producer]
	f.seq[producer] = seq + 1
	f.mtx.Unlock()

	env := Envelope{
		Target:    channel,
		SchemaTag: schemaTag,
		Payload:   payload,
		Producer:  producer,
		Sequence:  seq,
		Targets:   targets,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return f.store.Publish(ctx, channel, b)
}

// Declaration maps a module's logical channel names to their store channel
// names. Logical names let a module refer to "flows" while several
// modules might actually share the same underlying store channel.
type Declaration map[string]string // logical name -> store channel name

// Tracker watches a set of subscribed channels for a single module and
// records, per logical channel, whether a message arrived during the
// last iteration of the module host's main loop.
type Tracker struct {
	fabric     *Fabric
	subscriber string
	decl       Declaration
	storeNames []string

	msgs   <-chan kv.Message
	cancel func()

	mtx     sync.Mutex
	arrived map[string]bool // logical name -> arrived this iteration
	pending map[string][]Envelope
}

// NewTracker subscribes to every store channel named in decl on behalf
// of subscriber (the module's identity, used by Filter).
func NewTracker(ctx context.Context, f *Fabric, subscriber string, decl Declaration) (*Tracker, error) {
	names := make([]string, 0, len(decl))
	seen := make(map[string]bool)
	for _, store := range decl {
		if !seen[store] {
			seen[store] = true
			names = append(names, store)
		}
	}
	ch, cancel, err := f.store.Subscribe(ctx, names...)
	if err != nil {
		return nil, err
	}
	t := &Tracker{
		fabric:     f,
		subscriber: subscriber,
		decl:       decl,
		storeNames: names,
		msgs:       ch,
		cancel:     cancel,
		arrived:    make(map[string]bool),
		pending:    make(map[string][]Envelope),
	}
	return t, nil
}

func (t *Tracker) Close() { t.cancel() }

// Poll drains everything currently queued on the subscription without
// blocking, routes each envelope to the logical channel(s) it maps to
// (applying Filter), and marks those logical channels as "arrived this
// iteration". Call ResetIteration at the top of each main-loop pass.
func (t *Tracker) Poll() {
	for {
		select {
		case msg, ok := <-t.msgs:
			if !ok {
				return
			}
			t.route(msg)
		default:
			return
		}
	}
}

func (t *Tracker) route(msg kv.Message) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return
	}
	if !Filter(env, t.subscriber) {
		return
	}
	for logical, store := range t.decl {
		if store == msg.Channel {
			t.mtx.Lock()
			t.arrived[logical] = true
			t.pending[logical] = append(t.pending[logical], env)
			t.mtx.Unlock()
		}
	}
}

// Filter decides whether env is intended for subscriber: an explicit
// Targets list match, or — when Targets is empty — "everyone on this
// channel".
func Filter(env Envelope, subscriber string) bool {
	if len(env.Targets) == 0 {
		return true
	}
	for _, t := range env.Targets {
		if t == subscriber {
			return true
		}
	}
	return false
}

// GetMsg returns (and consumes) the oldest pending envelope on logical
// channel name, mirroring the module contract's "main() typically calls
// get_msg() on each channel".
func (t *Tracker) GetMsg(name string) (Envelope, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	q := t.pending[name]
	if len(q) == 0 {
		return Envelope{}, false
	}
	env := q[0]
	t.pending[name] = q[1:]
	return env, true
}

// ResetIteration clears the "arrived" bits; must be called once per
// Module Host loop pass, before Poll.
func (t *Tracker) ResetIteration() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	for k := range t.arrived {
		t.arrived[k] = false
	}
}

// AnyArrived reports whether any subscribed logical channel received a
// message during the last iteration — the first half of the module
// host's should_stop() predicate.
func (t *Tracker) AnyArrived() bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	for _, v := range t.arrived {
		if v {
			return true
		}
	}
	return false
}
