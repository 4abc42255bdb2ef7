package bus

import (
	"github.com/sirupsen/logrus"
)

var signalLog = logrus.WithField("component", "bus.signal")

type signalReceiver struct {
	id   uint64
	rule MatchRule
	sink func(*Message)
}

// ReceiverHandle removes a signal receiver registration.
type ReceiverHandle struct {
	c  *Conn
	id uint64
}

// AddSignalReceiver registers a sink for every incoming signal the rule
// matches. Sinks run on the dispatcher goroutine in registration order; a
// sink that waits for a method reply on this connection (MethodCall,
// PendingReply.Wait) must do so from another goroutine, or it deadlocks:
// replies are routed by the same dispatcher.
func (c *Conn) AddSignalReceiver(rule MatchRule, sink func(*Message)) (*ReceiverHandle, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	run := c.run
	run.nextID++
	run.receivers = append(run.receivers, &signalReceiver{id: run.nextID, rule: rule, sink: sink})
	return &ReceiverHandle{c: c, id: run.nextID}, nil
}

// Remove takes the receiver out of the list. Removing twice is harmless.
func (h *ReceiverHandle) Remove() {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	run := h.c.run
	if run == nil {
		return
	}
	for i, r := range run.receivers {
		if r.id == h.id {
			run.receivers = append(run.receivers[:i:i], run.receivers[i+1:]...)
			return
		}
	}
}

// deliverSignal scans the receiver list and invokes every matching sink.
// The list is snapshotted first; receivers added while sinks run see only
// later signals.
func (c *Conn) deliverSignal(m *Message) {
	c.mu.Lock()
	run := c.run
	if run == nil {
		c.mu.Unlock()
		return
	}
	receivers := make([]*signalReceiver, len(run.receivers))
	copy(receivers, run.receivers)
	resolvers := run.resolvers
	owners := make(map[string]string, len(resolvers))
	for name, resolver := range resolvers {
		if owner, ok := resolver.currentOwner(); ok {
			owners[name] = owner
		}
	}
	c.mu.Unlock()

	for _, r := range receivers {
		if r.rule.matches(m, owners) {
			invokeSink(r, m)
		}
	}
}

func invokeSink(r *signalReceiver, m *Message) {
	defer func() {
		if rec := recover(); rec != nil {
			signalLog.WithFields(logrus.Fields{
				"interface": m.Interface,
				"member":    m.Member,
			}).Warnf("signal sink panicked: %v", rec)
		}
	}()
	r.sink(m)
}

// matches implements the receiver predicate: every set field must equal the
// corresponding message field. A sender filter naming a resolved name
// matches the current unique owner of that name instead of the name itself.
func (r *MatchRule) matches(m *Message, owners map[string]string) bool {
	if r.Type != 0 && r.Type != m.Type {
		return false
	}
	if r.Path != "" && r.Path != m.Path {
		return false
	}
	if r.Interface != "" && r.Interface != m.Interface {
		return false
	}
	if r.Member != "" && r.Member != m.Member {
		return false
	}
	if r.Destination != "" && r.Destination != m.Destination {
		return false
	}
	if r.Sender != "" {
		want := r.Sender
		if owner, ok := owners[r.Sender]; ok {
			want = owner
		}
		if m.Sender != want {
			return false
		}
	}
	for n, value := range r.Args {
		if n >= len(m.Body) {
			return false
		}
		s, ok := m.Body[n].(string)
		if !ok || s != value {
			return false
		}
	}
	return true
}
