package bus

import (
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

var stateLog = logrus.WithField("component", "bus.state")

// exitedPeersSize bounds the cache of unique names seen to lose their owner.
const exitedPeersSize = 100

// running holds all mutable state of a live connection. It is owned by the
// Conn and guarded by Conn.mu; the transport is owned exclusively by it and
// is shut down exactly once, by the crash routine.
type running struct {
	transport Transport
	guid      string
	shared    bool

	busName  string
	acquired []string

	serial  uint32
	replies map[uint32]*PendingReply

	receivers  []*signalReceiver
	inFilters  []*filterEntry
	outFilters []*filterEntry
	exports    map[ObjectPath]Handler

	resolvers map[string]*NameOwner
	exited    *lru.Cache[string, struct{}]

	// down, when non-nil, gates the dispatcher before each read.
	// SetUp closes it.
	down chan struct{}

	nextID uint64
}

func newRunning(t Transport, guid string, shared bool) *running {
	exited, _ := lru.New[string, struct{}](exitedPeersSize)
	return &running{
		transport: t,
		guid:      guid,
		shared:    shared,
		serial:    1,
		replies:   map[uint32]*PendingReply{},
		exports:   map[ObjectPath]Handler{},
		resolvers: map[string]*NameOwner{},
		exited:    exited,
	}
}

// state returns the running state or the stored crash error. Every public
// operation starts here.
func (c *Conn) state() (*running, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.run, nil
}

// crash transitions the connection into its final crashed state. It is
// idempotent: the first caller performs the teardown and every caller
// receives the error that stuck.
func (c *Conn) crash(cause error) error {
	c.mu.Lock()
	if c.err != nil {
		stored := c.err
		c.mu.Unlock()
		return stored
	}
	c.err = cause
	run := c.run
	c.run = nil
	waiters := run.replies
	run.replies = nil
	exports := run.exports
	run.exports = nil
	resolvers := run.resolvers
	run.resolvers = nil
	c.mu.Unlock()

	if run.shared && run.guid != "" {
		sharedConns.remove(run.guid, c)
	}

	// Unblocks the dispatcher and every Watch call.
	close(c.done)

	for serial, p := range waiters {
		delete(waiters, serial)
		p.complete(nil, cause)
	}
	for name, owner := range resolvers {
		delete(resolvers, name)
		owner.abort(cause)
	}
	for path, handler := range exports {
		delete(exports, path)
		if closer, ok := handler.(CloseNotifier); ok {
			notifyClosed(closer, c, path)
		}
	}

	// A clean close lets an in-flight send finish before the transport
	// goes away. Any other cause already left the stream unusable.
	if errors.Is(cause, ErrClosed) {
		c.sendMu.Lock()
		c.sendMu.Unlock() //nolint:staticcheck // drain, not a critical section
	}
	if err := run.transport.Shutdown(); err != nil {
		stateLog.WithError(err).Debug("transport shutdown failed")
	}
	return cause
}

func notifyClosed(closer CloseNotifier, c *Conn, path ObjectPath) {
	defer func() {
		if r := recover(); r != nil {
			stateLog.WithField("path", path).Warnf("close hook panicked: %v", r)
		}
	}()
	closer.ConnectionClosed(c)
}
