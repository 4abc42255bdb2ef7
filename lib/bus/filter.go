package bus

import (
	"github.com/sirupsen/logrus"
)

var filterLog = logrus.WithField("component", "bus.filter")

// Filter transforms a message in one of the two filter chains. Returning
// nil drops the message; the rest of the chain is skipped.
type Filter func(*Message) *Message

type filterEntry struct {
	id     uint64
	filter Filter
}

// FilterHandle removes a filter registration when no longer wanted.
type FilterHandle struct {
	c        *Conn
	id       uint64
	incoming bool
}

// AddIncomingFilter appends a filter to the incoming chain. Filters run on
// the dispatcher goroutine, in insertion order, before routing.
func (c *Conn) AddIncomingFilter(f Filter) (*FilterHandle, error) {
	return c.addFilter(f, true)
}

// AddOutgoingFilter appends a filter to the outgoing chain. Filters run
// under the send mutex, in insertion order, after serial assignment.
func (c *Conn) AddOutgoingFilter(f Filter) (*FilterHandle, error) {
	return c.addFilter(f, false)
}

func (c *Conn) addFilter(f Filter, incoming bool) (*FilterHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	run := c.run
	run.nextID++
	entry := &filterEntry{id: run.nextID, filter: f}
	if incoming {
		run.inFilters = append(run.inFilters, entry)
	} else {
		run.outFilters = append(run.outFilters, entry)
	}
	return &FilterHandle{c: c, id: entry.id, incoming: incoming}, nil
}

// Remove takes the filter out of its chain. Removing twice is harmless.
func (h *FilterHandle) Remove() {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	run := h.c.run
	if run == nil {
		return
	}
	if h.incoming {
		run.inFilters = removeFilter(run.inFilters, h.id)
	} else {
		run.outFilters = removeFilter(run.outFilters, h.id)
	}
}

func removeFilter(entries []*filterEntry, id uint64) []*filterEntry {
	for i, entry := range entries {
		if entry.id == id {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}
	return entries
}

// snapshotFilters copies the chain so it can be applied outside the state
// lock while registrations mutate the original.
func snapshotFilters(entries []*filterEntry) []*filterEntry {
	if len(entries) == 0 {
		return nil
	}
	snapshot := make([]*filterEntry, len(entries))
	copy(snapshot, entries)
	return snapshot
}

// applyFilters threads the message through the chain. A panicking filter
// aborts the chain and drops the message; the connection keeps running.
func applyFilters(entries []*filterEntry, m *Message, chain string) (out *Message) {
	defer func() {
		if r := recover(); r != nil {
			filterLog.WithField("chain", chain).Warnf("filter panicked, message dropped: %v", r)
			out = nil
		}
	}()
	out = m
	for _, entry := range entries {
		out = entry.filter(out)
		if out == nil {
			return nil
		}
	}
	return out
}
