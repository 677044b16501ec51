package engine

import "time"

type outboxEntry struct {
	msg ClientMessage
	at  time.Time
}

// Outbox holds messages produced while no transport is attached. Progress
// messages are capped at infoLimit, dropping the oldest; everything else is
// kept.
type Outbox struct {
	entries   []outboxEntry
	infoLimit int
	infoCount int
}

// NewOutbox returns an empty outbox keeping at most infoLimit progress
// messages.
func NewOutbox(infoLimit int) *Outbox {
	return &Outbox{infoLimit: infoLimit}
}

// Push appends msg, recording at as its creation time.
func (o *Outbox) Push(msg ClientMessage, at time.Time) {
	if msg.progress {
		if o.infoCount >= o.infoLimit {
			o.evictOldestInfo()
		}
		o.infoCount++
	}
	o.entries = append(o.entries, outboxEntry{msg: msg, at: at})
}

func (o *Outbox) evictOldestInfo() {
	for i, e := range o.entries {
		if e.msg.progress {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			o.infoCount--
			return
		}
	}
}

// Drain empties the outbox and returns its messages in push order. Engine
// output gets its delay set to the time spent buffered.
func (o *Outbox) Drain(now time.Time) []ClientMessage {
	out := make([]ClientMessage, 0, len(o.entries))
	for _, e := range o.entries {
		msg := e.msg
		if msg.Delay != nil {
			delay := now.Sub(e.at).Milliseconds()
			msg.Delay = &delay
		}
		out = append(out, msg)
	}
	o.Clear()
	return out
}

// Clear drops everything.
func (o *Outbox) Clear() {
	o.entries = nil
	o.infoCount = 0
}

// Len returns the number of buffered messages.
func (o *Outbox) Len() int {
	return len(o.entries)
}

// InfoLen returns the number of buffered progress messages.
func (o *Outbox) InfoLen() int {
	return o.infoCount
}
