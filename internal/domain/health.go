package domain

import (
	"sync/atomic"
	"time"
)

// ConnectionHealth tracks counters for the push transport. Counters only ever
// increase and are reset by a process restart, never at runtime. All fields
// are safe for concurrent use.
type ConnectionHealth struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	connects         atomic.Uint64
	reconnects       atomic.Uint64
	errors           atomic.Uint64
	lastPongUnixNano atomic.Int64
}

func (h *ConnectionHealth) RecordSent()      { h.messagesSent.Add(1) }
func (h *ConnectionHealth) RecordReceived()  { h.messagesReceived.Add(1) }
func (h *ConnectionHealth) RecordConnect()   { h.connects.Add(1) }
func (h *ConnectionHealth) RecordReconnect() { h.reconnects.Add(1) }
func (h *ConnectionHealth) RecordError()     { h.errors.Add(1) }

// RecordPong stores the receipt time of the latest keep-alive pong.
func (h *ConnectionHealth) RecordPong(at time.Time) {
	h.lastPongUnixNano.Store(at.UnixNano())
}

// LastPong returns the receipt time of the latest pong, or the zero time if
// none has been received yet.
func (h *ConnectionHealth) LastPong() time.Time {
	ns := h.lastPongUnixNano.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// HealthSnapshot is a point-in-time copy of the connection counters, suitable
// for serving over the ops API.
type HealthSnapshot struct {
	MessagesSent     uint64    `json:"messages_sent"`
	MessagesReceived uint64    `json:"messages_received"`
	Connects         uint64    `json:"connects"`
	Reconnects       uint64    `json:"reconnects"`
	Errors           uint64    `json:"errors"`
	LastPongAt       time.Time `json:"last_pong_at"`
}

// Snapshot copies the current counter values.
func (h *ConnectionHealth) Snapshot() HealthSnapshot {
	return HealthSnapshot{
		MessagesSent:     h.messagesSent.Load(),
		MessagesReceived: h.messagesReceived.Load(),
		Connects:         h.connects.Load(),
		Reconnects:       h.reconnects.Load(),
		Errors:           h.errors.Load(),
		LastPongAt:       h.LastPong(),
	}
}
