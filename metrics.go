package alljoyn

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq generates unique IDs for expvar namespacing across
// attachments.
var metricsSeq atomic.Int64

// busMetrics tracks operational counters for a BusAttachment. All counters
// are lock-free (atomic int64) and published to expvar under the
// "alljoyn." prefix for inspection via /debug/vars.
type busMetrics struct {
	MessagesSent     atomic.Int64
	MessagesReceived atomic.Int64

	MethodCallsSent     atomic.Int64
	MethodCallsReceived atomic.Int64
	SignalsReceived     atomic.Int64

	UnmatchedReplies   atomic.Int64
	ReplyTimeouts      atomic.Int64
	SecurityViolations atomic.Int64

	ObjectsRegistered atomic.Int64
	SessionsJoined    atomic.Int64
	SessionsLost      atomic.Int64

	// sessionCountFn returns the current number of live sessions.
	// Set by BusAttachment at init time.
	sessionCountFn func() int
}

// newBusMetrics creates a busMetrics instance and publishes all counters
// to expvar. Each call gets a unique expvar prefix via a monotonic
// sequence, so multiple attachments in one process never collide.
func newBusMetrics() *busMetrics {
	m := &busMetrics{}

	seq := metricsSeq.Add(1)
	prefix := "alljoyn." + strconv.FormatInt(seq, 10) + "."

	publish := func(name string, v expvar.Var) {
		expvar.Publish(prefix+name, v)
	}

	publish("messages_sent", atomicVar(&m.MessagesSent))
	publish("messages_received", atomicVar(&m.MessagesReceived))
	publish("method_calls_sent", atomicVar(&m.MethodCallsSent))
	publish("method_calls_received", atomicVar(&m.MethodCallsReceived))
	publish("signals_received", atomicVar(&m.SignalsReceived))
	publish("unmatched_replies", atomicVar(&m.UnmatchedReplies))
	publish("reply_timeouts", atomicVar(&m.ReplyTimeouts))
	publish("security_violations", atomicVar(&m.SecurityViolations))
	publish("objects_registered", atomicVar(&m.ObjectsRegistered))
	publish("sessions_joined", atomicVar(&m.SessionsJoined))
	publish("sessions_lost", atomicVar(&m.SessionsLost))
	publish("sessions_active", expvar.Func(func() any {
		if m.sessionCountFn != nil {
			return m.sessionCountFn()
		}
		return 0
	}))

	return m
}

// atomicVar wraps an *atomic.Int64 as an expvar.Var.
func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}

// Snapshot returns all metric values as a map, suitable for JSON
// serialization.
func (m *busMetrics) Snapshot() map[string]int64 {
	snap := map[string]int64{
		"messages_sent":         m.MessagesSent.Load(),
		"messages_received":     m.MessagesReceived.Load(),
		"method_calls_sent":     m.MethodCallsSent.Load(),
		"method_calls_received": m.MethodCallsReceived.Load(),
		"signals_received":      m.SignalsReceived.Load(),
		"unmatched_replies":     m.UnmatchedReplies.Load(),
		"reply_timeouts":        m.ReplyTimeouts.Load(),
		"security_violations":   m.SecurityViolations.Load(),
		"objects_registered":    m.ObjectsRegistered.Load(),
		"sessions_joined":       m.SessionsJoined.Load(),
		"sessions_lost":         m.SessionsLost.Load(),
	}
	if m.sessionCountFn != nil {
		snap["sessions_active"] = int64(m.sessionCountFn())
	}
	return snap
}
