// Package router implements the routing half of the proxy: the static route
// table, the per-worker transaction registry, the router decoder filter with
// affinity resolution, and the upstream request that owns a pooled
// connection and demultiplexes responses.
package router

import (
	"time"

	"mercator-hq/saturn/pkg/dispatch"
	"mercator-hq/saturn/pkg/sip"
)

// DecoderFilter is one stage of a transaction's decoder filter chain. The
// router is the terminal filter of every chain.
type DecoderFilter interface {
	TransportBegin(msg *sip.Message) sip.FilterStatus
	MessageBegin(msg *sip.Message) sip.FilterStatus
	MessageEnd() sip.FilterStatus
	TransportEnd() sip.FilterStatus

	// SetDecoderFilterCallbacks hands the filter its transaction's
	// callbacks before any stage runs.
	SetDecoderFilterCallbacks(cbs DecoderFilterCallbacks)

	// OnDestroy releases per-transaction state when the transaction dies.
	OnDestroy()
}

// DecoderFilterCallbacks is the transaction-side surface a decoder filter
// works against. Implemented by the connection manager's active
// transaction; all methods must be called on the transaction's worker.
type DecoderFilterCallbacks interface {
	// TransactionID returns the transaction's branch token.
	TransactionID() string

	// Worker returns the worker every callback for this transaction must
	// run on.
	Worker() *dispatch.Worker

	// Metadata returns the transaction's current message.
	Metadata() *sip.Message

	// Route returns the cached route decision, resolving it on first use.
	// Nil when no route entry matched.
	Route() Route

	// StartTime is the transaction's creation timestamp.
	StartTime() time.Time

	// SendLocalReply answers the downstream with a locally generated
	// response. When closeConn is set the downstream connection is closed
	// after flushing.
	SendLocalReply(code int, reason string, closeConn bool)

	// OnReset tears the transaction down via deferred deletion.
	OnReset()

	// ContinueDecoding re-drives the suspended decoder after an async
	// resolution (TRA reply, pool ready).
	ContinueDecoding()

	// OnUpstreamResponse forwards a decoded upstream response downstream.
	// Dropped silently when the downstream connection is closed.
	OnUpstreamResponse(msg *sip.Message)

	// DownstreamClosed reports whether the downstream connection is gone.
	DownstreamClosed() bool
}
