package proxy

import (
	"time"

	"mercator-hq/saturn/pkg/dispatch"
	"mercator-hq/saturn/pkg/router"
	"mercator-hq/saturn/pkg/sip"
)

// ActiveTransaction is the per-transaction state machine: it owns the
// decoder filter chain, the cached route decision and the resumption point
// for mid-chain suspension. The connection manager owns it exclusively;
// everything else holds non-owning handles.
type ActiveTransaction struct {
	parent        *ConnectionManager
	transactionID string
	metadata      *sip.Message
	startTime     time.Time

	filters []router.DecoderFilter

	route         router.Route
	routeResolved bool

	localResponseSent bool
	resetDone         bool

	// Resumption point: the stage and filter index a StopIteration was
	// returned from. The suspended filter replays when the stage is
	// re-driven.
	suspended    bool
	suspendStage sip.Stage
	suspendIndex int
}

func newActiveTransaction(parent *ConnectionManager, msg *sip.Message, transactionID string) *ActiveTransaction {
	return &ActiveTransaction{
		parent:        parent,
		transactionID: transactionID,
		metadata:      msg,
		startTime:     time.Now(),
	}
}

// createFilterChain instantiates the transaction's decoder filters.
func (t *ActiveTransaction) createFilterChain() {
	t.filters = t.parent.deps.FilterFactory(t, t.parent.traClient)
	for _, f := range t.filters {
		f.SetDecoderFilterCallbacks(t)
	}
}

// applyFilters walks the chain from its start, or from the suspended filter
// when the suspended stage is re-driven. A local reply terminates the walk
// early and as-if successful.
func (t *ActiveTransaction) applyFilters(stage sip.Stage, apply func(router.DecoderFilter) sip.FilterStatus) sip.FilterStatus {
	start := 0
	if t.suspended && t.suspendStage == stage {
		start = t.suspendIndex
		t.suspended = false
	}

	if !t.localResponseSent {
		for i := start; i < len(t.filters); i++ {
			status := apply(t.filters[i])
			if t.localResponseSent {
				break
			}
			if status == sip.StopIteration {
				t.suspended = true
				t.suspendStage = stage
				t.suspendIndex = i
				return sip.StopIteration
			}
		}
	}

	return sip.Continue
}

// TransportBegin implements sip.EventHandler.
func (t *ActiveTransaction) TransportBegin(msg *sip.Message) sip.FilterStatus {
	t.metadata = msg
	return t.applyFilters(sip.StageTransportBegin, func(f router.DecoderFilter) sip.FilterStatus {
		return f.TransportBegin(msg)
	})
}

// MessageBegin implements sip.EventHandler.
func (t *ActiveTransaction) MessageBegin(msg *sip.Message) sip.FilterStatus {
	t.metadata = msg
	return t.applyFilters(sip.StageMessageBegin, func(f router.DecoderFilter) sip.FilterStatus {
		return f.MessageBegin(msg)
	})
}

// MessageEnd implements sip.EventHandler.
func (t *ActiveTransaction) MessageEnd() sip.FilterStatus {
	return t.applyFilters(sip.StageMessageEnd, func(f router.DecoderFilter) sip.FilterStatus {
		return f.MessageEnd()
	})
}

// TransportEnd implements sip.EventHandler.
func (t *ActiveTransaction) TransportEnd() sip.FilterStatus {
	t.parent.deps.Collector.Session.Request.Inc()
	return t.applyFilters(sip.StageTransportEnd, func(f router.DecoderFilter) sip.FilterStatus {
		return f.TransportEnd()
	})
}

// TransactionID implements router.DecoderFilterCallbacks.
func (t *ActiveTransaction) TransactionID() string { return t.transactionID }

// Worker implements router.DecoderFilterCallbacks.
func (t *ActiveTransaction) Worker() *dispatch.Worker { return t.parent.worker }

// Metadata implements router.DecoderFilterCallbacks.
func (t *ActiveTransaction) Metadata() *sip.Message { return t.metadata }

// StartTime implements router.DecoderFilterCallbacks.
func (t *ActiveTransaction) StartTime() time.Time { return t.startTime }

// Route implements router.DecoderFilterCallbacks: the route decision is
// resolved once and cached for the transaction's life, so an ACK follows
// its INVITE even through a route table reload.
func (t *ActiveTransaction) Route() router.Route {
	if !t.routeResolved {
		t.route = t.parent.deps.Matcher.Route(t.metadata)
		t.routeResolved = true
	}
	return t.route
}

// SendLocalReply implements router.DecoderFilterCallbacks.
func (t *ActiveTransaction) SendLocalReply(code int, reason string, closeConn bool) {
	t.parent.sendLocalReply(t.metadata, code, reason, localReplyKindException, closeConn)
	if closeConn {
		return
	}
	// Consume the remaining stages of this message as-if successful.
	t.localResponseSent = true
}

// OnReset implements router.DecoderFilterCallbacks: the transaction resets
// exactly once; destruction is deferred so the invoking frame unwinds
// first.
func (t *ActiveTransaction) OnReset() {
	if t.resetDone {
		return
	}
	t.resetDone = true

	for _, f := range t.filters {
		f.OnDestroy()
	}
	t.parent.recordTransaction(t, 0)

	t.parent.worker.Post(func() {
		t.parent.finishTransaction(t)
	})
}

// ContinueDecoding implements router.DecoderFilterCallbacks.
func (t *ActiveTransaction) ContinueDecoding() {
	t.parent.continueDecoding()
}

// OnUpstreamResponse implements router.DecoderFilterCallbacks: the response
// is re-encoded with this proxy's endpoint and written downstream. Dropped
// silently when the downstream is gone.
func (t *ActiveTransaction) OnUpstreamResponse(msg *sip.Message) {
	t.parent.writeUpstreamResponse(t, msg)
}

// DownstreamClosed implements router.DecoderFilterCallbacks.
func (t *ActiveTransaction) DownstreamClosed() bool { return t.parent.closed }
