package router

import (
	"log/slog"

	"mercator-hq/saturn/pkg/dispatch"
	"mercator-hq/saturn/pkg/sip"
	"mercator-hq/saturn/pkg/telemetry/metrics"
	"mercator-hq/saturn/pkg/upstream"
)

// ConnectionState is the upstream connection lifecycle.
type ConnectionState int

const (
	// StateNotConnected means no connect has been attempted.
	StateNotConnected ConnectionState = iota
	// StateConnecting means a pool connect is in flight; writes queue.
	StateConnecting
	// StateConnected means the connection is established.
	StateConnected
)

// UpstreamRequest owns one pooled TCP connection to a specific upstream
// host for a specific cluster on a specific worker. Requests routed to that
// host share it; responses read from it are demultiplexed back to their
// transactions by branch token. All methods run on the owning worker.
type UpstreamRequest struct {
	cluster *upstream.Cluster
	host    *upstream.Host
	worker  *dispatch.Worker

	transactionInfo *TransactionInfo
	collector       *metrics.Collector
	logger          *slog.Logger

	connHandle upstream.Cancellable
	connData   *upstream.ConnectionData
	state      ConnectionState
	encoder    *sip.Encoder

	// pending holds messages queued while connecting, flushed in order on
	// pool ready.
	pending []*sip.Message

	responseDecoder *responseDecoder

	requestComplete  bool
	responseComplete bool
}

// NewUpstreamRequest creates the request context for one (cluster, host)
// pair on the calling worker.
func NewUpstreamRequest(cluster *upstream.Cluster, host *upstream.Host, worker *dispatch.Worker,
	transactionInfo *TransactionInfo, collector *metrics.Collector) *UpstreamRequest {
	u := &UpstreamRequest{
		cluster:         cluster,
		host:            host,
		worker:          worker,
		transactionInfo: transactionInfo,
		collector:       collector,
		logger: slog.Default().With("component", "router.upstream_request",
			"cluster", cluster.Name(), "host", host.Address()),
	}
	u.responseDecoder = newResponseDecoder(u)
	return u
}

// Host returns the upstream host this request is bound to.
func (u *UpstreamRequest) Host() *upstream.Host { return u.host }

// State returns the connection state.
func (u *UpstreamRequest) State() ConnectionState { return u.state }

// TransactionInfo returns the owning cluster registry.
func (u *UpstreamRequest) TransactionInfo() *TransactionInfo { return u.transactionInfo }

// Start begins the pool connect. The state moves to Connecting; messages
// sent before the pool is ready queue in order.
func (u *UpstreamRequest) Start() {
	u.state = StateConnecting
	u.connHandle = u.cluster.NewConnection(u.worker, u.host, u)
}

// Send writes a message to the upstream, or queues it while connecting.
func (u *UpstreamRequest) Send(msg *sip.Message) {
	switch u.state {
	case StateConnected:
		u.write(msg)
	default:
		u.pending = append(u.pending, msg)
	}
}

// write encodes with the egress rewrite and puts the bytes on the wire.
func (u *UpstreamRequest) write(msg *sip.Message) {
	data := u.encoder.Encode(msg)
	if err := u.connData.Write(data); err != nil {
		u.logger.Error("upstream write failed", "error", err)
		u.resetStream(sip.NewAppError(sip.AppUpstreamReset, "upstream write failed"))
	}
}

// OnPoolReady transitions to Connected and flushes the pending queue in
// order. Implements upstream.PoolCallbacks.
func (u *UpstreamRequest) OnPoolReady(conn *upstream.ConnectionData, host *upstream.Host) {
	u.logger.Debug("upstream connection ready")
	u.connData = conn
	u.connHandle = nil
	u.state = StateConnected
	u.encoder = sip.NewEncoder(conn.LocalAddr())
	conn.StartRead(u)

	pending := u.pending
	u.pending = nil
	for _, msg := range pending {
		if u.state != StateConnected {
			return
		}
		u.write(msg)
	}
}

// OnPoolFailure is terminal: every pinned transaction is answered with a
// local 503 and reset. Implements upstream.PoolCallbacks.
func (u *UpstreamRequest) OnPoolFailure(reason error, host *upstream.Host) {
	u.logger.Warn("upstream connect failed", "error", reason)
	u.connHandle = nil
	u.resetStream(sip.NewAppError(sip.AppUpstreamConnectFailed, reason.Error()))
}

// OnUpstreamData feeds received bytes to the response decoder. Implements
// upstream.UpstreamCallbacks.
func (u *UpstreamRequest) OnUpstreamData(data []byte) {
	if err := u.responseDecoder.onData(data); err != nil {
		u.logger.Error("upstream response decoding failed", "error", err)
		u.collector.Session.ResponseDecodingError.Inc()
		u.releaseConnection(true)
	}
}

// OnUpstreamEvent handles connection closure. Implements
// upstream.UpstreamCallbacks.
func (u *UpstreamRequest) OnUpstreamEvent(event upstream.ConnectionEvent) {
	if event == upstream.EventRemoteClose {
		u.logger.Debug("upstream connection closed by remote")
		u.resetStream(sip.NewAppError(sip.AppUpstreamReset, "upstream connection closed"))
	}
}

// resetStream fails every pinned transaction and removes this request from
// the worker's upstream map.
func (u *UpstreamRequest) resetStream(appErr *sip.AppError) {
	u.state = StateNotConnected
	u.pending = nil

	u.transactionInfo.forEachPinned(u.worker, u, func(id string, item *TransactionInfoItem) {
		item.ActiveTrans().SendLocalReply(appErr.Type.StatusCode(), appErr.Type.ReasonPhrase(), false)
		item.ActiveTrans().OnReset()
	})

	u.releaseConnection(true)
}

// releaseConnection drops the pooled connection and deregisters this
// request. Closing is idempotent.
func (u *UpstreamRequest) releaseConnection(close bool) {
	if u.connHandle != nil {
		u.connHandle.Cancel()
		u.connHandle = nil
	}
	if u.connData != nil && close {
		u.connData.Close()
	}
	u.connData = nil
	u.state = StateNotConnected
	u.transactionInfo.DeleteUpstreamRequest(u.worker, u.host.Address())
}

// OnRequestComplete marks the request side finished.
func (u *UpstreamRequest) OnRequestComplete() { u.requestComplete = true }

// OnResponseComplete marks the response side finished.
func (u *UpstreamRequest) OnResponseComplete() { u.responseComplete = true }

// responseDecoder parses upstream bytes one response at a time and routes
// each to its transaction by branch token.
type responseDecoder struct {
	parent  *UpstreamRequest
	decoder *sip.Decoder
}

func newResponseDecoder(parent *UpstreamRequest) *responseDecoder {
	rd := &responseDecoder{parent: parent}
	rd.decoder = sip.NewDecoder(rd, 0, parent.transactionInfo.DomainMatchParamName())
	return rd
}

func (rd *responseDecoder) onData(data []byte) error {
	return rd.decoder.OnData(data)
}

// NewEventHandler implements sip.Callbacks; every response is handled by
// this decoder itself.
func (rd *responseDecoder) NewEventHandler(msg *sip.Message) sip.EventHandler { return rd }

// TransportBegin looks the response's transaction up and forwards the
// message to the owning transaction. An unknown transaction id drops the
// response.
func (rd *responseDecoder) TransportBegin(msg *sip.Message) sip.FilterStatus {
	u := rd.parent

	transactionID, ok := msg.TransactionID()
	if !ok {
		u.logger.Warn("upstream response without branch, dropped")
		u.collector.Session.ResponseDecodingError.Inc()
		return sip.Continue
	}

	item := u.transactionInfo.GetTransaction(u.worker, transactionID)
	if item == nil {
		u.logger.Debug("upstream response for unknown transaction, dropped",
			"transaction_id", transactionID)
		u.collector.Session.ResponseDecodingError.Inc()
		return sip.Continue
	}

	item.ActiveTrans().OnUpstreamResponse(msg)
	if msg.StatusCode() >= 200 {
		u.OnResponseComplete()
	}
	return sip.Continue
}

func (rd *responseDecoder) MessageBegin(msg *sip.Message) sip.FilterStatus { return sip.Continue }
func (rd *responseDecoder) MessageEnd() sip.FilterStatus                   { return sip.Continue }
func (rd *responseDecoder) TransportEnd() sip.FilterStatus                 { return sip.Continue }
