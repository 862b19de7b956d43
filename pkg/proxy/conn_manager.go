package proxy

import (
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"mercator-hq/saturn/pkg/cdr"
	"mercator-hq/saturn/pkg/config"
	"mercator-hq/saturn/pkg/dispatch"
	"mercator-hq/saturn/pkg/router"
	"mercator-hq/saturn/pkg/sip"
	"mercator-hq/saturn/pkg/telemetry/metrics"
	"mercator-hq/saturn/pkg/tra"
)

// Local reply kinds for the response counters.
const (
	localReplyKindSuccess   = "success"
	localReplyKindError     = "error"
	localReplyKindException = "exception"
)

// FilterFactory builds a transaction's decoder filter chain against the
// owning connection's TRA client. The router filter is the terminal entry
// of every chain.
type FilterFactory func(cbs router.DecoderFilterCallbacks, traClient *tra.Client) []router.DecoderFilter

// Deps bundles the process-wide collaborators a connection manager works
// against.
type Deps struct {
	Cfg              *config.Config
	Matcher          *router.RouteMatcher
	TransactionInfos *router.TransactionInfos
	PCookies         *tra.PCookieIPMap
	Collector        *metrics.Collector
	Recorder         *cdr.Recorder
	FilterFactory    FilterFactory
}

// ConnectionManager owns one downstream TCP connection: it buffers ingress
// bytes, drives the decoder, and owns every ActiveTransaction decoded from
// the connection. All its state is pinned to one worker.
type ConnectionManager struct {
	deps   *Deps
	worker *dispatch.Worker
	conn   net.Conn
	id     string

	localIP string
	decoder *sip.Decoder
	encoder *sip.Encoder

	traClient *tra.Client

	transactions map[string]*ActiveTransaction
	closed       bool

	logger *slog.Logger
}

// NewConnectionManager creates the manager for one accepted downstream
// connection and subscribes it to TRA affinity updates.
func NewConnectionManager(deps *Deps, worker *dispatch.Worker, conn net.Conn) *ConnectionManager {
	localIP := localAddrIP(conn)
	cm := &ConnectionManager{
		deps:         deps,
		worker:       worker,
		conn:         conn,
		id:           uuid.NewString(),
		localIP:      localIP,
		encoder:      sip.NewEncoder(localIP),
		traClient:    tra.NewClient(deps.Cfg.Settings.TRA),
		transactions: map[string]*ActiveTransaction{},
	}
	cm.logger = slog.Default().With("component", "proxy.conn_manager",
		"connection_id", cm.id, "remote", conn.RemoteAddr().String())
	cm.decoder = sip.NewDecoder(cm, deps.Cfg.Proxy.MaxMessageBytes,
		deps.Cfg.Settings.DomainMatchParameterName)

	if cm.traClient.Enabled() {
		for _, entry := range deps.Cfg.Settings.CustomizedAffinity {
			cm.traClient.Subscribe(entry.Type, worker, cm)
		}
	}

	return cm
}

// TRAClient returns this connection's TRA client.
func (cm *ConnectionManager) TRAClient() *tra.Client { return cm.traClient }

// LocalIP returns the downstream socket's local IP, the address stamped
// into local replies.
func (cm *ConnectionManager) LocalIP() string { return cm.localIP }

// Serve pumps the downstream socket. Each read is posted to the owning
// worker; Serve returns when the connection dies.
func (cm *ConnectionManager) Serve() {
	buf := make([]byte, 16*1024)
	for {
		n, err := cm.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			cm.worker.Post(func() { cm.onData(data, false) })
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				cm.worker.Post(func() { cm.onData(nil, true) })
			} else {
				cm.worker.Post(func() { cm.onConnectionError(err) })
			}
			return
		}
	}
}

// onData feeds bytes to the decoder. endStream marks the downstream
// half-close.
func (cm *ConnectionManager) onData(data []byte, endStream bool) {
	if cm.closed {
		return
	}

	if err := cm.decoder.OnData(data); err != nil {
		cm.onDecodeError(err)
		return
	}

	if endStream {
		cm.logger.Info("downstream half-closed")
		cm.close(false)
	}
}

// onDecodeError answers a protocol failure: with live metadata a local
// reply is sent and the connection closed flushing; without, the connection
// closes immediately.
func (cm *ConnectionManager) onDecodeError(err error) {
	var appErr *sip.AppError
	if errors.As(err, &appErr) && cm.decoder.Pending() != nil && cm.decoder.Pending().MsgType() == sip.MsgRequest {
		cm.logger.Warn("request decoding failed", "error", err)
		cm.sendLocalReply(cm.decoder.Pending(), appErr.Type.StatusCode(), appErr.Type.ReasonPhrase(),
			localReplyKindException, true)
		return
	}

	cm.logger.Warn("downstream decoding failed, closing", "error", err)
	cm.close(true)
}

// onConnectionError handles a failed downstream read.
func (cm *ConnectionManager) onConnectionError(err error) {
	if cm.closed {
		return
	}
	cm.logger.Debug("downstream connection error", "error", err)
	cm.close(false)
}

// close resets every transaction and tears the connection down. local
// records which side initiated. Idempotent.
func (cm *ConnectionManager) close(local bool) {
	if cm.closed {
		return
	}
	cm.closed = true

	cm.resetAllTrans(local)
	cm.traClient.CloseStream()
	cm.conn.Close()
}

// resetAllTrans resets every live transaction once. Transaction ids are
// snapshotted first: the reset path mutates the map via deferred deletes.
func (cm *ConnectionManager) resetAllTrans(local bool) {
	ids := make([]string, 0, len(cm.transactions))
	for id := range cm.transactions {
		ids = append(ids, id)
	}
	cm.logger.Debug("resetting active transactions", "count", len(ids))

	origin := "remote"
	if local {
		origin = "local"
	}

	for _, id := range ids {
		trans, ok := cm.transactions[id]
		if !ok || trans.resetDone {
			continue
		}
		cm.deps.Collector.Session.RecordConnDestroy(origin)
		trans.OnReset()
	}
}

// NewEventHandler implements sip.Callbacks: each decoded message
// materializes or reuses an ActiveTransaction. An ACK whose branch matches
// an existing transaction (the ACK-for-4xx case) reuses it, as does a
// retransmission.
func (cm *ConnectionManager) NewEventHandler(msg *sip.Message) sip.EventHandler {
	transactionID, _ := msg.TransactionID()
	if trans, ok := cm.transactions[transactionID]; ok {
		return trans
	}

	trans := newActiveTransaction(cm, msg, transactionID)
	trans.createFilterChain()
	cm.transactions[transactionID] = trans
	cm.deps.Collector.Session.ActiveTransactions.Inc()
	return trans
}

// continueDecoding re-drives the decoder after an async suspension
// resolved.
func (cm *ConnectionManager) continueDecoding() {
	if cm.closed {
		return
	}
	if err := cm.decoder.Resume(); err != nil {
		cm.onDecodeError(err)
	}
}

// sendLocalReply encodes a locally generated response with this proxy's
// endpoint and writes it downstream.
func (cm *ConnectionManager) sendLocalReply(msg *sip.Message, code int, reason, kind string, closeConn bool) {
	if cm.closed {
		return
	}

	resp, err := sip.BuildResponse(msg, code, reason)
	if err != nil {
		cm.logger.Error("failed to build local reply", "error", err)
		cm.close(true)
		return
	}

	if _, err := cm.conn.Write(cm.encoder.Encode(resp)); err != nil {
		cm.logger.Debug("local reply write failed", "error", err)
	}

	if kind == localReplyKindException {
		cm.deps.Collector.Session.RecordLocalResponse(localReplyKindException)
	} else if code < 400 {
		cm.deps.Collector.Session.RecordLocalResponse(localReplyKindSuccess)
	} else {
		cm.deps.Collector.Session.RecordLocalResponse(localReplyKindError)
	}

	if closeConn {
		cm.close(true)
	}
}

// writeUpstreamResponse forwards a decoded upstream response downstream
// with the endpoint rewrite applied. A closed downstream drops it silently.
func (cm *ConnectionManager) writeUpstreamResponse(trans *ActiveTransaction, msg *sip.Message) {
	if cm.closed {
		return
	}

	if _, err := cm.conn.Write(cm.encoder.Encode(msg)); err != nil {
		cm.logger.Debug("downstream write failed", "error", err)
		cm.close(false)
		return
	}

	cm.deps.Collector.Session.Response.Inc()
	cm.recordTransaction(trans, msg.StatusCode())
}

// recordTransaction emits a call detail record for a terminal event. A zero
// status records a reset.
func (cm *ConnectionManager) recordTransaction(trans *ActiveTransaction, status int) {
	if cm.deps.Recorder == nil || status < 200 && status != 0 {
		return
	}

	method := trans.metadata.Method()
	if method == sip.MethodUnknown {
		method = trans.metadata.RespMethod()
	}
	cluster := ""
	if trans.route != nil {
		cluster = trans.route.ClusterName()
	}
	cm.deps.Recorder.Record(cdr.Record{
		ConnectionID:  cm.id,
		TransactionID: trans.transactionID,
		Method:        string(method),
		Cluster:       cluster,
		Status:        status,
		StartedAt:     trans.startTime,
	})
}

// finishTransaction is the deferred tail of a reset: the transaction is
// removed from the connection's index.
func (cm *ConnectionManager) finishTransaction(trans *ActiveTransaction) {
	if current, ok := cm.transactions[trans.transactionID]; ok && current == trans {
		delete(cm.transactions, trans.transactionID)
		cm.deps.Collector.Session.ActiveTransactions.Dec()
	}
}

// OnTRAComplete implements tra.RequestCallbacks for the connection's
// subscription stream: pushed key→host batches merge into the shared
// affinity cache.
func (cm *ConnectionManager) OnTRAComplete(respType tra.ResponseType, values map[string]string) {
	switch respType {
	case tra.SubscribeResp:
		cm.deps.PCookies.Insert(values)
	default:
		// Create/update/delete acks carry nothing actionable.
	}
}

// localAddrIP extracts the IP of the connection's local address.
func localAddrIP(conn net.Conn) string {
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return conn.LocalAddr().String()
	}
	return host
}
