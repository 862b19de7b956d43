package router

import (
	"context"
	"net"

	"go.opentelemetry.io/otel/attribute"

	"mercator-hq/saturn/pkg/config"
	"mercator-hq/saturn/pkg/sip"
	"mercator-hq/saturn/pkg/telemetry/metrics"
	"mercator-hq/saturn/pkg/telemetry/tracing"
	"mercator-hq/saturn/pkg/tra"
	"mercator-hq/saturn/pkg/upstream"
)

// Router is the terminal decoder filter: it resolves affinity, picks an
// upstream host and dispatches the message. One instance exists per active
// transaction.
type Router struct {
	clusterManager   *upstream.Manager
	transactionInfos *TransactionInfos
	traClient        *tra.Client
	pcookies         *tra.PCookieIPMap
	affinityEntries  []config.AffinityEntry
	collector        *metrics.Collector
	tracer           *tracing.Tracer

	cbs      DecoderFilterCallbacks
	metadata *sip.Message
	route    Route

	upstreamRequest *UpstreamRequest
	registeredInfo  *TransactionInfo

	// triedKeys prevents re-querying the TRA for a key that already
	// missed when the suspended stage replays.
	triedKeys map[string]bool
	destroyed bool
}

// NewRouter creates the router filter for one transaction.
func NewRouter(clusterManager *upstream.Manager, transactionInfos *TransactionInfos,
	traClient *tra.Client, pcookies *tra.PCookieIPMap, affinityEntries []config.AffinityEntry,
	collector *metrics.Collector, tracer *tracing.Tracer) *Router {
	return &Router{
		clusterManager:   clusterManager,
		transactionInfos: transactionInfos,
		traClient:        traClient,
		pcookies:         pcookies,
		affinityEntries:  affinityEntries,
		collector:        collector,
		tracer:           tracer,
	}
}

// SetDecoderFilterCallbacks implements DecoderFilter.
func (r *Router) SetDecoderFilterCallbacks(cbs DecoderFilterCallbacks) { r.cbs = cbs }

// OnDestroy implements DecoderFilter.
func (r *Router) OnDestroy() {
	r.destroyed = true
	if r.registeredInfo != nil {
		r.registeredInfo.DeleteTransaction(r.cbs.Worker(), r.cbs.TransactionID())
		r.registeredInfo = nil
	}
}

// TransportBegin implements DecoderFilter.
func (r *Router) TransportBegin(msg *sip.Message) sip.FilterStatus {
	r.metadata = msg
	return r.handleAffinity()
}

// MessageBegin implements DecoderFilter.
func (r *Router) MessageBegin(msg *sip.Message) sip.FilterStatus {
	r.metadata = msg
	return r.handleAffinity()
}

// MessageEnd implements DecoderFilter. Affinity is resolved by now; the
// message is dispatched upstream.
func (r *Router) MessageEnd() sip.FilterStatus {
	return r.dispatch()
}

// TransportEnd implements DecoderFilter.
func (r *Router) TransportEnd() sip.FilterStatus { return sip.Continue }

// handleAffinity resolves the message's destination from its affinity keys.
// A cache miss with a TRA configured issues an async retrieve and suspends
// the decoder; the stage replays when the response arrives.
func (r *Router) handleAffinity() sip.FilterStatus {
	if r.metadata.MsgType() != sip.MsgRequest {
		return sip.Continue
	}
	if r.metadata.Destination() != "" {
		return sip.Continue
	}

	for _, entry := range r.affinityEntries {
		key := r.affinityKey(entry.KeyName)
		if key == "" || r.triedKeys[key] {
			continue
		}

		if host, ok := r.pcookies.Lookup(key); ok && host != "" {
			r.metadata.SetDestination(host)
			r.collector.Router.RecordAffinity("hit")
			return sip.Continue
		}

		if r.traClient != nil && r.traClient.Enabled() {
			if r.triedKeys == nil {
				r.triedKeys = map[string]bool{}
			}
			r.triedKeys[key] = true
			r.collector.Router.RecordAffinity("pending")
			r.traClient.Retrieve(entry.Type, key, r.cbs.Worker(), &retrieveCallbacks{router: r, key: key})
			return sip.StopIteration
		}
	}

	return sip.Continue
}

// affinityKey extracts the configured key from the metadata.
func (r *Router) affinityKey(keyName string) string {
	var v string
	switch keyName {
	case "ep":
		v, _ = r.metadata.RouteEP()
	case "opaque":
		v, _ = r.metadata.RouteOpaque()
	case "p-cookie":
		v, _ = r.metadata.PCookie()
	}
	return v
}

// retrieveCallbacks routes one TRA retrieve completion back into the
// router. Delivered on the transaction's worker.
type retrieveCallbacks struct {
	router *Router
	key    string
}

// OnTRAComplete implements tra.RequestCallbacks.
func (c *retrieveCallbacks) OnTRAComplete(respType tra.ResponseType, values map[string]string) {
	r := c.router
	if r.destroyed {
		return
	}
	if respType != tra.RetrieveResp {
		return
	}

	if host := values[c.key]; host != "" {
		r.pcookies.Insert(values)
		r.metadata.SetDestination(host)
		r.collector.Router.RecordAffinity("hit")
	} else {
		r.collector.Router.RecordAffinity("miss")
	}

	r.cbs.ContinueDecoding()
}

// dispatch is the load-balancing message handler: route → cluster → host →
// upstream request.
func (r *Router) dispatch() sip.FilterStatus {
	if r.metadata.MsgType() != sip.MsgRequest {
		return sip.Continue
	}

	// The ACK-for-4xx case and retransmissions reuse the transaction's
	// upstream request, keeping them on the original connection.
	if r.upstreamRequest != nil {
		r.upstreamRequest.Send(r.metadata)
		return sip.Continue
	}

	route := r.cbs.Route()
	if route == nil {
		r.collector.Router.RouteMissing.Inc()
		r.cbs.SendLocalReply(sip.AppRouteMissing.StatusCode(), sip.AppRouteMissing.ReasonPhrase(), false)
		return sip.Continue
	}
	r.route = route

	if r.tracer != nil {
		_, span := r.tracer.StartSpan(context.Background(), "sip.route",
			attribute.String("cluster", route.ClusterName()),
			attribute.String("method", string(r.metadata.Method())),
		)
		defer span.End()
	}

	cluster, err := r.clusterManager.Get(route.ClusterName())
	if err != nil {
		r.collector.Router.RecordUnknownCluster(route.ClusterName())
		r.cbs.SendLocalReply(sip.AppUnknownCluster.StatusCode(), sip.AppUnknownCluster.ReasonPhrase(), false)
		return sip.Continue
	}

	if cluster.MaintenanceMode() {
		r.collector.Router.RecordMaintenanceMode(cluster.Name())
		r.cbs.SendLocalReply(sip.AppMaintenanceMode.StatusCode(), sip.AppMaintenanceMode.ReasonPhrase(), false)
		return sip.Continue
	}

	host := cluster.ChooseHost(r)
	if host == nil {
		r.collector.Router.RecordNoHealthyUpstream(cluster.Name())
		r.cbs.SendLocalReply(sip.AppNoHealthyUpstream.StatusCode(), sip.AppNoHealthyUpstream.ReasonPhrase(), false)
		return sip.Continue
	}

	transactionInfo := r.transactionInfos.Get(cluster.Name())
	worker := r.cbs.Worker()

	ur := transactionInfo.GetUpstreamRequest(worker, host.Address())
	if ur == nil {
		ur = NewUpstreamRequest(cluster, host, worker, transactionInfo, r.collector)
		transactionInfo.InsertUpstreamRequest(worker, host.Address(), ur)
		ur.Start()
	}
	r.upstreamRequest = ur
	r.registeredInfo = transactionInfo

	transactionInfo.InsertTransaction(worker, r.cbs.TransactionID(), r.cbs, ur)
	ur.Send(r.metadata)

	return sip.Continue
}

// ShouldSelectAnotherHost implements upstream.LoadBalancerContext: a
// non-empty destination pins selection to the matching host; every other
// candidate is rejected.
func (r *Router) ShouldSelectAnotherHost(host *upstream.Host) bool {
	dest := r.metadata.Destination()
	if dest == "" {
		return false
	}
	return host.Address() != dest && hostIP(host.Address()) != dest
}

// MetadataMatchCriteria implements upstream.LoadBalancerContext.
func (r *Router) MetadataMatchCriteria() map[string]string {
	if r.route != nil {
		return r.route.MetadataMatchCriteria()
	}
	return nil
}

// hostIP strips the port from a host:port address.
func hostIP(address string) string {
	if ip, _, err := net.SplitHostPort(address); err == nil {
		return ip
	}
	return address
}
