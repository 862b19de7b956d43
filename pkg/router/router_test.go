package router

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"mercator-hq/saturn/pkg/config"
	"mercator-hq/saturn/pkg/dispatch"
	"mercator-hq/saturn/pkg/sip"
	"mercator-hq/saturn/pkg/tra"
	"mercator-hq/saturn/pkg/upstream"
)

// routerHarness bundles the collaborators one router filter needs.
type routerHarness struct {
	t        *testing.T
	pool     *dispatch.Pool
	worker   *dispatch.Worker
	manager  *upstream.Manager
	infos    *TransactionInfos
	pcookies *tra.PCookieIPMap
	trans    *mockTrans
	router   *Router
}

func newRouterHarness(t *testing.T, clusters map[string]config.ClusterConfig,
	affinity []config.AffinityEntry, traClient *tra.Client) (*routerHarness, *Router, *mockTrans) {
	t.Helper()

	pool := dispatch.NewPool(1)
	t.Cleanup(pool.Shutdown)
	worker := pool.Workers()[0]

	manager := upstream.NewManager(clusters)
	infos := NewTransactionInfos(clusters, pool, testSettings())
	t.Cleanup(infos.Shutdown)
	pcookies := tra.NewPCookieIPMap()
	collector := newTestCollector()

	r := NewRouter(manager, infos, traClient, pcookies, affinity, collector, nil)
	trans := &mockTrans{id: "z9hG4bK-1", worker: worker, start: time.Now()}
	r.SetDecoderFilterCallbacks(trans)

	h := &routerHarness{
		t: t, pool: pool, worker: worker, manager: manager,
		infos: infos, pcookies: pcookies, trans: trans, router: r,
	}
	return h, r, trans
}

// runOnWorker executes fn on the harness worker and waits for it.
func (h *routerHarness) runOnWorker(fn func()) {
	done := make(chan struct{})
	h.worker.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		h.t.Fatal("worker task did not complete")
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func singleCluster(hosts ...string) map[string]config.ClusterConfig {
	return map[string]config.ClusterConfig{
		"c1": {Hosts: hosts, ConnectTimeout: time.Second},
	}
}

func TestDispatchRouteMissing(t *testing.T) {
	h, r, trans := newRouterHarness(t, singleCluster("10.0.0.5:5060"), nil, nil)
	trans.msg = decodeMessage(t, testInvite)
	trans.route = nil

	h.runOnWorker(func() {
		r.TransportBegin(trans.msg)
		r.MessageEnd()
	})

	if len(trans.localReplies) != 1 || trans.localReplies[0] != 503 {
		t.Errorf("local replies = %v, want [503]", trans.localReplies)
	}
	if got := testutil.ToFloat64(r.collector.Router.RouteMissing); got != 1 {
		t.Errorf("route_missing_total = %v, want 1", got)
	}
}

func TestDispatchUnknownCluster(t *testing.T) {
	h, r, trans := newRouterHarness(t, singleCluster("10.0.0.5:5060"), nil, nil)
	trans.msg = decodeMessage(t, testInvite)
	trans.route = &routeEntry{domain: "ex.com", cluster: "ghost"}

	h.runOnWorker(func() {
		r.TransportBegin(trans.msg)
		r.MessageEnd()
	})

	if len(trans.localReplies) != 1 || trans.localReplies[0] != 503 {
		t.Errorf("local replies = %v, want [503]", trans.localReplies)
	}
}

func TestDispatchMaintenanceMode(t *testing.T) {
	clusters := map[string]config.ClusterConfig{
		"c1": {Hosts: []string{"10.0.0.5:5060"}, MaintenanceMode: true, ConnectTimeout: time.Second},
	}
	h, r, trans := newRouterHarness(t, clusters, nil, nil)
	trans.msg = decodeMessage(t, testInvite)
	trans.route = &routeEntry{domain: "ex.com", cluster: "c1"}

	h.runOnWorker(func() {
		r.TransportBegin(trans.msg)
		r.MessageEnd()
	})

	if len(trans.localReplies) != 1 || trans.localReplies[0] != 503 {
		t.Errorf("local replies = %v, want [503]", trans.localReplies)
	}
}

func TestDispatchNoHealthyUpstream(t *testing.T) {
	h, r, trans := newRouterHarness(t, singleCluster("10.0.0.5:5060"), nil, nil)
	cluster, _ := h.manager.Get("c1")
	cluster.Hosts()[0].SetHealthy(false)

	trans.msg = decodeMessage(t, testInvite)
	trans.route = &routeEntry{domain: "ex.com", cluster: "c1"}

	h.runOnWorker(func() {
		r.TransportBegin(trans.msg)
		r.MessageEnd()
	})

	if len(trans.localReplies) != 1 || trans.localReplies[0] != 503 {
		t.Errorf("local replies = %v, want [503]", trans.localReplies)
	}
	if got := testutil.ToFloat64(r.collector.Router.NoHealthyUpstream("c1")); got != 1 {
		t.Errorf("no_healthy_upstream_total = %v, want 1", got)
	}
	// No upstream connection may be attempted.
	if got := h.infos.Get("c1").GetUpstreamRequest(h.worker, "10.0.0.5:5060"); got != nil {
		t.Error("upstream request created despite no healthy host")
	}
}

func TestDispatchSendsUpstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan []byte, 4)
	conns := make(chan net.Conn, 2)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- conn
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						data := make([]byte, n)
						copy(data, buf[:n])
						received <- data
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	h, r, trans := newRouterHarness(t, singleCluster(ln.Addr().String()), nil, nil)
	trans.msg = decodeMessage(t, testInvite)
	trans.route = &routeEntry{domain: "ex.com", cluster: "c1"}

	h.runOnWorker(func() {
		r.TransportBegin(trans.msg)
		r.MessageEnd()
	})

	select {
	case data := <-received:
		if !bytes.Contains(data, []byte("INVITE sip:alice@ex.com SIP/2.0")) {
			t.Errorf("upstream got %q", data)
		}
		if !bytes.Contains(data, []byte(";ep=")) {
			t.Errorf("upstream message missing ep rewrite: %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upstream received nothing")
	}

	// The transaction is registered against the upstream request.
	var item *TransactionInfoItem
	h.runOnWorker(func() {
		item = h.infos.Get("c1").GetTransaction(h.worker, "z9hG4bK-1")
	})
	if item == nil {
		t.Fatal("transaction not registered")
	}
	if item.UpstreamRequest() == nil || item.UpstreamRequest().State() != StateConnected {
		t.Error("upstream request not connected")
	}

	// A follow-up ACK on the same transaction reuses the connection.
	ack := decodeMessage(t, "ACK sip:alice@ex.com SIP/2.0\n"+
		"Via: SIP/2.0/TCP down.local;branch=z9hG4bK-1\n"+
		"CSeq: 1 ACK\nContent-Length: 0\n\n")
	h.runOnWorker(func() {
		r.TransportBegin(ack)
		r.MessageEnd()
	})

	select {
	case data := <-received:
		if !bytes.Contains(data, []byte("ACK sip:alice@ex.com")) {
			t.Errorf("upstream got %q, want the ACK", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ACK never reached upstream")
	}

	select {
	case <-conns:
	default:
		t.Fatal("no upstream connection accepted")
	}
	select {
	case <-conns:
		t.Error("ACK opened a second upstream connection")
	default:
	}
}

func TestDispatchPoolFailure(t *testing.T) {
	// Nothing listens on this address: the connect fails and every pinned
	// transaction is answered 503 and reset.
	h, r, trans := newRouterHarness(t, singleCluster("127.0.0.1:1"), nil, nil)
	trans.msg = decodeMessage(t, testInvite)
	trans.route = &routeEntry{domain: "ex.com", cluster: "c1"}

	h.runOnWorker(func() {
		r.TransportBegin(trans.msg)
		r.MessageEnd()
	})

	waitFor(t, func() bool {
		var replied bool
		h.runOnWorker(func() { replied = len(trans.localReplies) > 0 && trans.resets > 0 })
		return replied
	}, "pool failure to reset the transaction")
}

func TestAffinityCacheHit(t *testing.T) {
	affinity := []config.AffinityEntry{{Type: "lskpmc", KeyName: "ep"}}
	h, r, trans := newRouterHarness(t, singleCluster("10.0.0.5:5060"), affinity, nil)
	h.pcookies.Insert(map[string]string{"abc": "10.0.0.9"})

	trans.msg = decodeMessage(t, testInviteWithRoute)

	var status sip.FilterStatus
	h.runOnWorker(func() { status = r.TransportBegin(trans.msg) })

	if status != sip.Continue {
		t.Errorf("TransportBegin() = %v, want Continue on cache hit", status)
	}
	if trans.msg.Destination() != "10.0.0.9" {
		t.Errorf("Destination = %q, want 10.0.0.9", trans.msg.Destination())
	}
}

func TestAffinityNoKeysFallsThrough(t *testing.T) {
	affinity := []config.AffinityEntry{{Type: "lskpmc", KeyName: "ep"}}
	h, r, trans := newRouterHarness(t, singleCluster("10.0.0.5:5060"), affinity, nil)

	// No Route header, hence no affinity key.
	trans.msg = decodeMessage(t, testInvite)

	var status sip.FilterStatus
	h.runOnWorker(func() { status = r.TransportBegin(trans.msg) })
	if status != sip.Continue {
		t.Errorf("TransportBegin() = %v, want Continue without keys", status)
	}
	if trans.msg.Destination() != "" {
		t.Errorf("Destination = %q, want empty", trans.msg.Destination())
	}
}

// fakeTRAServer answers retrieve requests from a table over the JSON-lines
// protocol.
func fakeTRAServer(t *testing.T, table map[string]string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		enc := json.NewEncoder(conn)
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var req struct {
				ID  uint64 `json:"id"`
				Op  string `json:"op"`
				Key string `json:"key"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			if req.Op != "retrieve" {
				continue
			}
			values := map[string]string{}
			if host, ok := table[req.Key]; ok {
				values[req.Key] = host
			}
			enc.Encode(map[string]any{"id": req.ID, "op": "retrieve", "values": values})
		}
	}()
	return ln.Addr().String()
}

func TestAffinityTRARetrieve(t *testing.T) {
	addr := fakeTRAServer(t, map[string]string{"abc": "10.0.0.9"})
	client := tra.NewClient(config.TRAConfig{Address: addr, Timeout: 2 * time.Second})
	defer client.CloseStream()

	affinity := []config.AffinityEntry{{Type: "lskpmc", KeyName: "ep"}}
	h, r, trans := newRouterHarness(t, singleCluster("10.0.0.5:5060"), affinity, client)
	trans.msg = decodeMessage(t, testInviteWithRoute)

	var status sip.FilterStatus
	h.runOnWorker(func() { status = r.TransportBegin(trans.msg) })
	if status != sip.StopIteration {
		t.Fatalf("TransportBegin() = %v, want StopIteration on cache miss", status)
	}

	// The TRA reply resumes the decoder and pins the destination.
	waitFor(t, func() bool {
		var resumed bool
		h.runOnWorker(func() { resumed = trans.resumes > 0 })
		return resumed
	}, "TRA retrieve to resume decoding")

	if trans.msg.Destination() != "10.0.0.9" {
		t.Errorf("Destination = %q, want 10.0.0.9", trans.msg.Destination())
	}
	if host, ok := h.pcookies.Lookup("abc"); !ok || host != "10.0.0.9" {
		t.Errorf("pcookie cache = %q, %v; want 10.0.0.9", host, ok)
	}

	// The replayed stage continues without issuing another retrieve.
	h.runOnWorker(func() { status = r.TransportBegin(trans.msg) })
	if status != sip.Continue {
		t.Errorf("replayed TransportBegin() = %v, want Continue", status)
	}
}

func TestAffinityTRAMiss(t *testing.T) {
	addr := fakeTRAServer(t, nil)
	client := tra.NewClient(config.TRAConfig{Address: addr, Timeout: 2 * time.Second})
	defer client.CloseStream()

	affinity := []config.AffinityEntry{{Type: "lskpmc", KeyName: "ep"}}
	h, r, trans := newRouterHarness(t, singleCluster("10.0.0.5:5060"), affinity, client)
	trans.msg = decodeMessage(t, testInviteWithRoute)

	var status sip.FilterStatus
	h.runOnWorker(func() { status = r.TransportBegin(trans.msg) })
	if status != sip.StopIteration {
		t.Fatalf("TransportBegin() = %v, want StopIteration", status)
	}

	waitFor(t, func() bool {
		var resumed bool
		h.runOnWorker(func() { resumed = trans.resumes > 0 })
		return resumed
	}, "TRA miss to resume decoding")

	if trans.msg.Destination() != "" {
		t.Errorf("Destination = %q, want empty after miss", trans.msg.Destination())
	}

	// The miss is remembered: the replayed stage falls through to load
	// balancing instead of re-querying.
	h.runOnWorker(func() { status = r.TransportBegin(trans.msg) })
	if status != sip.Continue {
		t.Errorf("replayed TransportBegin() = %v, want Continue", status)
	}
}

func TestShouldSelectAnotherHost(t *testing.T) {
	_, r, trans := newRouterHarness(t, singleCluster("10.0.0.5:5060"), nil, nil)
	trans.msg = decodeMessage(t, testInvite)
	r.metadata = trans.msg

	matching := upstream.NewHost("10.0.0.7:5060")
	other := upstream.NewHost("10.0.0.5:5060")

	// No destination: every host is acceptable.
	if r.ShouldSelectAnotherHost(other) {
		t.Error("rejected a host with no destination set")
	}

	// A destination pins selection: reject non-matching, accept matching
	// whether the destination carries a port or not.
	trans.msg.SetDestination("10.0.0.7")
	if r.ShouldSelectAnotherHost(matching) {
		t.Error("rejected the pinned host (ip destination)")
	}
	if !r.ShouldSelectAnotherHost(other) {
		t.Error("accepted a host that does not match the destination")
	}

	trans.msg.SetDestination("10.0.0.7:5060")
	if r.ShouldSelectAnotherHost(matching) {
		t.Error("rejected the pinned host (ip:port destination)")
	}
}
