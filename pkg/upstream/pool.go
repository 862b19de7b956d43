package upstream

import (
	"net"
	"sync"
	"sync/atomic"

	"mercator-hq/saturn/pkg/dispatch"
)

// ConnectionEvent is delivered to UpstreamCallbacks when the upstream
// connection changes state.
type ConnectionEvent int

const (
	// EventRemoteClose means the upstream closed the connection.
	EventRemoteClose ConnectionEvent = iota
	// EventLocalClose means this side closed the connection.
	EventLocalClose
)

// PoolCallbacks receives the outcome of a pending connect. Both callbacks
// run on the worker the connection was requested from.
type PoolCallbacks interface {
	OnPoolReady(conn *ConnectionData, host *Host)
	OnPoolFailure(reason error, host *Host)
}

// UpstreamCallbacks receives data and events from an established upstream
// connection, on the owning worker.
type UpstreamCallbacks interface {
	OnUpstreamData(data []byte)
	OnUpstreamEvent(event ConnectionEvent)
}

// Cancellable is a pending connect that can be abandoned.
type Cancellable interface {
	Cancel()
}

// dialFunc is replaceable in tests.
type dialFunc func(network, address string, c *Cluster) (net.Conn, error)

func defaultDial(network, address string, c *Cluster) (net.Conn, error) {
	return net.DialTimeout(network, address, c.ConnectTimeout())
}

// NewConnection asynchronously obtains a TCP connection to host. The
// outcome callback is posted to worker. The returned handle cancels
// delivery (not the dial itself).
func (c *Cluster) NewConnection(worker *dispatch.Worker, host *Host, cbs PoolCallbacks) Cancellable {
	return c.newConnection(worker, host, cbs, defaultDial)
}

func (c *Cluster) newConnection(worker *dispatch.Worker, host *Host, cbs PoolCallbacks, dial dialFunc) Cancellable {
	pending := &pendingConn{}
	go func() {
		conn, err := dial("tcp", host.Address(), c)
		if pending.cancelled.Load() {
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			worker.Post(func() {
				if !pending.cancelled.Load() {
					cbs.OnPoolFailure(err, host)
				}
			})
			return
		}
		cd := &ConnectionData{conn: conn, host: host, worker: worker}
		worker.Post(func() {
			if pending.cancelled.Load() {
				conn.Close()
				return
			}
			cbs.OnPoolReady(cd, host)
		})
	}()
	return pending
}

type pendingConn struct {
	cancelled atomic.Bool
}

// Cancel abandons the pending connect; a late-arriving socket is closed.
func (p *pendingConn) Cancel() { p.cancelled.Store(true) }

// ConnectionData is an established upstream connection pinned to a worker.
// Reads are pumped by a dedicated goroutine and delivered to the callbacks
// on the worker; writes may only happen from the worker's loop.
type ConnectionData struct {
	conn   net.Conn
	host   *Host
	worker *dispatch.Worker

	mu     sync.Mutex
	closed bool
}

// Host returns the upstream host this connection is bound to.
func (cd *ConnectionData) Host() *Host { return cd.host }

// LocalAddr returns the local IP of the upstream socket.
func (cd *ConnectionData) LocalAddr() string {
	if addr, ok := cd.conn.LocalAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	return cd.conn.LocalAddr().String()
}

// StartRead begins the read pump, delivering data and events to cbs on the
// owning worker.
func (cd *ConnectionData) StartRead(cbs UpstreamCallbacks) {
	go func() {
		buf := make([]byte, 16*1024)
		for {
			n, err := cd.conn.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				cd.worker.Post(func() { cbs.OnUpstreamData(data) })
			}
			if err != nil {
				event := EventRemoteClose
				cd.mu.Lock()
				if cd.closed {
					event = EventLocalClose
				}
				cd.mu.Unlock()
				cd.worker.Post(func() { cbs.OnUpstreamEvent(event) })
				return
			}
		}
	}()
}

// Write sends bytes upstream.
func (cd *ConnectionData) Write(data []byte) error {
	_, err := cd.conn.Write(data)
	return err
}

// Close tears the connection down. Idempotent.
func (cd *ConnectionData) Close() {
	cd.mu.Lock()
	if cd.closed {
		cd.mu.Unlock()
		return
	}
	cd.closed = true
	cd.mu.Unlock()
	cd.conn.Close()
}
