package tra

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"mercator-hq/saturn/pkg/config"
	"mercator-hq/saturn/pkg/dispatch"
)

// fakeTRA is an in-process TRA service answering retrieve requests from a
// fixed table and pushing subscription batches on demand.
type fakeTRA struct {
	ln      net.Listener
	table   map[string]string
	push    chan map[string]string
	answers bool
}

func newFakeTRA(t *testing.T, table map[string]string, answers bool) *fakeTRA {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeTRA{ln: ln, table: table, push: make(chan map[string]string, 4), answers: answers}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeTRA) serve() {
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	enc := json.NewEncoder(conn)
	go func() {
		for values := range f.push {
			enc.Encode(wireMessage{Op: "subscribe", Values: values})
		}
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var msg wireMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if !f.answers || msg.Op == "subscribe" {
			continue
		}
		resp := wireMessage{ID: msg.ID, Op: msg.Op, Values: map[string]string{}}
		if msg.Op == "retrieve" {
			if host, ok := f.table[msg.Key]; ok {
				resp.Values[msg.Key] = host
			}
		}
		enc.Encode(resp)
	}
}

type traRecorder struct {
	done chan struct {
		respType ResponseType
		values   map[string]string
	}
}

func newTRARecorder() *traRecorder {
	return &traRecorder{done: make(chan struct {
		respType ResponseType
		values   map[string]string
	}, 4)}
}

func (r *traRecorder) OnTRAComplete(respType ResponseType, values map[string]string) {
	r.done <- struct {
		respType ResponseType
		values   map[string]string
	}{respType, values}
}

func startWorker(t *testing.T) *dispatch.Worker {
	t.Helper()
	w := dispatch.NewWorker(0)
	go w.Run()
	t.Cleanup(func() {
		w.Stop()
		w.Join()
	})
	return w
}

func TestRetrieveHit(t *testing.T) {
	f := newFakeTRA(t, map[string]string{"abc": "10.0.0.9"}, true)
	c := NewClient(config.TRAConfig{Address: f.ln.Addr().String(), Timeout: 2 * time.Second})
	defer c.CloseStream()

	w := startWorker(t)
	rec := newTRARecorder()
	c.Retrieve("lskpmc", "abc", w, rec)

	select {
	case got := <-rec.done:
		if got.respType != RetrieveResp {
			t.Errorf("respType = %v, want retrieve", got.respType)
		}
		if got.values["abc"] != "10.0.0.9" {
			t.Errorf("values = %v, want abc=10.0.0.9", got.values)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no retrieve response")
	}
}

func TestRetrieveMiss(t *testing.T) {
	f := newFakeTRA(t, nil, true)
	c := NewClient(config.TRAConfig{Address: f.ln.Addr().String(), Timeout: 2 * time.Second})
	defer c.CloseStream()

	w := startWorker(t)
	rec := newTRARecorder()
	c.Retrieve("lskpmc", "unknown", w, rec)

	select {
	case got := <-rec.done:
		if len(got.values) != 0 {
			t.Errorf("values = %v, want empty", got.values)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no retrieve response")
	}
}

func TestRetrieveTimeout(t *testing.T) {
	f := newFakeTRA(t, nil, false)
	c := NewClient(config.TRAConfig{Address: f.ln.Addr().String(), Timeout: 50 * time.Millisecond})
	defer c.CloseStream()

	w := startWorker(t)
	rec := newTRARecorder()
	c.Retrieve("lskpmc", "abc", w, rec)

	select {
	case got := <-rec.done:
		if len(got.values) != 0 {
			t.Errorf("values = %v, want empty on timeout", got.values)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout did not deliver an empty response")
	}
}

func TestRetrieveUnreachable(t *testing.T) {
	// Nothing listens here; the failure must surface as an affinity miss.
	c := NewClient(config.TRAConfig{Address: "127.0.0.1:1", Timeout: 100 * time.Millisecond})
	defer c.CloseStream()

	w := startWorker(t)
	rec := newTRARecorder()
	c.Retrieve("lskpmc", "abc", w, rec)

	select {
	case got := <-rec.done:
		if len(got.values) != 0 {
			t.Errorf("values = %v, want empty", got.values)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unreachable service did not deliver an empty response")
	}
}

func TestSubscribePush(t *testing.T) {
	f := newFakeTRA(t, nil, true)
	c := NewClient(config.TRAConfig{Address: f.ln.Addr().String(), Timeout: 2 * time.Second})
	defer c.CloseStream()

	w := startWorker(t)
	rec := newTRARecorder()
	c.Subscribe("lskpmc", w, rec)

	f.push <- map[string]string{"k1": "10.0.0.1"}
	f.push <- map[string]string{"k2": "10.0.0.2"}

	// Pushed batches arrive in order.
	for i, want := range []string{"k1", "k2"} {
		select {
		case got := <-rec.done:
			if got.respType != SubscribeResp {
				t.Errorf("respType = %v, want subscribe", got.respType)
			}
			if _, ok := got.values[want]; !ok {
				t.Errorf("batch %d = %v, want key %s", i, got.values, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscription batch %d not delivered", i)
		}
	}
}

func TestCloseStreamIdempotent(t *testing.T) {
	c := NewClient(config.TRAConfig{Address: "127.0.0.1:1", Timeout: time.Second})
	c.CloseStream()
	c.CloseStream()

	// Requests after close complete as misses.
	w := startWorker(t)
	rec := newTRARecorder()
	c.Retrieve("lskpmc", "abc", w, rec)
	select {
	case got := <-rec.done:
		if len(got.values) != 0 {
			t.Errorf("values = %v, want empty after close", got.values)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request after close did not complete")
	}
}

func TestPCookieIPMap(t *testing.T) {
	m := NewPCookieIPMap()

	if _, ok := m.Lookup("abc"); ok {
		t.Error("Lookup on empty map succeeded")
	}

	m.Insert(map[string]string{"abc": "10.0.0.9", "empty": ""})
	if got, ok := m.Lookup("abc"); !ok || got != "10.0.0.9" {
		t.Errorf("Lookup(abc) = %q, %v", got, ok)
	}
	if _, ok := m.Lookup("empty"); ok {
		t.Error("empty value should not be cached")
	}

	// Later inserts win without disturbing other keys.
	m.Insert(map[string]string{"abc": "10.0.0.7"})
	if got, _ := m.Lookup("abc"); got != "10.0.0.7" {
		t.Errorf("Lookup(abc) = %q, want 10.0.0.7", got)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}
