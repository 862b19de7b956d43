package sip

import (
	"strings"
	"testing"
)

func decodeOne(t *testing.T, msg string) *Message {
	t.Helper()
	h := &collectHandler{}
	d := NewDecoder(&collectCallbacks{handler: h}, 65536, "")
	if err := d.OnData([]byte(crlf(msg))); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(h.msgs) != 1 {
		t.Fatalf("decoded %d messages, want 1", len(h.msgs))
	}
	return h.msgs[0]
}

func TestEncodeInsertsEP(t *testing.T) {
	msg := decodeOne(t, inviteMsg)

	out := string(NewEncoder("127.0.0.1").Encode(msg))
	if !strings.Contains(out, "Via: SIP/2.0/TCP down.local;branch=z9hG4bK-1;ep=127.0.0.1\r\n") {
		t.Errorf("ep not injected on top Via:\n%s", out)
	}
	// The rest of the message is untouched.
	if !strings.Contains(out, "Route: <sip:proxy.local;ep=abc;opaque=xyz>\r\n") {
		t.Errorf("route header modified:\n%s", out)
	}
}

func TestEncodeReplacesExistingEP(t *testing.T) {
	msg := decodeOne(t, "INVITE sip:a@ex.com SIP/2.0\n"+
		"Via: SIP/2.0/TCP d;branch=z9hG4bK-1;ep=10.9.9.9\n"+
		"Content-Length: 0\n\n")

	out := string(NewEncoder("127.0.0.1").Encode(msg))
	if !strings.Contains(out, ";ep=127.0.0.1\r\n") {
		t.Errorf("ep not replaced:\n%s", out)
	}
	if strings.Contains(out, "10.9.9.9") {
		t.Errorf("stale ep survived:\n%s", out)
	}
}

func TestEncodeResponseEP(t *testing.T) {
	msg := decodeOne(t, "SIP/2.0 200 OK\n"+
		"Via: SIP/2.0/TCP d;branch=z9hG4bK-1\n"+
		"CSeq: 1 INVITE\n"+
		"Content-Length: 0\n\n")

	out := string(NewEncoder("127.0.0.1").Encode(msg))
	if !strings.Contains(out, "branch=z9hG4bK-1;ep=127.0.0.1") {
		t.Errorf("ep not injected on response Via:\n%s", out)
	}
}

func TestEncodeStagedOperations(t *testing.T) {
	msg := decodeOne(t, inviteMsg)

	// Replace the opaque value through a staged operation; record order is
	// honored and offsets track earlier edits.
	op, _ := msg.RouteOpaque()
	if op != "xyz" {
		t.Fatalf("RouteOpaque = %q", op)
	}
	msg.StageOperation(Operation{Kind: OpReplace, Off: msg.routeOpaque.off, End: msg.routeOpaque.end, Value: "rewritten"})

	out := string(NewEncoder("127.0.0.1").Encode(msg))
	if !strings.Contains(out, "opaque=rewritten>") {
		t.Errorf("staged replace not applied:\n%s", out)
	}
	if !strings.Contains(out, ";ep=127.0.0.1\r\n") {
		t.Errorf("ep rewrite lost with staged ops:\n%s", out)
	}
}

func TestEncodeDoesNotMutateRaw(t *testing.T) {
	msg := decodeOne(t, inviteMsg)
	before := string(msg.Raw())
	NewEncoder("127.0.0.1").Encode(msg)
	if string(msg.Raw()) != before {
		t.Error("Encode mutated the message's raw bytes")
	}
}

func TestBuildResponse(t *testing.T) {
	req := decodeOne(t, inviteMsg)

	resp, err := BuildResponse(req, 503, "Service Unavailable")
	if err != nil {
		t.Fatalf("BuildResponse() error = %v", err)
	}
	if resp.MsgType() != MsgResponse || resp.StatusCode() != 503 {
		t.Errorf("built %v %d, want response 503", resp.MsgType(), resp.StatusCode())
	}
	if tid, _ := resp.TransactionID(); tid != "z9hG4bK-1" {
		t.Errorf("TransactionID = %q, want z9hG4bK-1 (copied Via)", tid)
	}

	out := string(NewEncoder("127.0.0.1").Encode(resp))
	for _, want := range []string{
		"SIP/2.0 503 Service Unavailable\r\n",
		"From: <sip:bob@ex.com>;tag=1\r\n",
		"To: <sip:alice@ex.com>\r\n",
		"Call-ID: cid-1\r\n",
		"CSeq: 1 INVITE\r\n",
		";ep=127.0.0.1",
		"Content-Length: 0\r\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("local reply missing %q:\n%s", want, out)
		}
	}
}

func TestBuildResponseRejectsResponse(t *testing.T) {
	resp := decodeOne(t, "SIP/2.0 200 OK\nVia: SIP/2.0/TCP d;branch=x\n\n")
	if _, err := BuildResponse(resp, 503, "Service Unavailable"); err == nil {
		t.Error("BuildResponse() on a response should fail")
	}
}
