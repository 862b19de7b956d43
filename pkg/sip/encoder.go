package sip

import (
	"bytes"
	"fmt"
)

// Encoder produces the egress bytes for a message. Its one mandatory rewrite
// is the ep parameter on the topmost Via: every outbound message carries
// ep=<local ip> so reply traffic is steered back to this instance. Rewrite
// operations staged on the metadata are applied first, in recorded order.
type Encoder struct {
	localIP string
}

// NewEncoder creates an encoder stamping localIP into outbound messages.
func NewEncoder(localIP string) *Encoder {
	return &Encoder{localIP: localIP}
}

// LocalIP returns the address stamped into outbound messages.
func (e *Encoder) LocalIP() string { return e.localIP }

// Encode renders the message with all staged operations and the ep rewrite
// applied. The message's raw bytes are not modified.
func (e *Encoder) Encode(msg *Message) []byte {
	edits := make([]edit, 0, len(msg.operations)+1)
	for _, op := range msg.operations {
		switch op.Kind {
		case OpInsert:
			edits = append(edits, edit{off: op.Off, end: op.Off, val: op.Value})
		case OpReplace:
			edits = append(edits, edit{off: op.Off, end: op.End, val: op.Value})
		}
	}

	if msg.viaEP.set() {
		edits = append(edits, edit{off: msg.viaEP.off, end: msg.viaEP.end, val: e.localIP})
	} else if msg.topVia.set() {
		at := msg.topVia.end
		edits = append(edits, edit{off: at, end: at, val: ";ep=" + e.localIP})
	}

	return applyEdits(msg.raw, edits)
}

// edit replaces the original-offset range [off, end) with val.
type edit struct {
	off, end int
	val      string
}

// applyEdits applies edits sequentially. Offsets refer to the original
// bytes; each application shifts the offsets of later edits located after
// it.
func applyEdits(raw []byte, edits []edit) []byte {
	type applied struct {
		at    int
		delta int
	}
	var done []applied

	out := append([]byte(nil), raw...)
	for _, e := range edits {
		shift := 0
		for _, a := range done {
			if a.at <= e.off {
				shift += a.delta
			}
		}
		off, end := e.off+shift, e.end+shift
		if off < 0 || end > len(out) || off > end {
			continue
		}

		next := make([]byte, 0, len(out)-(end-off)+len(e.val))
		next = append(next, out[:off]...)
		next = append(next, e.val...)
		next = append(next, out[end:]...)
		out = next

		done = append(done, applied{at: e.off, delta: len(e.val) - (e.end - e.off)})
	}
	return out
}

// BuildResponse constructs a locally generated response to a request,
// copying the dialog-identifying headers from the request per RFC 3261
// §8.2.6.2. The result is a parsed Message ready for the encoder.
func BuildResponse(req *Message, code int, reason string) (*Message, error) {
	if req.MsgType() != MsgRequest {
		return nil, NewAppError(AppProtocolError, "local reply to a non-request")
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "SIP/2.0 %d %s\r\n", code, reason)
	for _, name := range []string{"via", "from", "to", "call-id", "cseq"} {
		for _, line := range headerLines(req.raw[:req.headersEnd], name) {
			b.Write(line)
			b.WriteString("\r\n")
		}
	}
	b.WriteString("Content-Length: 0\r\n\r\n")

	raw := b.Bytes()
	headersEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	return parseMessage(raw, headersEnd, "")
}

// headerLines returns every header line whose name matches, in order.
func headerLines(headers []byte, lowerName string) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(headers, []byte("\r\n")) {
		name, _, ok := splitHeader(line)
		if ok && equalFoldASCII(name, lowerName) {
			out = append(out, line)
		}
	}
	return out
}
