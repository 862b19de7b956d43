package sip

import (
	"bytes"
	"fmt"
	"strconv"
)

// FilterStatus is the verdict of one decoder event stage.
type FilterStatus int

const (
	// Continue proceeds to the next stage.
	Continue FilterStatus = iota
	// StopIteration suspends delivery of the current message until the
	// decoder is re-driven.
	StopIteration
)

// Stage identifies one decoder event stage.
type Stage int

// Stages are delivered in this order for every message.
const (
	StageTransportBegin Stage = iota
	StageMessageBegin
	StageMessageEnd
	StageTransportEnd
	stageDone
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageTransportBegin:
		return "transportBegin"
	case StageMessageBegin:
		return "messageBegin"
	case StageMessageEnd:
		return "messageEnd"
	case StageTransportEnd:
		return "transportEnd"
	}
	return "done"
}

// EventHandler receives the decoder event stages for one message. Any stage
// may return StopIteration to suspend the decoder at that message.
type EventHandler interface {
	TransportBegin(msg *Message) FilterStatus
	MessageBegin(msg *Message) FilterStatus
	MessageEnd() FilterStatus
	TransportEnd() FilterStatus
}

// Callbacks hands the decoder an event handler for each decoded message.
type Callbacks interface {
	NewEventHandler(msg *Message) EventHandler
}

// Decoder turns a growing downstream byte stream into decoded messages and
// drives each through its event handler. It tolerates partial input and
// mid-message suspension: OnData may be re-entered with more data, and
// Resume re-drives a suspended message.
type Decoder struct {
	callbacks Callbacks

	// maxMessageBytes caps the declared Content-Length.
	maxMessageBytes int

	// domainParam, when non-empty, names the URI parameter whose value
	// overrides the host as the routing domain.
	domainParam string

	buf []byte

	// Suspension state: the message whose stages have not all completed.
	pending *Message
	handler EventHandler
	stage   Stage
}

// NewDecoder creates a decoder delivering messages to cb. maxMessageBytes
// caps the declared Content-Length; zero means no cap.
func NewDecoder(cb Callbacks, maxMessageBytes int, domainParam string) *Decoder {
	return &Decoder{
		callbacks:       cb,
		maxMessageBytes: maxMessageBytes,
		domainParam:     domainParam,
	}
}

// Pending returns the message the decoder is currently suspended at, or the
// message being delivered when called from within a stage.
func (d *Decoder) Pending() *Message { return d.pending }

// OnData appends data to the decode buffer and processes as many complete
// messages as the buffer and the event handlers allow. On insufficient
// bytes it returns having consumed nothing of the incomplete tail. While a
// message is suspended, new data only buffers; delivery waits for Resume.
// Errors are *AppError values.
func (d *Decoder) OnData(data []byte) error {
	d.buf = append(d.buf, data...)
	if d.pending != nil {
		return nil
	}
	return d.process()
}

// Resume re-drives the decoder after a suspension point resolved: the
// suspended stage replays, then buffered messages follow.
func (d *Decoder) Resume() error {
	if d.pending != nil && !d.deliver() {
		return nil
	}
	return d.process()
}

// process decodes and delivers messages until the buffer runs dry or a
// stage suspends.
func (d *Decoder) process() error {
	for {
		msg, consumed, err := d.parse()
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		d.buf = d.buf[consumed:]

		d.pending = msg
		d.handler = d.callbacks.NewEventHandler(msg)
		d.stage = StageTransportBegin
		if !d.deliver() {
			return nil
		}
	}
}

// deliver runs the pending message's remaining stages. It returns false if a
// stage suspended.
func (d *Decoder) deliver() bool {
	if d.handler == nil {
		d.pending = nil
		return true
	}
	for d.stage < stageDone {
		var status FilterStatus
		switch d.stage {
		case StageTransportBegin:
			status = d.handler.TransportBegin(d.pending)
		case StageMessageBegin:
			status = d.handler.MessageBegin(d.pending)
		case StageMessageEnd:
			status = d.handler.MessageEnd()
		case StageTransportEnd:
			status = d.handler.TransportEnd()
		}
		if status == StopIteration {
			return false
		}
		d.stage++
	}

	d.pending = nil
	d.handler = nil
	return true
}

// parse extracts one complete message from the buffer. It returns (nil, 0,
// nil) when more bytes are needed.
func (d *Decoder) parse() (*Message, int, error) {
	headersEnd := bytes.Index(d.buf, []byte("\r\n\r\n"))
	if headersEnd < 0 {
		if d.maxMessageBytes > 0 && len(d.buf) > d.maxMessageBytes {
			return nil, 0, NewAppError(AppOversize,
				fmt.Sprintf("header section exceeds %d bytes", d.maxMessageBytes))
		}
		return nil, 0, nil
	}

	headers := d.buf[:headersEnd]
	contentLength, err := parseContentLength(headers)
	if err != nil {
		return nil, 0, err
	}
	if d.maxMessageBytes > 0 && contentLength > d.maxMessageBytes {
		// Keep the parsed headers around so the failure can be answered
		// with a local reply instead of a bare close.
		hdr := make([]byte, headersEnd+4)
		copy(hdr, d.buf[:headersEnd+4])
		if msg, perr := parseMessage(hdr, headersEnd, d.domainParam); perr == nil {
			d.pending = msg
		}
		return nil, 0, NewAppError(AppOversize,
			fmt.Sprintf("content length %d exceeds %d bytes", contentLength, d.maxMessageBytes))
	}

	total := headersEnd + 4 + contentLength
	if len(d.buf) < total {
		return nil, 0, nil
	}

	raw := make([]byte, total)
	copy(raw, d.buf[:total])

	msg, err := parseMessage(raw, headersEnd, d.domainParam)
	if err != nil {
		return nil, 0, err
	}
	return msg, total, nil
}

// parseContentLength scans the header section for Content-Length (or its
// compact form "l"). Absent means zero.
func parseContentLength(headers []byte) (int, error) {
	for _, line := range bytes.Split(headers, []byte("\r\n")) {
		name, value, ok := splitHeader(line)
		if !ok {
			continue
		}
		if equalFoldASCII(name, "content-length") || equalFoldASCII(name, "l") {
			n, err := strconv.Atoi(string(bytes.TrimSpace(value)))
			if err != nil || n < 0 {
				return 0, NewAppError(AppProtocolError,
					fmt.Sprintf("bad Content-Length %q", bytes.TrimSpace(value)))
			}
			return n, nil
		}
	}
	return 0, nil
}

// parseMessage builds the Message metadata from one complete raw message.
func parseMessage(raw []byte, headersEnd int, domainParam string) (*Message, error) {
	msg := &Message{
		raw:           raw,
		headersEnd:    headersEnd,
		requestURI:    noSpan,
		topVia:        noSpan,
		topRoute:      noSpan,
		domain:        noSpan,
		transactionID: noSpan,
		viaEP:         noSpan,
		routeEP:       noSpan,
		routeOpaque:   noSpan,
		pCookie:       noSpan,
	}

	lineEnd := bytes.Index(raw, []byte("\r\n"))
	if lineEnd <= 0 {
		return nil, NewAppError(AppProtocolError, "empty start line")
	}
	if err := parseStartLine(msg, raw[:lineEnd]); err != nil {
		return nil, err
	}

	// Header lines.
	pos := lineEnd + 2
	cseq := noSpan
	for pos < headersEnd {
		next := bytes.Index(raw[pos:headersEnd+2], []byte("\r\n"))
		if next < 0 {
			next = headersEnd - pos
		}
		line := raw[pos : pos+next]

		name, value, ok := splitHeader(line)
		if ok {
			valOff := pos + len(line) - len(value)
			trimmed := bytes.TrimLeft(value, " \t")
			valOff += len(value) - len(trimmed)
			valSpan := span{off: valOff, end: valOff + len(bytes.TrimRight(trimmed, " \t"))}

			switch {
			case (equalFoldASCII(name, "via") || equalFoldASCII(name, "v")) && !msg.topVia.set():
				msg.topVia = valSpan
			case equalFoldASCII(name, "route") && !msg.topRoute.set():
				msg.topRoute = routeURISpan(raw, valSpan)
			case equalFoldASCII(name, "cseq") && !cseq.set():
				cseq = valSpan
			}
		}
		pos += next + 2
	}

	if !msg.topVia.set() {
		return nil, NewAppError(AppProtocolError, "missing Via header")
	}

	// Transaction id: the branch token of the topmost Via.
	msg.transactionID = paramSpan(raw, msg.topVia, "branch")
	msg.viaEP = paramSpan(raw, msg.topVia, "ep")
	if msg.msgType == MsgRequest && !msg.transactionID.set() {
		return nil, NewAppError(AppProtocolError, "missing Via branch")
	}

	if msg.topRoute.set() {
		msg.routeEP = paramSpan(raw, msg.topRoute, "ep")
		msg.routeOpaque = paramSpan(raw, msg.topRoute, "opaque")
		msg.pCookie = paramSpan(raw, msg.topRoute, "p-cookie")
	}

	// Routing domain: a configured domain parameter wins, then the top
	// Route host, then the Request-URI host.
	uriForDomain := msg.requestURI
	if msg.topRoute.set() {
		uriForDomain = msg.topRoute
	}
	if domainParam != "" {
		if s := paramSpan(raw, uriForDomain, domainParam); s.set() {
			msg.domain = s
		}
	}
	if !msg.domain.set() && uriForDomain.set() {
		msg.domain = hostSpan(raw, uriForDomain)
	}

	// Response method echo from CSeq.
	if msg.msgType == MsgResponse && cseq.set() {
		fields := bytes.Fields(raw[cseq.off:cseq.end])
		if len(fields) == 2 {
			msg.respMethod = ParseMethod(string(fields[1]))
		}
	}

	return msg, nil
}

// parseStartLine fills the request or status line fields.
func parseStartLine(msg *Message, line []byte) error {
	if bytes.HasPrefix(line, []byte("SIP/2.0 ")) {
		rest := line[len("SIP/2.0 "):]
		if len(rest) < 3 {
			return NewAppError(AppProtocolError, "short status line")
		}
		code, err := strconv.Atoi(string(rest[:3]))
		if err != nil || code < 100 || code > 699 {
			return NewAppError(AppProtocolError, fmt.Sprintf("bad status code %q", rest[:3]))
		}
		msg.msgType = MsgResponse
		msg.statusCode = code
		return nil
	}

	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 || !bytes.Equal(parts[2], []byte("SIP/2.0")) {
		return NewAppError(AppProtocolError, fmt.Sprintf("malformed start line %q", line))
	}
	msg.msgType = MsgRequest
	msg.method = ParseMethod(string(parts[0]))
	off := len(parts[0]) + 1
	msg.requestURI = span{off: off, end: off + len(parts[1])}
	return nil
}

// splitHeader splits "Name: value" into name and value.
func splitHeader(line []byte) (name, value []byte, ok bool) {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return nil, nil, false
	}
	return bytes.TrimSpace(line[:colon]), line[colon+1:], true
}

// routeURISpan narrows a Route header value to the URI between angle
// brackets, or the whole value when unbracketed.
func routeURISpan(raw []byte, value span) span {
	seg := raw[value.off:value.end]
	open := bytes.IndexByte(seg, '<')
	if open < 0 {
		return value
	}
	closing := bytes.IndexByte(seg[open:], '>')
	if closing < 0 {
		return value
	}
	return span{off: value.off + open + 1, end: value.off + open + closing}
}

// paramSpan locates the value of ";name=" within s. The value ends at the
// next ';', '>' or the end of the span.
func paramSpan(raw []byte, s span, name string) span {
	if !s.set() {
		return noSpan
	}
	seg := raw[s.off:s.end]
	needle := []byte(";" + name + "=")
	idx := indexFoldASCII(seg, needle)
	if idx < 0 {
		return noSpan
	}
	start := idx + len(needle)
	end := len(seg)
	for i := start; i < len(seg); i++ {
		if seg[i] == ';' || seg[i] == '>' {
			end = i
			break
		}
	}
	return span{off: s.off + start, end: s.off + end}
}

// hostSpan extracts the host component of a SIP URI span.
func hostSpan(raw []byte, s span) span {
	seg := raw[s.off:s.end]
	start := 0
	if idx := bytes.Index(seg, []byte(":")); idx >= 0 && (bytes.HasPrefix(seg, []byte("sip:")) || bytes.HasPrefix(seg, []byte("sips:"))) {
		start = idx + 1
	}
	if at := bytes.IndexByte(seg[start:], '@'); at >= 0 {
		start += at + 1
	}
	end := len(seg)
	for i := start; i < len(seg); i++ {
		if seg[i] == ';' || seg[i] == '>' || seg[i] == ':' || seg[i] == '?' {
			end = i
			break
		}
	}
	if start >= end {
		return noSpan
	}
	return span{off: s.off + start, end: s.off + end}
}

// equalFoldASCII compares a header name against its lowercase form.
func equalFoldASCII(b []byte, lower string) bool {
	if len(b) != len(lower) {
		return false
	}
	for i := 0; i < len(b); i++ {
		c := b[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != lower[i] {
			return false
		}
	}
	return true
}

// indexFoldASCII finds needle in haystack, ASCII case-insensitively.
func indexFoldASCII(haystack, needle []byte) int {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			a, b := haystack[i+j], needle[j]
			if 'A' <= a && a <= 'Z' {
				a += 'a' - 'A'
			}
			if 'A' <= b && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
