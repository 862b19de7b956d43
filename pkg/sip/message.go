package sip

// span is a view into a Message's raw bytes. A negative offset means unset.
// Spans keep metadata fields alive independently of any transient read
// buffer: the Message owns its raw bytes.
type span struct {
	off int
	end int
}

var noSpan = span{off: -1, end: -1}

func (s span) set() bool { return s.off >= 0 }

// OpKind is the kind of a staged rewrite operation.
type OpKind int

const (
	// OpReplace replaces the byte range [Off, End) with Value.
	OpReplace OpKind = iota
	// OpInsert inserts Value at Off.
	OpInsert
)

// Operation is one rewrite staged during ingress inspection and applied by
// the egress encoder, in recorded order. Offsets refer to the message's raw
// bytes as parsed.
type Operation struct {
	Kind  OpKind
	Off   int
	End   int
	Value string
}

// Message is the parsed view of one SIP message. Field accessors return
// views into the owned raw bytes; the boolean reports whether the field was
// present. Parse-derived fields are immutable after decoding; only the
// routing destination and staged rewrite operations may change afterwards.
type Message struct {
	raw []byte

	msgType    MsgType
	method     Method
	respMethod Method
	statusCode int

	requestURI    span
	topVia        span
	topRoute      span
	domain        span
	transactionID span
	viaEP         span
	routeEP       span
	routeOpaque   span
	pCookie       span

	headersEnd int

	destination string
	operations  []Operation
}

// Raw returns the message's raw bytes as parsed. The encoder works on a
// copy; callers must not mutate the returned slice.
func (m *Message) Raw() []byte { return m.raw }

// MsgType returns whether this is a request or a response.
func (m *Message) MsgType() MsgType { return m.msgType }

// Method returns the request method, or MethodUnknown for responses.
func (m *Message) Method() Method { return m.method }

// RespMethod returns the method echoed in a response's CSeq header.
func (m *Message) RespMethod() Method { return m.respMethod }

// StatusCode returns the response status, or 0 for requests.
func (m *Message) StatusCode() int { return m.statusCode }

func (m *Message) view(s span) (string, bool) {
	if !s.set() {
		return "", false
	}
	return string(m.raw[s.off:s.end]), true
}

// RequestURI returns the request-line URI.
func (m *Message) RequestURI() (string, bool) { return m.view(m.requestURI) }

// TopVia returns the value of the topmost Via header.
func (m *Message) TopVia() (string, bool) { return m.view(m.topVia) }

// TopRoute returns the URI of the topmost Route header.
func (m *Message) TopRoute() (string, bool) { return m.view(m.topRoute) }

// Domain returns the domain the route table matches against: the value of the
// configured domain parameter on the top Route URI (or, without a Route
// header, the Request-URI) when that parameter is present, otherwise the top
// Route host when a Route header is present, otherwise the Request-URI host.
func (m *Message) Domain() (string, bool) { return m.view(m.domain) }

// TransactionID returns the branch token of the topmost Via. It is stable
// for the life of the message.
func (m *Message) TransactionID() (string, bool) { return m.view(m.transactionID) }

// ViaEP returns the ep parameter of the topmost Via, if present.
func (m *Message) ViaEP() (string, bool) { return m.view(m.viaEP) }

// RouteEP returns the ep parameter of the top Route URI, if present.
func (m *Message) RouteEP() (string, bool) { return m.view(m.routeEP) }

// RouteOpaque returns the opaque parameter of the top Route URI, if present.
func (m *Message) RouteOpaque() (string, bool) { return m.view(m.routeOpaque) }

// PCookie returns the p-cookie parameter of the top Route URI, if present.
func (m *Message) PCookie() (string, bool) { return m.view(m.pCookie) }

// Destination returns the upstream address this message is pinned to, empty
// when unset.
func (m *Message) Destination() string { return m.destination }

// SetDestination pins the message to an upstream address. Set by the router
// on an affinity hit or by a TRA retrieve response.
func (m *Message) SetDestination(dest string) { m.destination = dest }

// Operations returns the staged rewrite operations in recorded order.
func (m *Message) Operations() []Operation { return m.operations }

// StageOperation appends a rewrite operation for the egress encoder.
func (m *Message) StageOperation(op Operation) {
	m.operations = append(m.operations, op)
}
