// Package sip implements the SIP message model, the streaming decoder and
// the egress encoder used by the proxy. Only the fields the routing layer
// needs are parsed; everything else passes through verbatim.
package sip

// MsgType distinguishes requests from responses.
type MsgType int

const (
	// MsgRequest is a SIP request.
	MsgRequest MsgType = iota
	// MsgResponse is a SIP response.
	MsgResponse
)

// String returns the message type name.
func (t MsgType) String() string {
	if t == MsgResponse {
		return "response"
	}
	return "request"
}

// Method is a SIP request method.
type Method string

// Methods the proxy recognizes. Unknown methods decode as MethodUnknown and
// are forwarded like any other request.
const (
	MethodInvite    Method = "INVITE"
	MethodAck       Method = "ACK"
	MethodBye       Method = "BYE"
	MethodCancel    Method = "CANCEL"
	MethodRegister  Method = "REGISTER"
	MethodOptions   Method = "OPTIONS"
	MethodRefer     Method = "REFER"
	MethodSubscribe Method = "SUBSCRIBE"
	MethodNotify    Method = "NOTIFY"
	MethodUpdate    Method = "UPDATE"
	MethodInfo      Method = "INFO"
	MethodPrack     Method = "PRACK"
	MethodMessage   Method = "MESSAGE"
	MethodUnknown   Method = ""
)

var knownMethods = map[string]Method{
	"INVITE":    MethodInvite,
	"ACK":       MethodAck,
	"BYE":       MethodBye,
	"CANCEL":    MethodCancel,
	"REGISTER":  MethodRegister,
	"OPTIONS":   MethodOptions,
	"REFER":     MethodRefer,
	"SUBSCRIBE": MethodSubscribe,
	"NOTIFY":    MethodNotify,
	"UPDATE":    MethodUpdate,
	"INFO":      MethodInfo,
	"PRACK":     MethodPrack,
	"MESSAGE":   MethodMessage,
}

// ParseMethod maps a request-line token to a Method.
func ParseMethod(token string) Method {
	if m, ok := knownMethods[token]; ok {
		return m
	}
	return MethodUnknown
}
