package router

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/saturn/pkg/config"
	"mercator-hq/saturn/pkg/dispatch"
	"mercator-hq/saturn/pkg/sip"
	"mercator-hq/saturn/pkg/telemetry/metrics"
)

// mockTrans is a test stand-in for the connection manager's active
// transaction.
type mockTrans struct {
	id     string
	worker *dispatch.Worker
	msg    *sip.Message
	route  Route
	start  time.Time

	info *TransactionInfo

	localReplies []int
	resets       int
	resumes      int
	responses    []*sip.Message
	closed       bool
}

func (m *mockTrans) TransactionID() string     { return m.id }
func (m *mockTrans) Worker() *dispatch.Worker  { return m.worker }
func (m *mockTrans) Metadata() *sip.Message    { return m.msg }
func (m *mockTrans) Route() Route              { return m.route }
func (m *mockTrans) StartTime() time.Time      { return m.start }
func (m *mockTrans) DownstreamClosed() bool    { return m.closed }
func (m *mockTrans) ContinueDecoding()         { m.resumes++ }
func (m *mockTrans) OnUpstreamResponse(msg *sip.Message) {
	m.responses = append(m.responses, msg)
}

func (m *mockTrans) SendLocalReply(code int, reason string, closeConn bool) {
	m.localReplies = append(m.localReplies, code)
}

func (m *mockTrans) OnReset() {
	m.resets++
	if m.info != nil {
		m.info.DeleteTransaction(m.worker, m.id)
	}
}

// testSettings is the shared settings block for router tests.
func testSettings() *config.SettingsConfig {
	return &config.SettingsConfig{
		TransactionTimeout: 32 * time.Second,
	}
}

func newTestCollector() *metrics.Collector {
	return metrics.NewCollector(&config.MetricsConfig{Enabled: true}, prometheus.NewRegistry())
}

// decodeMessage parses one SIP message for test input.
func decodeMessage(t *testing.T, text string) *sip.Message {
	t.Helper()
	var got *sip.Message
	cb := eventCollector{out: &got}
	d := sip.NewDecoder(cb, 65536, "")
	if err := d.OnData([]byte(strings.ReplaceAll(text, "\n", "\r\n"))); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if got == nil {
		t.Fatal("no message decoded")
	}
	return got
}

type eventCollector struct {
	out **sip.Message
}

func (c eventCollector) NewEventHandler(msg *sip.Message) sip.EventHandler {
	*c.out = msg
	return c
}

func (c eventCollector) TransportBegin(msg *sip.Message) sip.FilterStatus { return sip.Continue }
func (c eventCollector) MessageBegin(msg *sip.Message) sip.FilterStatus   { return sip.Continue }
func (c eventCollector) MessageEnd() sip.FilterStatus                     { return sip.Continue }
func (c eventCollector) TransportEnd() sip.FilterStatus                   { return sip.Continue }

const testInvite = "INVITE sip:alice@ex.com SIP/2.0\n" +
	"Via: SIP/2.0/TCP down.local;branch=z9hG4bK-1\n" +
	"From: <sip:bob@ex.com>;tag=1\n" +
	"To: <sip:alice@ex.com>\n" +
	"Call-ID: cid-1\n" +
	"CSeq: 1 INVITE\n" +
	"Content-Length: 0\n\n"

const testInviteWithRoute = "INVITE sip:alice@ex.com SIP/2.0\n" +
	"Via: SIP/2.0/TCP down.local;branch=z9hG4bK-1\n" +
	"Route: <sip:proxy.local;ep=abc>\n" +
	"From: <sip:bob@ex.com>;tag=1\n" +
	"To: <sip:alice@ex.com>\n" +
	"Call-ID: cid-1\n" +
	"CSeq: 1 INVITE\n" +
	"Content-Length: 0\n\n"
