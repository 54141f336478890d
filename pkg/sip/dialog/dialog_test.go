package dialog

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Host:      "127.0.0.1",
		Port:      5070,
		Transport: "UDP",
		Contact: sip.ContactHeader{
			Address: sip.Uri{User: "alice", Host: "127.0.0.1", Port: 5070},
		},
	})
	require.NoError(t, err)
	return m
}

func parseMsg(t *testing.T, raw string) sip.Message {
	t.Helper()
	msg, err := sip.ParseMessage([]byte(raw))
	require.NoError(t, err)
	return msg
}

const dlgInvite = "INVITE sip:bob@192.168.1.2:5060 SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP 127.0.0.1:5070;branch=z9hG4bKdlg1\r\n" +
	"From: <sip:alice@127.0.0.1:5070>;tag=alice-tag\r\n" +
	"To: <sip:bob@192.168.1.2:5060>\r\n" +
	"Call-ID: dlg-call-1\r\n" +
	"CSeq: 1 INVITE\r\n" +
	"Contact: <sip:alice@127.0.0.1:5070>\r\n" +
	"Max-Forwards: 70\r\n" +
	"Content-Length: 0\r\n\r\n"

const dlgOK = "SIP/2.0 200 OK\r\n" +
	"Via: SIP/2.0/UDP 127.0.0.1:5070;branch=z9hG4bKdlg1\r\n" +
	"From: <sip:alice@127.0.0.1:5070>;tag=alice-tag\r\n" +
	"To: <sip:bob@192.168.1.2:5060>;tag=bob-tag\r\n" +
	"Call-ID: dlg-call-1\r\n" +
	"CSeq: 1 INVITE\r\n" +
	"Contact: <sip:bob@192.168.1.2:5060>\r\n" +
	"Record-Route: <sip:proxy2.example.com;lr>\r\n" +
	"Record-Route: <sip:proxy1.example.com;lr>\r\n" +
	"Content-Length: 0\r\n\r\n"

func TestCreateDialogUAC(t *testing.T) {
	m := testManager(t)
	req := parseMsg(t, dlgInvite).(*sip.Request)
	resp := parseMsg(t, dlgOK).(*sip.Response)

	d, err := m.CreateFromTransaction(req, resp, true)
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.Equal(t, StateConfirmed, d.State())
	key := d.Key()
	assert.Equal(t, "dlg-call-1", key.CallID)
	assert.Equal(t, "alice-tag", key.LocalTag)
	assert.Equal(t, "bob-tag", key.RemoteTag)
	assert.True(t, d.IsInitiator())
	assert.Equal(t, "192.168.1.2", d.RemoteTarget().Host)

	// Route set для UAC — перевернутый Record-Route
	routes := d.RouteSet()
	require.Len(t, routes, 2)
	assert.Equal(t, "proxy1.example.com", routes[0].Host)
	assert.Equal(t, "proxy2.example.com", routes[1].Host)
}

func TestCreateDialogWithoutToTag(t *testing.T) {
	m := testManager(t)
	req := parseMsg(t, dlgInvite).(*sip.Request)

	raw := "SIP/2.0 100 Trying\r\n" +
		"Via: SIP/2.0/UDP 127.0.0.1:5070;branch=z9hG4bKdlg1\r\n" +
		"From: <sip:alice@127.0.0.1:5070>;tag=alice-tag\r\n" +
		"To: <sip:bob@192.168.1.2:5060>\r\n" +
		"Call-ID: dlg-call-1\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Content-Length: 0\r\n\r\n"
	resp := parseMsg(t, raw).(*sip.Response)

	d, err := m.CreateFromTransaction(req, resp, true)
	require.NoError(t, err)
	assert.Nil(t, d, "ответ без To tag диалог не создает")
}

func TestDialogIdentityUniqueness(t *testing.T) {
	// P5: тройка (Call-ID, local, remote) уникальна среди диалогов
	m := testManager(t)
	req := parseMsg(t, dlgInvite).(*sip.Request)
	resp := parseMsg(t, dlgOK).(*sip.Response)

	d1, err := m.CreateFromTransaction(req, resp, true)
	require.NoError(t, err)
	d2, err := m.CreateFromTransaction(req, resp, true)
	require.NoError(t, err)
	assert.Same(t, d1, d2, "повторная тройка возвращает существующий диалог")
	assert.Equal(t, 1, m.Len())
}

func TestRouteSetImmutability(t *testing.T) {
	// P6: route set фиксируется на dialog-creating ответе
	m := testManager(t)
	req := parseMsg(t, dlgInvite).(*sip.Request)
	resp := parseMsg(t, dlgOK).(*sip.Response)

	d, err := m.CreateFromTransaction(req, resp, true)
	require.NoError(t, err)

	before := d.RouteSet()
	// Мутация возвращенной копии не влияет на диалог
	before[0].Host = "evil.example.com"
	after := d.RouteSet()
	assert.Equal(t, "proxy1.example.com", after[0].Host)
}

func TestCSeqDiscipline(t *testing.T) {
	// P2 + S4: локальный CSeq строго растет, регрессия удаленного
	// отклоняется без изменения состояния диалога
	m := testManager(t)
	req := parseMsg(t, dlgInvite).(*sip.Request)
	resp := parseMsg(t, dlgOK).(*sip.Response)

	d, err := m.CreateFromTransaction(req, resp, true)
	require.NoError(t, err)

	bye, err := m.CreateRequest(d, sip.BYE)
	require.NoError(t, err)
	info, err := m.CreateRequest(d, sip.INFO)
	require.NoError(t, err)
	assert.Greater(t, info.CSeq().SeqNo, bye.CSeq().SeqNo)
	assert.Greater(t, bye.CSeq().SeqNo, uint32(1))

	// Удаленный CSeq: 5 UPDATE затем 1 INFO -> OutOfOrder
	mk := func(seq uint32, method sip.RequestMethod) *sip.Request {
		r := sip.NewRequest(method, d.RemoteTarget())
		r.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
		return r
	}

	class, err := m.ProcessRequest(d, mk(5, sip.UPDATE))
	require.NoError(t, err)
	assert.Equal(t, ClassUpdate, class)

	_, err = m.ProcessRequest(d, mk(1, sip.INFO))
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, StateConfirmed, d.State(), "диалог не меняется при регрессии CSeq")
	assert.Equal(t, uint32(5), d.RemoteSeq())
}

func TestProcessByeTerminatesDialog(t *testing.T) {
	m := testManager(t)
	req := parseMsg(t, dlgInvite).(*sip.Request)
	resp := parseMsg(t, dlgOK).(*sip.Response)

	d, err := m.CreateFromTransaction(req, resp, true)
	require.NoError(t, err)

	bye := sip.NewRequest(sip.BYE, d.RemoteTarget())
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 10, MethodName: sip.BYE})

	class, err := m.ProcessRequest(d, bye)
	require.NoError(t, err)
	assert.Equal(t, ClassBye, class)
	assert.Equal(t, StateTerminated, d.State())
}

func TestCreateRequestHeaders(t *testing.T) {
	m := testManager(t)
	req := parseMsg(t, dlgInvite).(*sip.Request)
	resp := parseMsg(t, dlgOK).(*sip.Response)

	d, err := m.CreateFromTransaction(req, resp, true)
	require.NoError(t, err)

	bye, err := m.CreateRequest(d, sip.BYE)
	require.NoError(t, err)

	assert.Equal(t, "dlg-call-1", bye.CallID().Value())
	fromTag, _ := bye.From().Params.Get("tag")
	toTag, _ := bye.To().Params.Get("tag")
	assert.Equal(t, "alice-tag", fromTag)
	assert.Equal(t, "bob-tag", toTag)
	assert.NotNil(t, bye.Via())

	// Loose routing: request-URI остается remote target, Route из set
	assert.Equal(t, "192.168.1.2", bye.Recipient.Host)
	routeHeaders := bye.GetHeaders("Route")
	assert.Len(t, routeHeaders, 2)
}

func TestBuildAck2xx(t *testing.T) {
	m := testManager(t)
	req := parseMsg(t, dlgInvite).(*sip.Request)
	resp := parseMsg(t, dlgOK).(*sip.Response)

	d, err := m.CreateFromTransaction(req, resp, true)
	require.NoError(t, err)

	ack, err := m.BuildAck2xx(d, nil, resp)
	require.NoError(t, err)

	assert.Equal(t, sip.ACK, ack.Method)
	assert.Equal(t, uint32(1), ack.CSeq().SeqNo, "ACK наследует CSeq INVITE")
	assert.Equal(t, sip.ACK, ack.CSeq().MethodName)
	toTag, _ := ack.To().Params.Get("tag")
	assert.Equal(t, "bob-tag", toTag)

	// ACK на 2xx — новая транзакция: branch отличается от INVITE
	ackBranch, _ := ack.Via().Params.Get("branch")
	assert.NotEqual(t, "z9hG4bKdlg1", ackBranch)
}

func TestTerminateDialogRemovesFromIndex(t *testing.T) {
	m := testManager(t)
	req := parseMsg(t, dlgInvite).(*sip.Request)
	resp := parseMsg(t, dlgOK).(*sip.Response)

	d, err := m.CreateFromTransaction(req, resp, true)
	require.NoError(t, err)

	m.Terminate(d)
	assert.Equal(t, StateTerminated, d.State())
	assert.Equal(t, 0, m.Len())

	_, err = m.CreateRequest(d, sip.BYE)
	assert.ErrorIs(t, err, ErrDialogTerminated)
}

func TestSipfrag(t *testing.T) {
	assert.Equal(t, 100, ParseSipfragStatusCode([]byte("SIP/2.0 100 Trying\r\n")))
	assert.Equal(t, 200, ParseSipfragStatusCode([]byte("SIP/2.0 200 OK")))
	assert.Equal(t, 0, ParseSipfragStatusCode([]byte("garbage")))
	assert.Equal(t, 0, ParseSipfragStatusCode(nil))
	assert.Equal(t, "SIP/2.0 200 OK\r\n", FormatSipfrag(200, "OK"))
}

func TestParseRefer(t *testing.T) {
	raw := "REFER sip:bob@192.168.1.2:5060 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 127.0.0.1:5070;branch=z9hG4bKrefer\r\n" +
		"From: <sip:alice@127.0.0.1:5070>;tag=alice-tag\r\n" +
		"To: <sip:bob@192.168.1.2:5060>;tag=bob-tag\r\n" +
		"Call-ID: dlg-call-1\r\n" +
		"CSeq: 2 REFER\r\n" +
		"Refer-To: <sip:carol@192.168.1.3:5060>\r\n" +
		"Referred-By: <sip:alice@127.0.0.1:5070>\r\n" +
		"Content-Length: 0\r\n\r\n"
	req := parseMsg(t, raw).(*sip.Request)

	info, err := ParseRefer(req)
	require.NoError(t, err)
	assert.Equal(t, "carol", info.ReferTo.User)
	assert.Equal(t, "192.168.1.3", info.ReferTo.Host)
	assert.Contains(t, info.ReferredBy, "alice")
}
