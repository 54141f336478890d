package transaction

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseRequest(t *testing.T, raw string) *sip.Request {
	t.Helper()
	msg, err := sip.ParseMessage([]byte(raw))
	require.NoError(t, err)
	req, ok := msg.(*sip.Request)
	require.True(t, ok)
	return req
}

const inviteRaw = "INVITE sip:bob@127.0.0.1:5060 SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP 127.0.0.1:5070;branch=z9hG4bKtest1\r\n" +
	"From: <sip:alice@127.0.0.1:5070>;tag=abc\r\n" +
	"To: <sip:bob@127.0.0.1:5060>\r\n" +
	"Call-ID: call-1@127.0.0.1\r\n" +
	"CSeq: 1 INVITE\r\n" +
	"Max-Forwards: 70\r\n" +
	"Content-Length: 0\r\n\r\n"

func TestKeyFromMessage(t *testing.T) {
	req := parseRequest(t, inviteRaw)

	clientKey, err := KeyFromMessage(req, true)
	require.NoError(t, err)
	assert.Equal(t, "z9hG4bKtest1", clientKey.Branch)
	assert.Equal(t, "INVITE", clientKey.Method)
	assert.True(t, clientKey.IsClient)

	serverKey, err := KeyFromMessage(req, false)
	require.NoError(t, err)
	assert.False(t, serverKey.IsClient)

	// Клиентский и серверный ключи одного сообщения различны
	assert.NotEqual(t, clientKey, serverKey)
}

func TestKeyFromMessageRejectsMissingBranch(t *testing.T) {
	raw := "INVITE sip:bob@127.0.0.1 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 127.0.0.1:5070\r\n" +
		"From: <sip:alice@127.0.0.1>;tag=abc\r\n" +
		"To: <sip:bob@127.0.0.1>\r\n" +
		"Call-ID: call-2@127.0.0.1\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Content-Length: 0\r\n\r\n"
	req := parseRequest(t, raw)

	_, err := KeyFromMessage(req, true)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestKeyFromMessageRejectsPre3261Branch(t *testing.T) {
	raw := "INVITE sip:bob@127.0.0.1 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 127.0.0.1:5070;branch=oldstyle\r\n" +
		"From: <sip:alice@127.0.0.1>;tag=abc\r\n" +
		"To: <sip:bob@127.0.0.1>\r\n" +
		"Call-ID: call-3@127.0.0.1\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Content-Length: 0\r\n\r\n"
	req := parseRequest(t, raw)

	_, err := KeyFromMessage(req, false)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestKeyUniquenessAcrossTransactions(t *testing.T) {
	// P1: сосуществующие транзакции имеют разные ключи
	k1 := Key{Branch: "z9hG4bKa", Method: "INVITE", IsClient: true}
	k2 := Key{Branch: "z9hG4bKb", Method: "INVITE", IsClient: true}
	k3 := k1.WithMethod("ACK")

	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Equal(t, "z9hG4bKa|INVITE|client", k1.String())
}

func TestTimersForReliable(t *testing.T) {
	timers := DefaultTimers().ForReliable()
	assert.Zero(t, timers.TimerA)
	assert.Zero(t, timers.TimerE)
	assert.Zero(t, timers.TimerK)
	assert.NotZero(t, timers.TimerB)
}

func TestNextRetransmitInterval(t *testing.T) {
	timers := DefaultTimers()
	next := NextRetransmitInterval(timers.T1, timers.T2)
	assert.Equal(t, 2*timers.T1, next)

	capped := NextRetransmitInterval(timers.T2, timers.T2)
	assert.Equal(t, timers.T2, capped)
}
