package rtp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// udpPair открывает два связанных UDP транспорта на loopback
func udpPair(t *testing.T) (*UDPTransport, *UDPTransport) {
	t.Helper()

	a, err := NewUDPTransport(UDPTransportConfig{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	b, err := NewUDPTransport(UDPTransportConfig{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)

	require.NoError(t, a.SetRemote(b.LocalAddr().String()))
	require.NoError(t, b.SetRemote(a.LocalAddr().String()))

	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestSessionSendReceive(t *testing.T) {
	ta, tb := udpPair(t)

	sender, err := NewSession(SessionConfig{
		PayloadType: 0, ClockRate: 8000, Transport: ta,
	})
	require.NoError(t, err)
	receiver, err := NewSession(SessionConfig{
		PayloadType: 0, ClockRate: 8000, Transport: tb,
	})
	require.NoError(t, err)

	require.NoError(t, sender.Start())
	require.NoError(t, receiver.Start())

	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, sender.SendPayload(payload, true, 160))

	select {
	case frame := <-receiver.RecvChan():
		assert.Equal(t, payload, frame.Payload)
		assert.Equal(t, uint8(0), frame.PayloadType)
		assert.True(t, frame.Marker)
		assert.Equal(t, sender.SSRC(), frame.SSRC)
	case <-time.After(2 * time.Second):
		t.Fatal("кадр не получен")
	}
}

func TestSessionSequenceAdvances(t *testing.T) {
	ta, _ := udpPair(t)
	s, err := NewSession(SessionConfig{PayloadType: 0, ClockRate: 8000, Transport: ta})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	require.NoError(t, s.SendPayload([]byte{1}, false, 160))
	require.NoError(t, s.SendPayload([]byte{2}, false, 160))
	assert.Equal(t, uint64(2), s.SentPackets())
}

func TestSecureSessionRefusesToSendWithoutKeys(t *testing.T) {
	// P7: на DTLS-SRTP сессии ни один пакет не уходит до ключей
	ta, _ := udpPair(t)

	s, err := NewSession(SessionConfig{
		PayloadType: 0, ClockRate: 8000, Transport: ta, Secure: true,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	assert.Equal(t, StateNegotiating, s.State())
	err = s.SendPayload([]byte{0x00}, false, 160)
	assert.ErrorIs(t, err, ErrKeysNotInstalled)
	assert.Zero(t, s.SentPackets())
}

func TestSecureSessionActivatesAfterKeys(t *testing.T) {
	ta, tb := udpPair(t)

	material := make([]byte, 60)
	for i := range material {
		material[i] = byte(100 - i)
	}
	km, err := SplitKeyingMaterial(material, "SRTP_AES128_CM_HMAC_SHA1_80")
	require.NoError(t, err)

	sender, err := NewSession(SessionConfig{
		PayloadType: 0, ClockRate: 8000, Transport: ta, Secure: true,
	})
	require.NoError(t, err)
	receiver, err := NewSession(SessionConfig{
		PayloadType: 0, ClockRate: 8000, Transport: tb, Secure: true,
	})
	require.NoError(t, err)

	senderSRTP, err := NewSRTPSession(km, true)
	require.NoError(t, err)
	receiverSRTP, err := NewSRTPSession(km, false)
	require.NoError(t, err)

	require.NoError(t, sender.Start())
	require.NoError(t, receiver.Start())

	sender.InstallSRTP(senderSRTP)
	receiver.InstallSRTP(receiverSRTP)
	assert.Equal(t, StateActive, sender.State())

	require.NoError(t, sender.SendPayload([]byte{9, 9, 9}, false, 160))

	select {
	case frame := <-receiver.RecvChan():
		assert.Equal(t, []byte{9, 9, 9}, frame.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("SRTP кадр не получен")
	}
}

func TestSessionCloseStopsReceive(t *testing.T) {
	ta, _ := udpPair(t)
	s, err := NewSession(SessionConfig{PayloadType: 0, ClockRate: 8000, Transport: ta})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	require.NoError(t, s.Close())
	assert.Equal(t, StateStopped, s.State())

	err = s.SendPayload([]byte{1}, false, 160)
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = s.RecvFrame()
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestTransportRejectsSendWithoutRemote(t *testing.T) {
	tr, err := NewUDPTransport(UDPTransportConfig{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	err = tr.Send([]byte{1, 2, 3})
	assert.Error(t, err)

	_, ok := tr.LocalAddr().(*net.UDPAddr)
	assert.True(t, ok)
}
