package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voip_core/pkg/codec"
	"github.com/arzzra/voip_core/pkg/media_sdp"
	"github.com/arzzra/voip_core/pkg/rtp"
)

func newUDP(t *testing.T) *rtp.UDPTransport {
	t.Helper()
	tr, err := rtp.NewUDPTransport(rtp.UDPTransportConfig{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func newRTPSession(t *testing.T, tr *rtp.UDPTransport) *rtp.Session {
	t.Helper()
	s, err := rtp.NewSession(rtp.SessionConfig{
		PayloadType: 0, ClockRate: 8000, Transport: tr,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	return s
}

// TestRelayForwardsWithSSRCRewrite: кадры от X через пару ретранслируемых
// сессий доходят до Y со стабильным SSRC направления
func TestRelayForwardsWithSSRCRewrite(t *testing.T) {
	// X -> a | relay | b -> Y
	trX, trA := newUDP(t), newUDP(t)
	trB, trY := newUDP(t), newUDP(t)

	require.NoError(t, trX.SetRemote(trA.LocalAddr().String()))
	require.NoError(t, trA.SetRemote(trX.LocalAddr().String()))
	require.NoError(t, trB.SetRemote(trY.LocalAddr().String()))
	require.NoError(t, trY.SetRemote(trB.LocalAddr().String()))

	x := newRTPSession(t, trX)
	a := newRTPSession(t, trA)
	b := newRTPSession(t, trB)
	y := newRTPSession(t, trY)
	defer x.Close()
	defer y.Close()

	c := NewCoordinator(CoordinatorConfig{LocalHost: "127.0.0.1"})

	cfg := media_sdp.MediaConfig{
		CodecName: "PCMU", PayloadType: 0, ClockRate: 8000,
		LocalAddr: "127.0.0.1", LocalPort: 1, RemoteAddr: "127.0.0.1", RemotePort: 2,
		Direction: media_sdp.DirectionSendRecv,
	}
	enc := codec.NewPCMU()

	msA := newMediaSession("call-a", cfg, a, nil, enc)
	msA.activate()
	msB := newMediaSession("call-b", cfg, b, nil, enc)
	msB.activate()

	c.mu.Lock()
	c.sessions[msA.ID] = msA
	c.bySession["call-a"] = msA
	c.sessions[msB.ID] = msB
	c.bySession["call-b"] = msB
	c.mu.Unlock()

	relayID, err := c.SetupRelay("call-a", "call-b")
	require.NoError(t, err)

	// Повторная ретрансляция той же сессии отклоняется
	_, err = c.SetupRelay("call-a", "call-b")
	assert.ErrorIs(t, err, ErrRelayExists)

	payload := []byte{0xAB, 0xCD, 0xEF}
	require.NoError(t, x.SendPayload(payload, true, 160))

	select {
	case frame := <-y.RecvChan():
		assert.Equal(t, payload, frame.Payload)
		// SSRC переписан на стабильный SSRC направления a->b
		assert.Equal(t, a.SSRC(), frame.SSRC)
		assert.NotEqual(t, x.SSRC(), frame.SSRC)
	case <-time.After(3 * time.Second):
		t.Fatal("ретранслированный кадр не получен")
	}

	require.NoError(t, c.TeardownRelay(relayID))
	assert.ErrorIs(t, c.TeardownRelay(relayID), ErrRelayNotFound)
}
