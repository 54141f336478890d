package media_sdp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNegotiator() *Negotiator {
	return NewNegotiator(DefaultNegotiatorConfig())
}

func TestBuildOffer(t *testing.T) {
	n := testNegotiator()
	offer := n.BuildOffer("127.0.0.1", 40000, OfferOptions{Direction: DirectionSendRecv})

	body, err := MarshalSDP(offer)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "m=audio 40000 RTP/AVP 0 8 101")
	assert.Contains(t, text, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, text, "a=rtpmap:101 telephone-event/8000")
	assert.Contains(t, text, "a=sendrecv")
	assert.Contains(t, text, "c=IN IP4 127.0.0.1")
}

func TestBuildOfferDTLS(t *testing.T) {
	n := testNegotiator()
	offer := n.BuildOffer("127.0.0.1", 40000, OfferOptions{
		Direction: DirectionSendRecv,
		Crypto: CryptoInfo{
			Profile:         ProfileDTLSSRTP,
			FingerprintAlgo: "sha-256",
			Fingerprint:     "AA:BB:CC",
		},
	})

	body, err := MarshalSDP(offer)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "UDP/TLS/RTP/SAVP")
	assert.Contains(t, text, "a=fingerprint:sha-256 AA:BB:CC")
	assert.Contains(t, text, "a=setup:actpass")
}

func TestBuildAnswerSelectsOffererCodec(t *testing.T) {
	n := testNegotiator()

	// Оффер предпочитает PCMA (8), мы поддерживаем оба:
	// выбирается первый из оффера с сохранением номера
	offerRaw := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 10.0.0.1",
		"s=peer",
		"c=IN IP4 10.0.0.1",
		"t=0 0",
		"m=audio 30000 RTP/AVP 8 0",
		"a=rtpmap:8 PCMA/8000",
		"a=rtpmap:0 PCMU/8000",
		"a=sendrecv",
	}, "\r\n") + "\r\n"

	offer, err := ParseSDP([]byte(offerRaw))
	require.NoError(t, err)

	answer, err := n.BuildAnswer(offer, "127.0.0.1", 40002, OfferOptions{})
	require.NoError(t, err)

	body, _ := MarshalSDP(answer)
	text := string(body)
	assert.Contains(t, text, "m=audio 40002 RTP/AVP 8")
	assert.Contains(t, text, "a=rtpmap:8 PCMA/8000")
}

func TestBuildAnswerNoCompatibleCodecs(t *testing.T) {
	n := testNegotiator()

	offerRaw := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 10.0.0.1",
		"s=peer",
		"c=IN IP4 10.0.0.1",
		"t=0 0",
		"m=audio 30000 RTP/AVP 96",
		"a=rtpmap:96 opus/48000",
	}, "\r\n") + "\r\n"

	offer, err := ParseSDP([]byte(offerRaw))
	require.NoError(t, err)

	_, err = n.BuildAnswer(offer, "127.0.0.1", 40002, OfferOptions{})
	assert.ErrorIs(t, err, ErrNoCompatibleCodecs)
}

func TestDirectionMapping(t *testing.T) {
	assert.Equal(t, DirectionRecvOnly, DirectionSendOnly.Answer())
	assert.Equal(t, DirectionSendOnly, DirectionRecvOnly.Answer())
	assert.Equal(t, DirectionInactive, DirectionInactive.Answer())
	assert.Equal(t, DirectionSendRecv, DirectionSendRecv.Answer())

	assert.True(t, DirectionSendOnly.IsHold())
	assert.True(t, DirectionInactive.IsHold())
	assert.False(t, DirectionSendRecv.IsHold())
}

func TestBuildAnswerMirrorsHoldDirection(t *testing.T) {
	n := testNegotiator()

	offerRaw := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 10.0.0.1",
		"s=peer",
		"c=IN IP4 10.0.0.1",
		"t=0 0",
		"m=audio 30000 RTP/AVP 0",
		"a=rtpmap:0 PCMU/8000",
		"a=sendonly",
	}, "\r\n") + "\r\n"

	offer, err := ParseSDP([]byte(offerRaw))
	require.NoError(t, err)

	answer, err := n.BuildAnswer(offer, "127.0.0.1", 40004, OfferOptions{})
	require.NoError(t, err)

	body, _ := MarshalSDP(answer)
	assert.Contains(t, string(body), "a=recvonly")
}

func TestExtractMediaConfig(t *testing.T) {
	n := testNegotiator()

	local := n.BuildOffer("127.0.0.1", 40000, OfferOptions{Direction: DirectionSendRecv})

	remoteRaw := strings.Join([]string{
		"v=0",
		"o=- 2 2 IN IP4 192.168.1.50",
		"s=peer",
		"c=IN IP4 192.168.1.50",
		"t=0 0",
		"m=audio 35000 RTP/AVP 0 101",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:101 telephone-event/8000",
		"a=ptime:20",
		"a=sendrecv",
	}, "\r\n") + "\r\n"
	remote, err := ParseSDP([]byte(remoteRaw))
	require.NoError(t, err)

	cfg, err := n.ExtractMediaConfig(local, remote)
	require.NoError(t, err)

	assert.Equal(t, "PCMU", cfg.CodecName)
	assert.Equal(t, uint8(0), cfg.PayloadType)
	assert.Equal(t, uint32(8000), cfg.ClockRate)
	assert.Equal(t, "127.0.0.1", cfg.LocalAddr)
	assert.Equal(t, 40000, cfg.LocalPort)
	assert.Equal(t, "192.168.1.50", cfg.RemoteAddr)
	assert.Equal(t, 35000, cfg.RemotePort)
	assert.Equal(t, uint8(101), cfg.DTMFPayloadType)
	assert.Equal(t, ProfilePlainRTP, cfg.Crypto.Profile)
	require.NoError(t, cfg.Validate())
}

func TestExtractMediaConfigDTLS(t *testing.T) {
	n := testNegotiator()

	local := n.BuildOffer("127.0.0.1", 40000, OfferOptions{
		Direction: DirectionSendRecv,
		Crypto: CryptoInfo{
			Profile:         ProfileDTLSSRTP,
			FingerprintAlgo: "sha-256",
			Fingerprint:     "11:22",
			Setup:           SetupActPass,
		},
	})

	remoteRaw := strings.Join([]string{
		"v=0",
		"o=- 2 2 IN IP4 192.168.1.50",
		"s=peer",
		"c=IN IP4 192.168.1.50",
		"t=0 0",
		"m=audio 35000 UDP/TLS/RTP/SAVP 0",
		"a=rtpmap:0 PCMU/8000",
		"a=fingerprint:sha-256 AB:CD:EF",
		"a=setup:passive",
		"a=sendrecv",
	}, "\r\n") + "\r\n"
	remote, err := ParseSDP([]byte(remoteRaw))
	require.NoError(t, err)

	cfg, err := n.ExtractMediaConfig(local, remote)
	require.NoError(t, err)

	assert.Equal(t, ProfileDTLSSRTP, cfg.Crypto.Profile)
	assert.Equal(t, "AB:CD:EF", cfg.Crypto.Fingerprint)
	assert.Equal(t, SetupPassive, cfg.Crypto.RemoteSetup)
	// Пир passive -> локальная сторона DTLS клиент
	assert.True(t, cfg.Crypto.IsDTLSClient())
	assert.Equal(t, "SRTP_AES128_CM_HMAC_SHA1_80", cfg.Crypto.Suite)
}

func TestNoCodecIntersectionInExtract(t *testing.T) {
	n := testNegotiator()

	local := n.BuildOffer("127.0.0.1", 40000, OfferOptions{})

	remoteRaw := strings.Join([]string{
		"v=0",
		"o=- 2 2 IN IP4 192.168.1.50",
		"s=peer",
		"c=IN IP4 192.168.1.50",
		"t=0 0",
		"m=audio 35000 RTP/AVP 96",
		"a=rtpmap:96 opus/48000",
	}, "\r\n") + "\r\n"
	remote, err := ParseSDP([]byte(remoteRaw))
	require.NoError(t, err)

	_, err = n.ExtractMediaConfig(local, remote)
	assert.ErrorIs(t, err, ErrNoCompatibleCodecs)
}
