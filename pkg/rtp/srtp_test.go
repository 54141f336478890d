package rtp

import (
	"bytes"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyingMaterial(t *testing.T) *KeyingMaterial {
	t.Helper()
	material := make([]byte, 60)
	for i := range material {
		material[i] = byte(i + 1)
	}
	km, err := SplitKeyingMaterial(material, "SRTP_AES128_CM_HMAC_SHA1_80")
	require.NoError(t, err)
	return km
}

func TestSplitKeyingMaterial(t *testing.T) {
	km := testKeyingMaterial(t)

	// RFC 5764 §4.2: client_key | server_key | client_salt | server_salt
	assert.Len(t, km.Client.MasterKey, 16)
	assert.Len(t, km.Server.MasterKey, 16)
	assert.Len(t, km.Client.MasterSalt, 14)
	assert.Len(t, km.Server.MasterSalt, 14)

	assert.Equal(t, byte(1), km.Client.MasterKey[0])
	assert.Equal(t, byte(17), km.Server.MasterKey[0])
	assert.Equal(t, byte(33), km.Client.MasterSalt[0])
	assert.Equal(t, byte(47), km.Server.MasterSalt[0])
}

func TestSplitKeyingMaterialTooShort(t *testing.T) {
	_, err := SplitKeyingMaterial(make([]byte, 10), "SRTP_AES128_CM_HMAC_SHA1_80")
	assert.Error(t, err)
}

func TestSplitKeyingMaterialUnknownProfile(t *testing.T) {
	_, err := SplitKeyingMaterial(make([]byte, 60), "SRTP_NULL_NULL")
	assert.Error(t, err)
}

func TestExportedKeyLength(t *testing.T) {
	n, err := ExportedKeyLength("SRTP_AES128_CM_HMAC_SHA1_80")
	require.NoError(t, err)
	assert.Equal(t, 60, n)

	n, err = ExportedKeyLength("SRTP_AEAD_AES_128_GCM")
	require.NoError(t, err)
	assert.Equal(t, 56, n)
}

func TestSRTPRoundTrip(t *testing.T) {
	km := testKeyingMaterial(t)

	// Клиент шифрует client ключами, сервер расшифровывает ими же
	client, err := NewSRTPSession(km, true)
	require.NoError(t, err)
	server, err := NewSRTPSession(km, false)
	require.NoError(t, err)

	original := &rtp.Packet{
		Header: rtp.Header{
			Version: 2, PayloadType: 0,
			SequenceNumber: 1000, Timestamp: 160, SSRC: 0xDEADBEEF,
		},
		Payload: bytes.Repeat([]byte{0x5A}, 160),
	}

	encrypted, err := client.Encrypt(original)
	require.NoError(t, err)
	plain, _ := original.Marshal()
	assert.NotEqual(t, plain, encrypted, "шифртекст отличается от открытого пакета")

	decrypted, err := server.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, original.Payload, decrypted.Payload)
	assert.Equal(t, original.SSRC, decrypted.SSRC)
	assert.Equal(t, original.SequenceNumber, decrypted.SequenceNumber)
}

func TestSRTPAuthFailureDropsPacket(t *testing.T) {
	km := testKeyingMaterial(t)

	client, err := NewSRTPSession(km, true)
	require.NoError(t, err)
	server, err := NewSRTPSession(km, false)
	require.NoError(t, err)

	original := &rtp.Packet{
		Header: rtp.Header{
			Version: 2, SequenceNumber: 1, Timestamp: 160, SSRC: 42,
		},
		Payload: []byte{1, 2, 3, 4},
	}
	encrypted, err := client.Encrypt(original)
	require.NoError(t, err)

	// Порча auth tag: пакет обязан быть отброшен
	encrypted[len(encrypted)-1] ^= 0xFF
	_, err = server.Decrypt(encrypted)
	assert.ErrorIs(t, err, ErrAuthFailed)
}
