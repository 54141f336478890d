package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestG711Properties(t *testing.T) {
	pcmu := NewPCMU()
	assert.Equal(t, "PCMU", pcmu.Name())
	assert.Equal(t, uint8(0), pcmu.PayloadType())
	assert.Equal(t, uint32(8000), pcmu.ClockRate())
	assert.Equal(t, 160, pcmu.SamplesPerFrame())
	assert.Equal(t, uint32(160), TimestampIncrement(pcmu))

	pcma := NewPCMA()
	assert.Equal(t, "PCMA", pcma.Name())
	assert.Equal(t, uint8(8), pcma.PayloadType())
}

func TestG711EncodeDecode(t *testing.T) {
	pcmu := NewPCMU()

	// 160 сэмплов 16-битного LPCM
	lpcm := make([]byte, 320)
	for i := range lpcm {
		lpcm[i] = byte(i % 251)
	}

	encoded, err := pcmu.Encode(lpcm)
	require.NoError(t, err)
	assert.Len(t, encoded, 160, "G.711 сжимает 16 бит до 8 на сэмпл")

	decoded, err := pcmu.Decode(encoded)
	require.NoError(t, err)
	assert.Len(t, decoded, 320)
}

func TestByName(t *testing.T) {
	c, err := ByName("PCMA")
	require.NoError(t, err)
	assert.Equal(t, uint8(8), c.PayloadType())

	_, err = ByName("opus")
	assert.Error(t, err)
}

func TestByPayloadType(t *testing.T) {
	c, err := ByPayloadType(0)
	require.NoError(t, err)
	assert.Equal(t, "PCMU", c.Name())

	_, err = ByPayloadType(96)
	assert.Error(t, err)
}
