package codec

import (
	"time"

	"github.com/zaf/g711"
)

// g711Codec реализация G.711 µ-law и A-law
type g711Codec struct {
	name        string
	payloadType uint8
	encode      func([]byte) []byte
	decode      func([]byte) []byte
}

// NewPCMU возвращает кодек G.711 µ-law (payload type 0)
func NewPCMU() Codec {
	return &g711Codec{
		name:        "PCMU",
		payloadType: 0,
		encode:      g711.EncodeUlaw,
		decode:      g711.DecodeUlaw,
	}
}

// NewPCMA возвращает кодек G.711 A-law (payload type 8)
func NewPCMA() Codec {
	return &g711Codec{
		name:        "PCMA",
		payloadType: 8,
		encode:      g711.EncodeAlaw,
		decode:      g711.DecodeAlaw,
	}
}

func (c *g711Codec) Name() string       { return c.name }
func (c *g711Codec) PayloadType() uint8 { return c.payloadType }
func (c *g711Codec) ClockRate() uint32  { return 8000 }

// SamplesPerFrame для 8 кГц и 20 мс пакета — 160 сэмплов
func (c *g711Codec) SamplesPerFrame() int {
	return int(8000 * FrameDuration / time.Second)
}

func (c *g711Codec) Encode(lpcm []byte) ([]byte, error) {
	return c.encode(lpcm), nil
}

func (c *g711Codec) Decode(payload []byte) ([]byte, error) {
	return c.decode(payload), nil
}
