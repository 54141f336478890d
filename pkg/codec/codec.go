// Package codec определяет интерфейс аудио кодека и реализацию G.711
// (PCMU/PCMA) поверх библиотеки zaf/g711. Кодек преобразует 16-битный
// LPCM в payload RTP пакета и обратно.
package codec

import (
	"fmt"
	"time"
)

// Codec интерфейс аудио кодека
type Codec interface {
	// Name имя кодека в SDP ("PCMU", "PCMA")
	Name() string
	// PayloadType статический RTP payload type
	PayloadType() uint8
	// ClockRate частота дискретизации в Гц
	ClockRate() uint32
	// SamplesPerFrame количество сэмплов в одном пакете
	SamplesPerFrame() int
	// Encode преобразует 16-битный LPCM в payload
	Encode(lpcm []byte) ([]byte, error)
	// Decode преобразует payload в 16-битный LPCM
	Decode(payload []byte) ([]byte, error)
}

// FrameDuration стандартная длительность аудио пакета телефонии
const FrameDuration = 20 * time.Millisecond

// ByName возвращает кодек по имени из SDP
func ByName(name string) (Codec, error) {
	switch name {
	case "PCMU":
		return NewPCMU(), nil
	case "PCMA":
		return NewPCMA(), nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", name)
	}
}

// ByPayloadType возвращает кодек по статическому payload type
func ByPayloadType(pt uint8) (Codec, error) {
	switch pt {
	case 0:
		return NewPCMU(), nil
	case 8:
		return NewPCMA(), nil
	default:
		return nil, fmt.Errorf("unsupported payload type %d", pt)
	}
}

// TimestampIncrement возвращает приращение RTP timestamp на пакет
func TimestampIncrement(c Codec) uint32 {
	return uint32(c.SamplesPerFrame())
}
