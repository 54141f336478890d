// Package media_sdp реализует SDP offer/answer переговорку согласно
// RFC 3264 поверх RFC 4566 и извлечение медиа конфигурации из пары
// local/remote SDP: кодек, адреса и порты RTP, направление и профиль
// безопасности (plain RTP, SDES SRTP, DTLS-SRTP per RFC 5763).
package media_sdp

import (
	"fmt"
	"time"
)

// Direction направление медиа потока согласно RFC 3264
type Direction int

const (
	DirectionSendRecv Direction = iota
	DirectionSendOnly
	DirectionRecvOnly
	DirectionInactive
)

func (d Direction) String() string {
	switch d {
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "sendrecv"
	}
}

// ParseDirection разбирает атрибут направления; по умолчанию sendrecv
func ParseDirection(s string) Direction {
	switch s {
	case "sendonly":
		return DirectionSendOnly
	case "recvonly":
		return DirectionRecvOnly
	case "inactive":
		return DirectionInactive
	default:
		return DirectionSendRecv
	}
}

// Answer возвращает направление ответа на направление оффера:
// sendonly у пира означает recvonly у нас, inactive глушит обе стороны
func (d Direction) Answer() Direction {
	switch d {
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionRecvOnly:
		return DirectionSendOnly
	case DirectionInactive:
		return DirectionInactive
	default:
		return DirectionSendRecv
	}
}

// IsHold сообщает, означает ли направление удержание вызова
func (d Direction) IsHold() bool {
	return d == DirectionSendOnly || d == DirectionInactive
}

// CanSend сообщает, разрешена ли отправка медиа
func (d Direction) CanSend() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly
}

// CanReceive сообщает, разрешен ли прием медиа
func (d Direction) CanReceive() bool {
	return d == DirectionSendRecv || d == DirectionRecvOnly
}

// SecurityProfile профиль защиты медиа потока
type SecurityProfile int

const (
	// ProfilePlainRTP нешифрованный RTP (RFC 3550)
	ProfilePlainRTP SecurityProfile = iota
	// ProfileSRTP SRTP с ключами из SDP (SDES, RFC 4568)
	ProfileSRTP
	// ProfileDTLSSRTP SRTP с ключами из DTLS рукопожатия (RFC 5763/5764)
	ProfileDTLSSRTP
)

func (p SecurityProfile) String() string {
	switch p {
	case ProfileSRTP:
		return "SRTP"
	case ProfileDTLSSRTP:
		return "DTLS-SRTP"
	default:
		return "RTP"
	}
}

// SetupRole значение атрибута a=setup (RFC 4145/5763)
type SetupRole string

const (
	SetupActive  SetupRole = "active"
	SetupPassive SetupRole = "passive"
	SetupActPass SetupRole = "actpass"
)

// CryptoInfo параметры защиты, извлеченные из SDP
type CryptoInfo struct {
	Profile SecurityProfile

	// Suite negotiated SRTP защитный профиль
	// (по умолчанию SRTP_AES128_CM_HMAC_SHA1_80)
	Suite string

	// Fingerprint и FingerprintAlgo из a=fingerprint (DTLS-SRTP)
	Fingerprint     string
	FingerprintAlgo string

	// Setup локальная роль из переговорки a=setup
	Setup SetupRole

	// RemoteSetup роль удаленной стороны
	RemoteSetup SetupRole
}

// IsDTLSClient сообщает, выступает ли локальная сторона DTLS клиентом.
// active означает клиент, passive — сервер; actpass разрешается
// локальным предпочтением active (RFC 5763 §5).
func (c CryptoInfo) IsDTLSClient() bool {
	switch c.Setup {
	case SetupActive:
		return true
	case SetupPassive:
		return false
	default:
		return c.RemoteSetup != SetupActive
	}
}

// CodecCapability поддерживаемый кодек локальной стороны
type CodecCapability struct {
	Name        string
	PayloadType uint8
	ClockRate   uint32
}

// MediaConfig результат переговорки: все, что нужно для открытия
// RTP/SRTP сессии
type MediaConfig struct {
	CodecName   string
	PayloadType uint8
	ClockRate   uint32

	LocalAddr  string
	LocalPort  int
	RemoteAddr string
	RemotePort int

	Direction Direction
	Crypto    CryptoInfo

	// DTMFPayloadType payload type для telephone-event (RFC 4733);
	// 0 означает, что DTMF не согласован
	DTMFPayloadType uint8

	// Ptime длительность пакета
	Ptime time.Duration
}

// Validate проверяет полноту конфигурации
func (c MediaConfig) Validate() error {
	if c.CodecName == "" {
		return fmt.Errorf("codec not negotiated")
	}
	if c.LocalAddr == "" || c.LocalPort == 0 {
		return fmt.Errorf("local RTP endpoint missing")
	}
	if c.RemoteAddr == "" || c.RemotePort == 0 {
		return fmt.Errorf("remote RTP endpoint missing")
	}
	return nil
}
