// Package rtp реализует RTP/SRTP сессии для телефонии согласно RFC 3550
// и RFC 3711, с выводом SRTP ключей через DTLS-SRTP (RFC 5763/5764).
//
// Основные компоненты:
//   - Session: RTP сессия с дисциплиной sequence/timestamp и SSRC
//   - SourceManager: таблица удаленных источников и SSRC демультиплексирование
//   - SRTPSession: шифрование и аутентификация пакетов (pion/srtp)
//   - DTLSEngine: рукопожатие DTLS 1.2 и экспорт SRTP ключей (pion/dtls)
package rtp

import (
	"time"

	"github.com/pion/rtp"
)

// SessionState состояние RTP сессии
type SessionState int

const (
	// StateNegotiating сессия создана, ключи или адреса еще не готовы
	StateNegotiating SessionState = iota
	// StateActive сессия передает и принимает пакеты
	StateActive
	// StateStopped сессия остановлена
	StateStopped
)

func (s SessionState) String() string {
	switch s {
	case StateNegotiating:
		return "Negotiating"
	case StateActive:
		return "Active"
	case StateStopped:
		return "Stopped"
	}
	return "Unknown"
}

// Frame единица медиа данных для отправки и приема
type Frame struct {
	Payload     []byte
	PayloadType uint8
	Timestamp   uint32
	Sequence    uint16
	Marker      bool
	SSRC        uint32
	ReceivedAt  time.Time
}

// FrameFromPacket строит Frame из разобранного RTP пакета
func FrameFromPacket(pkt *rtp.Packet, receivedAt time.Time) Frame {
	return Frame{
		Payload:     pkt.Payload,
		PayloadType: pkt.PayloadType,
		Timestamp:   pkt.Timestamp,
		Sequence:    pkt.SequenceNumber,
		Marker:      pkt.Marker,
		SSRC:        pkt.SSRC,
		ReceivedAt:  receivedAt,
	}
}

// Пороговые значения рассинхронизации sequence (RFC 3550 A.1):
// скачок вперед больше maxDropout или назад больше maxMisorder
// инициирует resync источника
const (
	maxDropout  = 3000
	maxMisorder = 100
)
