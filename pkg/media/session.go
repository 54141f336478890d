// Package media реализует координацию медиа: привязку RTP/SRTP сессий
// к вызовам, запуск медиа в корректный момент сигнализации, DTMF
// (RFC 4733 и INFO) и RTP ретрансляцию между двумя сессиями.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/voip_core/pkg/codec"
	"github.com/arzzra/voip_core/pkg/media_sdp"
	"github.com/arzzra/voip_core/pkg/rtp"
)

// Status состояние медиа сессии
type Status int

const (
	// StatusNegotiating сессия создана, ключи или адреса не готовы
	StatusNegotiating Status = iota
	// StatusActive медиа поток идет
	StatusActive
	// StatusStopped сессия остановлена
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusNegotiating:
		return "Negotiating"
	case StatusActive:
		return "Active"
	case StatusStopped:
		return "Stopped"
	}
	return "Unknown"
}

// Session медиа сессия одного вызова.
//
// Инвариант защищенного профиля: сессия не активна и не передает
// пакеты, пока SRTP ключи не установлены (после DTLS рукопожатия).
type Session struct {
	ID        string
	SessionID string

	config media_sdp.MediaConfig

	rtpSession *rtp.Session
	dtlsEngine *rtp.DTLSEngine
	enc        codec.Codec

	mu        sync.Mutex
	status    Status
	direction media_sdp.Direction
	startedAt time.Time
}

// newMediaSession собирает медиа сессию из готовых компонентов
func newMediaSession(sessionID string, cfg media_sdp.MediaConfig, rtpSession *rtp.Session, engine *rtp.DTLSEngine, enc codec.Codec) *Session {
	return &Session{
		ID:         "media-" + uuid.NewString(),
		SessionID:  sessionID,
		config:     cfg,
		rtpSession: rtpSession,
		dtlsEngine: engine,
		enc:        enc,
		status:     StatusNegotiating,
		direction:  cfg.Direction,
	}
}

// Status возвращает состояние медиа сессии
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Config возвращает согласованную медиа конфигурацию
func (s *Session) Config() media_sdp.MediaConfig { return s.config }

// RTP возвращает нижележащую RTP сессию
func (s *Session) RTP() *rtp.Session { return s.rtpSession }

// SetDirection меняет направление потока (hold/resume)
func (s *Session) SetDirection(d media_sdp.Direction) {
	s.mu.Lock()
	s.direction = d
	s.mu.Unlock()
}

// Direction возвращает текущее направление
func (s *Session) Direction() media_sdp.Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direction
}

// SendAudio кодирует LPCM кадр и отправляет его.
// Направление sendonly/sendrecv обязательно; иначе кадр молча
// отбрасывается (hold).
func (s *Session) SendAudio(lpcm []byte) error {
	s.mu.Lock()
	status := s.status
	dir := s.direction
	s.mu.Unlock()

	if status != StatusActive {
		return ErrNotActive
	}
	if !dir.CanSend() {
		return nil
	}

	payload, err := s.enc.Encode(lpcm)
	if err != nil {
		return fmt.Errorf("encode audio: %w", err)
	}
	return s.rtpSession.SendPayload(payload, false, codec.TimestampIncrement(s.enc))
}

// RecvFrame возвращает следующий принятый кадр
func (s *Session) RecvFrame() (rtp.Frame, error) {
	return s.rtpSession.RecvFrame()
}

// DecodeFrame декодирует payload кадра в LPCM
func (s *Session) DecodeFrame(frame rtp.Frame) ([]byte, error) {
	return s.enc.Decode(frame.Payload)
}

// SendDTMF отправляет цифры DTMF как RFC 4733 telephone-event.
// Если DTMF не согласован в SDP, возвращается ошибка: цифры должны
// уйти через INFO на уровне сигнализации.
func (s *Session) SendDTMF(digits string, duration time.Duration) error {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status != StatusActive {
		return ErrNotActive
	}
	if s.config.DTMFPayloadType == 0 {
		return ErrDTMFNotNegotiated
	}

	for _, d := range digits {
		event, ok := dtmfEvent(d)
		if !ok {
			return fmt.Errorf("invalid DTMF digit %q", d)
		}
		if err := s.sendDTMFEvent(event, duration); err != nil {
			return err
		}
	}
	return nil
}

// sendDTMFEvent отправляет один telephone-event: три пакета события
// и три финальных с установленным end битом (RFC 4733 §2.5.1.4)
func (s *Session) sendDTMFEvent(event byte, duration time.Duration) error {
	samples := uint16(s.config.ClockRate * uint32(duration/time.Millisecond) / 1000)

	for i := 0; i < 3; i++ {
		payload := encodeDTMFPayload(event, false, samples)
		frame := rtp.Frame{
			Payload:     payload,
			PayloadType: s.config.DTMFPayloadType,
			Marker:      i == 0,
		}
		if err := s.sendDTMFFrame(frame, i == 0); err != nil {
			return err
		}
	}
	for i := 0; i < 3; i++ {
		payload := encodeDTMFPayload(event, true, samples)
		frame := rtp.Frame{
			Payload:     payload,
			PayloadType: s.config.DTMFPayloadType,
		}
		if err := s.sendDTMFFrame(frame, false); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) sendDTMFFrame(frame rtp.Frame, _ bool) error {
	// telephone-event пакеты наследуют дисциплину sequence сессии,
	// но несут собственный payload type
	return s.rtpSession.SendTyped(frame.PayloadType, frame.Payload, frame.Marker, 0)
}

// activate переводит сессию в Active; для защищенного профиля
// вызывается только после установки ключей
func (s *Session) activate() {
	s.mu.Lock()
	if s.status == StatusNegotiating {
		s.status = StatusActive
		s.startedAt = time.Now()
	}
	s.mu.Unlock()
}

// Stop останавливает медиа сессию и освобождает ресурсы
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.status == StatusStopped {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusStopped
	s.mu.Unlock()

	if s.dtlsEngine != nil {
		_ = s.dtlsEngine.Close()
	}
	return s.rtpSession.Close()
}

// waitDTLS дожидается рукопожатия и устанавливает SRTP ключи
func (s *Session) waitDTLS(ctx context.Context, log *slog.Logger) error {
	if err := s.dtlsEngine.WaitHandshake(ctx); err != nil {
		return err
	}

	km, err := s.dtlsEngine.ExportSRTPKeys()
	if err != nil {
		return err
	}

	srtpSession, err := rtp.NewSRTPSession(km, s.dtlsEngine.IsClient())
	if err != nil {
		return err
	}

	s.rtpSession.InstallSRTP(srtpSession)
	log.Debug("DTLS-SRTP ключи установлены",
		"media", s.ID, "profile", km.Profile)
	return nil
}
