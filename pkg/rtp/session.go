package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// SessionConfig конфигурация RTP сессии
type SessionConfig struct {
	// PayloadType согласованный payload type
	PayloadType uint8
	// ClockRate частота кодека в Гц
	ClockRate uint32
	// LocalSSRC локальный SSRC; 0 означает случайный
	LocalSSRC uint32
	// Transport транспорт доставки пакетов
	Transport Transport

	// Secure true для SRTP/DTLS-SRTP профиля: отправка запрещена
	// до установки ключей через InstallSRTP
	Secure bool

	// Demux включает SSRC демультиплексирование с самого старта
	Demux bool

	// OnFrame опциональный колбэк принятых кадров; вызывается из
	// цикла приема, долгие операции недопустимы
	OnFrame func(Frame)

	// RecvBuffer емкость канала принятых кадров, по умолчанию 64
	RecvBuffer int

	// Logger опциональный логгер; nil означает slog.Default()
	Logger *slog.Logger
}

// Session RTP/SRTP сессия одного медиа потока.
//
// Сессия владеет дисциплиной sequence/timestamp исходящего потока
// и таблицей удаленных источников входящего. В SRTP профиле сессия
// не активна и не передает пакеты, пока не установлены ключи.
type Session struct {
	config SessionConfig
	log    *slog.Logger

	ssrc uint32

	mu        sync.Mutex
	state     SessionState
	sequence  uint16
	timestamp uint32
	srtp      *SRTPSession
	sent      uint64

	sources *SourceManager

	recvCh chan Frame
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewSession создает RTP сессию
func NewSession(config SessionConfig) (*Session, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("transport required")
	}
	if config.RecvBuffer == 0 {
		config.RecvBuffer = 64
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ssrc := config.LocalSSRC
	if ssrc == 0 {
		ssrc = randomSSRC()
	}

	s := &Session{
		config:    config,
		log:       logger.With("component", "rtp", "ssrc", ssrc),
		ssrc:      ssrc,
		state:     StateNegotiating,
		sequence:  randomSequence(),
		timestamp: randomTimestamp(),
		sources: NewSourceManager(SourceManagerConfig{
			ClockRate: config.ClockRate,
		}),
		recvCh: make(chan Frame, config.RecvBuffer),
		done:   make(chan struct{}),
	}
	s.sources.EnableDemux(config.Demux)
	return s, nil
}

// SSRC возвращает локальный SSRC
func (s *Session) SSRC() uint32 { return s.ssrc }

// State возвращает состояние сессии
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LocalAddr возвращает локальный адрес транспорта
func (s *Session) LocalAddr() string {
	return s.config.Transport.LocalAddr().String()
}

// Start запускает цикл приема.
//
// Plain RTP сессия сразу активна; SRTP сессия остается Negotiating
// до InstallSRTP.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.config.Secure {
		s.state = StateActive
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.recvLoop()
	return nil
}

// InstallSRTP устанавливает SRTP контексты и активирует сессию.
// До этого момента исходящие пакеты в защищенном профиле не передаются.
func (s *Session) InstallSRTP(srtpSession *SRTPSession) {
	s.mu.Lock()
	s.srtp = srtpSession
	if s.state == StateNegotiating {
		s.state = StateActive
	}
	s.mu.Unlock()
	s.log.Debug("SRTP ключи установлены", "profile", srtpSession.Profile())
}

// SendPayload отправляет очередной кадр медиа, продвигая sequence
// и timestamp. Приращение timestamp равно числу сэмплов кадра.
func (s *Session) SendPayload(payload []byte, marker bool, tsIncrement uint32) error {
	return s.SendTyped(s.config.PayloadType, payload, marker, tsIncrement)
}

// SendTyped отправляет кадр с явным payload type: telephone-event
// пакеты несут собственный тип, наследуя дисциплину sequence сессии
func (s *Session) SendTyped(payloadType uint8, payload []byte, marker bool, tsIncrement uint32) error {
	s.mu.Lock()

	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.config.Secure && s.srtp == nil {
		// Защищенный профиль без ключей не передает ни одного пакета
		s.mu.Unlock()
		return ErrKeysNotInstalled
	}
	if s.state != StateActive {
		s.mu.Unlock()
		return ErrNotActive
	}

	s.sequence++
	s.timestamp += tsIncrement
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    payloadType,
			SequenceNumber: s.sequence,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	srtpSession := s.srtp
	s.sent++
	s.mu.Unlock()

	var data []byte
	var err error
	if srtpSession != nil {
		data, err = srtpSession.Encrypt(pkt)
	} else {
		data, err = pkt.Marshal()
	}
	if err != nil {
		return err
	}
	return s.config.Transport.Send(data)
}

// SendFrame отправляет готовый кадр с явными полями заголовка
func (s *Session) SendFrame(frame Frame) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.config.Secure && s.srtp == nil {
		s.mu.Unlock()
		return ErrKeysNotInstalled
	}
	ssrc := frame.SSRC
	if ssrc == 0 {
		ssrc = s.ssrc
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         frame.Marker,
			PayloadType:    frame.PayloadType,
			SequenceNumber: frame.Sequence,
			Timestamp:      frame.Timestamp,
			SSRC:           ssrc,
		},
		Payload: frame.Payload,
	}
	srtpSession := s.srtp
	s.sent++
	s.mu.Unlock()

	var data []byte
	var err error
	if srtpSession != nil {
		data, err = srtpSession.Encrypt(pkt)
	} else {
		data, err = pkt.Marshal()
	}
	if err != nil {
		return err
	}
	return s.config.Transport.Send(data)
}

// RecvFrame возвращает следующий принятый кадр
func (s *Session) RecvFrame() (Frame, error) {
	select {
	case f := <-s.recvCh:
		return f, nil
	case <-s.done:
		return Frame{}, ErrSessionClosed
	}
}

// RecvChan возвращает канал принятых кадров
func (s *Session) RecvChan() <-chan Frame { return s.recvCh }

// RegisterSSRC явно регистрирует удаленный SSRC
func (s *Session) RegisterSSRC(ssrc uint32) {
	s.sources.RegisterSSRC(ssrc)
}

// EnableSSRCDemux включает или выключает SSRC демультиплексирование
func (s *Session) EnableSSRCDemux(enabled bool) {
	s.sources.EnableDemux(enabled)
}

// Sources возвращает менеджер удаленных источников
func (s *Session) Sources() *SourceManager { return s.sources }

// SentPackets возвращает счетчик отправленных пакетов
func (s *Session) SentPackets() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Close останавливает сессию и транспорт
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	s.mu.Unlock()

	close(s.done)
	err := s.config.Transport.Close()
	s.wg.Wait()
	return err
}

func (s *Session) recvLoop() {
	defer s.wg.Done()

	buf := make([]byte, 2048)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, err := s.config.Transport.Receive(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Debug("прием RTP остановлен", "error", err)
			}
			return
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.handlePacket(data)
	}
}

func (s *Session) handlePacket(data []byte) {
	// DTLS записи на общем сокете различаются первым байтом
	// (RFC 5764 §5.1.2: DTLS 20..63, RTP/RTCP 128..191)
	if len(data) > 0 && data[0] >= 20 && data[0] <= 63 {
		return
	}

	s.mu.Lock()
	srtpSession := s.srtp
	secure := s.config.Secure
	s.mu.Unlock()

	var pkt *rtp.Packet
	var err error
	if srtpSession != nil {
		pkt, err = srtpSession.Decrypt(data)
		if err != nil {
			// Пакет с неверной аутентификацией отбрасывается
			s.log.Debug("SRTP пакет отброшен", "error", err)
			return
		}
	} else {
		if secure {
			// Ключей еще нет: расшифровать нечем
			return
		}
		pkt = &rtp.Packet{}
		if err := pkt.Unmarshal(data); err != nil {
			s.log.Debug("некорректный RTP пакет", "error", err)
			return
		}
	}

	now := time.Now()
	if _, ok := s.sources.UpdateFromPacket(pkt, now); !ok {
		// Неизвестный SSRC при выключенном демультиплексировании
		return
	}

	frame := FrameFromPacket(pkt, now)
	if s.config.OnFrame != nil {
		s.config.OnFrame(frame)
	}

	select {
	case s.recvCh <- frame:
	default:
		// Потребитель не успевает: кадр отбрасывается
	}
}

func randomSSRC() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	v := binary.BigEndian.Uint32(b[:])
	if v == 0 {
		v = 1
	}
	return v
}

func randomSequence() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

func randomTimestamp() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
