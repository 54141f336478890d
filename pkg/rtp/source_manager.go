package rtp

import (
	"math"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// RemoteSource состояние одного удаленного SSRC
type RemoteSource struct {
	SSRC uint32

	// Дисциплина sequence согласно RFC 3550 A.1
	maxSeq       uint16
	cycles       uint32
	baseSeq      uint32
	badSeq       uint32
	probation    int
	received     uint64
	expectedPrev uint64
	receivedPrev uint64

	// Джиттер по RFC 3550 A.8 в единицах timestamp
	jitter        float64
	lastTransit   int64
	lastTimestamp uint32

	LastSeen time.Time
}

// Received возвращает число принятых пакетов
func (s *RemoteSource) Received() uint64 { return s.received }

// ExtendedSeq возвращает расширенный 32-битный sequence
func (s *RemoteSource) ExtendedSeq() uint32 {
	return s.cycles<<16 | uint32(s.maxSeq)
}

// Jitter возвращает текущую оценку джиттера в единицах timestamp
func (s *RemoteSource) Jitter() float64 { return s.jitter }

// JitterMs возвращает джиттер в миллисекундах для данной частоты
func (s *RemoteSource) JitterMs(clockRate uint32) float64 {
	if clockRate == 0 {
		return 0
	}
	return s.jitter / float64(clockRate) * 1000
}

// LossFraction возвращает долю потерянных пакетов с момента
// предыдущего вызова (для RTCP receiver report)
func (s *RemoteSource) LossFraction() float64 {
	expected := uint64(s.ExtendedSeq()) - uint64(s.baseSeq) + 1
	expectedInterval := expected - s.expectedPrev
	receivedInterval := s.received - s.receivedPrev
	s.expectedPrev = expected
	s.receivedPrev = s.received

	if expectedInterval == 0 || receivedInterval >= expectedInterval {
		return 0
	}
	return float64(expectedInterval-receivedInterval) / float64(expectedInterval)
}

// SourceManagerConfig конфигурация менеджера источников
type SourceManagerConfig struct {
	// InactivityTimeout интервал, после которого источник считается
	// неактивным и удаляется; по умолчанию 30 с
	InactivityTimeout time.Duration
	// ClockRate частота кодека для расчета джиттера
	ClockRate uint32
}

// SourceManager отслеживает удаленные SSRC источники.
//
// При включенном демультиплексировании неизвестный SSRC неявно
// создает новую запись; при выключенном принимается только первый
// увиденный SSRC.
type SourceManager struct {
	config SourceManagerConfig

	mu          sync.RWMutex
	sources     map[uint32]*RemoteSource
	demux       bool
	primarySSRC uint32
	primarySeen bool
}

// NewSourceManager создает менеджер источников
func NewSourceManager(config SourceManagerConfig) *SourceManager {
	if config.InactivityTimeout == 0 {
		config.InactivityTimeout = 30 * time.Second
	}
	return &SourceManager{
		config:  config,
		sources: make(map[uint32]*RemoteSource),
	}
}

// EnableDemux включает или выключает SSRC демультиплексирование
func (sm *SourceManager) EnableDemux(enabled bool) {
	sm.mu.Lock()
	sm.demux = enabled
	sm.mu.Unlock()
}

// DemuxEnabled сообщает текущий режим
func (sm *SourceManager) DemuxEnabled() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.demux
}

// RegisterSSRC явно регистрирует SSRC источник
func (sm *SourceManager) RegisterSSRC(ssrc uint32) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.sources[ssrc]; !ok {
		sm.sources[ssrc] = &RemoteSource{SSRC: ssrc, probation: 0}
	}
	if !sm.primarySeen {
		sm.primarySSRC = ssrc
		sm.primarySeen = true
	}
}

// UpdateFromPacket обновляет состояние источника по принятому пакету.
//
// Возвращает источник и признак принятия пакета. Пакет отклоняется,
// если SSRC неизвестен при выключенном демультиплексировании.
func (sm *SourceManager) UpdateFromPacket(pkt *rtp.Packet, arrival time.Time) (*RemoteSource, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	src, ok := sm.sources[pkt.SSRC]
	if !ok {
		if !sm.demux && sm.primarySeen && sm.primarySSRC != pkt.SSRC {
			return nil, false
		}
		src = &RemoteSource{
			SSRC:    pkt.SSRC,
			maxSeq:  pkt.SequenceNumber,
			baseSeq: uint32(pkt.SequenceNumber),
		}
		sm.sources[pkt.SSRC] = src
		if !sm.primarySeen {
			sm.primarySSRC = pkt.SSRC
			sm.primarySeen = true
		}
	}

	sm.updateSequence(src, pkt.SequenceNumber)
	sm.updateJitter(src, pkt.Timestamp, arrival)
	src.received++
	src.LastSeen = arrival
	return src, true
}

// updateSequence реализует валидацию sequence RFC 3550 A.1:
// скачок вперед больше maxDropout или назад больше maxMisorder
// инициирует resync источника
func (sm *SourceManager) updateSequence(src *RemoteSource, seq uint16) {
	udelta := seq - src.maxSeq

	switch {
	case udelta < maxDropout:
		// Нормальный порядок, возможен wrap
		if seq < src.maxSeq {
			src.cycles++
		}
		src.maxSeq = seq

	case udelta <= 0xFFFF-maxMisorder:
		// Большой скачок: возможно, источник перезапустился
		if uint32(seq) == src.badSeq {
			// Два подряд пакета с последовательными номерами — resync
			sm.resync(src, seq)
		} else {
			src.badSeq = uint32(seq+1) & 0xFFFF
		}

	default:
		// Дубликат или переупорядоченный пакет: состояние не меняем
	}
}

// resync сбрасывает состояние источника на новый базовый sequence
func (sm *SourceManager) resync(src *RemoteSource, seq uint16) {
	src.maxSeq = seq
	src.cycles = 0
	src.baseSeq = uint32(seq)
	src.badSeq = 1 << 16
	src.expectedPrev = 0
	src.receivedPrev = 0
}

// updateJitter обновляет оценку джиттера (RFC 3550 A.8)
func (sm *SourceManager) updateJitter(src *RemoteSource, ts uint32, arrival time.Time) {
	if sm.config.ClockRate == 0 {
		return
	}
	arrivalTS := int64(float64(arrival.UnixNano()) / 1e9 * float64(sm.config.ClockRate))
	transit := arrivalTS - int64(ts)
	if src.lastTransit != 0 {
		d := math.Abs(float64(transit - src.lastTransit))
		src.jitter += (d - src.jitter) / 16
	}
	src.lastTransit = transit
	src.lastTimestamp = ts
}

// Get возвращает источник по SSRC
func (sm *SourceManager) Get(ssrc uint32) (*RemoteSource, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	src, ok := sm.sources[ssrc]
	return src, ok
}

// All возвращает снимок всех источников
func (sm *SourceManager) All() map[uint32]*RemoteSource {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make(map[uint32]*RemoteSource, len(sm.sources))
	for k, v := range sm.sources {
		out[k] = v
	}
	return out
}

// Count возвращает число известных источников
func (sm *SourceManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sources)
}

// CleanupInactive удаляет источники, молчащие дольше таймаута
func (sm *SourceManager) CleanupInactive(now time.Time) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	removed := 0
	for ssrc, src := range sm.sources {
		if !src.LastSeen.IsZero() && now.Sub(src.LastSeen) > sm.config.InactivityTimeout {
			delete(sm.sources, ssrc)
			removed++
		}
	}
	return removed
}
