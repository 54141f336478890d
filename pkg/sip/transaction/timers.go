package transaction

import (
	"sync"
	"time"
)

// TimerID идентификатор таймера RFC 3261
type TimerID string

const (
	TimerA TimerID = "A" // ретрансмиссия INVITE запроса
	TimerB TimerID = "B" // таймаут INVITE транзакции
	TimerD TimerID = "D" // ожидание ретрансмиссий ответов в Completed (ICT)
	TimerE TimerID = "E" // ретрансмиссия non-INVITE запроса
	TimerF TimerID = "F" // таймаут non-INVITE транзакции
	TimerG TimerID = "G" // ретрансмиссия финального ответа (IST)
	TimerH TimerID = "H" // ожидание ACK
	TimerI TimerID = "I" // поглощение ACK ретрансмиссий в Confirmed
	TimerJ TimerID = "J" // поглощение ретрансмиссий запроса (NIST)
	TimerK TimerID = "K" // поглощение ретрансмиссий ответа (NICT)
)

// Timers набор таймеров транзакционного слоя согласно RFC 3261 приложение A
type Timers struct {
	T1 time.Duration // RTT estimate, по умолчанию 500 мс
	T2 time.Duration // максимальный интервал ретрансмиссии, 4 с
	T4 time.Duration // максимальное время жизни сообщения в сети, 5 с

	TimerA time.Duration // = T1
	TimerB time.Duration // = 64*T1
	TimerD time.Duration // = 64*T1 (32 с при T1 = 500 мс)
	TimerE time.Duration // = T1
	TimerF time.Duration // = 64*T1
	TimerG time.Duration // = T1
	TimerH time.Duration // = 64*T1
	TimerI time.Duration // = T4
	TimerJ time.Duration // = 64*T1
	TimerK time.Duration // = T4
}

// DefaultTimers возвращает таймеры со значениями RFC 3261 по умолчанию
func DefaultTimers() Timers {
	return TimersWithT1(500 * time.Millisecond)
}

// TimersWithT1 вычисляет производные таймеры от заданного T1.
// В тестах T1 уменьшают, чтобы ретрансмиссии срабатывали быстро.
func TimersWithT1(t1 time.Duration) Timers {
	return Timers{
		T1:     t1,
		T2:     8 * t1,
		T4:     10 * t1,
		TimerA: t1,
		TimerB: 64 * t1,
		TimerD: 64 * t1,
		TimerE: t1,
		TimerF: 64 * t1,
		TimerG: t1,
		TimerH: 64 * t1,
		TimerI: 10 * t1,
		TimerJ: 64 * t1,
		TimerK: 10 * t1,
	}
}

// ForReliable возвращает копию таймеров для надежного транспорта.
// Ретрансмиссии и интервалы поглощения не нужны: TCP доставляет сам.
func (t Timers) ForReliable() Timers {
	t.TimerA = 0
	t.TimerD = 0
	t.TimerE = 0
	t.TimerG = 0
	t.TimerI = 0
	t.TimerJ = 0
	t.TimerK = 0
	return t
}

// NextRetransmitInterval удваивает интервал ретрансмиссии, ограничивая его T2
func NextRetransmitInterval(current, t2 time.Duration) time.Duration {
	next := current * 2
	if next > t2 {
		return t2
	}
	return next
}

// TimerManager управляет активными таймерами одной транзакции
type TimerManager struct {
	mu     sync.Mutex
	timers map[TimerID]*time.Timer
}

// NewTimerManager создает пустой менеджер таймеров
func NewTimerManager() *TimerManager {
	return &TimerManager{timers: make(map[TimerID]*time.Timer)}
}

// Start запускает таймер; уже идущий таймер с тем же ID перезапускается.
// Нулевая длительность означает, что таймер отключен.
func (tm *TimerManager) Start(id TimerID, d time.Duration, callback func()) {
	if d <= 0 {
		return
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if existing, ok := tm.timers[id]; ok {
		existing.Stop()
	}
	tm.timers[id] = time.AfterFunc(d, callback)
}

// Reset перезапускает таймер с новой длительностью
func (tm *TimerManager) Reset(id TimerID, d time.Duration) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	t, ok := tm.timers[id]
	if !ok {
		return false
	}
	return t.Reset(d)
}

// Stop останавливает таймер
func (tm *TimerManager) Stop(id TimerID) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	t, ok := tm.timers[id]
	if !ok {
		return false
	}
	delete(tm.timers, id)
	return t.Stop()
}

// StopAll останавливает все таймеры транзакции
func (tm *TimerManager) StopAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for id, t := range tm.timers {
		t.Stop()
		delete(tm.timers, id)
	}
}
