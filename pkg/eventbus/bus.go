// Package eventbus реализует внутрипроцессную шину событий с
// приоритетами и фильтрацией подписок. Публикация идет по снимку
// списка подписчиков; переполненные каналы подписчиков отбрасывают
// события низких приоритетов с предупреждением.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Priority приоритет события
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// Event событие шины
type Event struct {
	// Kind тип события ("CallStateChanged", "MediaEvent", ...)
	Kind string
	// SessionID идентификатор вызова; может быть пустым
	SessionID string
	// Priority приоритет доставки
	Priority Priority
	// Payload полезная нагрузка события
	Payload any
}

// Filter предикат подписки; nil пропускает все события
type Filter func(Event) bool

// FilterByKind пропускает только события указанных типов
func FilterByKind(kinds ...string) Filter {
	set := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return func(e Event) bool { return set[e.Kind] }
}

// FilterBySession пропускает события одного вызова
func FilterBySession(sessionID string) Filter {
	return func(e Event) bool { return e.SessionID == sessionID }
}

// FilterByMinPriority пропускает события не ниже приоритета
func FilterByMinPriority(min Priority) Filter {
	return func(e Event) bool { return e.Priority >= min }
}

// CombineFilters объединяет фильтры по И
func CombineFilters(filters ...Filter) Filter {
	return func(e Event) bool {
		for _, f := range filters {
			if f != nil && !f(e) {
				return false
			}
		}
		return true
	}
}

// Subscription подписка на события шины
type Subscription struct {
	id     string
	filter Filter
	ch     chan Event
	bus    *Bus
	once   sync.Once
}

// Events возвращает канал событий подписки
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close отменяет подписку
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.id)
		close(s.ch)
	})
}

// Bus внутрипроцессная шина событий.
//
// Список подписчиков защищен RWMutex с предпочтением читателей:
// публикация берет снимок и не держит блокировку во время доставки.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
	log  *slog.Logger

	// BufferSize емкость канала подписки
	bufferSize int
}

// NewBus создает шину событий
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:       make(map[string]*Subscription),
		log:        logger.With("component", "eventbus"),
		bufferSize: 128,
	}
}

// Subscribe создает подписку с опциональным фильтром
func (b *Bus) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		id:     uuid.NewString(),
		filter: filter,
		ch:     make(chan Event, b.bufferSize),
		bus:    b,
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish доставляет событие всем подходящим подпискам.
//
// Канал подписки ограничен: при переполнении события приоритета
// ниже High отбрасываются с предупреждением, события High и Critical
// доставляются блокирующе.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.filter != nil && !s.filter(ev) {
			continue
		}
		if ev.Priority >= PriorityHigh {
			s.ch <- ev
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.log.Warn("событие отброшено: канал подписчика полон",
				"kind", ev.Kind, "priority", ev.Priority.String(),
				"session", ev.SessionID)
		}
	}
}

// SubscriberCount возвращает число активных подписок
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
