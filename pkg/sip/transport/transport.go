// Package transport реализует транспортный слой SIP согласно RFC 3261.
//
// Пакет предоставляет абстракцию Transport для отправки и приема SIP
// сообщений поверх UDP (и потоковых транспортов). Сообщения разбираются
// библиотекой sipgo и передаются наверх вместе с адресом источника.
// Гарантии доставки и порядка не предоставляются — поглощение дубликатов
// и ретрансмиссий является ответственностью транзакционного слоя.
package transport

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// Ошибки транспортного слоя
var (
	// ErrTransportClosed транспорт остановлен, отправка невозможна
	ErrTransportClosed = errors.New("transport closed")
	// ErrInvalidDestination адрес назначения не удалось разрешить
	ErrInvalidDestination = errors.New("invalid destination address")
)

// SendError ошибка отправки сообщения с контекстом назначения
type SendError struct {
	Destination string
	Cause       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.Destination, e.Cause)
}

func (e *SendError) Unwrap() error { return e.Cause }

// IncomingMessage входящее SIP сообщение с адресами источника и назначения
type IncomingMessage struct {
	Message     sip.Message
	Source      string
	Destination string
}

// EventKind тип жизненного события транспорта
type EventKind int

const (
	// EventStarted транспорт начал прием
	EventStarted EventKind = iota
	// EventClosed транспорт остановлен
	EventClosed
	// EventError ошибка приема или разбора
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "Started"
	case EventClosed:
		return "Closed"
	case EventError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Event жизненное событие транспорта
type Event struct {
	Kind EventKind
	Err  error
}

// MessageHandler обработчик входящих сообщений
type MessageHandler func(IncomingMessage)

// EventHandler обработчик жизненных событий транспорта
type EventHandler func(Event)

// Transport абстракция транспортного слоя SIP.
//
// Реализации обязаны быть потокобезопасными: Send может вызываться из
// нескольких горутин одновременно с приемом.
type Transport interface {
	// Send сериализует и отправляет сообщение по указанному адресу.
	// Для датаграммных транспортов отправка синхронна и может вернуть
	// ошибку сокета.
	Send(msg sip.Message, destination string) error

	// LocalAddr возвращает локальный адрес в виде host:port
	LocalAddr() string

	// Reliable сообщает, является ли транспорт надежным (TCP/TLS).
	// Транзакционный слой отключает ретрансмиссии для надежных транспортов.
	Reliable() bool

	// OnMessage регистрирует обработчик входящих сообщений.
	// Должен быть вызван до Start.
	OnMessage(MessageHandler)

	// OnEvent регистрирует обработчик жизненных событий
	OnEvent(EventHandler)

	// Start запускает цикл приема
	Start() error

	// Close останавливает транспорт и освобождает ресурсы
	Close() error
}
