// Package transaction реализует транзакционный слой SIP согласно RFC 3261 §17.
//
// Слой владеет конечными автоматами клиентских и серверных транзакций
// (INVITE и non-INVITE), таймерами ретрансмиссий и поглощением дубликатов
// на ненадежном транспорте. События транзакций раздаются подписчикам
// через Manager.OnEvent.
package transaction

import (
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/voip_core/pkg/sip/transport"
)

// Kind тип транзакции
type Kind int

const (
	KindInviteClient Kind = iota
	KindInviteServer
	KindNonInviteClient
	KindNonInviteServer
)

func (k Kind) String() string {
	switch k {
	case KindInviteClient:
		return "InviteClient"
	case KindInviteServer:
		return "InviteServer"
	case KindNonInviteClient:
		return "NonInviteClient"
	case KindNonInviteServer:
		return "NonInviteServer"
	default:
		return "Unknown"
	}
}

// State состояние транзакции согласно RFC 3261 Figure 5-8
type State int

const (
	// StateIdle транзакция создана, запрос еще не отправлен (только клиентские)
	StateIdle State = iota
	// StateCalling INVITE отправлен, ответов нет
	StateCalling
	// StateTrying non-INVITE запрос отправлен / получен
	StateTrying
	// StateProceeding получен или отправлен предварительный ответ
	StateProceeding
	// StateCompleted получен или отправлен финальный ответ
	StateCompleted
	// StateConfirmed получен ACK на финальный не-2xx ответ (только IST)
	StateConfirmed
	// StateTerminated транзакция завершена и подлежит удалению
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCalling:
		return "Calling"
	case StateTrying:
		return "Trying"
	case StateProceeding:
		return "Proceeding"
	case StateCompleted:
		return "Completed"
	case StateConfirmed:
		return "Confirmed"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Transaction общий интерфейс транзакции
type Transaction interface {
	Key() Key
	Kind() Kind
	State() State
	Request() *sip.Request
	LastResponse() *sip.Response
	CreatedAt() time.Time

	// Terminate принудительно завершает транзакцию
	Terminate()
}

// baseTransaction общее состояние всех типов транзакций
type baseTransaction struct {
	key       Key
	kind      Kind
	manager   *Manager
	tp        transport.Transport
	timers    Timers
	timerMgr  *TimerManager
	reliable  bool
	createdAt time.Time

	// destination адрес назначения (клиентские) или источника (серверные)
	destination string

	mu           sync.RWMutex
	state        State
	request      *sip.Request
	lastResponse *sip.Response
}

func newBaseTransaction(m *Manager, key Key, kind Kind, req *sip.Request, dest string, initial State) *baseTransaction {
	timers := m.timers
	if m.tp.Reliable() {
		timers = timers.ForReliable()
	}
	return &baseTransaction{
		key:         key,
		kind:        kind,
		manager:     m,
		tp:          m.tp,
		timers:      timers,
		timerMgr:    NewTimerManager(),
		reliable:    m.tp.Reliable(),
		createdAt:   time.Now(),
		destination: dest,
		state:       initial,
		request:     req,
	}
}

func (t *baseTransaction) Key() Key              { return t.key }
func (t *baseTransaction) Kind() Kind            { return t.kind }
func (t *baseTransaction) Request() *sip.Request { return t.request }
func (t *baseTransaction) CreatedAt() time.Time  { return t.createdAt }

func (t *baseTransaction) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *baseTransaction) LastResponse() *sip.Response {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastResponse
}

// setState переводит транзакцию в новое состояние.
// Переходы монотонны: из Terminated выхода нет.
func (t *baseTransaction) setState(next State) bool {
	t.mu.Lock()
	if t.state == StateTerminated || t.state == next {
		t.mu.Unlock()
		return false
	}
	prev := t.state
	t.state = next
	t.mu.Unlock()

	t.manager.onTransactionState(t, prev, next)
	return true
}

func (t *baseTransaction) setLastResponse(resp *sip.Response) {
	t.mu.Lock()
	t.lastResponse = resp
	t.mu.Unlock()
}

// Terminate завершает транзакцию и останавливает все таймеры
func (t *baseTransaction) Terminate() {
	t.timerMgr.StopAll()
	t.setState(StateTerminated)
}

// send отправляет сообщение через транспорт, классифицируя ошибку
func (t *baseTransaction) send(msg sip.Message) error {
	if err := t.tp.Send(msg, t.destination); err != nil {
		return newTransportError(t.key, err)
	}
	return nil
}

// fail завершает транзакцию с ошибкой и публикует событие Error
func (t *baseTransaction) fail(err *Error) {
	t.manager.emit(Event{Type: EventError, Key: t.key, Kind: t.kind, Request: t.request, Err: err})
	t.Terminate()
}
