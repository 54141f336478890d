package session

import (
	"context"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// TransferType тип перевода вызова
type TransferType int

const (
	// TransferBlind слепой перевод: REFER без консультации
	TransferBlind TransferType = iota
	// TransferAttended перевод с консультацией (Replaces)
	TransferAttended
)

func (t TransferType) String() string {
	if t == TransferAttended {
		return "Attended"
	}
	return "Blind"
}

// Состояния перевода вызова
const (
	TransferStateInitiated = "Initiated"
	TransferStateAccepted  = "Accepted"
	TransferStateNotifying = "Notifying"
	TransferStateCompleted = "Completed"
	TransferStateFailed    = "Failed"
)

// События конечного автомата перевода
const (
	evTransferAccepted = "accepted"
	evTransferNotify   = "notify"
	evTransferComplete = "complete"
	evTransferFail     = "fail"
)

// TransferContext контекст одного перевода вызова (RFC 3515).
//
// Initiated -> Accepted (202) -> Notifying (NOTIFY 1xx) ->
// Completed (NOTIFY 2xx) | Failed (NOTIFY >=400 или отказ REFER)
type TransferContext struct {
	ID   string
	Type TransferType

	ReferTo    string
	ReferredBy string

	// ConsultationSessionID сессия консультации для attended transfer
	ConsultationSessionID string

	mu         sync.Mutex
	machine    *fsm.FSM
	failReason string
}

// newTransferContext создает контекст перевода
func newTransferContext(transferType TransferType, referTo, referredBy string) *TransferContext {
	t := &TransferContext{
		ID:         "xfer-" + uuid.NewString(),
		Type:       transferType,
		ReferTo:    referTo,
		ReferredBy: referredBy,
	}
	t.machine = fsm.NewFSM(
		TransferStateInitiated,
		fsm.Events{
			{Name: evTransferAccepted, Src: []string{TransferStateInitiated}, Dst: TransferStateAccepted},
			{Name: evTransferNotify, Src: []string{TransferStateAccepted, TransferStateNotifying}, Dst: TransferStateNotifying},
			{Name: evTransferComplete, Src: []string{TransferStateAccepted, TransferStateNotifying}, Dst: TransferStateCompleted},
			{Name: evTransferFail, Src: []string{TransferStateInitiated, TransferStateAccepted, TransferStateNotifying}, Dst: TransferStateFailed},
		},
		nil,
	)
	return t
}

// State возвращает состояние перевода
func (t *TransferContext) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.machine.Current()
}

// FailReason возвращает причину неудачи
func (t *TransferContext) FailReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failReason
}

func (t *TransferContext) fire(event string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.machine.Event(context.Background(), event) == nil
}

// accepted фиксирует 202 Accepted на REFER
func (t *TransferContext) accepted() bool { return t.fire(evTransferAccepted) }

// notified обрабатывает sipfrag статус из NOTIFY и возвращает,
// стал ли перевод терминальным
func (t *TransferContext) notified(statusCode int) (terminal bool, success bool) {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return t.fire(evTransferComplete), true
	case statusCode >= 400:
		t.mu.Lock()
		t.failReason = "transfer target responded " + strconv.Itoa(statusCode)
		t.mu.Unlock()
		return t.fire(evTransferFail), false
	default:
		t.fire(evTransferNotify)
		return false, false
	}
}

// failed фиксирует неудачу перевода
func (t *TransferContext) failed(reason string) {
	t.mu.Lock()
	t.failReason = reason
	t.mu.Unlock()
	t.fire(evTransferFail)
}
