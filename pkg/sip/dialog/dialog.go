// Package dialog реализует слой SIP диалогов согласно RFC 3261 §12.
//
// Диалог создается из dialog-creating ответа (1xx с To tag или 2xx)
// на INVITE, поддерживает route set, дисциплину CSeq и идентичность
// (Call-ID, local tag, remote tag). Жизненный цикл Early -> Confirmed ->
// Terminated управляется конечным автоматом.
package dialog

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// State состояние диалога
type State string

const (
	// StateEarly диалог создан предварительным ответом с To tag
	StateEarly State = "Early"
	// StateConfirmed диалог подтвержден первым 2xx на INVITE
	StateConfirmed State = "Confirmed"
	// StateTerminated диалог завершен (BYE, отказ на INVITE, ошибка сессии)
	StateTerminated State = "Terminated"
)

// События конечного автомата диалога
const (
	eventConfirm   = "confirm"
	eventTerminate = "terminate"
)

// Dialog представляет SIP диалог.
//
// Все мутации выполняются через методы менеджера; внешние читатели
// получают неизменяемые снимки значений.
type Dialog struct {
	id string

	mu sync.RWMutex

	machine *fsm.FSM

	callID    string
	localTag  string
	remoteTag string

	localSeq  uint32
	remoteSeq uint32
	// remoteSeqSet отличает "нет запросов" от CSeq 0
	remoteSeqSet bool

	localURI     sip.Uri
	remoteURI    sip.Uri
	remoteTarget sip.Uri
	routeSet     []sip.Uri
	// routeSetFrozen route set фиксируется единожды на dialog-creating
	// ответе и далее неизменен
	routeSetFrozen bool

	secure      bool
	isInitiator bool
	createdAt   time.Time

	// Исходный INVITE и финальный ответ — материал для ACK и re-INVITE
	inviteRequest  *sip.Request
	inviteResponse *sip.Response

	// remoteAddr транспортный адрес удаленной стороны
	remoteAddr string
}

func newDialog(id string, isInitiator bool) *Dialog {
	d := &Dialog{
		id:          id,
		isInitiator: isInitiator,
		createdAt:   time.Now(),
	}
	d.machine = fsm.NewFSM(
		string(StateEarly),
		fsm.Events{
			{Name: eventConfirm, Src: []string{string(StateEarly)}, Dst: string(StateConfirmed)},
			{Name: eventTerminate, Src: []string{string(StateEarly), string(StateConfirmed)}, Dst: string(StateTerminated)},
		},
		nil,
	)
	return d
}

// ID возвращает идентификатор диалога
func (d *Dialog) ID() string { return d.id }

// State возвращает текущее состояние диалога
func (d *Dialog) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return State(d.machine.Current())
}

// Key возвращает идентификационную тройку диалога
func (d *Dialog) Key() Key {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Key{CallID: d.callID, LocalTag: d.localTag, RemoteTag: d.remoteTag}
}

// CallID возвращает Call-ID диалога
func (d *Dialog) CallID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.callID
}

// LocalTag возвращает локальный tag
func (d *Dialog) LocalTag() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localTag
}

// RemoteTag возвращает удаленный tag
func (d *Dialog) RemoteTag() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTag
}

// LocalSeq возвращает локальный CSeq
func (d *Dialog) LocalSeq() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localSeq
}

// RemoteSeq возвращает удаленный CSeq
func (d *Dialog) RemoteSeq() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteSeq
}

// RemoteTarget возвращает Contact удаленной стороны
func (d *Dialog) RemoteTarget() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTarget
}

// RouteSet возвращает копию route set
func (d *Dialog) RouteSet() []sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]sip.Uri, len(d.routeSet))
	copy(out, d.routeSet)
	return out
}

// IsInitiator сообщает, инициировала ли локальная сторона диалог
func (d *Dialog) IsInitiator() bool { return d.isInitiator }

// Secure сообщает, использует ли диалог SIPS
func (d *Dialog) Secure() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.secure
}

// CreatedAt возвращает время создания диалога
func (d *Dialog) CreatedAt() time.Time { return d.createdAt }

// RemoteAddr возвращает транспортный адрес удаленной стороны
func (d *Dialog) RemoteAddr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteAddr
}

// InviteRequest возвращает исходный INVITE диалога
func (d *Dialog) InviteRequest() *sip.Request {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.inviteRequest
}

// InviteResponse возвращает финальный ответ на исходный INVITE
func (d *Dialog) InviteResponse() *sip.Response {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.inviteResponse
}

// confirm переводит диалог в Confirmed; повторные 2xx игнорируются
func (d *Dialog) confirm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.machine.Current() == string(StateEarly) {
		_ = d.machine.Event(context.Background(), eventConfirm)
	}
}

// terminate переводит диалог в Terminated
func (d *Dialog) terminate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.machine.Current() != string(StateTerminated) {
		_ = d.machine.Event(context.Background(), eventTerminate)
	}
}

// nextLocalSeq увеличивает и возвращает локальный CSeq
func (d *Dialog) nextLocalSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localSeq++
	return d.localSeq
}

// validateRemoteSeq проверяет дисциплину удаленного CSeq (RFC 3261 §12.2.2).
// Убывающий CSeq отклоняется; ACK/CANCEL наследуют номер INVITE и
// проходят проверку на равенство.
func (d *Dialog) validateRemoteSeq(seq uint32, method sip.RequestMethod) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.remoteSeqSet {
		d.remoteSeq = seq
		d.remoteSeqSet = true
		return nil
	}

	if method == sip.ACK || method == sip.CANCEL {
		if seq < d.remoteSeq {
			return ErrOutOfOrder
		}
		return nil
	}

	if seq <= d.remoteSeq {
		return ErrOutOfOrder
	}
	d.remoteSeq = seq
	return nil
}
