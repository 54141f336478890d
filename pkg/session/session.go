package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pion/sdp/v3"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/voip_core/pkg/sip/transaction"
)

// События конечного автомата вызова
const (
	evRing      = "ring"
	evConnect   = "connect"
	evHold      = "hold"
	evResume    = "resume"
	evHangup    = "hangup"
	evTerminate = "terminate"
	evFail      = "fail"
	evCancel    = "cancel"
)

// Session сущность вызова.
//
// Состояние принадлежит менеджеру сессий и мутируется только его
// операциями; внешние читатели получают снимок через Info.
type Session struct {
	id        string
	direction Direction

	mu      sync.RWMutex
	machine *fsm.FSM

	localURI  string
	remoteURI string

	dialogID string
	mediaID  string

	createdAt   time.Time
	connectedAt time.Time
	endedAt     time.Time

	stateReason string
	metadata    map[string]string

	// transfer активный контекст перевода вызова
	transfer *TransferContext

	// byeSent гарантирует идемпотентность hangup: не более одного BYE
	byeSent bool

	// Сигнальный контекст вызова: исходный INVITE, его транзакция
	// и согласованные SDP
	inviteRequest *sip.Request
	inviteTxKey   transaction.Key
	localSDP      *sdp.SessionDescription
	remoteSDP     *sdp.SessionDescription

	// authAttempted не более одного повтора с учетными данными
	authAttempted bool

	// notify закрывается при каждом переходе состояния (broadcast)
	notify chan struct{}
}

func newSession(direction Direction, localURI, remoteURI string) *Session {
	s := &Session{
		id:        "sess-" + uuid.NewString(),
		direction: direction,
		localURI:  localURI,
		remoteURI: remoteURI,
		createdAt: time.Now(),
		metadata:  make(map[string]string),
		notify:    make(chan struct{}),
	}
	s.machine = fsm.NewFSM(
		string(StateInitiating),
		fsm.Events{
			{Name: evRing, Src: []string{string(StateInitiating)}, Dst: string(StateRinging)},
			{Name: evConnect, Src: []string{string(StateInitiating), string(StateRinging)}, Dst: string(StateActive)},
			{Name: evHold, Src: []string{string(StateActive)}, Dst: string(StateOnHold)},
			{Name: evResume, Src: []string{string(StateOnHold)}, Dst: string(StateActive)},
			{Name: evHangup, Src: []string{string(StateActive), string(StateOnHold), string(StateRinging), string(StateInitiating)}, Dst: string(StateTerminating)},
			{Name: evTerminate, Src: []string{string(StateInitiating), string(StateRinging), string(StateActive), string(StateOnHold), string(StateTerminating)}, Dst: string(StateTerminated)},
			{Name: evFail, Src: []string{string(StateInitiating), string(StateRinging), string(StateActive), string(StateOnHold), string(StateTerminating)}, Dst: string(StateFailed)},
			{Name: evCancel, Src: []string{string(StateInitiating), string(StateRinging)}, Dst: string(StateCancelled)},
		},
		nil,
	)
	return s
}

// ID возвращает идентификатор сессии
func (s *Session) ID() string { return s.id }

// Direction возвращает направление вызова
func (s *Session) Direction() Direction { return s.direction }

// State возвращает текущее состояние вызова
func (s *Session) State() CallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CallState(s.machine.Current())
}

// DialogID возвращает идентификатор основного диалога
func (s *Session) DialogID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dialogID
}

// MediaID возвращает идентификатор медиа сессии
func (s *Session) MediaID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mediaID
}

// SetMetadata записывает метаданные сессии
func (s *Session) SetMetadata(key, value string) {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
}

// Info возвращает неизменяемый снимок сессии
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		meta[k] = v
	}
	return SessionInfo{
		ID:          s.id,
		Direction:   s.direction,
		State:       CallState(s.machine.Current()),
		LocalURI:    s.localURI,
		RemoteURI:   s.remoteURI,
		DialogID:    s.dialogID,
		MediaID:     s.mediaID,
		CreatedAt:   s.createdAt,
		ConnectedAt: s.connectedAt,
		EndedAt:     s.endedAt,
		Metadata:    meta,
	}
}

// fire выполняет переход конечного автомата; недопустимый переход
// возвращает false без изменения состояния
func (s *Session) fire(event, reason string) (old, new CallState, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old = CallState(s.machine.Current())
	if err := s.machine.Event(context.Background(), event); err != nil {
		return old, old, false
	}
	new = CallState(s.machine.Current())
	s.stateReason = reason
	close(s.notify)
	s.notify = make(chan struct{})

	switch new {
	case StateActive:
		if s.connectedAt.IsZero() {
			s.connectedAt = time.Now()
		}
	case StateTerminated, StateFailed, StateCancelled:
		if s.endedAt.IsZero() {
			s.endedAt = time.Now()
		}
		if reason != "" {
			s.metadata["failure_reason"] = reason
		}
	}
	return old, new, true
}

func (s *Session) setDialogID(id string) {
	s.mu.Lock()
	s.dialogID = id
	s.mu.Unlock()
}

func (s *Session) setMediaID(id string) {
	s.mu.Lock()
	s.mediaID = id
	s.mu.Unlock()
}

// markByeSent атомарно отмечает отправку BYE; повторный вызов
// возвращает false (инвариант «не более одного BYE на hangup»)
func (s *Session) markByeSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byeSent {
		return false
	}
	s.byeSent = true
	return true
}

// setTransfer устанавливает контекст перевода
func (s *Session) setTransfer(t *TransferContext) {
	s.mu.Lock()
	s.transfer = t
	s.mu.Unlock()
}

// Transfer возвращает активный контекст перевода
func (s *Session) Transfer() *TransferContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transfer
}

// waitCh возвращает канал, закрываемый при следующем переходе состояния
func (s *Session) waitCh() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notify
}

func (s *Session) setSDP(local, remote *sdp.SessionDescription) {
	s.mu.Lock()
	if local != nil {
		s.localSDP = local
	}
	if remote != nil {
		s.remoteSDP = remote
	}
	s.mu.Unlock()
}

func (s *Session) sdp() (local, remote *sdp.SessionDescription) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localSDP, s.remoteSDP
}

func (s *Session) setInvite(req *sip.Request, key transaction.Key) {
	s.mu.Lock()
	s.inviteRequest = req
	s.inviteTxKey = key
	s.mu.Unlock()
}

func (s *Session) invite() (*sip.Request, transaction.Key) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inviteRequest, s.inviteTxKey
}

// markAuthAttempted не более одного повтора с учетными данными
func (s *Session) markAuthAttempted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authAttempted {
		return false
	}
	s.authAttempted = true
	return true
}
