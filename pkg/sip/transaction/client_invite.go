package transaction

import (
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// inviteClientTx реализует INVITE client transaction (RFC 3261 §17.1.1)
type inviteClientTx struct {
	*baseTransaction

	retransmitMu      sync.Mutex
	currentRetransmit time.Duration
}

func newInviteClientTx(m *Manager, key Key, req *sip.Request, dest string) *inviteClientTx {
	t := &inviteClientTx{
		baseTransaction: newBaseTransaction(m, key, KindInviteClient, req, dest, StateIdle),
	}
	t.currentRetransmit = t.timers.TimerA
	return t
}

// Start отправляет INVITE и запускает таймеры состояния Calling
func (t *inviteClientTx) Start() error {
	if !t.setState(StateCalling) {
		return ErrInvalidState
	}

	if err := t.send(t.request); err != nil {
		t.fail(err.(*Error))
		return err
	}

	if !t.reliable && t.timers.TimerA > 0 {
		t.timerMgr.Start(TimerA, t.timers.TimerA, t.handleTimerA)
	}
	t.timerMgr.Start(TimerB, t.timers.TimerB, t.handleTimerB)
	return nil
}

// handleTimerA ретранслирует INVITE с экспоненциальным ростом интервала
func (t *inviteClientTx) handleTimerA() {
	if t.State() != StateCalling {
		return
	}

	if err := t.send(t.request); err != nil {
		t.fail(err.(*Error))
		return
	}

	t.retransmitMu.Lock()
	t.currentRetransmit = NextRetransmitInterval(t.currentRetransmit, t.timers.T2)
	next := t.currentRetransmit
	t.retransmitMu.Unlock()

	t.timerMgr.Start(TimerA, next, t.handleTimerA)
}

// handleTimerB завершает транзакцию по таймауту
func (t *inviteClientTx) handleTimerB() {
	state := t.State()
	if state == StateCalling || state == StateProceeding {
		t.fail(newTimeoutError(t.key, TimerB))
	}
}

// HandleResponse обрабатывает входящий ответ на INVITE
func (t *inviteClientTx) HandleResponse(resp *sip.Response) {
	code := resp.StatusCode

	switch t.State() {
	case StateCalling, StateProceeding:
		switch {
		case code >= 100 && code < 200:
			// Предварительный ответ никогда не завершает ICT
			t.setLastResponse(resp)
			t.timerMgr.Stop(TimerA)
			t.setState(StateProceeding)
			t.manager.emit(Event{Type: EventProvisionalResponse, Key: t.key, Kind: t.kind, Request: t.request, Response: resp})

		case code >= 200 && code < 300:
			// 2xx завершает транзакцию немедленно; ACK строит слой диалога
			t.setLastResponse(resp)
			t.manager.emit(Event{Type: EventSuccessResponse, Key: t.key, Kind: t.kind, Request: t.request, Response: resp})
			t.Terminate()

		default:
			// 3xx-6xx: ACK на уровне транзакции, затем Timer D
			t.setLastResponse(resp)
			t.timerMgr.Stop(TimerA)
			t.timerMgr.Stop(TimerB)
			t.setState(StateCompleted)
			t.manager.emit(Event{Type: EventFailureResponse, Key: t.key, Kind: t.kind, Request: t.request, Response: resp})

			if err := t.sendAck(resp); err != nil {
				t.fail(err.(*Error))
				return
			}

			if t.timers.TimerD > 0 {
				t.timerMgr.Start(TimerD, t.timers.TimerD, t.Terminate)
			} else {
				t.Terminate()
			}
		}

	case StateCompleted:
		// Ретрансмиссия финального ответа: повторяем ACK, состояние не меняем
		if code >= 300 {
			_ = t.sendAck(resp)
		}
	}
}

// sendAck строит и отправляет ACK на финальный не-2xx ответ (RFC 3261 §17.1.1.3).
// ACK наследует branch и CSeq номер INVITE; To берется из ответа.
func (t *inviteClientTx) sendAck(resp *sip.Response) error {
	ack := buildAckNon2xx(t.request, resp)
	return t.send(ack)
}

// buildAckNon2xx строит ACK для финального не-2xx ответа на INVITE
func buildAckNon2xx(invite *sip.Request, resp *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.ACK, invite.Recipient)

	if via := invite.Via(); via != nil {
		ack.AppendHeader(sip.HeaderClone(via))
	}
	if from := invite.From(); from != nil {
		ack.AppendHeader(sip.HeaderClone(from))
	}
	if to := resp.To(); to != nil {
		ack.AppendHeader(sip.HeaderClone(to))
	} else if to := invite.To(); to != nil {
		ack.AppendHeader(sip.HeaderClone(to))
	}
	if callID := invite.CallID(); callID != nil {
		ack.AppendHeader(sip.HeaderClone(callID))
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	// Route копируется из INVITE: ACK идет тем же путем
	for _, h := range invite.GetHeaders("Route") {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetDestination(invite.Destination())
	return ack
}
