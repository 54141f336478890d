package transaction

import (
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// inviteServerTx реализует INVITE server transaction (RFC 3261 §17.2.1)
type inviteServerTx struct {
	*baseTransaction

	retransmitMu      sync.Mutex
	currentRetransmit time.Duration
}

func newInviteServerTx(m *Manager, key Key, req *sip.Request, source string) *inviteServerTx {
	t := &inviteServerTx{
		baseTransaction: newBaseTransaction(m, key, KindInviteServer, req, source, StateProceeding),
	}
	t.currentRetransmit = t.timers.TimerG
	return t
}

// SendResponse отправляет ответ в рамках серверной INVITE транзакции
func (t *inviteServerTx) SendResponse(resp *sip.Response) error {
	code := resp.StatusCode

	switch t.State() {
	case StateProceeding:
		t.setLastResponse(resp)
		if err := t.send(resp); err != nil {
			e := err.(*Error)
			t.fail(e)
			return e
		}

		switch {
		case code < 200:
			// Остаемся в Proceeding

		case code < 300:
			// 2xx: транзакция завершается немедленно, ретрансмиссии 2xx
			// и ожидание ACK выполняет UA core (RFC 3261 §13.3.1.4)
			t.Terminate()

		default:
			// Финальный отказ: ждем ACK, ретранслируя ответ
			t.setState(StateCompleted)
			if !t.reliable && t.timers.TimerG > 0 {
				t.timerMgr.Start(TimerG, t.timers.TimerG, t.handleTimerG)
			}
			t.timerMgr.Start(TimerH, t.timers.TimerH, t.handleTimerH)
		}
		return nil

	case StateCompleted, StateConfirmed:
		return ErrInvalidState

	default:
		return ErrInvalidState
	}
}

// handleTimerG ретранслирует финальный не-2xx ответ
func (t *inviteServerTx) handleTimerG() {
	if t.State() != StateCompleted {
		return
	}

	if resp := t.LastResponse(); resp != nil {
		if err := t.send(resp); err != nil {
			t.fail(err.(*Error))
			return
		}
	}

	t.retransmitMu.Lock()
	t.currentRetransmit = NextRetransmitInterval(t.currentRetransmit, t.timers.T2)
	next := t.currentRetransmit
	t.retransmitMu.Unlock()

	t.timerMgr.Start(TimerG, next, t.handleTimerG)
}

// handleTimerH завершает транзакцию: ACK так и не пришел
func (t *inviteServerTx) handleTimerH() {
	if t.State() == StateCompleted {
		t.fail(newTimeoutError(t.key, TimerH))
	}
}

// HandleRequest обрабатывает ретрансмиссии INVITE и входящий ACK
func (t *inviteServerTx) HandleRequest(req *sip.Request) {
	switch {
	case req.IsInvite():
		// Ретрансмиссия INVITE: повторяем последний ответ
		switch t.State() {
		case StateProceeding, StateCompleted:
			if resp := t.LastResponse(); resp != nil {
				_ = t.send(resp)
			}
		}

	case req.IsAck():
		// ACK на финальный не-2xx ответ
		if t.State() == StateCompleted {
			t.timerMgr.Stop(TimerG)
			t.timerMgr.Stop(TimerH)
			t.setState(StateConfirmed)
			if t.timers.TimerI > 0 {
				t.timerMgr.Start(TimerI, t.timers.TimerI, t.Terminate)
			} else {
				t.Terminate()
			}
		}
	}
}
