package transaction

import (
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// nonInviteClientTx реализует non-INVITE client transaction (RFC 3261 §17.1.2)
type nonInviteClientTx struct {
	*baseTransaction

	retransmitMu      sync.Mutex
	currentRetransmit time.Duration
}

func newNonInviteClientTx(m *Manager, key Key, req *sip.Request, dest string) *nonInviteClientTx {
	t := &nonInviteClientTx{
		baseTransaction: newBaseTransaction(m, key, KindNonInviteClient, req, dest, StateIdle),
	}
	t.currentRetransmit = t.timers.TimerE
	return t
}

// Start отправляет запрос и запускает таймеры состояния Trying
func (t *nonInviteClientTx) Start() error {
	if !t.setState(StateTrying) {
		return ErrInvalidState
	}

	if err := t.send(t.request); err != nil {
		t.fail(err.(*Error))
		return err
	}

	if !t.reliable && t.timers.TimerE > 0 {
		t.timerMgr.Start(TimerE, t.timers.TimerE, t.handleTimerE)
	}
	t.timerMgr.Start(TimerF, t.timers.TimerF, t.handleTimerF)
	return nil
}

// handleTimerE ретранслирует запрос
func (t *nonInviteClientTx) handleTimerE() {
	state := t.State()
	if state != StateTrying && state != StateProceeding {
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

	t.timerMgr.Start(TimerE, next, t.handleTimerE)
}

// handleTimerF завершает транзакцию по таймауту
func (t *nonInviteClientTx) handleTimerF() {
	state := t.State()
	if state == StateTrying || state == StateProceeding {
		t.fail(newTimeoutError(t.key, TimerF))
	}
}

// HandleResponse обрабатывает входящий ответ
func (t *nonInviteClientTx) HandleResponse(resp *sip.Response) {
	code := resp.StatusCode

	switch t.State() {
	case StateTrying, StateProceeding:
		if code >= 100 && code < 200 {
			t.setLastResponse(resp)
			t.setState(StateProceeding)
			t.manager.emit(Event{Type: EventProvisionalResponse, Key: t.key, Kind: t.kind, Request: t.request, Response: resp})
			return
		}

		// Любой финальный ответ завершает non-INVITE транзакцию
		t.setLastResponse(resp)
		t.timerMgr.Stop(TimerE)
		t.timerMgr.Stop(TimerF)
		t.setState(StateCompleted)

		evType := EventSuccessResponse
		if code >= 300 {
			evType = EventFailureResponse
		}
		t.manager.emit(Event{Type: evType, Key: t.key, Kind: t.kind, Request: t.request, Response: resp})

		if t.timers.TimerK > 0 {
			t.timerMgr.Start(TimerK, t.timers.TimerK, t.Terminate)
		} else {
			t.Terminate()
		}

	case StateCompleted:
		// Ретрансмиссии финального ответа поглощаются
	}
}
