package transaction

import (
	"github.com/emiago/sipgo/sip"
)

// nonInviteServerTx реализует non-INVITE server transaction (RFC 3261 §17.2.2)
type nonInviteServerTx struct {
	*baseTransaction
}

func newNonInviteServerTx(m *Manager, key Key, req *sip.Request, source string) *nonInviteServerTx {
	return &nonInviteServerTx{
		baseTransaction: newBaseTransaction(m, key, KindNonInviteServer, req, source, StateTrying),
	}
}

// SendResponse отправляет ответ в рамках серверной транзакции
func (t *nonInviteServerTx) SendResponse(resp *sip.Response) error {
	code := resp.StatusCode

	switch t.State() {
	case StateTrying, StateProceeding:
		t.setLastResponse(resp)
		if err := t.send(resp); err != nil {
			e := err.(*Error)
			t.fail(e)
			return e
		}

		if code < 200 {
			t.setState(StateProceeding)
			return nil
		}

		// Финальный ответ: поглощаем ретрансмиссии запроса до Timer J
		t.setState(StateCompleted)
		if t.timers.TimerJ > 0 {
			t.timerMgr.Start(TimerJ, t.timers.TimerJ, t.Terminate)
		} else {
			t.Terminate()
		}
		return nil

	default:
		return ErrInvalidState
	}
}

// HandleRequest обрабатывает ретрансмиссии запроса
func (t *nonInviteServerTx) HandleRequest(req *sip.Request) {
	switch t.State() {
	case StateProceeding, StateCompleted:
		if resp := t.LastResponse(); resp != nil {
			_ = t.send(resp)
		}
	}
}
