package session

import (
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/arzzra/voip_core/pkg/sip/transaction"
)

// retryWithAuth повторяет INVITE с digest учетными данными после
// 401/407 (RFC 3261 §22). Выполняется не более одного повтора на
// сессию; второй вызов сообщает о неудаче аутентификации.
func (m *Manager) retryWithAuth(sess *Session, ev transaction.Event) bool {
	if !sess.markAuthAttempted() {
		return false
	}

	challengeHeader := "WWW-Authenticate"
	authHeader := "Authorization"
	if ev.Response.StatusCode == 407 {
		challengeHeader = "Proxy-Authenticate"
		authHeader = "Proxy-Authorization"
	}

	h := ev.Response.GetHeader(challengeHeader)
	if h == nil {
		return false
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		m.log.Warn("не удалось разобрать auth challenge", "error", err)
		return false
	}

	invite, _ := sess.invite()
	if invite == nil {
		return false
	}

	cred, err := digest.Digest(chal, digest.Options{
		Username: m.config.AuthUsername,
		Password: m.config.AuthPassword,
		Method:   string(sip.INVITE),
		URI:      invite.Recipient.String(),
	})
	if err != nil {
		m.log.Warn("не удалось вычислить digest", "error", err)
		return false
	}

	// Новый INVITE: инкремент CSeq, свежий branch, те же tag и Call-ID
	retry := invite.Clone()
	retry.RemoveHeader(authHeader)
	retry.AppendHeader(sip.NewHeader(authHeader, cred.String()))

	if cseq := retry.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	if via := retry.Via(); via != nil {
		via.Params["branch"] = sip.GenerateBranch()
	}

	destination := invite.Destination()
	retry.SetDestination(destination)

	key, err := m.tx.CreateClientTransaction(retry, destination)
	if err != nil {
		return false
	}

	sess.setInvite(retry, key)
	m.mu.Lock()
	m.byInviteTx[key] = sess
	m.mu.Unlock()

	if err := m.tx.SendRequest(key); err != nil {
		return false
	}

	m.log.Info("INVITE повторен с учетными данными",
		"session", sess.id, "status", ev.Response.StatusCode)
	return true
}
