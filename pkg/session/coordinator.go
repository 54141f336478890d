package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"

	"github.com/arzzra/voip_core/pkg/eventbus"
	"github.com/arzzra/voip_core/pkg/media_sdp"
	"github.com/arzzra/voip_core/pkg/sip/dialog"
	"github.com/arzzra/voip_core/pkg/sip/transaction"
)

// onTxEvent транслирует события транзакционного слоя в жизненный
// цикл сессий. Ключевое правило: медиа создается после ACK —
// у UAC после отправки ACK на 2xx, у UAS после приема ACK.
func (m *Manager) onTxEvent(ev transaction.Event) {
	switch ev.Type {
	case transaction.EventInviteRequest:
		m.handleInviteRequest(ev)
	case transaction.EventNewRequest:
		m.handleRequest(ev)
	case transaction.EventAckReceived:
		m.handleAckReceived(ev)
	case transaction.EventCancelRequest:
		m.handleCancelRequest(ev)
	case transaction.EventProvisionalResponse:
		m.handleProvisionalResponse(ev)
	case transaction.EventSuccessResponse:
		m.handleSuccessResponse(ev)
	case transaction.EventFailureResponse:
		m.handleFailureResponse(ev)
	case transaction.EventError:
		m.handleTxError(ev)
	}
}

// ---------------------------------------------------------------------------
// UAS: входящий INVITE

func (m *Manager) handleInviteRequest(ev transaction.Event) {
	req := ev.Request

	// re-INVITE внутри существующего диалога
	if d, ok := m.dialogs.MatchRequest(req); ok {
		m.handleReInvite(ev, d)
		return
	}

	m.mu.RLock()
	limitReached := m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions
	shuttingDown := m.shuttingDown
	m.mu.RUnlock()

	if shuttingDown || limitReached {
		resp := sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil)
		resp.AppendHeader(sip.NewHeader("Retry-After", "10"))
		_ = m.tx.SendResponse(ev.Key, resp)
		return
	}

	from := req.From()
	to := req.To()
	callID := req.CallID()
	if from == nil || to == nil || callID == nil {
		resp := sip.NewResponseFromRequest(req, 400, "Bad Request", nil)
		_ = m.tx.SendResponse(ev.Key, resp)
		return
	}

	sess := newSession(DirectionIncoming, to.Address.String(), from.Address.String())
	sess.setInvite(req, ev.Key)

	if body := req.Body(); len(body) > 0 {
		if remote, err := media_sdp.ParseSDP(body); err == nil {
			sess.setSDP(nil, remote)
		}
	}

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.byCallID[callID.Value()] = sess
	m.byInviteTx[ev.Key] = sess
	m.mu.Unlock()
	m.metrics.sessionCreated(DirectionIncoming)

	// 100 Trying глушит ретрансмиссии INVITE
	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	_ = m.tx.SendResponse(ev.Key, trying)

	// 180 Ringing с локальным tag создает ранний диалог
	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	localTag := dialog.GenerateTag()
	if rt := ringing.To(); rt != nil {
		if rt.Params == nil {
			rt.Params = sip.HeaderParams{}
		}
		rt.Params["tag"] = localTag
	}

	d, err := m.dialogs.CreateFromTransaction(req, ringing, false)
	if err != nil || d == nil {
		m.log.Warn("не удалось создать диалог входящего вызова", "error", err)
		resp := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
		_ = m.tx.SendResponse(ev.Key, resp)
		m.failSession(sess, "dialog creation failed")
		return
	}
	sess.setDialogID(d.ID())
	m.mu.Lock()
	m.byDialog[d.ID()] = sess
	m.mu.Unlock()

	if err := m.tx.SendResponse(ev.Key, ringing); err != nil {
		m.failSession(sess, "ringing send failed")
		return
	}
	m.transitionState(sess, evRing, "")

	m.bus.Publish(eventbus.Event{
		Kind:      EventKindIncomingCall,
		SessionID: sess.id,
		Priority:  eventbus.PriorityHigh,
		Payload: IncomingCallInfo{
			SessionID: sess.id,
			From:      from.Address.String(),
			To:        to.Address.String(),
			SDP:       req.Body(),
			Headers:   requestHeaders(req),
		},
	})

	// Решение обработчика: конкурентно между сессиями,
	// сериализовано внутри одной сессии
	go m.dispatchIncoming(sess, req)
}

func (m *Manager) dispatchIncoming(sess *Session, req *sip.Request) {
	muIface, _ := m.handlerMu.LoadOrStore(sess.id, &sync.Mutex{})
	lock := muIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	if m.handler == nil {
		_ = m.rejectCall(sess, 603, "Decline")
		return
	}

	from := req.From()
	to := req.To()
	decision := m.handler.OnIncomingCall(IncomingCallInfo{
		SessionID: sess.id,
		From:      from.Address.String(),
		To:        to.Address.String(),
		SDP:       req.Body(),
		Headers:   requestHeaders(req),
	})

	switch decision.Kind {
	case DecisionAccept:
		if err := m.acceptCall(sess); err != nil {
			m.log.Error("не удалось принять вызов", "session", sess.id, "error", err)
		}
	case DecisionReject:
		status, reason := decision.RejectStatus, decision.RejectReason
		if status == 0 {
			status, reason = 603, "Decline"
		}
		_ = m.rejectCall(sess, status, reason)
	case DecisionForward:
		m.forwardCall(sess, decision.ForwardTarget)
	case DecisionDefer:
		// Приложение ответит позже через Answer или RejectCall
	}
}

// acceptCall строит SDP answer и отправляет 200 OK.
// Сессия остается не-Active: медиа создается после приема ACK.
func (m *Manager) acceptCall(sess *Session) error {
	invite, inviteKey := sess.invite()
	_, remoteOffer := sess.sdp()
	if invite == nil {
		return newError(ErrorInternal, sess.id, "no invite request")
	}
	if remoteOffer == nil {
		_ = m.rejectCall(sess, 488, "Not Acceptable Here")
		return newError(ErrorMediaNegotiation, sess.id, "INVITE without SDP offer")
	}

	ep, err := m.media.AllocateEndpoint(sess.id)
	if err != nil {
		_ = m.rejectCall(sess, 500, "Server Internal Error")
		return wrapError(ErrorMediaNegotiation, sess.id, err)
	}

	answerOpts := media_sdp.OfferOptions{Direction: media_sdp.DirectionSendRecv}
	if hasDTLSOffer(remoteOffer) {
		algo, fp, err := m.media.LocalFingerprint()
		if err != nil {
			_ = m.rejectCall(sess, 488, "Not Acceptable Here")
			return wrapError(ErrorSecurity, sess.id, err)
		}
		answerOpts.Crypto = media_sdp.CryptoInfo{
			Profile:         media_sdp.ProfileDTLSSRTP,
			FingerprintAlgo: algo,
			Fingerprint:     fp,
		}
	}

	answer, err := m.media.Negotiator().BuildAnswer(remoteOffer, ep.Host, ep.Port, answerOpts)
	if err != nil {
		_ = m.rejectCall(sess, 488, "Not Acceptable Here")
		return wrapError(ErrorMediaNegotiation, sess.id, err)
	}
	answerBody, err := media_sdp.MarshalSDP(answer)
	if err != nil {
		return wrapError(ErrorMediaNegotiation, sess.id, err)
	}
	sess.setSDP(answer, nil)

	d, hasDialog := m.sessionDialog(sess)
	if !hasDialog {
		return newError(ErrorInternal, sess.id, "no dialog")
	}

	ok := sip.NewResponseFromRequest(invite, 200, "OK", answerBody)
	if rt := ok.To(); rt != nil {
		if rt.Params == nil {
			rt.Params = sip.HeaderParams{}
		}
		rt.Params["tag"] = d.Key().LocalTag
	}
	ok.AppendHeader(&sip.ContactHeader{Address: m.localURI})
	ct := sip.ContentTypeHeader("application/sdp")
	ok.AppendHeader(&ct)

	if err := m.tx.SendResponse(inviteKey, ok); err != nil {
		m.failSession(sess, "200 OK send failed")
		return wrapError(ErrorTransport, sess.id, err)
	}

	m.dialogs.ConfirmLocal(d, ok)

	// Между отправленным 200 OK и принятым ACK медиа не создается
	m.publishMedia(sess.id, MediaEventPayload{SessionID: sess.id, Kind: MediaSdpAnswerProcessed})
	return nil
}

func (m *Manager) rejectCall(sess *Session, status int, reason string) error {
	invite, inviteKey := sess.invite()
	if invite != nil {
		resp := sip.NewResponseFromRequest(invite, status, reason, nil)
		if d, ok := m.sessionDialog(sess); ok {
			if rt := resp.To(); rt != nil {
				if rt.Params == nil {
					rt.Params = sip.HeaderParams{}
				}
				rt.Params["tag"] = d.Key().LocalTag
			}
		}
		_ = m.tx.SendResponse(inviteKey, resp)
	}
	m.failSession(sess, fmt.Sprintf("rejected: %d %s", status, reason))
	return nil
}

func (m *Manager) forwardCall(sess *Session, target string) {
	invite, inviteKey := sess.invite()
	if invite == nil || target == "" {
		_ = m.rejectCall(sess, 500, "Server Internal Error")
		return
	}
	resp := sip.NewResponseFromRequest(invite, 302, "Moved Temporarily", nil)
	var targetURI sip.Uri
	if err := sip.ParseUri(target, &targetURI); err == nil {
		resp.AppendHeader(&sip.ContactHeader{Address: targetURI})
	}
	_ = m.tx.SendResponse(inviteKey, resp)
	m.finalizeTermination(sess, "forwarded to "+target)
}

// handleAckReceived: UAS сторона — ACK на 2xx принят, пора создавать
// медиа (CreateMediaUas)
func (m *Manager) handleAckReceived(ev transaction.Event) {
	d, ok := m.dialogs.MatchRequest(ev.Request)
	if !ok {
		m.log.Debug("ACK без диалога отброшен")
		return
	}

	m.mu.RLock()
	sess, ok := m.byDialog[d.ID()]
	m.mu.RUnlock()
	if !ok {
		m.log.Warn("ACK для диалога без сессии", "dialog", d.ID())
		return
	}

	state := sess.State()
	if state != StateInitiating && state != StateRinging {
		// Ретрансмиссия ACK или ACK на re-INVITE
		return
	}

	m.startMediaAfterAck(sess, "uas")
	m.transitionState(sess, evConnect, "")
}

// startMediaAfterAck создает медиа сессию; вызывается строго после
// отправки (UAC) или приема (UAS) ACK
func (m *Manager) startMediaAfterAck(sess *Session, side string) {
	local, remote := sess.sdp()
	if local == nil || remote == nil {
		m.log.Warn("нет пары SDP для запуска медиа", "session", sess.id, "side", side)
		return
	}
	if _, err := m.media.StartMedia(context.Background(), sess.id, local, remote); err != nil {
		m.notifyClientError(sess.id, wrapError(ErrorMediaNegotiation, sess.id, err))
		m.failSession(sess, "media start failed: "+err.Error())
	}
}

// ---------------------------------------------------------------------------
// CANCEL

func (m *Manager) handleCancelRequest(ev transaction.Event) {
	// 200 OK на сам CANCEL
	okResp := sip.NewResponseFromRequest(ev.Request, 200, "OK", nil)
	_ = m.tx.SendResponse(ev.Key, okResp)

	inviteKey := ev.Key.WithMethod(string(sip.INVITE))
	m.mu.RLock()
	sess, ok := m.byInviteTx[inviteKey]
	m.mu.RUnlock()
	if !ok {
		return
	}

	// 487 завершает INVITE транзакцию; ранний диалог гибнет вместе с ней
	if invite, key := sess.invite(); invite != nil {
		resp := sip.NewResponseFromRequest(invite, 487, "Request Terminated", nil)
		if d, hasDialog := m.sessionDialog(sess); hasDialog {
			if rt := resp.To(); rt != nil {
				if rt.Params == nil {
					rt.Params = sip.HeaderParams{}
				}
				rt.Params["tag"] = d.Key().LocalTag
			}
		}
		_ = m.tx.SendResponse(key, resp)
	}

	m.transitionState(sess, evCancel, "Cancelled")
	m.cleanupSession(sess, "Cancelled")
}

// ---------------------------------------------------------------------------
// Ответы на клиентские транзакции

func (m *Manager) handleProvisionalResponse(ev transaction.Event) {
	if ev.Response == nil || cseqMethod(ev.Response) != sip.INVITE {
		return
	}

	sess := m.sessionForInviteResponse(ev)
	if sess == nil {
		return
	}

	// 1xx с To tag создает ранний диалог
	if invite, _ := sess.invite(); invite != nil {
		if d, err := m.dialogs.CreateFromTransaction(invite, ev.Response, true); err == nil && d != nil {
			if sess.DialogID() == "" {
				sess.setDialogID(d.ID())
				m.mu.Lock()
				m.byDialog[d.ID()] = sess
				m.mu.Unlock()
			}
		}
	}

	if ev.Response.StatusCode == 180 {
		m.transitionState(sess, evRing, "")
	}
}

func (m *Manager) handleSuccessResponse(ev transaction.Event) {
	if ev.Response == nil {
		return
	}

	switch cseqMethod(ev.Response) {
	case sip.INVITE:
		m.handleInviteSuccess(ev)
	case sip.BYE:
		m.handleByeSuccess(ev)
	case sip.REFER:
		m.handleReferSuccess(ev)
	case sip.CANCEL, sip.INFO, sip.UPDATE, sip.NOTIFY:
		// Подтверждения без побочных эффектов
	}
}

// handleInviteSuccess: UAC сторона — 2xx на INVITE. Порядок строго:
// ACK уходит в транспорт, затем создается медиа (CreateMediaUac).
func (m *Manager) handleInviteSuccess(ev transaction.Event) {
	sess := m.sessionForInviteResponse(ev)
	if sess == nil {
		m.log.Warn("2xx на INVITE без сессии отброшен",
			"key", ev.Key.String())
		return
	}

	invite, _ := sess.invite()
	if ev.Request != nil {
		invite = ev.Request
	}

	// re-INVITE: подтверждаем и применяем hold/resume
	state := sess.State()
	if state == StateActive || state == StateOnHold {
		m.ackAndApplyReinvite(sess, invite, ev.Response)
		return
	}
	if state.IsFinal() {
		return
	}

	// Диалог: подтверждаем ранний или строим из 2xx
	d, ok := m.dialogs.MatchResponse(ev.Response)
	if !ok {
		var err error
		d, err = m.dialogs.CreateFromTransaction(invite, ev.Response, true)
		if err != nil || d == nil {
			m.log.Error("не удалось построить диалог из 2xx", "error", err)
			m.failSession(sess, "dialog creation failed")
			return
		}
	}
	m.dialogs.Confirm(d, ev.Response)

	if sess.DialogID() == "" {
		sess.setDialogID(d.ID())
	}
	m.mu.Lock()
	m.byDialog[d.ID()] = sess
	m.mu.Unlock()

	if body := ev.Response.Body(); len(body) > 0 {
		if remote, err := media_sdp.ParseSDP(body); err == nil {
			sess.setSDP(nil, remote)
			m.publishMedia(sess.id, MediaEventPayload{SessionID: sess.id, Kind: MediaSdpAnswerProcessed})
		}
	}

	// ACK на 2xx: новая транзакция с route set диалога
	ack, err := m.dialogs.BuildAck2xx(d, invite, ev.Response)
	if err != nil {
		m.failSession(sess, "ACK build failed: "+err.Error())
		return
	}
	if err := m.tx.SendAckFor2xx(ack, ack.Destination()); err != nil {
		m.failSession(sess, "ACK send failed")
		return
	}

	// Медиа создается только теперь, после передачи ACK транспорту
	m.startMediaAfterAck(sess, "uac")
	m.transitionState(sess, evConnect, "")
}

// ackAndApplyReinvite подтверждает 2xx на re-INVITE и применяет
// переход hold/resume
func (m *Manager) ackAndApplyReinvite(sess *Session, reinvite *sip.Request, resp *sip.Response) {
	d, hasDialog := m.sessionDialog(sess)
	if !hasDialog {
		return
	}

	if ack, err := m.dialogs.BuildAck2xx(d, reinvite, resp); err == nil {
		_ = m.tx.SendAckFor2xx(ack, ack.Destination())
	}

	if reinvite == nil {
		return
	}
	dir, err := sdpDirection(reinvite.Body())
	if err != nil {
		return
	}

	if dir.IsHold() {
		if m.transitionState(sess, evHold, "hold") {
			m.setMediaDirection(sess, dir)
			m.publishMedia(sess.id, MediaEventPayload{SessionID: sess.id, Kind: MediaHoldStateChanged})
		}
	} else {
		if m.transitionState(sess, evResume, "resume") {
			m.setMediaDirection(sess, dir)
			m.publishMedia(sess.id, MediaEventPayload{SessionID: sess.id, Kind: MediaHoldStateChanged})
		}
	}
}

func (m *Manager) setMediaDirection(sess *Session, dir media_sdp.Direction) {
	if ms, ok := m.media.GetBySession(sess.id); ok {
		ms.SetDirection(dir)
	}
}

// handleByeSuccess: 2xx на локальный BYE. SessionTerminated публикуется
// до снятия отображения диалога (cleanupSession соблюдает порядок).
func (m *Manager) handleByeSuccess(ev transaction.Event) {
	m.mu.Lock()
	sess, ok := m.byTx[ev.Key]
	delete(m.byTx, ev.Key)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.finalizeTermination(sess, "User hangup")
}

func (m *Manager) handleReferSuccess(ev transaction.Event) {
	m.mu.Lock()
	sess, ok := m.byTx[ev.Key]
	m.mu.Unlock()
	if !ok {
		return
	}
	if xfer := sess.Transfer(); xfer != nil && ev.Response.StatusCode == 202 {
		xfer.accepted()
		m.log.Debug("перевод принят удаленной стороной", "session", sess.id)
	}
}

func (m *Manager) handleFailureResponse(ev transaction.Event) {
	if ev.Response == nil {
		return
	}
	code := ev.Response.StatusCode

	switch cseqMethod(ev.Response) {
	case sip.INVITE:
		sess := m.sessionForInviteResponse(ev)
		if sess == nil {
			return
		}

		// 401/407: единственный повтор с учетными данными
		if (code == 401 || code == 407) && m.config.AuthUsername != "" {
			if m.retryWithAuth(sess, ev) {
				return
			}
			m.failSession(sess, "authentication failed")
			return
		}

		if sess.State() == StateActive || sess.State() == StateOnHold {
			// Отказ на re-INVITE: вызов продолжается, 481 завершает диалог
			if code == 481 {
				m.finalizeTermination(sess, "dialog gone (481)")
				return
			}
			m.notifyClientError(sess.id, newError(ErrorCallSetupFailed, sess.id,
				"re-INVITE rejected: %d %s", code, ev.Response.Reason))
			return
		}

		if d, ok := m.dialogs.MatchResponse(ev.Response); ok {
			m.dialogs.HandleFailureResponse(d, ev.Response)
		}

		reason := fmt.Sprintf("%d %s", code, ev.Response.Reason)
		if code == 487 {
			m.transitionState(sess, evCancel, "Cancelled")
			m.cleanupSession(sess, "Cancelled")
			return
		}
		m.failSession(sess, reason)

	case sip.BYE:
		m.mu.Lock()
		sess, ok := m.byTx[ev.Key]
		delete(m.byTx, ev.Key)
		m.mu.Unlock()
		if ok {
			// Вызов завершается локально даже при отказе на BYE
			m.finalizeTermination(sess, "User hangup")
		}

	case sip.REFER:
		m.mu.Lock()
		sess, ok := m.byTx[ev.Key]
		delete(m.byTx, ev.Key)
		m.mu.Unlock()
		if ok {
			if xfer := sess.Transfer(); xfer != nil {
				xfer.failed(fmt.Sprintf("REFER rejected: %d", code))
			}
		}

	default:
		if code == 481 {
			if d, ok := m.dialogs.MatchResponse(ev.Response); ok {
				m.mu.RLock()
				sess, hasSess := m.byDialog[d.ID()]
				m.mu.RUnlock()
				m.dialogs.HandleFailureResponse(d, ev.Response)
				if hasSess {
					m.finalizeTermination(sess, "dialog gone (481)")
				}
			}
		}
	}
}

func (m *Manager) handleTxError(ev transaction.Event) {
	m.mu.Lock()
	sess, ok := m.byInviteTx[ev.Key]
	if !ok {
		sess, ok = m.byTx[ev.Key]
		delete(m.byTx, ev.Key)
	}
	m.mu.Unlock()
	if !ok || sess.State().IsFinal() {
		return
	}

	kind := ErrorTimeout
	if ev.Err != nil && ev.Err.Kind == transaction.ErrorTransport {
		kind = ErrorTransport
	}
	m.notifyClientError(sess.id, wrapError(kind, sess.id, ev.Err))

	if sess.State() == StateTerminating {
		m.finalizeTermination(sess, "User hangup")
		return
	}
	m.failSession(sess, fmt.Sprintf("transaction error: %s", kind))
}

// ---------------------------------------------------------------------------
// Корреляция ответов с сессиями

// sessionForInviteResponse находит сессию для ответа на INVITE.
//
// Прямой путь — отображение ключа транзакции. Если ответ обогнал
// установку отображения (гонка), выполняется альтернативная
// корреляция: единственная сессия в Initiating. Ноль или несколько
// кандидатов — ответ отбрасывается с предупреждением.
func (m *Manager) sessionForInviteResponse(ev transaction.Event) *Session {
	m.mu.RLock()
	sess, ok := m.byInviteTx[ev.Key]
	m.mu.RUnlock()
	if ok {
		return sess
	}

	// Корреляция по Call-ID
	if ev.Response != nil {
		if callID := ev.Response.CallID(); callID != nil {
			m.mu.RLock()
			sess, ok = m.byCallID[callID.Value()]
			m.mu.RUnlock()
			if ok {
				m.installInviteMapping(ev.Key, sess)
				return sess
			}
		}
	}

	// Альтернативная корреляция: единственная Initiating сессия
	var candidate *Session
	count := 0
	m.mu.RLock()
	for _, s := range m.sessions {
		if s.State() == StateInitiating && s.direction == DirectionOutgoing {
			candidate = s
			count++
		}
	}
	m.mu.RUnlock()

	if count == 1 {
		m.log.Warn("ответ обогнал установку отображения: корреляция по Initiating",
			"session", candidate.id, "key", ev.Key.String())
		m.installInviteMapping(ev.Key, candidate)
		return candidate
	}

	m.log.Warn("корреляция ответа невозможна",
		"key", ev.Key.String(), "candidates", count)
	return nil
}

func (m *Manager) installInviteMapping(key transaction.Key, sess *Session) {
	m.mu.Lock()
	m.byInviteTx[key] = sess
	m.mu.Unlock()
}

// cseqMethod возвращает метод из CSeq ответа
func cseqMethod(resp *sip.Response) sip.RequestMethod {
	if cseq := resp.CSeq(); cseq != nil {
		return cseq.MethodName
	}
	return ""
}

// hasDTLSOffer проверяет, предлагает ли удаленный SDP DTLS-SRTP
func hasDTLSOffer(remote *sdp.SessionDescription) bool {
	return media_sdp.OfferHasDTLS(remote)
}
