package session

import (
	"context"
	"errors"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/voip_core/pkg/media"
	"github.com/arzzra/voip_core/pkg/media_sdp"
	"github.com/arzzra/voip_core/pkg/sip/dialog"
	"github.com/arzzra/voip_core/pkg/sip/transaction"
)

// handleRequest обрабатывает входящий не-INVITE запрос
func (m *Manager) handleRequest(ev transaction.Event) {
	req := ev.Request

	d, ok := m.dialogs.MatchRequest(req)
	if !ok {
		// OPTIONS вне диалога отвечаем для keep-alive проверок
		if req.Method == sip.OPTIONS {
			resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
			_ = m.tx.SendResponse(ev.Key, resp)
			return
		}
		resp := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = m.tx.SendResponse(ev.Key, resp)
		return
	}

	class, err := m.dialogs.ProcessRequest(d, req)
	if err != nil {
		if errors.Is(err, dialog.ErrOutOfOrder) {
			// Регрессия CSeq: 500, диалог не меняется
			resp := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
			_ = m.tx.SendResponse(ev.Key, resp)
			return
		}
		resp := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = m.tx.SendResponse(ev.Key, resp)
		return
	}

	m.mu.RLock()
	sess, hasSess := m.byDialog[d.ID()]
	m.mu.RUnlock()

	switch class {
	case dialog.ClassBye:
		resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
		_ = m.tx.SendResponse(ev.Key, resp)
		if hasSess {
			m.finalizeTermination(sess, "Call terminated by remote BYE")
		}

	case dialog.ClassInfo:
		m.handleInfo(ev, sess, hasSess)

	case dialog.ClassUpdate:
		m.handleUpdate(ev, sess, hasSess)

	case dialog.ClassRefer:
		m.handleRefer(ev, d, sess, hasSess)

	case dialog.ClassNotify:
		m.handleNotify(ev, sess, hasSess)

	default:
		resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
		_ = m.tx.SendResponse(ev.Key, resp)
	}
}

// handleInfo: INFO с телом "DTMF:" поднимается событием DtmfReceived
func (m *Manager) handleInfo(ev transaction.Event, sess *Session, hasSess bool) {
	resp := sip.NewResponseFromRequest(ev.Request, 200, "OK", nil)
	_ = m.tx.SendResponse(ev.Key, resp)

	if !hasSess {
		return
	}
	if digits, ok := media.ParseDTMFInfoBody(ev.Request.Body()); ok {
		m.publishMedia(sess.id, MediaEventPayload{
			SessionID: sess.id, Kind: MediaDtmfReceived, Digits: digits,
		})
	}
}

// handleUpdate: UPDATE с SDP sendonly/inactive означает удержание,
// остальное — возобновление; ответ 200 без SDP
func (m *Manager) handleUpdate(ev transaction.Event, sess *Session, hasSess bool) {
	resp := sip.NewResponseFromRequest(ev.Request, 200, "OK", nil)
	_ = m.tx.SendResponse(ev.Key, resp)

	if !hasSess || len(ev.Request.Body()) == 0 {
		return
	}

	dir, err := sdpDirection(ev.Request.Body())
	if err != nil {
		return
	}
	m.applyRemoteHold(sess, dir)
}

// applyRemoteHold применяет удержание или возобновление от пира
func (m *Manager) applyRemoteHold(sess *Session, dir media_sdp.Direction) {
	if dir.IsHold() {
		if m.transitionState(sess, evHold, "held by peer") {
			m.setMediaDirection(sess, dir.Answer())
			m.publishMedia(sess.id, MediaEventPayload{SessionID: sess.id, Kind: MediaHoldStateChanged})
		}
	} else {
		if m.transitionState(sess, evResume, "resumed by peer") {
			m.setMediaDirection(sess, media_sdp.DirectionSendRecv)
			m.publishMedia(sess.id, MediaEventPayload{SessionID: sess.id, Kind: MediaHoldStateChanged})
		}
	}
}

// handleReInvite обрабатывает re-INVITE внутри диалога:
// событие MediaUpdate, ответ 200 с SDP answer, переходы hold/resume
func (m *Manager) handleReInvite(ev transaction.Event, d *dialog.Dialog) {
	req := ev.Request

	class, err := m.dialogs.ProcessRequest(d, req)
	if err != nil {
		if errors.Is(err, dialog.ErrOutOfOrder) {
			resp := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
			_ = m.tx.SendResponse(ev.Key, resp)
			return
		}
		resp := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = m.tx.SendResponse(ev.Key, resp)
		return
	}
	if class != dialog.ClassReInvite {
		return
	}

	m.mu.RLock()
	sess, hasSess := m.byDialog[d.ID()]
	m.mu.RUnlock()
	if !hasSess {
		resp := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = m.tx.SendResponse(ev.Key, resp)
		return
	}

	m.publishMedia(sess.id, MediaEventPayload{
		SessionID: sess.id, Kind: MediaUpdated, SDP: req.Body(),
	})

	// Answer строится из последнего локального SDP с зеркальным
	// направлением; полноценная повторная переговорка не требуется
	// для hold/resume
	localSDP, _ := sess.sdp()
	var answerBody []byte
	offerDir := media_sdp.DirectionSendRecv
	if len(req.Body()) > 0 {
		if dir, err := sdpDirection(req.Body()); err == nil {
			offerDir = dir
		}
		if offer, err := media_sdp.ParseSDP(req.Body()); err == nil {
			sess.setSDP(nil, offer)
		}
	}
	if localSDP != nil {
		answer := withDirection(localSDP, offerDir.Answer())
		if body, err := media_sdp.MarshalSDP(answer); err == nil {
			answerBody = body
			sess.setSDP(answer, nil)
		}
	}

	resp := sip.NewResponseFromRequest(req, 200, "OK", answerBody)
	if rt := resp.To(); rt != nil {
		if rt.Params == nil {
			rt.Params = sip.HeaderParams{}
		}
		rt.Params["tag"] = d.Key().LocalTag
	}
	if answerBody != nil {
		ct := sip.ContentTypeHeader("application/sdp")
		resp.AppendHeader(&ct)
	}
	resp.AppendHeader(&sip.ContactHeader{Address: m.localURI})
	if err := m.tx.SendResponse(ev.Key, resp); err != nil {
		m.log.Warn("не удалось ответить на re-INVITE", "error", err)
		return
	}

	m.applyRemoteHold(sess, offerDir)
}

// handleRefer обрабатывает REFER: перевод вызова на стороне
// принимающего перевода (transferee)
func (m *Manager) handleRefer(ev transaction.Event, d *dialog.Dialog, sess *Session, hasSess bool) {
	info, err := dialog.ParseRefer(ev.Request)
	if err != nil || !hasSess {
		resp := sip.NewResponseFromRequest(ev.Request, 400, "Bad Request", nil)
		_ = m.tx.SendResponse(ev.Key, resp)
		return
	}

	// 202 Accepted: перевод принят к исполнению
	resp := sip.NewResponseFromRequest(ev.Request, 202, "Accepted", nil)
	_ = m.tx.SendResponse(ev.Key, resp)

	go m.executeTransfer(sess, d, info)
}

// executeTransfer выполняет перевод: вызов цели и NOTIFY отчеты
// sipfrag о ходе (RFC 3515 §2.4.5)
func (m *Manager) executeTransfer(sess *Session, d *dialog.Dialog, info *dialog.ReferInfo) {
	m.sendReferNotify(d, 100, "Trying", false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	target, err := m.MakeCall(ctx, info.ReferTo.String())
	if err != nil {
		m.sendReferNotify(d, 503, "Service Unavailable", true)
		return
	}

	err = m.WaitForState(ctx, target.id, func(s CallState) bool {
		return s == StateActive || s.IsFinal()
	})
	if err != nil || target.State() != StateActive {
		m.sendReferNotify(d, 487, "Request Terminated", true)
		_ = m.Hangup(context.Background(), target.id)
		return
	}

	// Финальный NOTIFY: исходный вызов завершает инициатор перевода
	m.sendReferNotify(d, 200, "OK", true)
}

func (m *Manager) sendReferNotify(d *dialog.Dialog, code int, reason string, final bool) {
	notify, err := m.dialogs.BuildReferNotify(d, code, reason, final)
	if err != nil {
		return
	}
	key, err := m.tx.CreateClientTransaction(notify, notify.Destination())
	if err != nil {
		return
	}
	_ = m.tx.SendRequest(key)
}

// handleNotify обрабатывает NOTIFY статуса перевода на стороне
// инициатора (transferor): sipfrag продвигает контекст перевода
func (m *Manager) handleNotify(ev transaction.Event, sess *Session, hasSess bool) {
	resp := sip.NewResponseFromRequest(ev.Request, 200, "OK", nil)
	_ = m.tx.SendResponse(ev.Key, resp)

	if !hasSess {
		return
	}
	eventHdr := ev.Request.GetHeader("Event")
	if eventHdr == nil || eventHdr.Value() != "refer" {
		return
	}

	xfer := sess.Transfer()
	if xfer == nil {
		return
	}

	code := dialog.ParseSipfragStatusCode(ev.Request.Body())
	if code == 0 {
		return
	}

	terminal, success := xfer.notified(code)
	m.log.Debug("NOTIFY перевода",
		"session", sess.id, "sipfrag", code,
		"state", xfer.State())

	if terminal && success && xfer.Type == TransferBlind {
		// Успешный слепой перевод автоматически завершает вызов
		go func() { _ = m.Hangup(context.Background(), sess.id) }()
	}
}
