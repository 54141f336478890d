package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/voip_core/pkg/eventbus"
	"github.com/arzzra/voip_core/pkg/media"
	"github.com/arzzra/voip_core/pkg/media_sdp"
	"github.com/arzzra/voip_core/pkg/sip/dialog"
	"github.com/arzzra/voip_core/pkg/sip/transaction"
	"github.com/arzzra/voip_core/pkg/sip/transport"
)

// Config конфигурация менеджера сессий
type Config struct {
	// LocalURI локальный SIP адрес ("sip:alice@127.0.0.1:5070")
	LocalURI string
	// DisplayName отображаемое имя
	DisplayName string

	// Transport транспорт SIP сообщений
	Transport transport.Transport

	// Media медиа координатор; nil создает координатор по умолчанию
	Media *media.Coordinator

	// Handler обработчик входящих вызовов; nil отклоняет все входящие
	Handler CallHandler

	// Bus шина событий; nil создает собственную
	Bus *eventbus.Bus

	// TxConfig конфигурация транзакционного слоя
	TxConfig transaction.Config

	// Retry политика повторов восстановимых ошибок
	Retry RetryConfig

	// Secure исходящие вызовы предлагают DTLS-SRTP
	Secure bool

	// AuthUsername и AuthPassword учетные данные digest аутентификации
	AuthUsername string
	AuthPassword string

	// MaxSessions лимит одновременных сессий; 0 — без лимита
	MaxSessions int

	// Registerer приемник Prometheus метрик; nil отключает метрики
	Registerer prometheus.Registerer

	// Logger опциональный логгер; nil означает slog.Default()
	Logger *slog.Logger
}

// Manager владеет сессиями вызовов и связывает сигнализацию с медиа.
//
// Менеджер подписан на события транзакционного слоя (coordinator.go)
// и транслирует их в жизненный цикл сессий, создавая медиа строго
// после ACK.
type Manager struct {
	config Config
	log    *slog.Logger

	tp      transport.Transport
	tx      *transaction.Manager
	dialogs *dialog.Manager
	media   *media.Coordinator
	bus     *eventbus.Bus
	handler CallHandler

	localURI  sip.Uri
	localHost string
	localPort int

	mu         sync.RWMutex
	sessions   map[string]*Session
	byDialog   map[string]*Session          // dialog id -> session
	byInviteTx map[transaction.Key]*Session // INVITE tx -> session
	byTx       map[transaction.Key]*Session // прочие клиентские tx -> session
	byCallID   map[string]*Session

	// handlerMu сериализует вызовы обработчика по сессии
	handlerMu sync.Map // session id -> *sync.Mutex

	metrics *sessionMetrics

	shuttingDown bool

	// testDelayMapInstall искусственная задержка установки отображения
	// INVITE tx -> session; используется тестами гонки корреляции
	testDelayMapInstall time.Duration
}

// NewManager создает менеджер сессий поверх транспорта
func NewManager(config Config) (*Manager, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("transport required")
	}

	var localURI sip.Uri
	if err := sip.ParseUri(config.LocalURI, &localURI); err != nil {
		return nil, fmt.Errorf("invalid local URI %q: %w", config.LocalURI, err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	port := localURI.Port
	if port == 0 {
		port = 5060
	}

	dialogMgr, err := dialog.NewManager(dialog.Config{
		Host:      localURI.Host,
		Port:      port,
		Transport: "UDP",
		Contact: sip.ContactHeader{
			DisplayName: config.DisplayName,
			Address:     localURI,
		},
		Logger: config.Logger,
	})
	if err != nil {
		return nil, err
	}

	mediaCoord := config.Media
	if mediaCoord == nil {
		mediaCoord = media.NewCoordinator(media.CoordinatorConfig{
			LocalHost: localURI.Host,
			Logger:    config.Logger,
		})
	}

	bus := config.Bus
	if bus == nil {
		bus = eventbus.NewBus(config.Logger)
	}

	m := &Manager{
		config:     config,
		log:        logger.With("component", "session", "ua", config.LocalURI),
		tp:         config.Transport,
		dialogs:    dialogMgr,
		media:      mediaCoord,
		bus:        bus,
		handler:    config.Handler,
		localURI:   localURI,
		localHost:  localURI.Host,
		localPort:  port,
		sessions:   make(map[string]*Session),
		byDialog:   make(map[string]*Session),
		byInviteTx: make(map[transaction.Key]*Session),
		byTx:       make(map[transaction.Key]*Session),
		byCallID:   make(map[string]*Session),
		metrics:    newSessionMetrics(config.Registerer),
	}

	m.tx = transaction.NewManager(config.Transport, config.TxConfig)
	m.tx.OnEvent(m.onTxEvent)

	config.Transport.OnEvent(func(ev transport.Event) {
		switch ev.Kind {
		case transport.EventStarted:
			m.publishNetwork(true, "")
		case transport.EventClosed:
			m.publishNetwork(false, "transport closed")
		case transport.EventError:
			m.publishNetwork(false, fmt.Sprintf("transport error: %v", ev.Err))
		}
	})

	return m, nil
}

// Bus возвращает шину событий менеджера
func (m *Manager) Bus() *eventbus.Bus { return m.bus }

// Media возвращает медиа координатор
func (m *Manager) Media() *media.Coordinator { return m.media }

// Dialogs возвращает менеджер диалогов
func (m *Manager) Dialogs() *dialog.Manager { return m.dialogs }

// Transactions возвращает менеджер транзакций
func (m *Manager) Transactions() *transaction.Manager { return m.tx }

// Start запускает транспорт и подписку на медиа события
func (m *Manager) Start() error {
	m.media.SetCallbacks(m.onMediaStarted, m.onMediaError)
	return m.tp.Start()
}

// GetSession возвращает сессию по идентификатору
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions возвращает снимок всех сессий
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// MakeCall инициирует исходящий вызов.
//
// Сессия создается в Initiating; переходы дальше управляются
// ответами на INVITE. Ожидание установления — WaitForState.
func (m *Manager) MakeCall(ctx context.Context, target string) (*Session, error) {
	m.mu.RLock()
	if m.shuttingDown {
		m.mu.RUnlock()
		return nil, ErrShuttingDown
	}
	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		m.mu.RUnlock()
		return nil, newError(ErrorResourceLimit, "", "session limit %d reached", m.config.MaxSessions)
	}
	m.mu.RUnlock()

	var targetURI sip.Uri
	if err := sip.ParseUri(target, &targetURI); err != nil {
		return nil, newError(ErrorCallSetupFailed, "", "invalid target URI %q: %v", target, err)
	}

	sess := newSession(DirectionOutgoing, m.config.LocalURI, target)

	// RTP порт выделяется до SDP: он попадает в offer
	ep, err := m.media.AllocateEndpoint(sess.id)
	if err != nil {
		return nil, wrapError(ErrorMediaNegotiation, sess.id, err)
	}

	offerOpts := media_sdp.OfferOptions{Direction: media_sdp.DirectionSendRecv}
	if m.config.Secure {
		algo, fp, err := m.media.LocalFingerprint()
		if err != nil {
			return nil, wrapError(ErrorSecurity, sess.id, err)
		}
		offerOpts.Crypto = media_sdp.CryptoInfo{
			Profile:         media_sdp.ProfileDTLSSRTP,
			FingerprintAlgo: algo,
			Fingerprint:     fp,
			Setup:           media_sdp.SetupActPass,
		}
	}
	offer := m.media.Negotiator().BuildOffer(ep.Host, ep.Port, offerOpts)
	offerBody, err := media_sdp.MarshalSDP(offer)
	if err != nil {
		return nil, wrapError(ErrorMediaNegotiation, sess.id, err)
	}

	invite := m.buildInvite(targetURI, offerBody)
	callID := invite.CallID().Value()

	destination := targetURI.Host + ":" + strconv.Itoa(uriPort(targetURI))
	txKey, err := m.tx.CreateClientTransaction(invite, destination)
	if err != nil {
		return nil, wrapError(ErrorInternal, sess.id, err)
	}

	sess.setInvite(invite, txKey)
	sess.setSDP(offer, nil)

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.byCallID[callID] = sess
	m.mu.Unlock()
	m.metrics.sessionCreated(DirectionOutgoing)

	// Отображение tx -> session устанавливается после отправки;
	// тестовая задержка воспроизводит гонку быстрых ответов
	installMap := func() {
		if m.testDelayMapInstall > 0 {
			time.Sleep(m.testDelayMapInstall)
		}
		m.mu.Lock()
		m.byInviteTx[txKey] = sess
		m.mu.Unlock()
	}

	err = m.config.Retry.Execute(ctx, func() error {
		if err := m.tx.SendRequest(txKey); err != nil {
			return wrapError(ErrorTransport, sess.id, err)
		}
		return nil
	})
	if err != nil {
		m.failSession(sess, "INVITE send failed: "+err.Error())
		return sess, err
	}

	if m.testDelayMapInstall > 0 {
		go installMap()
	} else {
		installMap()
	}

	m.publishMedia(sess.id, MediaEventPayload{SessionID: sess.id, Kind: MediaSdpOfferGenerated})
	m.log.Info("исходящий вызов", "session", sess.id, "target", target, "call_id", callID)
	return sess, nil
}

// buildInvite строит начальный INVITE вне диалога
func (m *Manager) buildInvite(target sip.Uri, sdpBody []byte) *sip.Request {
	req := sip.NewRequest(sip.INVITE, target)

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            m.localHost,
		Port:            m.localPort,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	req.AppendHeader(via)

	from := &sip.FromHeader{
		DisplayName: m.config.DisplayName,
		Address:     m.localURI,
		Params:      sip.HeaderParams{"tag": dialog.GenerateTag()},
	}
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.HeaderParams{}})

	cid := sip.CallIDHeader(dialog.GenerateCallID(m.localHost))
	req.AppendHeader(&cid)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.AppendHeader(&sip.ContactHeader{
		DisplayName: m.config.DisplayName,
		Address:     m.localURI,
	})

	if len(sdpBody) > 0 {
		ct := sip.ContentTypeHeader("application/sdp")
		req.AppendHeader(&ct)
		req.SetBody(sdpBody)
	}
	return req
}

// WaitForState блокирует до выполнения предиката состояния или
// истечения контекста
func (m *Manager) WaitForState(ctx context.Context, sessionID string, pred func(CallState) bool) error {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	for {
		ch := sess.waitCh()
		if pred(sess.State()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrOperationTimeout
		case <-ch:
		}
	}
}

// Hangup завершает вызов. Идемпотентен: повторные вызовы для
// завершенной сессии возвращают успех без побочных эффектов,
// на весь жизненный цикл сессии приходится не более одного BYE.
func (m *Manager) Hangup(ctx context.Context, sessionID string) error {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	state := sess.State()
	if state.IsFinal() {
		return nil
	}

	// Вызов без подтвержденного диалога отменяется, а не завершается BYE
	d, hasDialog := m.sessionDialog(sess)
	if !hasDialog || d.State() != dialog.StateConfirmed {
		return m.cancelCall(ctx, sess)
	}

	if !sess.markByeSent() {
		return nil
	}

	bye, err := m.dialogs.CreateRequest(d, sip.BYE)
	if err != nil {
		m.finalizeTermination(sess, "User hangup")
		return nil
	}

	m.transitionState(sess, evHangup, "Call terminated by local BYE")

	err = m.config.Retry.Execute(ctx, func() error {
		key, err := m.tx.CreateClientTransaction(bye, bye.Destination())
		if err != nil {
			return wrapError(ErrorInternal, sess.id, err)
		}
		m.mu.Lock()
		m.byTx[key] = sess
		m.mu.Unlock()
		if err := m.tx.SendRequest(key); err != nil {
			return wrapError(ErrorTransport, sess.id, err)
		}
		return nil
	})
	if err != nil {
		// Транспорт мертв: завершаем локально
		m.finalizeTermination(sess, "User hangup")
	}
	return nil
}

// cancelCall отменяет неотвеченный вызов: исходящий через CANCEL,
// входящий финальным отказом на INVITE транзакции
func (m *Manager) cancelCall(_ context.Context, sess *Session) error {
	invite, inviteKey := sess.invite()

	switch sess.direction {
	case DirectionOutgoing:
		if invite != nil && m.tx.Exists(inviteKey) {
			cancel := dialog.BuildCancel(invite)
			if key, err := m.tx.CreateClientTransaction(cancel, invite.Destination()); err == nil {
				m.mu.Lock()
				m.byTx[key] = sess
				m.mu.Unlock()
				_ = m.tx.SendRequest(key)
			}
		}
	case DirectionIncoming:
		if invite != nil && m.tx.Exists(inviteKey) {
			resp := sip.NewResponseFromRequest(invite, 487, "Request Terminated", nil)
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
	}

	m.transitionState(sess, evCancel, "Cancelled")
	m.cleanupSession(sess, "Cancelled")
	return nil
}

// Answer принимает отложенный входящий вызов (после Defer)
func (m *Manager) Answer(ctx context.Context, sessionID string) error {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if sess.direction != DirectionIncoming {
		return ErrInvalidState
	}
	state := sess.State()
	if state != StateRinging && state != StateInitiating {
		return ErrInvalidState
	}
	return m.acceptCall(sess)
}

// RejectCall отклоняет отложенный входящий вызов
func (m *Manager) RejectCall(sessionID string, status int, reason string) error {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if sess.direction != DirectionIncoming || sess.State().IsFinal() {
		return ErrInvalidState
	}
	return m.rejectCall(sess, status, reason)
}

// Hold ставит вызов на удержание через re-INVITE с direction sendonly
func (m *Manager) Hold(ctx context.Context, sessionID string) error {
	return m.sendHoldReinvite(ctx, sessionID, media_sdp.DirectionSendOnly)
}

// Resume снимает вызов с удержания
func (m *Manager) Resume(ctx context.Context, sessionID string) error {
	return m.sendHoldReinvite(ctx, sessionID, media_sdp.DirectionSendRecv)
}

func (m *Manager) sendHoldReinvite(ctx context.Context, sessionID string, dir media_sdp.Direction) error {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	state := sess.State()
	if dir.IsHold() && state != StateActive {
		return ErrInvalidState
	}
	if !dir.IsHold() && state != StateOnHold {
		return ErrInvalidState
	}

	d, hasDialog := m.sessionDialog(sess)
	if !hasDialog {
		return newError(ErrorDialogNotFound, sess.id, "no dialog for hold")
	}

	localSDP, _ := sess.sdp()
	if localSDP == nil {
		return newError(ErrorInternal, sess.id, "no local SDP")
	}
	reinviteSDP := withDirection(localSDP, dir)
	body, err := media_sdp.MarshalSDP(reinviteSDP)
	if err != nil {
		return wrapError(ErrorMediaNegotiation, sess.id, err)
	}

	req, err := m.dialogs.CreateRequest(d, sip.INVITE)
	if err != nil {
		return wrapError(ErrorDialogNotFound, sess.id, err)
	}
	ct := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&ct)
	req.SetBody(body)

	key, err := m.tx.CreateClientTransaction(req, req.Destination())
	if err != nil {
		return wrapError(ErrorInternal, sess.id, err)
	}
	m.mu.Lock()
	m.byInviteTx[key] = sess
	m.mu.Unlock()

	sess.setSDP(reinviteSDP, nil)
	return m.config.Retry.Execute(ctx, func() error {
		if err := m.tx.SendRequest(key); err != nil {
			return wrapError(ErrorTransport, sess.id, err)
		}
		return nil
	})
}

// SendDTMF отправляет цифры DTMF: через RFC 4733 при согласованном
// telephone-event, иначе через INFO с телом "DTMF:"
func (m *Manager) SendDTMF(ctx context.Context, sessionID, digits string) error {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if sess.State() != StateActive {
		return ErrInvalidState
	}

	if ms, ok := m.media.GetBySession(sessionID); ok {
		if err := ms.SendDTMF(digits, 100*time.Millisecond); err == nil {
			m.publishMedia(sess.id, MediaEventPayload{SessionID: sess.id, Kind: MediaDtmfSent, Digits: digits})
			return nil
		}
	}

	d, hasDialog := m.sessionDialog(sess)
	if !hasDialog {
		return newError(ErrorDialogNotFound, sess.id, "no dialog for DTMF")
	}
	req, err := m.dialogs.CreateRequest(d, sip.INFO)
	if err != nil {
		return wrapError(ErrorDialogNotFound, sess.id, err)
	}
	ct := sip.ContentTypeHeader("application/dtmf-relay")
	req.AppendHeader(&ct)
	req.SetBody(media.FormatDTMFInfoBody(digits))

	key, err := m.tx.CreateClientTransaction(req, req.Destination())
	if err != nil {
		return wrapError(ErrorInternal, sess.id, err)
	}
	if err := m.tx.SendRequest(key); err != nil {
		return wrapError(ErrorTransport, sess.id, err)
	}

	m.publishMedia(sess.id, MediaEventPayload{SessionID: sess.id, Kind: MediaDtmfSent, Digits: digits})
	return nil
}

// InitiateTransfer запускает перевод вызова через REFER.
// Завершение слепого перевода автоматически завершает сессию.
func (m *Manager) InitiateTransfer(ctx context.Context, sessionID, target string, transferType TransferType, referredBy string) (*TransferContext, error) {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.State() != StateActive && sess.State() != StateOnHold {
		return nil, ErrInvalidState
	}

	d, hasDialog := m.sessionDialog(sess)
	if !hasDialog {
		return nil, newError(ErrorDialogNotFound, sess.id, "no dialog for transfer")
	}

	var targetURI sip.Uri
	if err := sip.ParseUri(target, &targetURI); err != nil {
		return nil, newError(ErrorCallSetupFailed, sess.id, "invalid transfer target: %v", err)
	}

	refer, err := m.dialogs.BuildRefer(d, targetURI, referredBy)
	if err != nil {
		return nil, wrapError(ErrorDialogNotFound, sess.id, err)
	}

	xfer := newTransferContext(transferType, target, referredBy)
	sess.setTransfer(xfer)

	key, err := m.tx.CreateClientTransaction(refer, refer.Destination())
	if err != nil {
		return nil, wrapError(ErrorInternal, sess.id, err)
	}
	m.mu.Lock()
	m.byTx[key] = sess
	m.mu.Unlock()

	if err := m.config.Retry.Execute(ctx, func() error {
		if err := m.tx.SendRequest(key); err != nil {
			return wrapError(ErrorTransport, sess.id, err)
		}
		return nil
	}); err != nil {
		xfer.failed("REFER send failed")
		return xfer, err
	}

	m.log.Info("перевод вызова инициирован",
		"session", sess.id, "target", target, "type", transferType.String())
	return xfer, nil
}

// Shutdown останавливает менеджер: завершает живые сессии BYE
// (не дольше 10 с), затем гасит транзакции и транспорт
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil
	}
	m.shuttingDown = true
	m.mu.Unlock()

	hangupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, sess := range m.Sessions() {
		if sess.State().IsFinal() {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = m.Hangup(hangupCtx, id)
			_ = m.WaitForState(hangupCtx, id, func(s CallState) bool { return s.IsFinal() })
		}(sess.id)
	}

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-hangupCtx.Done():
		// Принудительная эвакуация оставшихся сессий
		for _, sess := range m.Sessions() {
			if !sess.State().IsFinal() {
				m.finalizeTermination(sess, "shutdown")
			}
		}
	}

	m.media.Shutdown()
	err := m.tx.Shutdown(ctx)
	_ = m.tp.Close()
	return err
}

// sessionDialog возвращает диалог сессии
func (m *Manager) sessionDialog(sess *Session) (*dialog.Dialog, bool) {
	id := sess.DialogID()
	if id == "" {
		return nil, false
	}
	return m.dialogs.GetByID(id)
}

// transitionState выполняет переход состояния и публикует событие
func (m *Manager) transitionState(sess *Session, event, reason string) bool {
	old, new, ok := sess.fire(event, reason)
	if !ok || old == new {
		return ok
	}

	m.metrics.stateChanged(new)
	m.log.Debug("состояние вызова",
		"session", sess.id, "old", string(old), "new", string(new), "reason", reason)

	m.bus.Publish(eventbus.Event{
		Kind:      EventKindCallStateChanged,
		SessionID: sess.id,
		Priority:  eventbus.PriorityNormal,
		Payload: CallStateChangedPayload{
			SessionID: sess.id, Old: old, New: new, Reason: reason,
		},
	})
	return true
}

// failSession переводит сессию в Failed и чистит ресурсы
func (m *Manager) failSession(sess *Session, reason string) {
	if m.transitionState(sess, evFail, reason) {
		m.cleanupSession(sess, reason)
	}
}

// finalizeTermination переводит сессию в Terminated и чистит ресурсы
func (m *Manager) finalizeTermination(sess *Session, reason string) {
	if m.transitionState(sess, evTerminate, reason) {
		m.cleanupSession(sess, reason)
	}
}

// cleanupSession освобождает медиа и диалог завершенной сессии
func (m *Manager) cleanupSession(sess *Session, reason string) {
	if ms, ok := m.media.GetBySession(sess.id); ok {
		_ = ms
		_ = m.media.StopMedia(sess.id, reason)
		m.publishMedia(sess.id, MediaEventPayload{SessionID: sess.id, Kind: MediaAudioStopped})
	} else {
		_ = m.media.StopMedia(sess.id, reason)
	}

	// Событие завершения публикуется до снятия отображения диалога
	m.bus.Publish(eventbus.Event{
		Kind:      EventKindSessionTerminated,
		SessionID: sess.id,
		Priority:  eventbus.PriorityHigh,
		Payload:   SessionTerminatedPayload{SessionID: sess.id, Reason: terminationReason(sess, reason)},
	})
	m.metrics.sessionEnded()

	if d, ok := m.sessionDialog(sess); ok {
		m.dialogs.Terminate(d)
	}

	m.mu.Lock()
	delete(m.byDialog, sess.DialogID())
	m.mu.Unlock()
}

// terminationReason подбирает причину завершения для события
func terminationReason(sess *Session, fallback string) string {
	if sess.State() == StateTerminated && sess.direction == DirectionOutgoing && sess.byeSent {
		return "User hangup"
	}
	return fallback
}

func (m *Manager) publishMedia(sessionID string, payload MediaEventPayload) {
	m.bus.Publish(eventbus.Event{
		Kind:      EventKindMediaEvent,
		SessionID: sessionID,
		Priority:  eventbus.PriorityNormal,
		Payload:   payload,
	})
}

func (m *Manager) publishNetwork(connected bool, reason string) {
	m.bus.Publish(eventbus.Event{
		Kind:     EventKindNetworkEvent,
		Priority: eventbus.PriorityHigh,
		Payload:  map[string]any{"connected": connected, "reason": reason},
	})
}

// onMediaStarted колбэк медиа координатора: медиа стало активным
func (m *Manager) onMediaStarted(sessionID, mediaID string) {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return
	}
	sess.setMediaID(mediaID)
	m.publishMedia(sessionID, MediaEventPayload{SessionID: sessionID, Kind: MediaSessionStarted, MediaID: mediaID})
	m.publishMedia(sessionID, MediaEventPayload{SessionID: sessionID, Kind: MediaAudioStarted})
	m.startQualityMonitor(sessionID)
}

// onMediaError колбэк медиа координатора: DTLS или транспорт упал
func (m *Manager) onMediaError(sessionID string, err error) {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return
	}
	m.notifyClientError(sess.id, wrapError(ErrorSecurity, sessionID, err))
	m.failSession(sess, "media failure: "+err.Error())
}

func (m *Manager) notifyClientError(sessionID string, err error) {
	if m.handler != nil {
		m.handler.OnClientError(sessionID, err)
	}
}

// uriPort возвращает порт URI с дефолтом 5060
func uriPort(u sip.Uri) int {
	if u.Port == 0 {
		return 5060
	}
	return u.Port
}
