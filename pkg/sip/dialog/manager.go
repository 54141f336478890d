package dialog

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// Config конфигурация менеджера диалогов
type Config struct {
	// Host и Port локальный адрес для Via заголовков
	Host string
	Port int

	// Transport транспортный токен для Via ("UDP", "TCP", "TLS")
	Transport string

	// Contact локальный Contact для запросов внутри диалога
	Contact sip.ContactHeader

	// MaxDialogs лимит одновременных диалогов; 0 — без лимита
	MaxDialogs int

	// Logger опциональный логгер; nil означает slog.Default()
	Logger *slog.Logger
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host required")
	}
	if c.Transport == "" {
		return fmt.Errorf("transport required")
	}
	return nil
}

// Manager владеет диалогами и выполняет их сопоставление.
//
// Диалоги индексируются по тройке (Call-ID, local tag, remote tag)
// и по opaque идентификатору. Все мутации диалогов идут через методы
// менеджера; сопоставление и вставка сериализуются на ключе.
type Manager struct {
	config Config
	log    *slog.Logger

	mu    sync.RWMutex
	byKey map[Key]*Dialog
	byID  map[string]*Dialog
}

// NewManager создает менеджер диалогов
func NewManager(config Config) (*Manager, error) {
	if config.Transport == "" {
		config.Transport = "UDP"
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dialog config: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config: config,
		log:    logger.With("component", "dialog"),
		byKey:  make(map[Key]*Dialog),
		byID:   make(map[string]*Dialog),
	}, nil
}

// CreateFromTransaction строит диалог из dialog-creating ответа.
//
// Возвращает nil без ошибки, если ответ не содержит To tag: такой
// ответ диалога не создает. Повторный вызов для уже существующей
// тройки возвращает существующий диалог.
func (m *Manager) CreateFromTransaction(req *sip.Request, resp *sip.Response, isInitiator bool) (*Dialog, error) {
	from := req.From()
	to := resp.To()
	callID := req.CallID()
	if from == nil || to == nil || callID == nil {
		return nil, ErrMissingTag
	}

	remoteRespTag, _ := to.Params.Get("tag")
	fromTag, _ := from.Params.Get("tag")
	if remoteRespTag == "" || fromTag == "" {
		// Без To tag диалог не образуется (RFC 3261 §12.1)
		return nil, nil
	}

	var key Key
	if isInitiator {
		key = Key{CallID: callID.Value(), LocalTag: fromTag, RemoteTag: remoteRespTag}
	} else {
		key = Key{CallID: callID.Value(), LocalTag: remoteRespTag, RemoteTag: fromTag}
	}

	m.mu.Lock()
	if existing, ok := m.byKey[key]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	if m.config.MaxDialogs > 0 && len(m.byKey) >= m.config.MaxDialogs {
		m.mu.Unlock()
		return nil, fmt.Errorf("dialog limit %d reached", m.config.MaxDialogs)
	}

	d := newDialog(generateDialogID(), isInitiator)
	d.callID = key.CallID
	d.localTag = key.LocalTag
	d.remoteTag = key.RemoteTag
	d.inviteRequest = req
	d.secure = req.Recipient.IsEncrypted()

	if isInitiator {
		d.localURI = from.Address
		d.remoteURI = req.To().Address
		if cseq := req.CSeq(); cseq != nil {
			d.localSeq = cseq.SeqNo
		}
		d.remoteTarget = contactURI(resp)
		d.routeSet = routeSetFromResponse(resp)
		d.remoteAddr = resp.Source()
	} else {
		d.localURI = req.To().Address
		d.remoteURI = from.Address
		if cseq := req.CSeq(); cseq != nil {
			d.remoteSeq = cseq.SeqNo
			d.remoteSeqSet = true
		}
		d.remoteTarget = contactURI(req)
		d.routeSet = routeSetFromRequest(req)
		d.remoteAddr = req.Source()
	}
	d.routeSetFrozen = true

	m.byKey[key] = d
	m.byID[d.id] = d
	m.mu.Unlock()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.mu.Lock()
		d.inviteResponse = resp
		d.mu.Unlock()
		d.confirm()
	}

	m.log.Debug("диалог создан",
		"id", d.id, "key", key.String(), "state", string(d.State()),
		"initiator", isInitiator)
	return d, nil
}

// ConfirmLocal подтверждает диалог локально отправленным 2xx (UAS).
// Remote target не трогается: Contact ответа принадлежит нам.
func (m *Manager) ConfirmLocal(d *Dialog, resp *sip.Response) {
	d.mu.Lock()
	if d.inviteResponse == nil {
		d.inviteResponse = resp
	}
	d.mu.Unlock()
	d.confirm()
}

// Confirm подтверждает ранний диалог первым 2xx на исходный INVITE.
// Route set не изменяется; remote target обновляется из Contact 2xx.
func (m *Manager) Confirm(d *Dialog, resp *sip.Response) {
	d.mu.Lock()
	if d.inviteResponse == nil {
		d.inviteResponse = resp
	}
	if target := contactURI(resp); target.Host != "" {
		d.remoteTarget = target
	}
	d.mu.Unlock()
	d.confirm()
}

// Find возвращает диалог по идентификационной тройке
func (m *Manager) Find(callID, localTag, remoteTag string) (*Dialog, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.byKey[Key{CallID: callID, LocalTag: localTag, RemoteTag: remoteTag}]
	return d, ok
}

// GetByID возвращает диалог по opaque идентификатору
func (m *Manager) GetByID(id string) (*Dialog, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.byID[id]
	return d, ok
}

// MatchRequest сопоставляет входящий запрос с диалогом:
// local tag берется из To, remote tag из From
func (m *Manager) MatchRequest(req *sip.Request) (*Dialog, bool) {
	callID := req.CallID()
	from := req.From()
	to := req.To()
	if callID == nil || from == nil || to == nil {
		return nil, false
	}
	localTag, _ := to.Params.Get("tag")
	remoteTag, _ := from.Params.Get("tag")
	if localTag == "" {
		return nil, false
	}
	return m.Find(callID.Value(), localTag, remoteTag)
}

// MatchResponse сопоставляет ответ с диалогом:
// local tag из From, remote tag из To
func (m *Manager) MatchResponse(resp *sip.Response) (*Dialog, bool) {
	callID := resp.CallID()
	from := resp.From()
	to := resp.To()
	if callID == nil || from == nil || to == nil {
		return nil, false
	}
	localTag, _ := from.Params.Get("tag")
	remoteTag, _ := to.Params.Get("tag")
	if d, ok := m.Find(callID.Value(), localTag, remoteTag); ok {
		return d, true
	}

	// Ранний диалог мог быть создан с другим remote tag (форк) —
	// форки сворачиваются в один диалог по Call-ID и local tag
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, d := range m.byKey {
		if k.CallID == callID.Value() && k.LocalTag == localTag && d.State() == StateEarly {
			return d, true
		}
	}
	return nil, false
}

// ProcessRequest валидирует mid-dialog запрос и возвращает классификацию.
//
// Нарушение дисциплины CSeq возвращает ErrOutOfOrder (ответ 500),
// состояние диалога не меняется. BYE переводит диалог в Terminated.
func (m *Manager) ProcessRequest(d *Dialog, req *sip.Request) (RequestClass, error) {
	if d.State() == StateTerminated {
		return ClassOther, ErrDialogTerminated
	}

	cseq := req.CSeq()
	if cseq == nil {
		return ClassOther, ErrOutOfOrder
	}
	if err := d.validateRemoteSeq(cseq.SeqNo, req.Method); err != nil {
		return ClassOther, err
	}

	switch req.Method {
	case sip.BYE:
		d.terminate()
		return ClassBye, nil
	case sip.INVITE:
		return ClassReInvite, nil
	case sip.UPDATE:
		return ClassUpdate, nil
	case sip.INFO:
		return ClassInfo, nil
	case sip.REFER:
		return ClassRefer, nil
	case sip.NOTIFY:
		return ClassNotify, nil
	case sip.ACK:
		return ClassAck, nil
	default:
		return ClassOther, nil
	}
}

// HandleFailureResponse обрабатывает финальный отказ внутри диалога.
// 481 на любой mid-dialog запрос и отказ >299 на исходный INVITE
// завершают диалог.
func (m *Manager) HandleFailureResponse(d *Dialog, resp *sip.Response) {
	if resp.StatusCode == 481 {
		m.Terminate(d)
		return
	}
	cseq := resp.CSeq()
	if cseq != nil && cseq.MethodName == sip.INVITE && d.State() == StateEarly && resp.StatusCode > 299 {
		m.Terminate(d)
	}
}

// Terminate завершает диалог и удаляет его из индексов
func (m *Manager) Terminate(d *Dialog) {
	d.terminate()

	m.mu.Lock()
	delete(m.byKey, d.Key())
	delete(m.byID, d.id)
	m.mu.Unlock()

	m.log.Debug("диалог завершен", "id", d.id)
}

// Len возвращает число активных диалогов
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKey)
}

// All возвращает снимок всех диалогов
func (m *Manager) All() []*Dialog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Dialog, 0, len(m.byID))
	for _, d := range m.byID {
		out = append(out, d)
	}
	return out
}

// contactURI извлекает Contact URI из сообщения
func contactURI(msg sip.Message) sip.Uri {
	if h := msg.GetHeader("Contact"); h != nil {
		if c, ok := h.(*sip.ContactHeader); ok {
			return c.Address
		}
		var u sip.Uri
		if err := sip.ParseUri(trimAngles(h.Value()), &u); err == nil {
			return u
		}
	}
	return sip.Uri{}
}
