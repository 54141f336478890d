package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/voip_core/pkg/sip/transport"
)

// Config конфигурация менеджера транзакций
type Config struct {
	// Timers таймеры RFC 3261; нулевое значение означает DefaultTimers
	Timers Timers

	// Linger время жизни транзакции в Terminated перед удалением
	// из хранилища: поглощает поздние ретрансмиссии
	Linger time.Duration

	// MaxTransactions лимит одновременных транзакций; 0 — без лимита
	MaxTransactions int

	// Registerer приемник Prometheus метрик; nil отключает метрики
	Registerer prometheus.Registerer

	// Logger опциональный логгер; nil означает slog.Default()
	Logger *slog.Logger
}

// DefaultConfig возвращает конфигурацию менеджера по умолчанию
func DefaultConfig() Config {
	return Config{
		Timers: DefaultTimers(),
		Linger: 500 * time.Millisecond,
	}
}

// Manager владеет всеми транзакциями и раздает их события.
//
// Входящие сообщения транспорта сопоставляются с транзакциями по ключу;
// запросы без транзакции порождают серверные транзакции, ответы без
// транзакции отбрасываются, кроме 2xx на INVITE: на них повторяется
// закэшированный ACK, а при отсутствии ACK в кэше 2xx передается
// подписчикам событием EventSuccessResponse.
type Manager struct {
	config Config
	tp     transport.Transport
	timers Timers
	store  *store
	log    *slog.Logger

	handlersMu sync.RWMutex
	handlers   []Handler

	// ackCache хранит последний ACK на 2xx по Call-ID+CSeq
	// для поглощения ретрансмиссий 2xx (RFC 3261 §13.2.2.4)
	ackMu    sync.Mutex
	ackCache map[string]ackEntry

	metrics *managerMetrics

	closedMu sync.RWMutex
	closed   bool
	drained  chan struct{}
}

type ackEntry struct {
	ack  *sip.Request
	dest string
}

// NewManager создает менеджер транзакций поверх транспорта.
// Менеджер регистрирует себя обработчиком входящих сообщений транспорта.
func NewManager(tp transport.Transport, config Config) *Manager {
	if config.Timers == (Timers{}) {
		config.Timers = DefaultTimers()
	}
	if config.Linger == 0 {
		config.Linger = 500 * time.Millisecond
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		config:   config,
		tp:       tp,
		timers:   config.Timers,
		store:    newStore(),
		log:      logger.With("component", "transaction"),
		ackCache: make(map[string]ackEntry),
		metrics:  newManagerMetrics(config.Registerer),
		drained:  make(chan struct{}),
	}

	tp.OnMessage(m.handleMessage)
	return m
}

// OnEvent регистрирует обработчик событий транзакционного слоя.
// Обработчики вызываются синхронно в порядке регистрации.
func (m *Manager) OnEvent(h Handler) {
	m.handlersMu.Lock()
	m.handlers = append(m.handlers, h)
	m.handlersMu.Unlock()
}

// CreateClientTransaction создает клиентскую транзакцию для запроса.
// Тип (INVITE/non-INVITE) определяется методом. Запрос не отправляется
// до вызова SendRequest.
func (m *Manager) CreateClientTransaction(req *sip.Request, destination string) (Key, error) {
	if m.isClosed() {
		return Key{}, ErrManagerClosed
	}
	if m.config.MaxTransactions > 0 && m.store.Len() >= m.config.MaxTransactions {
		return Key{}, ErrLimitReached
	}

	key, err := KeyFromMessage(req, true)
	if err != nil {
		return Key{}, err
	}
	if _, ok := m.store.Get(key); ok {
		return Key{}, ErrTransactionExists
	}

	req.SetDestination(destination)

	var tx Transaction
	if req.IsInvite() {
		tx = newInviteClientTx(m, key, req, destination)
	} else {
		tx = newNonInviteClientTx(m, key, req, destination)
	}

	if err := m.store.Add(tx); err != nil {
		return Key{}, err
	}
	m.metrics.txCreated(tx.Kind())
	return key, nil
}

// SendRequest запускает клиентскую транзакцию: Idle -> Calling/Trying
func (m *Manager) SendRequest(key Key) error {
	tx, ok := m.store.Get(key)
	if !ok {
		return ErrTransactionNotFound
	}
	switch t := tx.(type) {
	case *inviteClientTx:
		return t.Start()
	case *nonInviteClientTx:
		return t.Start()
	default:
		return fmt.Errorf("%w: not a client transaction", ErrInvalidState)
	}
}

// CreateServerTransaction создает серверную транзакцию из входящего запроса
func (m *Manager) CreateServerTransaction(req *sip.Request, source string) (Key, error) {
	if m.isClosed() {
		return Key{}, ErrManagerClosed
	}

	key, err := KeyFromMessage(req, false)
	if err != nil {
		return Key{}, err
	}
	if _, ok := m.store.Get(key); ok {
		return Key{}, ErrTransactionExists
	}

	var tx Transaction
	if req.IsInvite() {
		tx = newInviteServerTx(m, key, req, source)
	} else {
		tx = newNonInviteServerTx(m, key, req, source)
	}

	if err := m.store.Add(tx); err != nil {
		return Key{}, err
	}
	m.metrics.txCreated(tx.Kind())
	return key, nil
}

// SendResponse отправляет ответ в рамках серверной транзакции
func (m *Manager) SendResponse(key Key, resp *sip.Response) error {
	tx, ok := m.store.Get(key)
	if !ok {
		return ErrTransactionNotFound
	}
	switch t := tx.(type) {
	case *inviteServerTx:
		return t.SendResponse(resp)
	case *nonInviteServerTx:
		return t.SendResponse(resp)
	default:
		return fmt.Errorf("%w: not a server transaction", ErrInvalidState)
	}
}

// SendAckFor2xx отправляет ACK на 2xx ответ.
//
// ACK на 2xx образует отдельную "транзакцию" из одного сообщения
// (RFC 3261 §17.1.1.3): менеджер отправляет его напрямую и кэширует
// для повторной отправки на ретрансмиссии 2xx. Сам ACK строит слой
// диалога, которому известны route set и remote target.
func (m *Manager) SendAckFor2xx(ack *sip.Request, destination string) error {
	if m.isClosed() {
		return ErrManagerClosed
	}

	if err := m.tp.Send(ack, destination); err != nil {
		return newTransportError(Key{}, err)
	}

	if callID := ack.CallID(); callID != nil {
		if cseq := ack.CSeq(); cseq != nil {
			k := fmt.Sprintf("%s|%d", callID.Value(), cseq.SeqNo)
			m.ackMu.Lock()
			m.ackCache[k] = ackEntry{ack: ack, dest: destination}
			m.ackMu.Unlock()

			// Кэш живет пока могут приходить ретрансмиссии 2xx
			time.AfterFunc(64*m.timers.T1, func() {
				m.ackMu.Lock()
				delete(m.ackCache, k)
				m.ackMu.Unlock()
			})
		}
	}
	return nil
}

// Terminate принудительно завершает транзакцию
func (m *Manager) Terminate(key Key) {
	if tx, ok := m.store.Get(key); ok {
		tx.Terminate()
	}
}

// Exists сообщает, существует ли транзакция с данным ключом
func (m *Manager) Exists(key Key) bool {
	_, ok := m.store.Get(key)
	return ok
}

// Get возвращает транзакцию по ключу
func (m *Manager) Get(key Key) (Transaction, bool) {
	return m.store.Get(key)
}

// Shutdown останавливает менеджер, дожидаясь завершения транзакций
// не дольше таймаута (5 с согласно модели остановки).
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closedMu.Lock()
	if m.closed {
		m.closedMu.Unlock()
		return nil
	}
	m.closed = true
	m.closedMu.Unlock()

	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		if m.store.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			m.forceTerminate()
			return ctx.Err()
		case <-deadline.C:
			m.forceTerminate()
			return fmt.Errorf("shutdown timeout: %d transactions force-terminated", m.store.Len())
		case <-tick.C:
		}
	}
}

func (m *Manager) forceTerminate() {
	for _, tx := range m.store.All() {
		tx.Terminate()
		m.store.Remove(tx.Key())
	}
}

func (m *Manager) isClosed() bool {
	m.closedMu.RLock()
	defer m.closedMu.RUnlock()
	return m.closed
}

// handleMessage маршрутизирует входящее сообщение транспорта
func (m *Manager) handleMessage(in transport.IncomingMessage) {
	if m.isClosed() {
		return
	}

	switch msg := in.Message.(type) {
	case *sip.Request:
		m.handleRequest(msg, in.Source)
	case *sip.Response:
		m.handleResponse(msg)
	}
}

func (m *Manager) handleRequest(req *sip.Request, source string) {
	key, err := KeyFromMessage(req, false)
	if err != nil {
		m.log.Warn("запрос без корректного транзакционного ключа",
			"method", req.Method, "error", err)
		return
	}

	// Существующая транзакция: ретрансмиссия или ACK на не-2xx
	if tx, ok := m.store.Get(key); ok {
		if st, ok := tx.(*inviteServerTx); ok {
			st.HandleRequest(req)
			return
		}
		if st, ok := tx.(*nonInviteServerTx); ok {
			st.HandleRequest(req)
			return
		}
		return
	}

	switch req.Method {
	case sip.ACK:
		// ACK с branch INVITE транзакции поглощается ею (не-2xx);
		// иначе это ACK на 2xx — отдельное сообщение для слоя диалога
		if tx, ok := m.store.Get(key.WithMethod(string(sip.INVITE))); ok {
			if st, ok := tx.(*inviteServerTx); ok {
				st.HandleRequest(req)
				return
			}
		}
		m.emit(Event{Type: EventAckReceived, Key: key, Request: req, Source: source})
		return

	case sip.CANCEL:
		// CANCEL образует собственную серверную транзакцию и
		// сопоставляется с отменяемым INVITE по branch
		cancelKey, err := m.CreateServerTransaction(req, source)
		if err != nil {
			m.log.Warn("не удалось создать транзакцию для CANCEL", "error", err)
			return
		}
		m.emit(Event{Type: EventCancelRequest, Key: cancelKey, Kind: KindNonInviteServer, Request: req, Source: source})
		return

	default:
		txKey, err := m.CreateServerTransaction(req, source)
		if err != nil {
			m.log.Warn("не удалось создать серверную транзакцию",
				"method", req.Method, "error", err)
			return
		}

		evType := EventNewRequest
		kind := KindNonInviteServer
		if req.IsInvite() {
			evType = EventInviteRequest
			kind = KindInviteServer
		}
		m.emit(Event{Type: evType, Key: txKey, Kind: kind, Request: req, Source: source})
	}
}

func (m *Manager) handleResponse(resp *sip.Response) {
	key, err := KeyFromMessage(resp, true)
	if err != nil {
		m.log.Warn("ответ без корректного транзакционного ключа", "error", err)
		return
	}

	if tx, ok := m.store.Get(key); ok {
		switch t := tx.(type) {
		case *inviteClientTx:
			t.HandleResponse(resp)
		case *nonInviteClientTx:
			t.HandleResponse(resp)
		}
		return
	}

	// Ретрансмиссия 2xx на INVITE после завершения транзакции:
	// повторяем закэшированный ACK
	cseq := resp.CSeq()
	if cseq != nil && cseq.MethodName == sip.INVITE && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if callID := resp.CallID(); callID != nil {
			k := fmt.Sprintf("%s|%d", callID.Value(), cseq.SeqNo)
			m.ackMu.Lock()
			entry, ok := m.ackCache[k]
			m.ackMu.Unlock()
			if ok {
				_ = m.tp.Send(entry.ack, entry.dest)
				return
			}
		}
		// 2xx до установки кэша доставляется слою диалога как событие:
		// гонка разрешается выше координатором
		m.emit(Event{Type: EventSuccessResponse, Key: key, Kind: KindInviteClient, Response: resp})
		return
	}

	m.log.Debug("ответ без транзакции отброшен",
		"status", resp.StatusCode, "key", key.String())
}

// onTransactionState вызывается базовой транзакцией при смене состояния
func (m *Manager) onTransactionState(t *baseTransaction, prev, next State) {
	m.metrics.txState(t.kind, next)

	switch next {
	case StateCompleted:
		m.emit(Event{Type: EventCompleted, Key: t.key, Kind: t.kind, Request: t.request, Response: t.LastResponse()})
	case StateTerminated:
		m.emit(Event{Type: EventTerminated, Key: t.key, Kind: t.kind, Request: t.request, Response: t.LastResponse()})
		// Транзакция удаляется после интервала поглощения ретрансмиссий
		key := t.key
		time.AfterFunc(m.config.Linger, func() {
			m.store.Remove(key)
		})
	}
}

// emit раздает событие всем подписчикам
func (m *Manager) emit(ev Event) {
	m.handlersMu.RLock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
