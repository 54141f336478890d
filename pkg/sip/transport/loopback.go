package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// LoopbackNetwork внутрипроцессная сеть для тестов.
//
// Регистрирует транспорты по адресу и доставляет сообщения между ними
// без сокетов. Сообщение сериализуется и разбирается заново, чтобы
// путь кода совпадал с реальным транспортом. Поддерживает задержку
// и выборочный сброс сообщений для тестов гонок и ретрансмиссий.
type LoopbackNetwork struct {
	mu         sync.RWMutex
	transports map[string]*LoopbackTransport
	nextPort   int
}

// NewLoopbackNetwork создает пустую внутрипроцессную сеть
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{
		transports: make(map[string]*LoopbackTransport),
		nextPort:   5060,
	}
}

// CreateTransport регистрирует новый транспорт с указанным адресом.
// Пустой адрес означает автоматическое выделение "порта".
func (n *LoopbackNetwork) CreateTransport(addr string) *LoopbackTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if addr == "" {
		addr = fmt.Sprintf("127.0.0.1:%d", n.nextPort)
		n.nextPort++
	}

	t := &LoopbackTransport{
		network: n,
		addr:    addr,
		parser:  sip.NewParser(),
		inbox:   make(chan loopbackDelivery, 256),
		stopCh:  make(chan struct{}),
	}
	go t.dispatchLoop()
	n.transports[addr] = t
	return t
}

type loopbackDelivery struct {
	data   []byte
	source string
}

func (n *LoopbackNetwork) lookup(addr string) (*LoopbackTransport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.transports[addr]
	return t, ok
}

// LoopbackTransport реализация Transport поверх LoopbackNetwork
type LoopbackTransport struct {
	network *LoopbackNetwork
	addr    string
	parser  *sip.Parser

	mu      sync.RWMutex
	handler MessageHandler
	eventCb EventHandler
	closed  bool

	// inbox сериализует доставку: порядок сообщений для получателя
	// сохраняется, как у одного UDP сокета
	inbox  chan loopbackDelivery
	stopCh chan struct{}

	// DropFn если задана и возвращает true, сообщение отбрасывается.
	// Используется в тестах для симуляции потерь.
	DropFn func(msg sip.Message) bool

	// Delay искусственная задержка доставки
	Delay time.Duration

	sentMu sync.Mutex
	sent   []sip.Message
}

// LocalAddr возвращает зарегистрированный адрес
func (t *LoopbackTransport) LocalAddr() string { return t.addr }

// Reliable loopback ведет себя как ненадежный датаграммный транспорт
func (t *LoopbackTransport) Reliable() bool { return false }

// OnMessage регистрирует обработчик входящих сообщений
func (t *LoopbackTransport) OnMessage(h MessageHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// OnEvent регистрирует обработчик событий транспорта
func (t *LoopbackTransport) OnEvent(h EventHandler) {
	t.mu.Lock()
	t.eventCb = h
	t.mu.Unlock()
}

// Start у loopback транспорта ничего не запускает
func (t *LoopbackTransport) Start() error {
	t.emit(Event{Kind: EventStarted})
	return nil
}

// Send доставляет сообщение транспорту-получателю в отдельной горутине
func (t *LoopbackTransport) Send(msg sip.Message, destination string) error {
	t.mu.RLock()
	closed := t.closed
	drop := t.DropFn
	delay := t.Delay
	t.mu.RUnlock()

	if closed {
		return ErrTransportClosed
	}

	t.sentMu.Lock()
	t.sent = append(t.sent, msg)
	t.sentMu.Unlock()

	if drop != nil && drop(msg) {
		return nil
	}

	peer, ok := t.network.lookup(destination)
	if !ok {
		return &SendError{Destination: destination, Cause: ErrInvalidDestination}
	}

	// Сериализуем и разбираем заново: путь кода как у реального транспорта
	data := []byte(msg.String())
	if delay > 0 {
		go func() {
			time.Sleep(delay)
			peer.enqueue(loopbackDelivery{data: data, source: t.addr})
		}()
		return nil
	}
	peer.enqueue(loopbackDelivery{data: data, source: t.addr})
	return nil
}

func (t *LoopbackTransport) enqueue(d loopbackDelivery) {
	select {
	case t.inbox <- d:
	case <-t.stopCh:
	}
}

func (t *LoopbackTransport) dispatchLoop() {
	for {
		select {
		case <-t.stopCh:
			return
		case d := <-t.inbox:
			t.deliver(d.data, d.source)
		}
	}
}

// SentMessages возвращает копию списка отправленных сообщений
func (t *LoopbackTransport) SentMessages() []sip.Message {
	t.sentMu.Lock()
	defer t.sentMu.Unlock()
	out := make([]sip.Message, len(t.sent))
	copy(out, t.sent)
	return out
}

// Close останавливает транспорт
func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	close(t.stopCh)
	t.emit(Event{Kind: EventClosed})
	return nil
}

func (t *LoopbackTransport) deliver(data []byte, source string) {
	t.mu.RLock()
	closed := t.closed
	h := t.handler
	t.mu.RUnlock()
	if closed || h == nil {
		return
	}

	msg, err := t.parser.ParseSIP(data)
	if err != nil {
		t.emit(Event{Kind: EventError, Err: err})
		return
	}
	msg.SetSource(source)
	msg.SetDestination(t.addr)

	h(IncomingMessage{Message: msg, Source: source, Destination: t.addr})
}

func (t *LoopbackTransport) emit(ev Event) {
	t.mu.RLock()
	cb := t.eventCb
	t.mu.RUnlock()
	if cb != nil {
		cb(ev)
	}
}
