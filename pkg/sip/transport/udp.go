package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// UDPConfig конфигурация UDP транспорта
type UDPConfig struct {
	// ListenAddr адрес прослушивания в виде host:port ("127.0.0.1:5060").
	// Порт 0 означает выбор свободного порта системой.
	ListenAddr string

	// BufferSize размер буфера приема датаграмм.
	// RFC 3261 рекомендует поддерживать сообщения до 65535 байт,
	// на практике SIP over UDP ограничен MTU; по умолчанию 8192.
	BufferSize int

	// Logger опциональный логгер; nil означает slog.Default()
	Logger *slog.Logger
}

// DefaultUDPConfig возвращает конфигурацию UDP транспорта по умолчанию
func DefaultUDPConfig() UDPConfig {
	return UDPConfig{
		ListenAddr: "127.0.0.1:0",
		BufferSize: 8192,
	}
}

// Validate проверяет конфигурацию
func (c UDPConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address required")
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("invalid buffer size %d", c.BufferSize)
	}
	return nil
}

// UDPTransport реализует Transport поверх UDP сокета
type UDPTransport struct {
	config UDPConfig
	conn   *net.UDPConn
	parser *sip.Parser
	log    *slog.Logger

	mu      sync.RWMutex
	handler MessageHandler
	eventCb EventHandler
	closed  bool
	doneCh  chan struct{}
	wg      sync.WaitGroup
}

// NewUDPTransport создает UDP транспорт и привязывает локальный адрес
func NewUDPTransport(config UDPConfig) (*UDPTransport, error) {
	if config.BufferSize == 0 {
		config.BufferSize = 8192
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid udp config: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", config.ListenAddr, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", config.ListenAddr, err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &UDPTransport{
		config: config,
		conn:   conn,
		parser: sip.NewParser(),
		log:    logger.With("transport", "udp", "local", conn.LocalAddr().String()),
		doneCh: make(chan struct{}),
	}, nil
}

// LocalAddr возвращает локальный адрес сокета
func (t *UDPTransport) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

// Reliable для UDP всегда false
func (t *UDPTransport) Reliable() bool { return false }

// OnMessage регистрирует обработчик входящих сообщений
func (t *UDPTransport) OnMessage(h MessageHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// OnEvent регистрирует обработчик событий транспорта
func (t *UDPTransport) OnEvent(h EventHandler) {
	t.mu.Lock()
	t.eventCb = h
	t.mu.Unlock()
}

// Start запускает цикл приема датаграмм
func (t *UDPTransport) Start() error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrTransportClosed
	}
	t.mu.RUnlock()

	t.wg.Add(1)
	go t.readLoop()
	t.emit(Event{Kind: EventStarted})
	return nil
}

// Send сериализует сообщение и отправляет датаграмму
func (t *UDPTransport) Send(msg sip.Message, destination string) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrTransportClosed
	}

	addr, err := net.ResolveUDPAddr("udp", destination)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDestination, destination)
	}

	data := []byte(msg.String())
	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		return &SendError{Destination: destination, Cause: err}
	}
	return nil
}

// Close останавливает прием и закрывает сокет
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.doneCh)
	t.mu.Unlock()

	err := t.conn.Close()
	t.wg.Wait()
	t.emit(Event{Kind: EventClosed})
	return err
}

func (t *UDPTransport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, t.config.BufferSize)
	for {
		n, src, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.doneCh:
				return
			default:
			}
			t.emit(Event{Kind: EventError, Err: err})
			return
		}

		// Пропускаем keep-alive датаграммы (CRLF per RFC 5626)
		if n <= 4 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		msg, err := t.parser.ParseSIP(data)
		if err != nil {
			t.log.Warn("не удалось разобрать SIP сообщение",
				"source", src.String(), "error", err)
			continue
		}

		msg.SetSource(src.String())
		msg.SetDestination(t.LocalAddr())

		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()
		if h != nil {
			h(IncomingMessage{
				Message:     msg,
				Source:      src.String(),
				Destination: t.LocalAddr(),
			})
		}
	}
}

func (t *UDPTransport) emit(ev Event) {
	t.mu.RLock()
	cb := t.eventCb
	t.mu.RUnlock()
	if cb != nil {
		cb(ev)
	}
}
