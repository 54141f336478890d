package rtp

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Transport абстракция доставки RTP пакетов
type Transport interface {
	// Send отправляет сериализованный пакет удаленной стороне
	Send(data []byte) error
	// Receive блокирующе читает следующий пакет
	Receive(buf []byte) (int, error)
	// LocalAddr локальный адрес транспорта
	LocalAddr() net.Addr
	// RemoteAddr удаленный адрес; nil пока не установлен
	RemoteAddr() net.Addr
	// SetRemote устанавливает удаленный адрес для отправки
	SetRemote(addr string) error
	// Close освобождает ресурсы
	Close() error
}

// UDPTransportConfig конфигурация UDP транспорта RTP
type UDPTransportConfig struct {
	// LocalAddr локальный адрес ("127.0.0.1:0" — свободный порт)
	LocalAddr string
	// RemoteAddr удаленный адрес; может быть установлен позже
	RemoteAddr string
	// BufferSize размер буфера приема, по умолчанию 1500
	BufferSize int
	// ReadTimeout таймаут чтения; 0 — без таймаута
	ReadTimeout time.Duration
}

// DefaultUDPTransportConfig возвращает конфигурацию по умолчанию
func DefaultUDPTransportConfig() UDPTransportConfig {
	return UDPTransportConfig{
		LocalAddr:  "127.0.0.1:0",
		BufferSize: 1500,
	}
}

// UDPTransport транспорт RTP поверх UDP сокета
type UDPTransport struct {
	conn   *net.UDPConn
	config UDPTransportConfig

	mu     sync.RWMutex
	remote *net.UDPAddr
	closed bool
}

// NewUDPTransport создает UDP транспорт и привязывает локальный адрес
func NewUDPTransport(config UDPTransportConfig) (*UDPTransport, error) {
	if config.BufferSize == 0 {
		config.BufferSize = 1500
	}

	localAddr, err := net.ResolveUDPAddr("udp", config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve local addr %s: %w", config.LocalAddr, err)
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", config.LocalAddr, err)
	}

	if err := setSockOptVoice(conn); err != nil {
		// Опции сокета не критичны: работаем без них
		_ = err
	}

	t := &UDPTransport{conn: conn, config: config}
	if config.RemoteAddr != "" {
		if err := t.SetRemote(config.RemoteAddr); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return t, nil
}

// Send отправляет пакет удаленной стороне
func (t *UDPTransport) Send(data []byte) error {
	t.mu.RLock()
	remote := t.remote
	closed := t.closed
	t.mu.RUnlock()

	if closed {
		return ErrSessionClosed
	}
	if remote == nil {
		return fmt.Errorf("remote address not set")
	}

	_, err := t.conn.WriteToUDP(data, remote)
	return err
}

// Receive читает следующий пакет. Пакеты с адресов, не совпадающих
// с удаленным, принимаются: фильтрация по SSRC выполняется выше.
func (t *UDPTransport) Receive(buf []byte) (int, error) {
	if t.config.ReadTimeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
	}
	n, _, err := t.conn.ReadFromUDP(buf)
	return n, err
}

// LocalAddr возвращает локальный адрес сокета
func (t *UDPTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// RemoteAddr возвращает удаленный адрес
func (t *UDPTransport) RemoteAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.remote == nil {
		return nil
	}
	return t.remote
}

// SetRemote устанавливает удаленный адрес
func (t *UDPTransport) SetRemote(addr string) error {
	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve remote addr %s: %w", addr, err)
	}
	t.mu.Lock()
	t.remote = remote
	t.mu.Unlock()
	return nil
}

// Conn возвращает нижележащий UDP сокет для DTLS рукопожатия
func (t *UDPTransport) Conn() *net.UDPConn { return t.conn }

// Close закрывает сокет
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}
