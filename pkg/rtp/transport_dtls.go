package rtp

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// dtlsPacketConn адаптирует несоединенный UDP сокет RTP транспорта
// к net.Conn для DTLS рукопожатия: запись идет фиксированному
// удаленному адресу, чтение фильтрует посторонние источники.
type dtlsPacketConn struct {
	conn   *net.UDPConn
	remote *net.UDPAddr

	mu     sync.Mutex
	closed bool
}

// NewDTLSConn строит net.Conn поверх UDP транспорта для рукопожатия.
// Удаленный адрес обязателен: DTLS flight направляется ему.
func NewDTLSConn(t *UDPTransport, remoteAddr string) (net.Conn, error) {
	remote, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve dtls remote %s: %w", remoteAddr, err)
	}
	return &dtlsPacketConn{conn: t.Conn(), remote: remote}, nil
}

func (c *dtlsPacketConn) Read(b []byte) (int, error) {
	for {
		n, addr, err := c.conn.ReadFromUDP(b)
		if err != nil {
			return 0, err
		}
		// Пакеты не от пира рукопожатию не принадлежат
		if addr.IP.Equal(c.remote.IP) && addr.Port == c.remote.Port {
			return n, nil
		}
	}
}

func (c *dtlsPacketConn) Write(b []byte) (int, error) {
	return c.conn.WriteToUDP(b, c.remote)
}

func (c *dtlsPacketConn) Close() error {
	// Сокет принадлежит RTP транспорту и закрывается им
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *dtlsPacketConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *dtlsPacketConn) RemoteAddr() net.Addr { return c.remote }

func (c *dtlsPacketConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *dtlsPacketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *dtlsPacketConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
