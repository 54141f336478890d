package rtp

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Типы DTLS handshake сообщений (RFC 6347)
const (
	dtlsContentHandshake     = 22
	hsTypeClientHello        = 1
	hsTypeServerHello        = 2
	hsTypeHelloVerifyRequest = 3
	hsTypeClientKeyExchange  = 16
)

// handshakeSniffer оборачивает соединение и наблюдает DTLS записи,
// продвигая машину состояний движка: ClientHello/HelloVerifyRequest/
// ServerHello/ClientKeyExchange различаются по типу handshake сообщения.
// abort прерывает чтение для перезапуска зависшего flight.
type handshakeSniffer struct {
	net.Conn
	engine *DTLSEngine

	activityNano atomic.Int64
	abortFlag    atomic.Bool

	mu sync.Mutex
}

func newHandshakeSniffer(conn net.Conn, engine *DTLSEngine) *handshakeSniffer {
	s := &handshakeSniffer{Conn: conn, engine: engine}
	s.touch()
	return s
}

func (s *handshakeSniffer) touch() {
	s.activityNano.Store(time.Now().UnixNano())
}

func (s *handshakeSniffer) lastActivity() time.Time {
	return time.Unix(0, s.activityNano.Load())
}

// abort прерывает рукопожатие: следующие операции вернут ошибку
func (s *handshakeSniffer) abort() {
	s.abortFlag.Store(true)
	_ = s.Conn.SetReadDeadline(time.Now())
}

func (s *handshakeSniffer) aborted() bool {
	return s.abortFlag.Load()
}

// Read наблюдает входящие записи
func (s *handshakeSniffer) Read(b []byte) (int, error) {
	if s.abortFlag.Load() {
		return 0, fmt.Errorf("handshake aborted")
	}
	n, err := s.Conn.Read(b)
	if n > 0 {
		s.touch()
		s.observe(b[:n], true)
	}
	return n, err
}

// Write наблюдает исходящие записи
func (s *handshakeSniffer) Write(b []byte) (int, error) {
	if s.abortFlag.Load() {
		return 0, fmt.Errorf("handshake aborted")
	}
	s.touch()
	s.observe(b, false)
	return s.Conn.Write(b)
}

// observe разбирает заголовок DTLS записи и продвигает состояние.
// Запись: content type (1) + version (2) + epoch/seq (8) + length (2),
// далее заголовок handshake сообщения с msg_type в первом байте.
func (s *handshakeSniffer) observe(data []byte, incoming bool) {
	if len(data) < 14 || data[0] != dtlsContentHandshake {
		return
	}
	msgType := data[13]

	e := s.engine
	switch {
	case !incoming && msgType == hsTypeClientHello:
		if e.State() == HandshakeReceivedHelloVerifyRequest {
			// Повторный ClientHello несет cookie из HelloVerifyRequest
			e.setState(HandshakeClientHelloResent)
		} else if e.State() == HandshakeIdle {
			e.setState(HandshakeClientHelloSent)
		}

	case incoming && msgType == hsTypeHelloVerifyRequest:
		e.setState(HandshakeReceivedHelloVerifyRequest)

	case incoming && msgType == hsTypeServerHello:
		e.setState(HandshakeReceivedServerHello)

	case !incoming && msgType == hsTypeClientKeyExchange:
		e.setState(HandshakeSentClientKeyExchange)
	}
}
