package rtp

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
)

// DTLSRole роль в DTLS рукопожатии, выбранная переговоркой a=setup
type DTLSRole int

const (
	// DTLSRoleClient локальная сторона инициирует рукопожатие (setup:active)
	DTLSRoleClient DTLSRole = iota
	// DTLSRoleServer локальная сторона ждет ClientHello (setup:passive)
	DTLSRoleServer
)

func (r DTLSRole) String() string {
	if r == DTLSRoleClient {
		return "client"
	}
	return "server"
}

// HandshakeState состояние DTLS рукопожатия
type HandshakeState int32

const (
	HandshakeIdle HandshakeState = iota
	HandshakeClientHelloSent
	HandshakeReceivedHelloVerifyRequest
	HandshakeClientHelloResent
	HandshakeReceivedServerHello
	HandshakeSentClientKeyExchange
	HandshakeComplete
	HandshakeFailed
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeIdle:
		return "Idle"
	case HandshakeClientHelloSent:
		return "ClientHelloSent"
	case HandshakeReceivedHelloVerifyRequest:
		return "ReceivedHelloVerifyRequest"
	case HandshakeClientHelloResent:
		return "ClientHelloResent"
	case HandshakeReceivedServerHello:
		return "ReceivedServerHello"
	case HandshakeSentClientKeyExchange:
		return "SentClientKeyExchange"
	case HandshakeComplete:
		return "Complete"
	case HandshakeFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Экспортерная метка RFC 5764 §4.2 для вывода SRTP ключей
const srtpExporterLabel = "EXTRACTOR-dtls_srtp"

// Параметры монитора зависшего рукопожатия: если состояние не
// продвигается дальше ReceivedHelloVerifyRequest за stallTimeout,
// flight перезапускается, всего не более maxHandshakeAttempts попыток
const (
	stallTimeout         = 3 * time.Second
	maxHandshakeAttempts = 3
)

// DTLSEngineConfig конфигурация DTLS-SRTP движка
type DTLSEngineConfig struct {
	// Role роль из переговорки a=setup
	Role DTLSRole

	// Certificate локальный сертификат
	Certificate tls.Certificate

	// RemoteFingerprint ожидаемый отпечаток сертификата пира из SDP
	// a=fingerprint; пустое значение отключает проверку (не для продакшена)
	RemoteFingerprint string
	// RemoteFingerprintAlgo алгоритм отпечатка, по умолчанию sha-256
	RemoteFingerprintAlgo string

	// HandshakeTimeout общий таймаут рукопожатия, по умолчанию 30 с
	HandshakeTimeout time.Duration

	// SRTPProfile запрашиваемый защитный профиль
	SRTPProfile string

	// Logger опциональный логгер; nil означает slog.Default()
	Logger *slog.Logger
}

// DTLSEngine выполняет DTLS 1.2 рукопожатие поверх RTP сокета и
// экспортирует SRTP мастер-ключи (RFC 5764).
type DTLSEngine struct {
	config DTLSEngineConfig
	log    *slog.Logger

	mu       sync.Mutex
	state    HandshakeState
	conn     *dtls.Conn
	sniffer  *handshakeSniffer
	lastErr  error
	done     chan struct{}
	doneOnce sync.Once
}

// NewDTLSEngine создает движок; рукопожатие запускается StartHandshake
func NewDTLSEngine(config DTLSEngineConfig) *DTLSEngine {
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 30 * time.Second
	}
	if config.RemoteFingerprintAlgo == "" {
		config.RemoteFingerprintAlgo = "sha-256"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DTLSEngine{
		config: config,
		log:    logger.With("component", "dtls", "role", config.Role.String()),
		state:  HandshakeIdle,
		done:   make(chan struct{}),
	}
}

// State возвращает текущее состояние рукопожатия
func (e *DTLSEngine) State() HandshakeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *DTLSEngine) setState(s HandshakeState) {
	e.mu.Lock()
	if e.state == HandshakeComplete || e.state == HandshakeFailed {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()
	e.log.Debug("состояние DTLS рукопожатия", "state", s.String())
}

// StartHandshake запускает рукопожатие поверх соединения в отдельной
// горутине. Завершение наблюдается через WaitHandshake.
//
// Зависание на ReceivedHelloVerifyRequest дольше ~3 секунд перезапускает
// flight; всего выполняется не более 3 попыток (RFC 6347 cookie retry).
func (e *DTLSEngine) StartHandshake(conn net.Conn) {
	go e.runHandshake(conn)
}

func (e *DTLSEngine) runHandshake(conn net.Conn) {
	var lastErr error

	for attempt := 1; attempt <= maxHandshakeAttempts; attempt++ {
		sniffer := newHandshakeSniffer(conn, e)
		e.mu.Lock()
		e.sniffer = sniffer
		e.mu.Unlock()

		stallCancel := e.startStallMonitor(sniffer)
		err := e.handshakeOnce(sniffer)
		stallCancel()

		if err == nil {
			e.finish(nil)
			return
		}
		lastErr = err

		if err == errStalled {
			e.log.Warn("DTLS flight завис, перезапуск",
				"attempt", attempt, "state", e.State().String())
			e.setState(HandshakeIdle)
			continue
		}
		break
	}

	e.finish(fmt.Errorf("%w: %v", ErrHandshakeFailed, lastErr))
}

// errStalled внутренняя ошибка перезапуска зависшего flight
var errStalled = fmt.Errorf("handshake flight stalled")

func (e *DTLSEngine) handshakeOnce(conn net.Conn) error {
	cfg := &dtls.Config{
		Certificates:         []tls.Certificate{e.config.Certificate},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{
			dtls.SRTP_AES128_CM_HMAC_SHA1_80,
			dtls.SRTP_AEAD_AES_128_GCM,
		},
		// Проверка пира выполняется по отпечатку из SDP, не по PKI
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: e.verifyPeerCertificate,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), e.config.HandshakeTimeout)
		},
	}

	var dtlsConn *dtls.Conn
	var err error
	if e.config.Role == DTLSRoleClient {
		dtlsConn, err = dtls.Client(conn, cfg)
	} else {
		dtlsConn, err = dtls.Server(conn, cfg)
	}
	if err != nil {
		if e.stalled() {
			return errStalled
		}
		return err
	}

	e.mu.Lock()
	e.conn = dtlsConn
	e.mu.Unlock()
	return nil
}

// startStallMonitor следит за застрявшим на HelloVerifyRequest flight
func (e *DTLSEngine) startStallMonitor(sniffer *handshakeSniffer) (cancel func()) {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.mu.Lock()
				state := e.state
				e.mu.Unlock()
				if state == HandshakeReceivedHelloVerifyRequest &&
					time.Since(sniffer.lastActivity()) > stallTimeout {
					sniffer.abort()
					return
				}
			}
		}
	}()
	return func() { close(stop) }
}

func (e *DTLSEngine) stalled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sniffer != nil && e.sniffer.aborted()
}

// verifyPeerCertificate сверяет хэш сертификата пира с отпечатком
// из SDP a=fingerprint (RFC 5763 §5)
func (e *DTLSEngine) verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if e.config.RemoteFingerprint == "" {
		return nil
	}
	if len(rawCerts) == 0 {
		return ErrFingerprintMismatch
	}

	actual := Fingerprint(rawCerts[0])
	expected := normalizeFingerprint(e.config.RemoteFingerprint)
	if actual != expected {
		e.log.Error("отпечаток сертификата не совпал",
			"expected", expected, "actual", actual)
		return ErrFingerprintMismatch
	}
	return nil
}

// WaitHandshake блокирует до завершения рукопожатия или таймаута контекста
func (e *DTLSEngine) WaitHandshake(ctx context.Context) error {
	select {
	case <-e.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.lastErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExportSRTPKeys экспортирует мастер-ключи SRTP после завершения
// рукопожатия, используя метку "EXTRACTOR-dtls_srtp" (RFC 5764 §4.2)
func (e *DTLSEngine) ExportSRTPKeys() (*KeyingMaterial, error) {
	e.mu.Lock()
	conn := e.conn
	state := e.state
	e.mu.Unlock()

	if state != HandshakeComplete || conn == nil {
		return nil, ErrHandshakeNotComplete
	}

	profileName := e.config.SRTPProfile
	if p, ok := conn.SelectedSRTPProtectionProfile(); ok {
		switch p {
		case dtls.SRTP_AES128_CM_HMAC_SHA1_80:
			profileName = "SRTP_AES128_CM_HMAC_SHA1_80"
		case dtls.SRTP_AEAD_AES_128_GCM:
			profileName = "SRTP_AEAD_AES_128_GCM"
		}
	}

	length, err := ExportedKeyLength(profileName)
	if err != nil {
		return nil, err
	}

	connState := conn.ConnectionState()
	material, err := connState.ExportKeyingMaterial(srtpExporterLabel, nil, length)
	if err != nil {
		return nil, fmt.Errorf("export keying material: %w", err)
	}

	return SplitKeyingMaterial(material, profileName)
}

// Conn возвращает установленное DTLS соединение
func (e *DTLSEngine) Conn() *dtls.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// IsClient сообщает, является ли локальная сторона DTLS клиентом
func (e *DTLSEngine) IsClient() bool { return e.config.Role == DTLSRoleClient }

// Close закрывает DTLS соединение
func (e *DTLSEngine) Close() error {
	e.finish(fmt.Errorf("%w: engine closed", ErrHandshakeFailed))
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (e *DTLSEngine) finish(err error) {
	e.doneOnce.Do(func() {
		e.mu.Lock()
		e.lastErr = err
		if err == nil {
			e.state = HandshakeComplete
		} else {
			e.state = HandshakeFailed
		}
		e.mu.Unlock()
		close(e.done)
	})
}

// Fingerprint вычисляет sha-256 отпечаток DER сертификата в формате
// SDP a=fingerprint (байты через двоеточие, верхний регистр)
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = strings.ToUpper(hex.EncodeToString([]byte{b}))
	}
	return strings.Join(parts, ":")
}

// CertificateFingerprint возвращает отпечаток локального сертификата
func CertificateFingerprint(cert tls.Certificate) (string, error) {
	if len(cert.Certificate) == 0 {
		return "", fmt.Errorf("empty certificate chain")
	}
	return Fingerprint(cert.Certificate[0]), nil
}

func normalizeFingerprint(fp string) string {
	return strings.ToUpper(strings.TrimSpace(fp))
}
