package media

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/voip_core/pkg/codec"
	"github.com/arzzra/voip_core/pkg/media_sdp"
	"github.com/arzzra/voip_core/pkg/rtp"
)

// CoordinatorConfig конфигурация медиа координатора
type CoordinatorConfig struct {
	// LocalHost IP адрес для RTP сокетов
	LocalHost string

	// PortMin и PortMax диапазон RTP портов; нули означают
	// эфемерные порты системы
	PortMin int
	PortMax int

	// Certificate локальный сертификат для DTLS-SRTP; обязателен
	// только для защищенных вызовов
	Certificate tls.Certificate

	// Negotiator SDP переговорщик; nil означает конфигурацию по умолчанию
	Negotiator *media_sdp.Negotiator

	// HandshakeTimeout таймаут DTLS рукопожатия
	HandshakeTimeout time.Duration

	// OnMediaStarted вызывается когда медиа сессия стала активной
	OnMediaStarted func(sessionID, mediaID string)

	// OnMediaError вызывается при ошибке медиа (DTLS, транспорт)
	OnMediaError func(sessionID string, err error)

	// Logger опциональный логгер; nil означает slog.Default()
	Logger *slog.Logger
}

// Endpoint предварительно выделенный RTP транспорт.
// Порт выделяется до построения SDP, чтобы попасть в offer/answer.
type Endpoint struct {
	Host string
	Port int

	transport *rtp.UDPTransport
}

// Coordinator отображает вызовы на медиа сессии и управляет их
// жизненным циклом: создание после ACK, остановка при завершении,
// ретрансляция между двумя вызовами.
type Coordinator struct {
	config CoordinatorConfig
	neg    *media_sdp.Negotiator
	log    *slog.Logger

	mu        sync.RWMutex
	sessions  map[string]*Session  // media id -> Session
	bySession map[string]*Session  // call session id -> Session
	endpoints map[string]*Endpoint // call session id -> Endpoint
	relays    map[string]*Relay
	nextPort  int
}

// NewCoordinator создает медиа координатор
func NewCoordinator(config CoordinatorConfig) *Coordinator {
	if config.LocalHost == "" {
		config.LocalHost = "127.0.0.1"
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 30 * time.Second
	}
	neg := config.Negotiator
	if neg == nil {
		neg = media_sdp.NewNegotiator(media_sdp.DefaultNegotiatorConfig())
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		config:    config,
		neg:       neg,
		log:       logger.With("component", "media"),
		sessions:  make(map[string]*Session),
		bySession: make(map[string]*Session),
		endpoints: make(map[string]*Endpoint),
		relays:    make(map[string]*Relay),
		nextPort:  config.PortMin,
	}
}

// Negotiator возвращает SDP переговорщик координатора
func (c *Coordinator) Negotiator() *media_sdp.Negotiator { return c.neg }

// SetCallbacks устанавливает колбэки запуска и ошибок медиа.
// Вызывается владельцем до старта первого вызова.
func (c *Coordinator) SetCallbacks(onStarted func(sessionID, mediaID string), onError func(sessionID string, err error)) {
	c.mu.Lock()
	c.config.OnMediaStarted = onStarted
	c.config.OnMediaError = onError
	c.mu.Unlock()
}

// LocalFingerprint возвращает отпечаток локального сертификата
// для SDP a=fingerprint
func (c *Coordinator) LocalFingerprint() (algo, value string, err error) {
	if len(c.config.Certificate.Certificate) == 0 {
		return "", "", ErrCertificateRequired
	}
	fp, err := rtp.CertificateFingerprint(c.config.Certificate)
	if err != nil {
		return "", "", err
	}
	return "sha-256", fp, nil
}

// AllocateEndpoint выделяет RTP транспорт для вызова до построения SDP.
// Повторный вызов для того же вызова возвращает существующий endpoint.
func (c *Coordinator) AllocateEndpoint(sessionID string) (*Endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ep, ok := c.endpoints[sessionID]; ok {
		return ep, nil
	}

	transport, err := c.allocateTransport()
	if err != nil {
		return nil, err
	}

	_, portStr, err := net.SplitHostPort(transport.LocalAddr().String())
	if err != nil {
		transport.Close()
		return nil, err
	}
	port, _ := strconv.Atoi(portStr)

	ep := &Endpoint{Host: c.config.LocalHost, Port: port, transport: transport}
	c.endpoints[sessionID] = ep
	return ep, nil
}

// allocateTransport открывает UDP сокет в настроенном диапазоне портов
func (c *Coordinator) allocateTransport() (*rtp.UDPTransport, error) {
	if c.config.PortMin == 0 {
		return rtp.NewUDPTransport(rtp.UDPTransportConfig{
			LocalAddr: net.JoinHostPort(c.config.LocalHost, "0"),
		})
	}

	for attempt := 0; attempt <= c.config.PortMax-c.config.PortMin; attempt++ {
		port := c.nextPort
		c.nextPort += 2 // четные порты под RTP, нечетные остаются RTCP
		if c.nextPort > c.config.PortMax {
			c.nextPort = c.config.PortMin
		}
		t, err := rtp.NewUDPTransport(rtp.UDPTransportConfig{
			LocalAddr: net.JoinHostPort(c.config.LocalHost, strconv.Itoa(port)),
		})
		if err == nil {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no free RTP port in range %d-%d", c.config.PortMin, c.config.PortMax)
}

// StartMedia создает и запускает медиа сессию вызова из пары SDP.
//
// Вызывается координатором сигнализации строго после ACK: на стороне
// UAC после отправки ACK, на стороне UAS после его приема. Для
// DTLS-SRTP запускается рукопожатие; сессия становится Active только
// после экспорта ключей.
func (c *Coordinator) StartMedia(ctx context.Context, sessionID string, localSDP, remoteSDP *sdp.SessionDescription) (*Session, error) {
	cfg, err := c.neg.ExtractMediaConfig(localSDP, remoteSDP)
	if err != nil {
		return nil, err
	}
	return c.CreateMediaSession(ctx, sessionID, cfg)
}

// CreateMediaSession создает медиа сессию из готовой конфигурации.
// Используется напрямую для 3PCC сценариев, где SDP пары нет.
func (c *Coordinator) CreateMediaSession(ctx context.Context, sessionID string, cfg *media_sdp.MediaConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.bySession[sessionID]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	ep, ok := c.endpoints[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no endpoint allocated for session %s", sessionID)
	}

	remoteAddr := net.JoinHostPort(cfg.RemoteAddr, strconv.Itoa(cfg.RemotePort))
	if err := ep.transport.SetRemote(remoteAddr); err != nil {
		return nil, err
	}

	enc, err := codec.ByName(cfg.CodecName)
	if err != nil {
		return nil, err
	}

	secure := cfg.Crypto.Profile != media_sdp.ProfilePlainRTP

	rtpSession, err := rtp.NewSession(rtp.SessionConfig{
		PayloadType: cfg.PayloadType,
		ClockRate:   cfg.ClockRate,
		Transport:   ep.transport,
		Secure:      secure,
		Logger:      c.config.Logger,
	})
	if err != nil {
		return nil, err
	}

	var engine *rtp.DTLSEngine
	if cfg.Crypto.Profile == media_sdp.ProfileDTLSSRTP {
		if len(c.config.Certificate.Certificate) == 0 {
			return nil, ErrCertificateRequired
		}
		role := rtp.DTLSRoleServer
		if cfg.Crypto.IsDTLSClient() {
			role = rtp.DTLSRoleClient
		}
		engine = rtp.NewDTLSEngine(rtp.DTLSEngineConfig{
			Role:                  role,
			Certificate:           c.config.Certificate,
			RemoteFingerprint:     cfg.Crypto.Fingerprint,
			RemoteFingerprintAlgo: cfg.Crypto.FingerprintAlgo,
			HandshakeTimeout:      c.config.HandshakeTimeout,
			SRTPProfile:           cfg.Crypto.Suite,
			Logger:                c.config.Logger,
		})
	}

	ms := newMediaSession(sessionID, *cfg, rtpSession, engine, enc)

	c.mu.Lock()
	c.sessions[ms.ID] = ms
	c.bySession[sessionID] = ms
	delete(c.endpoints, sessionID)
	c.mu.Unlock()

	if engine != nil {
		dtlsConn, err := rtp.NewDTLSConn(ep.transport, remoteAddr)
		if err != nil {
			c.removeSession(ms)
			return nil, err
		}
		engine.StartHandshake(dtlsConn)

		go c.completeDTLS(ctx, ms)
	} else {
		if err := rtpSession.Start(); err != nil {
			c.removeSession(ms)
			return nil, err
		}
		ms.activate()
		c.notifyStarted(ms)
	}

	c.log.Info("медиа сессия создана",
		"session", sessionID, "media", ms.ID,
		"profile", cfg.Crypto.Profile.String(),
		"codec", cfg.CodecName, "remote", remoteAddr)
	return ms, nil
}

// completeDTLS дожидается рукопожатия, устанавливает ключи и
// активирует сессию; ошибка завершает медиа с SecurityError
func (c *Coordinator) completeDTLS(ctx context.Context, ms *Session) {
	hctx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	if err := ms.waitDTLS(hctx, c.log); err != nil {
		c.log.Error("DTLS-SRTP рукопожатие не удалось",
			"session", ms.SessionID, "error", err)
		_ = ms.Stop()
		c.removeSession(ms)
		if c.config.OnMediaError != nil {
			c.config.OnMediaError(ms.SessionID, err)
		}
		return
	}

	// Цикл приема запускается после рукопожатия: до этого сокет
	// принадлежал DTLS flight
	if err := ms.rtpSession.Start(); err != nil {
		if c.config.OnMediaError != nil {
			c.config.OnMediaError(ms.SessionID, err)
		}
		return
	}
	ms.activate()
	c.notifyStarted(ms)
}

func (c *Coordinator) notifyStarted(ms *Session) {
	if c.config.OnMediaStarted != nil {
		c.config.OnMediaStarted(ms.SessionID, ms.ID)
	}
}

// GetBySession возвращает медиа сессию вызова
func (c *Coordinator) GetBySession(sessionID string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ms, ok := c.bySession[sessionID]
	return ms, ok
}

// Get возвращает медиа сессию по идентификатору
func (c *Coordinator) Get(mediaID string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ms, ok := c.sessions[mediaID]
	return ms, ok
}

// StopMedia останавливает медиа сессию вызова
func (c *Coordinator) StopMedia(sessionID string, reason string) error {
	c.mu.Lock()
	ms, ok := c.bySession[sessionID]
	if ep, epOk := c.endpoints[sessionID]; epOk {
		// Вызов не дошел до медиа: освобождаем выделенный порт
		_ = ep.transport.Close()
		delete(c.endpoints, sessionID)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}

	c.log.Info("медиа сессия остановлена",
		"session", sessionID, "media", ms.ID, "reason", reason)
	err := ms.Stop()
	c.removeSession(ms)
	return err
}

func (c *Coordinator) removeSession(ms *Session) {
	c.mu.Lock()
	delete(c.sessions, ms.ID)
	delete(c.bySession, ms.SessionID)
	c.mu.Unlock()
}

// Shutdown останавливает все медиа сессии и ретрансляции
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, ms := range c.sessions {
		sessions = append(sessions, ms)
	}
	relays := make([]*Relay, 0, len(c.relays))
	for _, r := range c.relays {
		relays = append(relays, r)
	}
	endpoints := c.endpoints
	c.endpoints = make(map[string]*Endpoint)
	c.mu.Unlock()

	for _, r := range relays {
		r.stop()
	}
	for _, ms := range sessions {
		_ = ms.Stop()
	}
	for _, ep := range endpoints {
		_ = ep.transport.Close()
	}
}
