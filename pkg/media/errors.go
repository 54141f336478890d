package media

import "errors"

// Ошибки медиа координатора
var (
	// ErrNotActive медиа сессия не активна
	ErrNotActive = errors.New("media session not active")
	// ErrSessionNotFound медиа сессия не найдена
	ErrSessionNotFound = errors.New("media session not found")
	// ErrDTMFNotNegotiated telephone-event не согласован в SDP
	ErrDTMFNotNegotiated = errors.New("dtmf payload not negotiated")
	// ErrRelayExists одна из сессий уже участвует в ретрансляции
	ErrRelayExists = errors.New("session already relayed")
	// ErrRelayNotFound ретрансляция не найдена
	ErrRelayNotFound = errors.New("relay not found")
	// ErrCertificateRequired DTLS-SRTP профиль без локального сертификата
	ErrCertificateRequired = errors.New("dtls certificate required")
)
