package rtp

import "errors"

// Ошибки RTP/SRTP слоя
var (
	// ErrSessionClosed сессия остановлена
	ErrSessionClosed = errors.New("rtp session closed")
	// ErrNotActive сессия еще не активна
	ErrNotActive = errors.New("rtp session not active")
	// ErrKeysNotInstalled SRTP профиль без установленных ключей:
	// отправка запрещена до завершения DTLS рукопожатия
	ErrKeysNotInstalled = errors.New("srtp keys not installed")
	// ErrUnknownSSRC пакет от незарегистрированного SSRC при
	// выключенном демультиплексировании
	ErrUnknownSSRC = errors.New("unknown ssrc")
	// ErrAuthFailed SRTP аутентификация входящего пакета не прошла
	ErrAuthFailed = errors.New("srtp authentication failed")
	// ErrHandshakeFailed DTLS рукопожатие завершилось неудачей
	ErrHandshakeFailed = errors.New("dtls handshake failed")
	// ErrFingerprintMismatch отпечаток сертификата пира не совпал
	// со значением из SDP a=fingerprint
	ErrFingerprintMismatch = errors.New("certificate fingerprint mismatch")
	// ErrHandshakeNotComplete экспорт ключей до завершения рукопожатия
	ErrHandshakeNotComplete = errors.New("dtls handshake not complete")
)
