package rtp

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v2"
)

// SRTPKeys мастер-ключи и соли одного направления
type SRTPKeys struct {
	MasterKey  []byte
	MasterSalt []byte
}

// KeyingMaterial ключи обоих направлений после DTLS-SRTP экспорта
type KeyingMaterial struct {
	Profile string
	Client  SRTPKeys
	Server  SRTPKeys
}

// profileByName сопоставляет имя SRTP профиля с pion/srtp
func profileByName(name string) (srtp.ProtectionProfile, error) {
	switch name {
	case "", "SRTP_AES128_CM_HMAC_SHA1_80":
		return srtp.ProtectionProfileAes128CmHmacSha1_80, nil
	case "SRTP_AEAD_AES_128_GCM":
		return srtp.ProtectionProfileAeadAes128Gcm, nil
	default:
		return 0, fmt.Errorf("unsupported srtp profile %q", name)
	}
}

// keyLengths возвращает длины ключа и соли профиля (RFC 5764 §4.1.2)
func keyLengths(name string) (keyLen, saltLen int, err error) {
	switch name {
	case "", "SRTP_AES128_CM_HMAC_SHA1_80":
		return 16, 14, nil
	case "SRTP_AEAD_AES_128_GCM":
		return 16, 12, nil
	default:
		return 0, 0, fmt.Errorf("unsupported srtp profile %q", name)
	}
}

// SplitKeyingMaterial делит экспортированный блок ключей на ключи
// направлений согласно RFC 5764 §4.2:
// client_key | server_key | client_salt | server_salt
func SplitKeyingMaterial(material []byte, profile string) (*KeyingMaterial, error) {
	keyLen, saltLen, err := keyLengths(profile)
	if err != nil {
		return nil, err
	}
	need := 2 * (keyLen + saltLen)
	if len(material) < need {
		return nil, fmt.Errorf("keying material too short: %d < %d", len(material), need)
	}

	offset := 0
	clientKey := material[offset : offset+keyLen]
	offset += keyLen
	serverKey := material[offset : offset+keyLen]
	offset += keyLen
	clientSalt := material[offset : offset+saltLen]
	offset += saltLen
	serverSalt := material[offset : offset+saltLen]

	return &KeyingMaterial{
		Profile: profile,
		Client:  SRTPKeys{MasterKey: clientKey, MasterSalt: clientSalt},
		Server:  SRTPKeys{MasterKey: serverKey, MasterSalt: serverSalt},
	}, nil
}

// ExportedKeyLength возвращает требуемую длину экспорта для профиля
func ExportedKeyLength(profile string) (int, error) {
	keyLen, saltLen, err := keyLengths(profile)
	if err != nil {
		return 0, err
	}
	return 2 * (keyLen + saltLen), nil
}

// SRTPSession пара SRTP контекстов для исходящего и входящего направлений
type SRTPSession struct {
	mu      sync.Mutex
	outCtx  *srtp.Context
	inCtx   *srtp.Context
	profile string
}

// NewSRTPSession создает SRTP сессию из ключей направлений.
//
// isClient определяет, какие ключи используются для отправки:
// DTLS клиент шифрует client ключами и расшифровывает server ключами.
func NewSRTPSession(km *KeyingMaterial, isClient bool) (*SRTPSession, error) {
	profile, err := profileByName(km.Profile)
	if err != nil {
		return nil, err
	}

	sendKeys, recvKeys := km.Client, km.Server
	if !isClient {
		sendKeys, recvKeys = km.Server, km.Client
	}

	outCtx, err := srtp.CreateContext(sendKeys.MasterKey, sendKeys.MasterSalt, profile)
	if err != nil {
		return nil, fmt.Errorf("create srtp out context: %w", err)
	}
	inCtx, err := srtp.CreateContext(recvKeys.MasterKey, recvKeys.MasterSalt, profile)
	if err != nil {
		return nil, fmt.Errorf("create srtp in context: %w", err)
	}

	return &SRTPSession{outCtx: outCtx, inCtx: inCtx, profile: km.Profile}, nil
}

// Profile возвращает имя защитного профиля
func (s *SRTPSession) Profile() string { return s.profile }

// Encrypt шифрует и аутентифицирует исходящий RTP пакет
func (s *SRTPSession) Encrypt(pkt *rtp.Packet) ([]byte, error) {
	plaintext, err := pkt.Marshal()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outCtx.EncryptRTP(nil, plaintext, nil)
}

// Decrypt аутентифицирует и расшифровывает входящий пакет.
// Пакет с неверной аутентификацией отбрасывается с ErrAuthFailed.
func (s *SRTPSession) Decrypt(data []byte) (*rtp.Packet, error) {
	s.mu.Lock()
	decrypted, err := s.inCtx.DecryptRTP(nil, data, nil)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(decrypted); err != nil {
		return nil, err
	}
	return pkt, nil
}
