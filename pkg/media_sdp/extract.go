package media_sdp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// ParseSDP разбирает тело SDP
func ParseSDP(body []byte) (*sdp.SessionDescription, error) {
	sess := &sdp.SessionDescription{}
	if err := sess.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSDP, err)
	}
	return sess, nil
}

// MarshalSDP сериализует SDP в тело сообщения
func MarshalSDP(sess *sdp.SessionDescription) ([]byte, error) {
	return sess.Marshal()
}

// ExtractMediaConfig строит медиа конфигурацию из пары local/remote SDP.
//
// Кодек берется из пересечения с порядком предпочтения офферера;
// направление локальной стороны вычисляется из направления удаленной;
// профиль защиты определяется протоколом и атрибутами fingerprint/setup
// (DTLS-SRTP per RFC 5763) либо a=crypto (SDES).
func (n *Negotiator) ExtractMediaConfig(local, remote *sdp.SessionDescription) (*MediaConfig, error) {
	localAudio := audioMedia(local)
	remoteAudio := audioMedia(remote)
	if localAudio == nil || remoteAudio == nil {
		return nil, ErrNoAudioMedia
	}

	codec, ok := commonCodec(localAudio, remoteAudio)
	if !ok {
		return nil, ErrNoCompatibleCodecs
	}

	localHost, err := connectionAddress(local, localAudio)
	if err != nil {
		return nil, err
	}
	remoteHost, err := connectionAddress(remote, remoteAudio)
	if err != nil {
		return nil, err
	}

	cfg := &MediaConfig{
		CodecName:   codec.Name,
		PayloadType: codec.PayloadType,
		ClockRate:   codec.ClockRate,
		LocalAddr:   localHost,
		LocalPort:   localAudio.MediaName.Port.Value,
		RemoteAddr:  remoteHost,
		RemotePort:  remoteAudio.MediaName.Port.Value,
		Direction:   mediaDirection(remote, remoteAudio).Answer(),
	}

	if pt, ok := offeredDTMF(remoteAudio); ok {
		cfg.DTMFPayloadType = pt
	}
	if ptime, ok := remoteAudio.Attribute("ptime"); ok {
		if ms, err := strconv.Atoi(ptime); err == nil {
			cfg.Ptime = time.Duration(ms) * time.Millisecond
		}
	}

	cfg.Crypto = extractCrypto(local, localAudio, remote, remoteAudio)
	return cfg, nil
}

// extractCrypto определяет профиль защиты из пары SDP
func extractCrypto(local *sdp.SessionDescription, localAudio *sdp.MediaDescription,
	remote *sdp.SessionDescription, remoteAudio *sdp.MediaDescription) CryptoInfo {

	info := CryptoInfo{Profile: ProfilePlainRTP}

	if isDTLSProto(remoteAudio.MediaName.Protos) || hasFingerprint(remote, remoteAudio) {
		info.Profile = ProfileDTLSSRTP
		info.Suite = "SRTP_AES128_CM_HMAC_SHA1_80"
		info.FingerprintAlgo, info.Fingerprint = fingerprint(remote, remoteAudio)
		info.RemoteSetup = remoteSetup(remote, remoteAudio)
		if localAudio != nil {
			info.Setup = localSetupFromSDP(local, localAudio, info.RemoteSetup)
		}
		return info
	}

	if crypto, ok := remoteAudio.Attribute("crypto"); ok {
		// a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:...
		info.Profile = ProfileSRTP
		fields := strings.Fields(crypto)
		if len(fields) >= 2 {
			info.Suite = fields[1]
		}
		return info
	}

	if isSAVPProto(remoteAudio.MediaName.Protos) {
		info.Profile = ProfileSRTP
		info.Suite = "SRTP_AES128_CM_HMAC_SHA1_80"
	}
	return info
}

// commonCodec находит первый кодек офферера, присутствующий у обеих сторон
func commonCodec(local, remote *sdp.MediaDescription) (CodecCapability, bool) {
	localNames := map[string]bool{}
	for _, entry := range codecEntries(local) {
		localNames[entry.key()] = true
	}

	for _, f := range remote.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		entry, ok := codecEntry(remote, uint8(pt))
		if !ok || entry.name == "telephone-event" {
			continue
		}
		if localNames[entry.key()] {
			return CodecCapability{Name: entry.name, PayloadType: uint8(pt), ClockRate: entry.clockRate}, true
		}
	}
	return CodecCapability{}, false
}

type codecMapEntry struct {
	name      string
	clockRate uint32
}

func (e codecMapEntry) key() string {
	return strings.ToUpper(e.name) + "/" + strconv.Itoa(int(e.clockRate))
}

// codecEntries собирает таблицу payload type -> кодек для медиа секции
func codecEntries(md *sdp.MediaDescription) map[uint8]codecMapEntry {
	out := make(map[uint8]codecMapEntry)
	for _, f := range md.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		if entry, ok := codecEntry(md, uint8(pt)); ok {
			out[uint8(pt)] = entry
		}
	}
	return out
}

func codecEntry(md *sdp.MediaDescription, pt uint8) (codecMapEntry, bool) {
	if entry, ok := rtpmapTable(md)[pt]; ok {
		return entry, true
	}
	switch pt {
	case 0:
		return codecMapEntry{name: "PCMU", clockRate: 8000}, true
	case 8:
		return codecMapEntry{name: "PCMA", clockRate: 8000}, true
	}
	return codecMapEntry{}, false
}

// rtpmapTable разбирает все rtpmap атрибуты медиа секции
func rtpmapTable(md *sdp.MediaDescription) map[uint8]codecMapEntry {
	out := make(map[uint8]codecMapEntry)
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		// rtpmap: "<pt> <name>/<clock>[/<channels>]"
		fields := strings.Fields(a.Value)
		if len(fields) < 2 {
			continue
		}
		pt, err := strconv.Atoi(fields[0])
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		nameParts := strings.Split(fields[1], "/")
		if len(nameParts) < 2 {
			continue
		}
		clock, err := strconv.Atoi(nameParts[1])
		if err != nil {
			continue
		}
		out[uint8(pt)] = codecMapEntry{name: nameParts[0], clockRate: uint32(clock)}
	}
	return out
}

// audioMedia возвращает первую аудио секцию
func audioMedia(sess *sdp.SessionDescription) *sdp.MediaDescription {
	for _, md := range sess.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			return md
		}
	}
	return nil
}

// mediaDirection возвращает направление: атрибут медиа секции имеет
// приоритет над сессионным
func mediaDirection(sess *sdp.SessionDescription, md *sdp.MediaDescription) Direction {
	for _, key := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
		if _, ok := md.Attribute(key); ok {
			return ParseDirection(key)
		}
	}
	for _, key := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
		if _, ok := sess.Attribute(key); ok {
			return ParseDirection(key)
		}
	}
	return DirectionSendRecv
}

// connectionAddress возвращает адрес медиа секции: c= на медиа
// имеет приоритет над сессионным
func connectionAddress(sess *sdp.SessionDescription, md *sdp.MediaDescription) (string, error) {
	if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
		return md.ConnectionInformation.Address.Address, nil
	}
	if sess.ConnectionInformation != nil && sess.ConnectionInformation.Address != nil {
		return sess.ConnectionInformation.Address.Address, nil
	}
	return "", ErrMissingConnection
}

// offeredDTMF ищет telephone-event в медиа секции
func offeredDTMF(md *sdp.MediaDescription) (uint8, bool) {
	for pt, entry := range codecEntries(md) {
		if strings.EqualFold(entry.name, "telephone-event") {
			return pt, true
		}
	}
	// rtpmapTable не возвращает статические типы: проверяем rtpmap напрямую
	for _, a := range md.Attributes {
		if a.Key == "rtpmap" && strings.Contains(a.Value, "telephone-event") {
			fields := strings.Fields(a.Value)
			if pt, err := strconv.Atoi(fields[0]); err == nil {
				return uint8(pt), true
			}
		}
	}
	return 0, false
}

// fingerprint возвращает алгоритм и значение a=fingerprint
func fingerprint(sess *sdp.SessionDescription, md *sdp.MediaDescription) (algo, value string) {
	v, ok := md.Attribute("fingerprint")
	if !ok {
		v, ok = sess.Attribute("fingerprint")
	}
	if !ok {
		return "", ""
	}
	parts := strings.SplitN(v, " ", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

func hasFingerprint(sess *sdp.SessionDescription, md *sdp.MediaDescription) bool {
	_, v := fingerprint(sess, md)
	return v != ""
}

// remoteSetup возвращает a=setup удаленной стороны
func remoteSetup(sess *sdp.SessionDescription, md *sdp.MediaDescription) SetupRole {
	v, ok := md.Attribute("setup")
	if !ok {
		v, ok = sess.Attribute("setup")
	}
	if !ok {
		return SetupActPass
	}
	return SetupRole(v)
}

// localSetupFromSDP возвращает локальную роль setup; при actpass
// роль выводится из удаленной (RFC 5763 §5)
func localSetupFromSDP(sess *sdp.SessionDescription, md *sdp.MediaDescription, remote SetupRole) SetupRole {
	v, ok := md.Attribute("setup")
	if !ok {
		v, ok = sess.Attribute("setup")
	}
	if ok && SetupRole(v) != SetupActPass {
		return SetupRole(v)
	}
	// actpass: локальная сторона становится клиентом, если пир не active
	if remote == SetupActive {
		return SetupPassive
	}
	return SetupActive
}

// OfferHasDTLS сообщает, предлагает ли SDP профиль DTLS-SRTP
func OfferHasDTLS(sess *sdp.SessionDescription) bool {
	md := audioMedia(sess)
	if md == nil {
		return false
	}
	return isDTLSProto(md.MediaName.Protos) || hasFingerprint(sess, md)
}

// isDTLSProto проверяет UDP/TLS/RTP/SAVP(F)
func isDTLSProto(protos []string) bool {
	joined := strings.Join(protos, "/")
	return strings.Contains(joined, "TLS") && strings.Contains(joined, "SAVP")
}

// isSAVPProto проверяет RTP/SAVP без TLS
func isSAVPProto(protos []string) bool {
	joined := strings.Join(protos, "/")
	return strings.Contains(joined, "SAVP") && !strings.Contains(joined, "TLS")
}
