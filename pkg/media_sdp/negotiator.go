package media_sdp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// NegotiatorConfig конфигурация SDP переговорщика
type NegotiatorConfig struct {
	// SessionName имя сессии для s= строки
	SessionName string

	// Codecs поддерживаемые кодеки в порядке локального предпочтения
	Codecs []CodecCapability

	// DTMFEnabled добавлять ли telephone-event (RFC 4733)
	DTMFEnabled bool

	// DTMFPayloadType payload type для telephone-event, по умолчанию 101
	DTMFPayloadType uint8

	// Ptime длительность пакета; 0 — атрибут не добавляется
	Ptime time.Duration
}

// DefaultNegotiatorConfig возвращает конфигурацию с G.711 кодеками
func DefaultNegotiatorConfig() NegotiatorConfig {
	return NegotiatorConfig{
		SessionName: "voip_core",
		Codecs: []CodecCapability{
			{Name: "PCMU", PayloadType: 0, ClockRate: 8000},
			{Name: "PCMA", PayloadType: 8, ClockRate: 8000},
		},
		DTMFEnabled:     true,
		DTMFPayloadType: 101,
		Ptime:           20 * time.Millisecond,
	}
}

// Negotiator выполняет offer/answer переговорку согласно RFC 3264
type Negotiator struct {
	config NegotiatorConfig
}

// NewNegotiator создает переговорщик
func NewNegotiator(config NegotiatorConfig) *Negotiator {
	if len(config.Codecs) == 0 {
		config.Codecs = DefaultNegotiatorConfig().Codecs
	}
	if config.DTMFPayloadType == 0 {
		config.DTMFPayloadType = 101
	}
	return &Negotiator{config: config}
}

// OfferOptions параметры построения оффера
type OfferOptions struct {
	Direction Direction

	// Crypto включает атрибуты защиты: для DTLS-SRTP добавляются
	// a=fingerprint и a=setup:actpass, протокол UDP/TLS/RTP/SAVP
	Crypto CryptoInfo
}

// BuildOffer строит SDP offer для локального RTP адреса
func (n *Negotiator) BuildOffer(localHost string, localPort int, opts OfferOptions) *sdp.SessionDescription {
	formats := make([]string, 0, len(n.config.Codecs)+1)
	var attrs []sdp.Attribute

	for _, c := range n.config.Codecs {
		formats = append(formats, strconv.Itoa(int(c.PayloadType)))
		attrs = append(attrs, sdp.NewAttribute("rtpmap",
			fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.ClockRate)))
	}
	if n.config.DTMFEnabled {
		formats = append(formats, strconv.Itoa(int(n.config.DTMFPayloadType)))
		attrs = append(attrs,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d telephone-event/8000", n.config.DTMFPayloadType)),
			sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-16", n.config.DTMFPayloadType)))
	}
	if n.config.Ptime > 0 {
		attrs = append(attrs, sdp.NewAttribute("ptime",
			strconv.Itoa(int(n.config.Ptime.Milliseconds()))))
	}
	attrs = append(attrs, sdp.NewPropertyAttribute(opts.Direction.String()))

	proto := []string{"RTP", "AVP"}
	switch opts.Crypto.Profile {
	case ProfileDTLSSRTP:
		proto = []string{"UDP", "TLS", "RTP", "SAVP"}
		setup := opts.Crypto.Setup
		if setup == "" {
			setup = SetupActPass
		}
		attrs = append(attrs,
			sdp.NewAttribute("fingerprint", opts.Crypto.FingerprintAlgo+" "+opts.Crypto.Fingerprint),
			sdp.NewAttribute("setup", string(setup)))
	case ProfileSRTP:
		proto = []string{"RTP", "SAVP"}
	}

	return n.buildSession(localHost, localPort, proto, formats, attrs)
}

// BuildAnswer строит SDP answer на удаленный offer.
//
// Кодек выбирается первым поддерживаемым payload type из оффера
// с сохранением номера (RFC 3264 §6.1); направление отвечает
// зеркально направлению оффера. Отсутствие пересечения кодеков
// возвращает ErrNoCompatibleCodecs (488 Not Acceptable Here).
func (n *Negotiator) BuildAnswer(offer *sdp.SessionDescription, localHost string, localPort int, opts OfferOptions) (*sdp.SessionDescription, error) {
	audio := audioMedia(offer)
	if audio == nil {
		return nil, ErrNoAudioMedia
	}

	chosen, ok := n.selectCodec(audio)
	if !ok {
		return nil, ErrNoCompatibleCodecs
	}

	formats := []string{strconv.Itoa(int(chosen.PayloadType))}
	attrs := []sdp.Attribute{
		sdp.NewAttribute("rtpmap",
			fmt.Sprintf("%d %s/%d", chosen.PayloadType, chosen.Name, chosen.ClockRate)),
	}

	if dtmfPT, ok := offeredDTMF(audio); ok && n.config.DTMFEnabled {
		formats = append(formats, strconv.Itoa(int(dtmfPT)))
		attrs = append(attrs,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d telephone-event/8000", dtmfPT)),
			sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-16", dtmfPT)))
	}

	offerDir := mediaDirection(offer, audio)
	answerDir := offerDir.Answer()
	if opts.Direction == DirectionInactive {
		answerDir = DirectionInactive
	}
	attrs = append(attrs, sdp.NewPropertyAttribute(answerDir.String()))

	proto := audio.MediaName.Protos
	if isDTLSProto(proto) {
		// Ответ на actpass выбирает роль: по умолчанию active (RFC 5763 §5)
		setup := opts.Crypto.Setup
		if setup == "" || setup == SetupActPass {
			setup = SetupActive
			if remoteSetup(offer, audio) == SetupActive {
				setup = SetupPassive
			}
		}
		attrs = append(attrs,
			sdp.NewAttribute("fingerprint", opts.Crypto.FingerprintAlgo+" "+opts.Crypto.Fingerprint),
			sdp.NewAttribute("setup", string(setup)))
	}

	return n.buildSession(localHost, localPort, proto, formats, attrs), nil
}

// buildSession собирает SessionDescription с одной аудио секцией
func (n *Negotiator) buildSession(host string, port int, protos, formats []string, attrs []sdp.Attribute) *sdp.SessionDescription {
	now := uint64(time.Now().Unix())
	sess := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: sdp.SessionName(n.config.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	sess.MediaDescriptions = []*sdp.MediaDescription{{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: port},
			Protos:  protos,
			Formats: formats,
		},
		Attributes: attrs,
	}}
	return sess
}

// selectCodec выбирает первый payload type оффера, который мы
// поддерживаем; номер сохраняется из оффера
func (n *Negotiator) selectCodec(audio *sdp.MediaDescription) (CodecCapability, bool) {
	rtpmaps := rtpmapTable(audio)

	for _, f := range audio.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil {
			continue
		}

		entry, ok := rtpmaps[uint8(pt)]
		if !ok {
			// Статические payload types без rtpmap (RFC 3551 таблица 4)
			switch pt {
			case 0:
				entry = codecMapEntry{name: "PCMU", clockRate: 8000}
			case 8:
				entry = codecMapEntry{name: "PCMA", clockRate: 8000}
			default:
				continue
			}
		}

		for _, c := range n.config.Codecs {
			if strings.EqualFold(c.Name, entry.name) && c.ClockRate == entry.clockRate {
				return CodecCapability{Name: c.Name, PayloadType: uint8(pt), ClockRate: entry.clockRate}, true
			}
		}
	}
	return CodecCapability{}, false
}
