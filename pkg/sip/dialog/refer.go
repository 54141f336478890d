package dialog

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// ReferInfo разобранный REFER запрос
type ReferInfo struct {
	// ReferTo целевой URI перевода
	ReferTo sip.Uri
	// ReferredBy инициатор перевода (опционально)
	ReferredBy string
	// Replaces значение параметра Replaces для attended transfer
	Replaces string
}

// ParseRefer извлекает Refer-To и сопутствующие заголовки из REFER
func ParseRefer(req *sip.Request) (*ReferInfo, error) {
	h := req.GetHeader("Refer-To")
	if h == nil {
		return nil, fmt.Errorf("REFER without Refer-To header")
	}

	raw := trimAngles(h.Value())

	info := &ReferInfo{}
	// Refer-To может нести параметр Replaces в embedded headers:
	// <sip:carol@host?Replaces=callid%3Bto-tag%3D1%3Bfrom-tag%3D2>
	if err := sip.ParseUri(raw, &info.ReferTo); err != nil {
		return nil, fmt.Errorf("invalid Refer-To URI: %w", err)
	}
	if info.ReferTo.Headers != nil {
		if rep, ok := info.ReferTo.Headers.Get("Replaces"); ok {
			info.Replaces = rep
		}
	}

	if rb := req.GetHeader("Referred-By"); rb != nil {
		info.ReferredBy = trimAngles(rb.Value())
	}
	return info, nil
}

// BuildRefer строит REFER внутри диалога (RFC 3515)
func (m *Manager) BuildRefer(d *Dialog, target sip.Uri, referredBy string) (*sip.Request, error) {
	req, err := m.CreateRequest(d, sip.REFER)
	if err != nil {
		return nil, err
	}
	req.AppendHeader(sip.NewHeader("Refer-To", "<"+target.String()+">"))
	if referredBy != "" {
		req.AppendHeader(sip.NewHeader("Referred-By", "<"+referredBy+">"))
	}
	return req, nil
}

// BuildReferNotify строит NOTIFY со статусом перевода (RFC 3515 §2.4.5).
// Тело — message/sipfrag с status line соответствующего ответа.
func (m *Manager) BuildReferNotify(d *Dialog, statusCode int, reason string, final bool) (*sip.Request, error) {
	req, err := m.CreateRequest(d, sip.NOTIFY)
	if err != nil {
		return nil, err
	}

	req.AppendHeader(sip.NewHeader("Event", "refer"))
	if final {
		req.AppendHeader(sip.NewHeader("Subscription-State", "terminated;reason=noresource"))
	} else {
		req.AppendHeader(sip.NewHeader("Subscription-State", "active;expires=60"))
	}

	body := FormatSipfrag(statusCode, reason)
	ct := sip.ContentTypeHeader("message/sipfrag;version=2.0")
	req.AppendHeader(&ct)
	req.SetBody([]byte(body))
	return req, nil
}
