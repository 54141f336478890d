package dialog

import (
	"github.com/emiago/sipgo/sip"
)

// routeSetFromResponse извлекает route set для UAC: Record-Route
// заголовки dialog-creating ответа в обратном порядке (RFC 3261 §12.1.2)
func routeSetFromResponse(resp *sip.Response) []sip.Uri {
	return reverseURIs(recordRouteURIs(resp))
}

// routeSetFromRequest извлекает route set для UAS: Record-Route
// заголовки запроса в исходном порядке (RFC 3261 §12.1.1)
func routeSetFromRequest(req *sip.Request) []sip.Uri {
	return recordRouteURIs(req)
}

func recordRouteURIs(msg sip.Message) []sip.Uri {
	var out []sip.Uri
	for _, h := range msg.GetHeaders("Record-Route") {
		if rr, ok := h.(*sip.RecordRouteHeader); ok {
			out = append(out, rr.Address)
			continue
		}
		// Заголовок мог остаться неразобранным: парсим значение
		var u sip.Uri
		if err := sip.ParseUri(trimAngles(h.Value()), &u); err == nil {
			out = append(out, u)
		}
	}
	return out
}

func reverseURIs(in []sip.Uri) []sip.Uri {
	out := make([]sip.Uri, len(in))
	for i, u := range in {
		out[len(in)-1-i] = u
	}
	return out
}

// trimAngles снимает угловые скобки с name-addr значения
func trimAngles(s string) string {
	if len(s) >= 2 && s[0] == '<' && s[len(s)-1] == '>' {
		return s[1 : len(s)-1]
	}
	return s
}

// isLooseRouter сообщает, является ли URI loose router (параметр lr)
func isLooseRouter(u sip.Uri) bool {
	if u.UriParams == nil {
		return false
	}
	_, ok := u.UriParams.Get("lr")
	return ok
}

// applyRouting применяет route set к запросу (RFC 3261 §12.2.1.1).
//
// Для loose routing request-URI остается remote target и route set
// добавляется заголовками Route. Для strict routing request-URI
// переписывается первым элементом route set, остальные элементы и
// remote target становятся Route заголовками.
func applyRouting(req *sip.Request, remoteTarget sip.Uri, routeSet []sip.Uri) {
	if len(routeSet) == 0 {
		req.Recipient = remoteTarget
		return
	}

	if isLooseRouter(routeSet[0]) {
		req.Recipient = remoteTarget
		for _, r := range routeSet {
			req.AppendHeader(&sip.RouteHeader{Address: r})
		}
		return
	}

	// Strict routing: request-URI = первый маршрут
	req.Recipient = routeSet[0]
	for _, r := range routeSet[1:] {
		req.AppendHeader(&sip.RouteHeader{Address: r})
	}
	req.AppendHeader(&sip.RouteHeader{Address: remoteTarget})
}
