package dialog

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// ParseSipfragStatusCode извлекает SIP status code из тела NOTIFY
// (message/sipfrag, RFC 3420). Формат первой строки: "SIP/2.0 200 OK".
// Возвращает 0, если определить не удалось.
func ParseSipfragStatusCode(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	firstLine, _, _ := bytes.Cut(body, []byte("\n"))
	parts := strings.Fields(string(firstLine))
	if len(parts) < 2 || parts[0] != "SIP/2.0" {
		return 0
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return code
}

// FormatSipfrag строит тело message/sipfrag из status line
func FormatSipfrag(statusCode int, reason string) string {
	return fmt.Sprintf("SIP/2.0 %d %s\r\n", statusCode, reason)
}
