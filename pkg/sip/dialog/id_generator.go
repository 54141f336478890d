package dialog

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// GenerateTag возвращает криптографически случайный tag для From/To.
// RFC 3261 §19.3 требует минимум 32 бита глобальной уникальности;
// используем 64 бита.
func GenerateTag() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand на поддерживаемых платформах не возвращает ошибок
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return hex.EncodeToString(b)
}

// GenerateCallID возвращает новый уникальный Call-ID
func GenerateCallID(host string) string {
	if host == "" {
		return uuid.NewString()
	}
	return uuid.NewString() + "@" + host
}

// generateDialogID возвращает opaque идентификатор диалога
func generateDialogID() string {
	return "dlg-" + uuid.NewString()
}
