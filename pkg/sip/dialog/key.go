package dialog

import "fmt"

// Key идентификационная тройка диалога (RFC 3261 §12).
//
// Диалог однозначно определяется Call-ID и парой tag'ов. Для ранних
// диалогов remote tag может быть пустым до первого ответа с To tag.
type Key struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// String возвращает представление ключа вида callid|local|remote
func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.CallID, k.LocalTag, k.RemoteTag)
}

// IsComplete сообщает, заполнены ли все три компонента
func (k Key) IsComplete() bool {
	return k.CallID != "" && k.LocalTag != "" && k.RemoteTag != ""
}
