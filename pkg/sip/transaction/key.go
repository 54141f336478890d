package transaction

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// Key идентифицирует транзакцию согласно RFC 3261 §17.1.3 / §17.2.3.
//
// Ключ состоит из branch параметра верхнего Via, метода из CSeq и
// направления (client/server). ACK для не-2xx ответа несет branch
// INVITE транзакции и сопоставляется с ней отдельно в менеджере.
type Key struct {
	Branch   string
	Method   string
	IsClient bool
}

// KeyFromMessage строит ключ транзакции из запроса или ответа
func KeyFromMessage(msg sip.Message, isClient bool) (Key, error) {
	via := msg.Via()
	if via == nil {
		return Key{}, fmt.Errorf("%w: missing Via header", ErrProtocol)
	}

	branch, ok := via.Params.Get("branch")
	if !ok || branch == "" {
		return Key{}, fmt.Errorf("%w: missing branch parameter", ErrProtocol)
	}
	if !strings.HasPrefix(branch, sip.RFC3261BranchMagicCookie) {
		return Key{}, fmt.Errorf("%w: branch without magic cookie", ErrProtocol)
	}

	cseq := msg.CSeq()
	if cseq == nil {
		return Key{}, fmt.Errorf("%w: missing CSeq header", ErrProtocol)
	}

	method := string(cseq.MethodName)
	if req, ok := msg.(*sip.Request); ok {
		// CANCEL образует собственную транзакцию с branch отменяемого INVITE
		method = string(req.Method)
	}

	return Key{Branch: branch, Method: method, IsClient: isClient}, nil
}

// String возвращает представление ключа вида branch|method|role
func (k Key) String() string {
	role := "server"
	if k.IsClient {
		role = "client"
	}
	return k.Branch + "|" + k.Method + "|" + role
}

// WithMethod возвращает копию ключа с другим методом.
// Используется для сопоставления ACK/CANCEL с INVITE транзакцией.
func (k Key) WithMethod(method string) Key {
	k.Method = method
	return k
}

// IsZero сообщает, является ли ключ пустым
func (k Key) IsZero() bool {
	return k.Branch == "" && k.Method == ""
}
