package dialog

// RequestClass классификация mid-dialog запроса после валидации
type RequestClass int

const (
	// ClassBye запрос BYE: диалог завершен
	ClassBye RequestClass = iota
	// ClassReInvite re-INVITE: повторная SDP переговорка
	ClassReInvite
	// ClassUpdate запрос UPDATE (RFC 3311)
	ClassUpdate
	// ClassInfo запрос INFO (RFC 6086)
	ClassInfo
	// ClassRefer запрос REFER (RFC 3515): перевод вызова
	ClassRefer
	// ClassNotify запрос NOTIFY: статус перевода (sipfrag)
	ClassNotify
	// ClassAck ACK внутри диалога
	ClassAck
	// ClassOther прочие методы; отвечаем 200 без побочных эффектов
	ClassOther
)

func (c RequestClass) String() string {
	switch c {
	case ClassBye:
		return "Bye"
	case ClassReInvite:
		return "ReInvite"
	case ClassUpdate:
		return "Update"
	case ClassInfo:
		return "Info"
	case ClassRefer:
		return "Refer"
	case ClassNotify:
		return "Notify"
	case ClassAck:
		return "Ack"
	default:
		return "Other"
	}
}
