package transaction

import "github.com/emiago/sipgo/sip"

// EventType тип события транзакционного слоя
type EventType int

const (
	// EventNewRequest входящий не-INVITE запрос (создана серверная транзакция)
	EventNewRequest EventType = iota
	// EventInviteRequest входящий INVITE (создана серверная транзакция)
	EventInviteRequest
	// EventAckReceived входящий ACK для 2xx (вне транзакции, RFC 3261 §17.1.1.3)
	EventAckReceived
	// EventCancelRequest входящий CANCEL, сопоставленный с INVITE транзакцией
	EventCancelRequest
	// EventProvisionalResponse получен 1xx на клиентскую транзакцию
	EventProvisionalResponse
	// EventSuccessResponse получен 2xx
	EventSuccessResponse
	// EventFailureResponse получен финальный ответ >= 300
	EventFailureResponse
	// EventCompleted транзакция перешла в Completed
	EventCompleted
	// EventTerminated транзакция перешла в Terminated
	EventTerminated
	// EventError ошибка транспорта или таймаут
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventNewRequest:
		return "NewRequest"
	case EventInviteRequest:
		return "InviteRequest"
	case EventAckReceived:
		return "AckReceived"
	case EventCancelRequest:
		return "CancelRequest"
	case EventProvisionalResponse:
		return "ProvisionalResponse"
	case EventSuccessResponse:
		return "SuccessResponse"
	case EventFailureResponse:
		return "FailureResponse"
	case EventCompleted:
		return "TransactionCompleted"
	case EventTerminated:
		return "TransactionTerminated"
	case EventError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Event событие транзакционного слоя.
//
// Для событий запросов заполнен Request и Source; для событий ответов —
// Request (исходный) и Response. Err заполнен только для EventError.
type Event struct {
	Type     EventType
	Key      Key
	Kind     Kind
	Request  *sip.Request
	Response *sip.Response
	Source   string
	Err      *Error
}

// Handler обработчик событий транзакционного слоя
type Handler func(Event)
