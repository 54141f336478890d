// Package session реализует жизненный цикл вызовов поверх слоев
// диалогов и транзакций и их связь с медиа координатором.
//
// Ключевое правило координации (RFC 3261 §13): медиа сессия создается
// строго после ACK — у вызывающей стороны после отправки ACK на 2xx,
// у вызываемой после приема ACK. До этого момента RTP не течет.
package session

import (
	"time"

	"github.com/emiago/sipgo/sip"
)

// CallState состояние вызова
type CallState string

const (
	// StateInitiating вызов создается: INVITE отправлен или получен
	StateInitiating CallState = "Initiating"
	// StateRinging получен или отправлен 180 Ringing
	StateRinging CallState = "Ringing"
	// StateActive вызов установлен, медиа идет
	StateActive CallState = "Active"
	// StateOnHold вызов на удержании
	StateOnHold CallState = "OnHold"
	// StateTerminating отправлен BYE, ждем подтверждения
	StateTerminating CallState = "Terminating"
	// StateTerminated вызов завершен
	StateTerminated CallState = "Terminated"
	// StateFailed вызов не состоялся
	StateFailed CallState = "Failed"
	// StateCancelled вызов отменен до ответа
	StateCancelled CallState = "Cancelled"
)

// IsFinal сообщает, является ли состояние терминальным
func (s CallState) IsFinal() bool {
	return s == StateTerminated || s == StateFailed || s == StateCancelled
}

// Direction направление вызова
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

func (d Direction) String() string {
	if d == DirectionIncoming {
		return "Incoming"
	}
	return "Outgoing"
}

// IncomingCallInfo информация о входящем вызове для обработчика
type IncomingCallInfo struct {
	SessionID string
	From      string
	To        string
	// SDP тело оффера; nil если INVITE без SDP
	SDP []byte
	// Headers выбранные заголовки запроса
	Headers map[string]string
}

// DecisionKind тип решения обработчика входящего вызова
type DecisionKind int

const (
	// DecisionAccept принять вызов
	DecisionAccept DecisionKind = iota
	// DecisionReject отклонить вызов
	DecisionReject
	// DecisionDefer отложить решение: приложение ответит позже
	// через Answer или Reject
	DecisionDefer
	// DecisionForward перенаправить вызов (302)
	DecisionForward
)

// Decision решение обработчика входящего вызова
type Decision struct {
	Kind DecisionKind

	// RejectStatus и RejectReason код отказа; по умолчанию 603 Decline
	RejectStatus int
	RejectReason string

	// ForwardTarget цель перенаправления для DecisionForward
	ForwardTarget string
}

// Accept возвращает решение принять вызов
func Accept() Decision { return Decision{Kind: DecisionAccept} }

// Reject возвращает решение отклонить вызов
func Reject(status int, reason string) Decision {
	return Decision{Kind: DecisionReject, RejectStatus: status, RejectReason: reason}
}

// Defer возвращает решение отложить ответ
func Defer() Decision { return Decision{Kind: DecisionDefer} }

// Forward возвращает решение перенаправить вызов
func Forward(target string) Decision {
	return Decision{Kind: DecisionForward, ForwardTarget: target}
}

// CallHandler пользовательский обработчик вызовов.
//
// OnIncomingCall может вызываться конкурентно для разных сессий;
// для одной сессии вызовы сериализованы.
type CallHandler interface {
	// OnIncomingCall вызывается для нового входящего вызова
	OnIncomingCall(info IncomingCallInfo) Decision

	// OnClientError уведомляет о не фатальной ошибке
	OnClientError(sessionID string, err error)
}

// CallHandlerFunc адаптер функции к CallHandler
type CallHandlerFunc func(info IncomingCallInfo) Decision

func (f CallHandlerFunc) OnIncomingCall(info IncomingCallInfo) Decision { return f(info) }
func (f CallHandlerFunc) OnClientError(string, error)                   {}

// Виды событий шины, публикуемых менеджером сессий
const (
	EventKindIncomingCall      = "IncomingCall"
	EventKindCallStateChanged  = "CallStateChanged"
	EventKindMediaEvent        = "MediaEvent"
	EventKindSessionTerminated = "SessionTerminated"
	EventKindNetworkEvent      = "NetworkEvent"
)

// CallStateChangedPayload полезная нагрузка CallStateChanged
type CallStateChangedPayload struct {
	SessionID string
	Old       CallState
	New       CallState
	Reason    string
}

// MediaEventKind вид медиа события
type MediaEventKind string

const (
	MediaAudioStarted       MediaEventKind = "AudioStarted"
	MediaAudioStopped       MediaEventKind = "AudioStopped"
	MediaDtmfSent           MediaEventKind = "DtmfSent"
	MediaDtmfReceived       MediaEventKind = "DtmfReceived"
	MediaHoldStateChanged   MediaEventKind = "HoldStateChanged"
	MediaQuality            MediaEventKind = "Quality"
	MediaPacketLoss         MediaEventKind = "PacketLoss"
	MediaJitter             MediaEventKind = "Jitter"
	MediaSdpOfferGenerated  MediaEventKind = "SdpOfferGenerated"
	MediaSdpAnswerProcessed MediaEventKind = "SdpAnswerProcessed"
	MediaSessionStarted     MediaEventKind = "MediaSessionStarted"
	MediaUpdated            MediaEventKind = "MediaUpdate"
)

// MediaEventPayload полезная нагрузка MediaEvent
type MediaEventPayload struct {
	SessionID string
	Kind      MediaEventKind

	// Digits для DtmfSent/DtmfReceived
	Digits string
	// MediaID для MediaSessionStarted
	MediaID string
	// Value числовое значение (mos_x100, pct_x100, ms)
	Value int
	// SDP предложенный SDP для MediaUpdate
	SDP []byte
}

// SessionTerminatedPayload полезная нагрузка SessionTerminated
type SessionTerminatedPayload struct {
	SessionID string
	Reason    string
}

// SessionInfo неизменяемый снимок сессии
type SessionInfo struct {
	ID          string
	Direction   Direction
	State       CallState
	LocalURI    string
	RemoteURI   string
	DialogID    string
	MediaID     string
	CreatedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
	Metadata    map[string]string
}

// requestHeaders извлекает интересующие заголовки для IncomingCallInfo
func requestHeaders(req *sip.Request) map[string]string {
	out := make(map[string]string)
	for _, name := range []string{"User-Agent", "Subject", "Priority", "Referred-By"} {
		if h := req.GetHeader(name); h != nil {
			out[name] = h.Value()
		}
	}
	return out
}
