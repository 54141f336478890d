package media_sdp

import "errors"

// Ошибки SDP переговорки
var (
	// ErrNoCompatibleCodecs нет пересечения кодеков; ответ 488
	ErrNoCompatibleCodecs = errors.New("no compatible codecs")
	// ErrNoAudioMedia в SDP нет аудио секции
	ErrNoAudioMedia = errors.New("no audio media description")
	// ErrInvalidSDP SDP не удалось разобрать
	ErrInvalidSDP = errors.New("invalid SDP")
	// ErrMissingConnection нет connection information ни на сессии, ни на медиа
	ErrMissingConnection = errors.New("missing connection information")
)
