package dialog

import "errors"

// Ошибки слоя диалогов
var (
	// ErrOutOfOrder удаленный CSeq меньше ожидаемого; ответ 500
	ErrOutOfOrder = errors.New("CSeq out of order")
	// ErrDialogNotFound диалог не найден; ответ 481
	ErrDialogNotFound = errors.New("dialog not found")
	// ErrDialogTerminated операция над завершенным диалогом
	ErrDialogTerminated = errors.New("dialog terminated")
	// ErrMissingTag ответ не содержит To tag, диалог построить нельзя
	ErrMissingTag = errors.New("missing tag")
	// ErrDialogExists диалог с такой тройкой уже существует
	ErrDialogExists = errors.New("dialog already exists")
	// ErrNoRemoteTarget у диалога нет remote target для запроса
	ErrNoRemoteTarget = errors.New("no remote target")
)
