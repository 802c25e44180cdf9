package jobs

import "errors"

var (
	// ErrJobNotFound は指定IDのジョブが存在しない場合に返されます。
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal は完了済みジョブへの書き込み時に返されます。
	ErrJobTerminal = errors.New("job already finished")
	// ErrQueueFull は受付上限に達している場合に返されます。
	ErrQueueFull = errors.New("generation queue is full")
	// ErrCourseBusy は同じコースで未完了のジョブがある場合に返されます。
	ErrCourseBusy = errors.New("course already has an active generation job")
)

// InputError はジョブ作成前に検出した入力エラーです。
type InputError struct {
	Code    string
	Message string
}

func (e *InputError) Error() string {
	return e.Code + ": " + e.Message
}

func newInputError(code, message string) *InputError {
	return &InputError{Code: code, Message: message}
}
