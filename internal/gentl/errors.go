package gentl

import (
	"errors"
	"fmt"
)

// GenTL のエラーコード
const (
	codeSuccess          int32 = 0
	codeError            int32 = -1001
	codeNotInitialized   int32 = -1002
	codeNotImplemented   int32 = -1003
	codeResourceInUse    int32 = -1004
	codeAccessDenied     int32 = -1005
	codeInvalidHandle    int32 = -1006
	codeInvalidID        int32 = -1007
	codeNoData           int32 = -1008
	codeInvalidParameter int32 = -1009
	codeIO               int32 = -1010
	codeTimeout          int32 = -1011
	codeAbort            int32 = -1012
	codeInvalidBuffer    int32 = -1013
	codeNotAvailable     int32 = -1014
	codeInvalidAddress   int32 = -1015
	codeBufferTooSmall   int32 = -1016
)

var codeNames = map[int32]string{
	codeError:            "GC_ERR_ERROR",
	codeNotInitialized:   "GC_ERR_NOT_INITIALIZED",
	codeNotImplemented:   "GC_ERR_NOT_IMPLEMENTED",
	codeResourceInUse:    "GC_ERR_RESOURCE_IN_USE",
	codeAccessDenied:     "GC_ERR_ACCESS_DENIED",
	codeInvalidHandle:    "GC_ERR_INVALID_HANDLE",
	codeInvalidID:        "GC_ERR_INVALID_ID",
	codeNoData:           "GC_ERR_NO_DATA",
	codeInvalidParameter: "GC_ERR_INVALID_PARAMETER",
	codeIO:               "GC_ERR_IO",
	codeTimeout:          "GC_ERR_TIMEOUT",
	codeAbort:            "GC_ERR_ABORT",
	codeInvalidBuffer:    "GC_ERR_INVALID_BUFFER",
	codeNotAvailable:     "GC_ERR_NOT_AVAILABLE",
	codeInvalidAddress:   "GC_ERR_INVALID_ADDRESS",
	codeBufferTooSmall:   "GC_ERR_BUFFER_TOO_SMALL",
}

var (
	// ErrTimeout はバッファ待ちなどがタイムアウトした
	ErrTimeout = errors.New("タイムアウトしました")
	// ErrNotAvailable は要求された情報や機能をプロデューサが提供していない
	ErrNotAvailable = errors.New("利用できません")
	// ErrAccessDenied はデバイスが他のプロセスに使用されている
	ErrAccessDenied = errors.New("アクセスが拒否されました")
	// ErrUnsupported はこのビルドまたはプロデューサで未対応
	ErrUnsupported = errors.New("未対応です")
)

// Error は GenTL 関数が返したエラー
type Error struct {
	Func string // 失敗した関数名
	Code int32  // GC_ERROR
	Text string // GCGetLastError の説明
}

// Error はエラーメッセージを返す
func (e *Error) Error() string {
	name, ok := codeNames[e.Code]
	if !ok {
		name = fmt.Sprintf("%d", e.Code)
	}
	if e.Text != "" {
		return fmt.Sprintf("%s が失敗: %s (%s)", e.Func, name, e.Text)
	}
	return fmt.Sprintf("%s が失敗: %s", e.Func, name)
}

// Is はエラーコードを名前付きエラーへ対応付ける
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Code == codeTimeout
	case ErrNotAvailable:
		return e.Code == codeNotAvailable || e.Code == codeNotImplemented
	case ErrAccessDenied:
		return e.Code == codeAccessDenied || e.Code == codeResourceInUse
	}
	return false
}

// newError は GC_ERROR からエラーを作る（成功時は nil）
func newError(fn string, code int32, text string) error {
	if code == codeSuccess {
		return nil
	}
	return &Error{Func: fn, Code: code, Text: text}
}
