package genapi

import (
	"errors"
	"fmt"
)

var (
	// ErrNodeNotFound は指定されたノードが存在しない
	ErrNodeNotFound = errors.New("ノードが見つかりません")
	// ErrAccessDenied はアクセスモードにより読み書きできない
	ErrAccessDenied = errors.New("アクセスが拒否されました")
	// ErrOutOfRange は値が Min / Max の範囲外
	ErrOutOfRange = errors.New("値が範囲外です")
	// ErrInvalidValue は値が Inc に合わない、または存在しないシンボリック
	ErrInvalidValue = errors.New("無効な値です")
	// ErrUnsupported は未対応のノード種別または操作
	ErrUnsupported = errors.New("未対応の操作です")
	// ErrTypeMismatch はノードが要求された型として扱えない
	ErrTypeMismatch = errors.New("ノードの型が一致しません")
)

// nodeError はノード名を付与してエラーを包む
func nodeError(name string, err error) error {
	return fmt.Errorf("ノード %s: %w", name, err)
}
