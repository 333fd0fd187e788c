//go:build !cgo

package gentl

import "fmt"

// Producer はcgoなしのビルドでは利用できない
type Producer struct{}

// Load はcgoなしのビルドでは常に ErrUnsupported を返す
func Load(path string) (*Producer, error) {
	return nil, fmt.Errorf("プロデューサ %s: cgo なしでビルドされています: %w", path, ErrUnsupported)
}
