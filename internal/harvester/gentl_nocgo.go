//go:build !cgo

package harvester

import "stccam/internal/gentl"

// loadGenTL は cgo なしのビルドでは常に失敗する
func loadGenTL(path string) (Producer, error) {
	_, err := gentl.Load(path)
	return nil, err
}
