package genapi

import (
	"fmt"
	"sync"
)

// Port はデバイスのレジスタ空間へのアクセスを提供する
type Port interface {
	// Read は address から length バイトを読み出す
	Read(address int64, length int) ([]byte, error)

	// Write は address へ data を書き込む
	Write(address int64, data []byte) error
}

// MemoryPort はメモリ上のバイト列をレジスタ空間として扱う Port 実装
// シミュレーションカメラとテストで使用する
type MemoryPort struct {
	mu   sync.Mutex
	base int64
	data []byte

	// OnWrite は書き込み後に呼ばれるフック（ロック外で呼ばれる）
	OnWrite func(address int64, data []byte)
}

// NewMemoryPort は base から size バイトのレジスタ空間を持つ MemoryPort を作成する
func NewMemoryPort(base int64, size int) *MemoryPort {
	return &MemoryPort{
		base: base,
		data: make([]byte, size),
	}
}

// Read はレジスタ空間から読み出す
func (p *MemoryPort) Read(address int64, length int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	off, err := p.offset(address, length)
	if err != nil {
		return nil, err
	}

	out := make([]byte, length)
	copy(out, p.data[off:off+int64(length)])
	return out, nil
}

// Write はレジスタ空間へ書き込む
func (p *MemoryPort) Write(address int64, data []byte) error {
	p.mu.Lock()
	off, err := p.offset(address, len(data))
	if err != nil {
		p.mu.Unlock()
		return err
	}
	copy(p.data[off:], data)
	hook := p.OnWrite
	p.mu.Unlock()

	if hook != nil {
		hook(address, data)
	}
	return nil
}

// Poke はフックを呼ばずに書き込む（デバイス側からの更新用）
func (p *MemoryPort) Poke(address int64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	off, err := p.offset(address, len(data))
	if err != nil {
		return err
	}
	copy(p.data[off:], data)
	return nil
}

// offset はアドレスを内部スライスのオフセットに変換する
func (p *MemoryPort) offset(address int64, length int) (int64, error) {
	off := address - p.base
	if off < 0 || length < 0 || off+int64(length) > int64(len(p.data)) {
		return 0, fmt.Errorf("アドレス 0x%x (長さ %d) はポートの範囲外です", address, length)
	}
	return off, nil
}
