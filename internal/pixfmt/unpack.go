package pixfmt

import (
	"encoding/binary"
	"fmt"
)

// To8Bit は画像データを1チャンネル8ビットのサンプル列へ変換する
// 結果の長さは width * height * Channels()
func To8Bit(f Format, width, height int, data []byte) ([]byte, error) {
	i, ok := formats[f]
	if !ok {
		return nil, fmt.Errorf("%s: %w", f, ErrUnknownFormat)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("無効な画像サイズ: %dx%d", width, height)
	}

	need := f.ImageSize(width, height)
	if len(data) < need {
		return nil, fmt.Errorf("%s %dx%d に %d バイト必要ですが %d バイトしかありません: %w",
			f, width, height, need, len(data), ErrShortBuffer)
	}

	n := width * height * i.channels
	out := make([]byte, n)
	shift := uint(i.sample - 8)

	switch {
	case i.sample == 8:
		copy(out, data[:n])
	case i.packed && i.sample == 10:
		unpack10p(out, data, shift)
	case i.packed && i.sample == 12:
		unpack12p(out, data, shift)
	default:
		for k := 0; k < n; k++ {
			v := binary.LittleEndian.Uint16(data[2*k:])
			out[k] = byte(v >> shift)
		}
	}
	return out, nil
}

// unpack10p は4画素を5バイトに詰めた形式を展開する
func unpack10p(out, data []byte, shift uint) {
	n := len(out)
	for k, b := 0, 0; k < n; k, b = k+4, b+5 {
		var chunk [5]byte
		copy(chunk[:], data[b:])
		px := [4]uint16{
			uint16(chunk[0]) | uint16(chunk[1]&0x03)<<8,
			uint16(chunk[1])>>2 | uint16(chunk[2]&0x0F)<<6,
			uint16(chunk[2])>>4 | uint16(chunk[3]&0x3F)<<4,
			uint16(chunk[3])>>6 | uint16(chunk[4])<<2,
		}
		for j := 0; j < 4 && k+j < n; j++ {
			out[k+j] = byte(px[j] >> shift)
		}
	}
}

// unpack12p は2画素を3バイトに詰めた形式を展開する
func unpack12p(out, data []byte, shift uint) {
	n := len(out)
	for k, b := 0, 0; k < n; k, b = k+2, b+3 {
		var chunk [3]byte
		copy(chunk[:], data[b:])
		px := [2]uint16{
			uint16(chunk[0]) | uint16(chunk[1]&0x0F)<<8,
			uint16(chunk[1])>>4 | uint16(chunk[2])<<4,
		}
		for j := 0; j < 2 && k+j < n; j++ {
			out[k+j] = byte(px[j] >> shift)
		}
	}
}

// From8Bit は8ビットのサンプル列を指定フォーマットのデータへ変換する
// シミュレーションカメラのフレーム生成に使用する
func From8Bit(f Format, width, height int, samples []byte) ([]byte, error) {
	i, ok := formats[f]
	if !ok {
		return nil, fmt.Errorf("%s: %w", f, ErrUnknownFormat)
	}

	n := width * height * i.channels
	if len(samples) < n {
		return nil, fmt.Errorf("サンプル数 %d < %d: %w", len(samples), n, ErrShortBuffer)
	}

	out := make([]byte, f.ImageSize(width, height))
	shift := uint(i.sample - 8)

	switch {
	case i.sample == 8:
		copy(out, samples[:n])
	case i.packed && i.sample == 10:
		for k := 0; k < n; k++ {
			putBits(out, k*10, 10, uint16(samples[k])<<shift)
		}
	case i.packed && i.sample == 12:
		for k := 0; k < n; k++ {
			putBits(out, k*12, 12, uint16(samples[k])<<shift)
		}
	default:
		for k := 0; k < n; k++ {
			binary.LittleEndian.PutUint16(out[2*k:], uint16(samples[k])<<shift)
		}
	}
	return out, nil
}

// putBits はLSBファーストのビット列の bitPos 位置へ width ビットの値を書き込む
func putBits(out []byte, bitPos, width int, v uint16) {
	for b := 0; b < width; b++ {
		if v&(1<<uint(b)) == 0 {
			continue
		}
		pos := bitPos + b
		out[pos/8] |= 1 << uint(pos%8)
	}
}
