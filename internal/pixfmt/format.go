// Package pixfmt GenICam PFNC のピクセルフォーマットを扱う
//
// # 責務
// - フォーマット名とPFNCコードの相互変換
// - 1画素あたりのビット数、チャンネル数、Bayer配列の判定
// - 10/12/16ビット（非パック・LSBパック）データの8ビット化
//
// # 仕様
// - PFNCコードの bit16-23 が1画素あたりの有効ビット数
// - 非パック形式の10/12/16ビットはリトルエンディアン2バイト
// - p 付きの形式はライン境界をまたいで連続してパックされる
package pixfmt

import (
	"errors"
	"fmt"
	"sort"
)

// Format はPFNCのピクセルフォーマットコード
type Format uint32

// Pattern はBayer配列の左上2x2の並び
type Pattern string

const (
	PatternNone Pattern = ""
	PatternRG   Pattern = "RG"
	PatternBG   Pattern = "BG"
	PatternGR   Pattern = "GR"
	PatternGB   Pattern = "GB"
)

const (
	Mono8   Format = 0x01080001
	Mono10  Format = 0x01100003
	Mono12  Format = 0x01100005
	Mono16  Format = 0x01100007
	Mono10p Format = 0x010A0046
	Mono12p Format = 0x010C0047

	BayerGR8  Format = 0x01080008
	BayerRG8  Format = 0x01080009
	BayerGB8  Format = 0x0108000A
	BayerBG8  Format = 0x0108000B
	BayerGR10 Format = 0x0110000C
	BayerRG10 Format = 0x0110000D
	BayerGB10 Format = 0x0110000E
	BayerBG10 Format = 0x0110000F
	BayerGR12 Format = 0x01100010
	BayerRG12 Format = 0x01100011
	BayerGB12 Format = 0x01100012
	BayerBG12 Format = 0x01100013
	BayerGR16 Format = 0x0110002E
	BayerRG16 Format = 0x0110002F
	BayerGB16 Format = 0x01100030
	BayerBG16 Format = 0x01100031

	BayerBG10p Format = 0x010A0052
	BayerGB10p Format = 0x010A0054
	BayerGR10p Format = 0x010A0056
	BayerRG10p Format = 0x010A0058
	BayerBG12p Format = 0x010C0053
	BayerGB12p Format = 0x010C0055
	BayerGR12p Format = 0x010C0057
	BayerRG12p Format = 0x010C0059

	RGB8  Format = 0x02180014
	BGR8  Format = 0x02180015
	RGBa8 Format = 0x02200016
	BGRa8 Format = 0x02200017
)

var (
	// ErrUnknownFormat は未対応のピクセルフォーマット
	ErrUnknownFormat = errors.New("未対応のピクセルフォーマットです")
	// ErrShortBuffer は画像サイズに対してデータが不足している
	ErrShortBuffer = errors.New("画像データが不足しています")
)

// info はフォーマットごとの属性
type info struct {
	name     string
	sample   int // 1チャンネルあたりの有効ビット数
	channels int
	packed   bool
	pattern  Pattern
}

var formats = map[Format]info{
	Mono8:   {name: "Mono8", sample: 8, channels: 1},
	Mono10:  {name: "Mono10", sample: 10, channels: 1},
	Mono12:  {name: "Mono12", sample: 12, channels: 1},
	Mono16:  {name: "Mono16", sample: 16, channels: 1},
	Mono10p: {name: "Mono10p", sample: 10, channels: 1, packed: true},
	Mono12p: {name: "Mono12p", sample: 12, channels: 1, packed: true},

	BayerGR8:  {name: "BayerGR8", sample: 8, channels: 1, pattern: PatternGR},
	BayerRG8:  {name: "BayerRG8", sample: 8, channels: 1, pattern: PatternRG},
	BayerGB8:  {name: "BayerGB8", sample: 8, channels: 1, pattern: PatternGB},
	BayerBG8:  {name: "BayerBG8", sample: 8, channels: 1, pattern: PatternBG},
	BayerGR10: {name: "BayerGR10", sample: 10, channels: 1, pattern: PatternGR},
	BayerRG10: {name: "BayerRG10", sample: 10, channels: 1, pattern: PatternRG},
	BayerGB10: {name: "BayerGB10", sample: 10, channels: 1, pattern: PatternGB},
	BayerBG10: {name: "BayerBG10", sample: 10, channels: 1, pattern: PatternBG},
	BayerGR12: {name: "BayerGR12", sample: 12, channels: 1, pattern: PatternGR},
	BayerRG12: {name: "BayerRG12", sample: 12, channels: 1, pattern: PatternRG},
	BayerGB12: {name: "BayerGB12", sample: 12, channels: 1, pattern: PatternGB},
	BayerBG12: {name: "BayerBG12", sample: 12, channels: 1, pattern: PatternBG},
	BayerGR16: {name: "BayerGR16", sample: 16, channels: 1, pattern: PatternGR},
	BayerRG16: {name: "BayerRG16", sample: 16, channels: 1, pattern: PatternRG},
	BayerGB16: {name: "BayerGB16", sample: 16, channels: 1, pattern: PatternGB},
	BayerBG16: {name: "BayerBG16", sample: 16, channels: 1, pattern: PatternBG},

	BayerBG10p: {name: "BayerBG10p", sample: 10, channels: 1, packed: true, pattern: PatternBG},
	BayerGB10p: {name: "BayerGB10p", sample: 10, channels: 1, packed: true, pattern: PatternGB},
	BayerGR10p: {name: "BayerGR10p", sample: 10, channels: 1, packed: true, pattern: PatternGR},
	BayerRG10p: {name: "BayerRG10p", sample: 10, channels: 1, packed: true, pattern: PatternRG},
	BayerBG12p: {name: "BayerBG12p", sample: 12, channels: 1, packed: true, pattern: PatternBG},
	BayerGB12p: {name: "BayerGB12p", sample: 12, channels: 1, packed: true, pattern: PatternGB},
	BayerGR12p: {name: "BayerGR12p", sample: 12, channels: 1, packed: true, pattern: PatternGR},
	BayerRG12p: {name: "BayerRG12p", sample: 12, channels: 1, packed: true, pattern: PatternRG},

	RGB8:  {name: "RGB8", sample: 8, channels: 3},
	BGR8:  {name: "BGR8", sample: 8, channels: 3},
	RGBa8: {name: "RGBa8", sample: 8, channels: 4},
	BGRa8: {name: "BGRa8", sample: 8, channels: 4},
}

var byName = func() map[string]Format {
	m := make(map[string]Format, len(formats))
	for f, i := range formats {
		m[i.name] = f
	}
	return m
}()

// Parse はフォーマット名からコードを取得する
func Parse(name string) (Format, error) {
	f, ok := byName[name]
	if !ok {
		return 0, fmt.Errorf("%q: %w", name, ErrUnknownFormat)
	}
	return f, nil
}

// Names は対応しているフォーマット名をソートして返す
func Names() []string {
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Known は対応しているフォーマットかを返す
func (f Format) Known() bool {
	_, ok := formats[f]
	return ok
}

// String はフォーマット名を返す（未知のコードは16進表記）
func (f Format) String() string {
	if i, ok := formats[f]; ok {
		return i.name
	}
	return fmt.Sprintf("0x%08X", uint32(f))
}

// BitsPerPixel は1画素あたりのビット数を返す
func (f Format) BitsPerPixel() int {
	return int(uint32(f)>>16) & 0xFF
}

// SampleBits は1チャンネルあたりの有効ビット数を返す
func (f Format) SampleBits() int {
	return formats[f].sample
}

// Channels はチャンネル数を返す
func (f Format) Channels() int {
	return formats[f].channels
}

// Packed はLSBパック形式かを返す
func (f Format) Packed() bool {
	return formats[f].packed
}

// Bayer はBayer配列を返す（Bayer以外は PatternNone）
func (f Format) Bayer() Pattern {
	return formats[f].pattern
}

// IsColor はカラー画像（Bayer含む）かを返す
func (f Format) IsColor() bool {
	i := formats[f]
	return i.channels >= 3 || i.pattern != PatternNone
}

// ImageSize は width x height の画像に必要なバイト数を返す
func (f Format) ImageSize(width, height int) int {
	bits := width * height * f.BitsPerPixel()
	return (bits + 7) / 8
}
