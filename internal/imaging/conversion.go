package imaging

import (
	"errors"
	"fmt"
	"sort"

	"gocv.io/x/gocv"

	"stccam/internal/pixfmt"
)

// Conversion はカメラ画像をBGRへ変換する方法
type Conversion string

const (
	ConvAuto        Conversion = "auto" // ピクセルフォーマットから自動選択
	ConvNone        Conversion = "none" // 変換しない
	ConvBayerBG2BGR Conversion = "BayerBG2BGR"
	ConvBayerRG2BGR Conversion = "BayerRG2BGR"
	ConvBayerGB2BGR Conversion = "BayerGB2BGR"
	ConvBayerGR2BGR Conversion = "BayerGR2BGR"
	ConvRGB2BGR     Conversion = "RGB2BGR"
	ConvGRAY2BGR    Conversion = "GRAY2BGR"

	// 内部でのみ選択される
	convRGBA2BGR Conversion = "RGBA2BGR"
	convBGRA2BGR Conversion = "BGRA2BGR"
)

var (
	// ErrUnknownConversion は未知の変換名
	ErrUnknownConversion = errors.New("未知の色変換です")
	// ErrConversionMismatch は変換とピクセルフォーマットのチャンネル数が合わない
	ErrConversionMismatch = errors.New("色変換とピクセルフォーマットが一致しません")
)

type conversionInfo struct {
	code     gocv.ColorConversionCode
	channels int // 入力のチャンネル数
}

var conversions = map[Conversion]conversionInfo{
	ConvBayerBG2BGR: {gocv.ColorBayerBGToBGR, 1},
	ConvBayerRG2BGR: {gocv.ColorBayerRGToBGR, 1},
	ConvBayerGB2BGR: {gocv.ColorBayerGBToBGR, 1},
	ConvBayerGR2BGR: {gocv.ColorBayerGRToBGR, 1},
	ConvRGB2BGR:     {gocv.ColorRGBToBGR, 3},
	ConvGRAY2BGR:    {gocv.ColorGrayToBGR, 1},
	convRGBA2BGR:    {gocv.ColorRGBAToBGR, 4},
	convBGRA2BGR:    {gocv.ColorBGRAToBGR, 4},
}

// ParseConversion は変換名を解釈する（空文字は auto）
func ParseConversion(name string) (Conversion, error) {
	c := Conversion(name)
	switch c {
	case "":
		return ConvAuto, nil
	case ConvAuto, ConvNone:
		return c, nil
	case convRGBA2BGR, convBGRA2BGR:
		return "", fmt.Errorf("%q: %w", name, ErrUnknownConversion)
	}
	if _, ok := conversions[c]; !ok {
		return "", fmt.Errorf("%q: %w", name, ErrUnknownConversion)
	}
	return c, nil
}

// ConversionNames は指定可能な変換名の一覧を返す
func ConversionNames() []string {
	names := []string{string(ConvAuto), string(ConvNone)}
	var rest []string
	for c := range conversions {
		if c == convRGBA2BGR || c == convBGRA2BGR {
			continue
		}
		rest = append(rest, string(c))
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// Resolve は auto をピクセルフォーマットに応じた具体的な変換に置き換える
//
// OpenCV のBayer名は2行目の2x2の並びで数えるため、PFNC の BayerRG は
// BayerBG2BGR で変換する（他の配列も同様にずれる）
func Resolve(c Conversion, f pixfmt.Format) (Conversion, error) {
	if c != ConvAuto {
		return c, nil
	}

	switch f.Bayer() {
	case pixfmt.PatternRG:
		return ConvBayerBG2BGR, nil
	case pixfmt.PatternBG:
		return ConvBayerRG2BGR, nil
	case pixfmt.PatternGR:
		return ConvBayerGB2BGR, nil
	case pixfmt.PatternGB:
		return ConvBayerGR2BGR, nil
	}

	switch f {
	case pixfmt.RGB8:
		return ConvRGB2BGR, nil
	case pixfmt.BGR8:
		return ConvNone, nil
	case pixfmt.RGBa8:
		return convRGBA2BGR, nil
	case pixfmt.BGRa8:
		return convBGRA2BGR, nil
	}
	if f.Known() && f.Channels() == 1 {
		return ConvGRAY2BGR, nil
	}
	return "", fmt.Errorf("%s: %w", f, pixfmt.ErrUnknownFormat)
}
