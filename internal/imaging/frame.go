package imaging

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"stccam/internal/harvester"
	"stccam/internal/pixfmt"
)

// ErrEmptyFrame は画像データが空
var ErrEmptyFrame = errors.New("画像が空です")

// Frame は8ビットの画像1枚（変換後は BGR の H×W×3）
type Frame struct {
	Width     int
	Height    int
	Channels  int
	Data      []byte
	FrameID   uint64
	Timestamp uint64
}

// Shape は (高さ, 幅, チャンネル数) を返す
func (f *Frame) Shape() (int, int, int) {
	return f.Height, f.Width, f.Channels
}

// Clone はデータを複製した Frame を返す
func (f *Frame) Clone() *Frame {
	c := *f
	c.Data = make([]byte, len(f.Data))
	copy(c.Data, f.Data)
	return &c
}

// At は (x, y) の画素値を返す
func (f *Frame) At(x, y int) []byte {
	i := (y*f.Width + x) * f.Channels
	return f.Data[i : i+f.Channels]
}

func (f *Frame) matType() (gocv.MatType, error) {
	switch f.Channels {
	case 1:
		return gocv.MatTypeCV8UC1, nil
	case 3:
		return gocv.MatTypeCV8UC3, nil
	case 4:
		return gocv.MatTypeCV8UC4, nil
	}
	return 0, fmt.Errorf("チャンネル数 %d には対応していません", f.Channels)
}

// Mat は gocv.Mat を作成する（呼び出し側で Close する）
func (f *Frame) Mat() (gocv.Mat, error) {
	if f.Width <= 0 || f.Height <= 0 || len(f.Data) == 0 {
		return gocv.NewMat(), ErrEmptyFrame
	}
	mt, err := f.matType()
	if err != nil {
		return gocv.NewMat(), err
	}
	if want := f.Width * f.Height * f.Channels; len(f.Data) < want {
		return gocv.NewMat(), fmt.Errorf("データ長 %d < %d: %w", len(f.Data), want, pixfmt.ErrShortBuffer)
	}
	return gocv.NewMatFromBytes(f.Height, f.Width, mt, f.Data)
}

// FromMat は gocv.Mat から Frame を作成する
func FromMat(m gocv.Mat) (*Frame, error) {
	if m.Empty() {
		return nil, ErrEmptyFrame
	}
	return &Frame{
		Width:    m.Cols(),
		Height:   m.Rows(),
		Channels: m.Channels(),
		Data:     m.ToBytes(),
	}, nil
}

// FromComponent はバッファの画像を指定の変換で Frame にする
func FromComponent(c harvester.Component, conv Conversion) (*Frame, error) {
	samples, err := pixfmt.To8Bit(c.PixelFormat, c.Width, c.Height, c.Data)
	if err != nil {
		return nil, fmt.Errorf("8ビットへの変換に失敗: %w", err)
	}

	resolved, err := Resolve(conv, c.PixelFormat)
	if err != nil {
		return nil, err
	}

	src := &Frame{
		Width:    c.Width,
		Height:   c.Height,
		Channels: c.PixelFormat.Channels(),
		Data:     samples,
	}
	if resolved == ConvNone {
		return src, nil
	}
	return Convert(src, resolved)
}

// FromBuffer は受信したバッファの最初の画像を Frame にする
func FromBuffer(b *harvester.Buffer, conv Conversion) (*Frame, error) {
	if len(b.Payload.Components) == 0 {
		return nil, ErrEmptyFrame
	}
	f, err := FromComponent(b.Payload.Components[0], conv)
	if err != nil {
		return nil, err
	}
	f.FrameID = b.FrameID
	f.Timestamp = b.Timestamp
	return f, nil
}

// Convert は色変換を適用した新しい Frame を返す
func Convert(src *Frame, conv Conversion) (*Frame, error) {
	if conv == ConvNone {
		return src.Clone(), nil
	}
	info, ok := conversions[conv]
	if !ok {
		return nil, fmt.Errorf("%q: %w", conv, ErrUnknownConversion)
	}
	if src.Channels != info.channels {
		return nil, fmt.Errorf("%s は %d チャンネル入力ですが画像は %d チャンネル: %w",
			conv, info.channels, src.Channels, ErrConversionMismatch)
	}

	m, err := src.Mat()
	if err != nil {
		return nil, err
	}
	defer m.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.CvtColor(m, &dst, info.code)

	out, err := FromMat(dst)
	if err != nil {
		return nil, fmt.Errorf("%s の変換に失敗: %w", conv, err)
	}
	out.FrameID = src.FrameID
	out.Timestamp = src.Timestamp
	return out, nil
}

// Resize は指定サイズに縮小・拡大した Frame を返す
func Resize(src *Frame, width, height int) (*Frame, error) {
	if width == src.Width && height == src.Height {
		return src.Clone(), nil
	}
	m, err := src.Mat()
	if err != nil {
		return nil, err
	}
	defer m.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(m, &dst, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)

	out, err := FromMat(dst)
	if err != nil {
		return nil, err
	}
	out.FrameID = src.FrameID
	out.Timestamp = src.Timestamp
	return out, nil
}

// Combine は左右の画像を横に並べる
// 右画像の高さが異なる場合は縦横比を保って左画像の高さに合わせる
func Combine(left, right *Frame) (*Frame, error) {
	if left.Channels != right.Channels {
		return nil, fmt.Errorf("チャンネル数が異なります (%d, %d)", left.Channels, right.Channels)
	}

	r := right
	if right.Height != left.Height {
		w := right.Width * left.Height / right.Height
		resized, err := Resize(right, w, left.Height)
		if err != nil {
			return nil, fmt.Errorf("右画像のリサイズに失敗: %w", err)
		}
		r = resized
	}

	lm, err := left.Mat()
	if err != nil {
		return nil, err
	}
	defer lm.Close()
	rm, err := r.Mat()
	if err != nil {
		return nil, err
	}
	defer rm.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Hconcat(lm, rm, &dst)

	out, err := FromMat(dst)
	if err != nil {
		return nil, fmt.Errorf("画像の結合に失敗: %w", err)
	}
	out.FrameID = left.FrameID
	out.Timestamp = left.Timestamp
	return out, nil
}
