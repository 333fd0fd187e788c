package imaging

import (
	"fmt"

	"gocv.io/x/gocv"
)

// DefaultJPEGQuality はストリーミング用のJPEG品質
const DefaultJPEGQuality = 85

// EncodeJPEG はJPEGにエンコードする
func (f *Frame) EncodeJPEG(quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	m, err := f.Mat()
	if err != nil {
		return nil, err
	}
	defer m.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, m, []int{int(gocv.IMWriteJpegQuality), quality})
	if err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	defer buf.Close()
	return cloneBytes(buf.GetBytes()), nil
}

// EncodePNG はPNGにエンコードする
func (f *Frame) EncodePNG() ([]byte, error) {
	m, err := f.Mat()
	if err != nil {
		return nil, err
	}
	defer m.Close()

	buf, err := gocv.IMEncode(gocv.PNGFileExt, m)
	if err != nil {
		return nil, fmt.Errorf("PNGエンコードに失敗: %w", err)
	}
	defer buf.Close()
	return cloneBytes(buf.GetBytes()), nil
}

// Decode はPNG/JPEGなどのエンコード済み画像をBGRの Frame にする
func Decode(data []byte) (*Frame, error) {
	m, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("画像のデコードに失敗: %w", err)
	}
	defer m.Close()
	return FromMat(m)
}

// ReadFile は画像ファイルをBGRの Frame として読み込む
func ReadFile(path string) (*Frame, error) {
	m := gocv.IMRead(path, gocv.IMReadColor)
	defer m.Close()
	if m.Empty() {
		return nil, fmt.Errorf("%s を読み込めません: %w", path, ErrEmptyFrame)
	}
	return FromMat(m)
}

// WriteFile は拡張子に応じた形式で画像ファイルを書き出す
func (f *Frame) WriteFile(path string) error {
	m, err := f.Mat()
	if err != nil {
		return err
	}
	defer m.Close()
	if !gocv.IMWrite(path, m) {
		return fmt.Errorf("%s へ書き込めません", path)
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
