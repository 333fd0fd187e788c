// Package npz NumPy の .npy / .npz 形式で float64 配列を読み書きする
//
// キャリブレーション結果を Python 側（numpy.load）でもそのまま読めるように、
// 書き出す配列は '<f8' の C 順に限定する
package npz

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrFormat は .npy の形式が不正
	ErrFormat = errors.New("npy 形式が不正です")
	// ErrNotFound は .npz に指定のキーがない
	ErrNotFound = errors.New("キーが見つかりません")
)

var npyMagic = []byte("\x93NUMPY")

// maxNPYBytes は ReadNPY が受け付ける .npy の最大サイズ
const maxNPYBytes = 1 << 30

// Array は多次元の float64 配列（C 順）
type Array struct {
	Shape []int
	Data  []float64
}

// New は shape と data から Array を作る
func New(data []float64, shape ...int) (Array, error) {
	n := 1
	for _, s := range shape {
		n *= s
	}
	if n != len(data) {
		return Array{}, fmt.Errorf("shape %v と要素数 %d が一致しません", shape, len(data))
	}
	return Array{Shape: shape, Data: data}, nil
}

// Matrix は2次元配列を作る
func Matrix(rows [][]float64) Array {
	a := Array{Shape: []int{len(rows), 0}}
	if len(rows) > 0 {
		a.Shape[1] = len(rows[0])
	}
	for _, r := range rows {
		a.Data = append(a.Data, r...)
	}
	return a
}

// At は2次元配列の (i, j) 要素を返す
func (a Array) At(i, j int) float64 {
	return a.Data[i*a.Shape[1]+j]
}

// Rows は2次元配列を行のスライスにする
func (a Array) Rows() [][]float64 {
	if len(a.Shape) != 2 {
		return [][]float64{a.Data}
	}
	out := make([][]float64, a.Shape[0])
	for i := range out {
		out[i] = a.Data[i*a.Shape[1] : (i+1)*a.Shape[1]]
	}
	return out
}

func shapeString(shape []int) string {
	switch len(shape) {
	case 0:
		return "()"
	case 1:
		return fmt.Sprintf("(%d,)", shape[0])
	}
	parts := make([]string, len(shape))
	for i, s := range shape {
		parts[i] = strconv.Itoa(s)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// WriteNPY は配列を .npy（バージョン 1.0）として書き出す
func WriteNPY(w io.Writer, a Array) error {
	header := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': %s, }", shapeString(a.Shape))
	// マジック(6) + バージョン(2) + ヘッダ長(2) + ヘッダ + 改行 を64バイト境界に揃える
	total := len(npyMagic) + 4 + len(header) + 1
	if pad := (64 - total%64) % 64; pad > 0 {
		header += strings.Repeat(" ", pad)
	}
	header += "\n"

	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	for _, v := range a.Data {
		_ = binary.Write(&buf, binary.LittleEndian, math.Float64bits(v))
	}
	_, err := w.Write(buf.Bytes())
	return err
}

var (
	descrRe   = regexp.MustCompile(`'descr':\s*'([^']*)'`)
	fortranRe = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
)

// ReadNPY は .npy を読み込む（'<f8' の C 順のみ対応）
func ReadNPY(r io.Reader) (Array, error) {
	return readNPY(r, maxNPYBytes)
}

// readNPY はヘッダとデータの合計が limit バイトを超える .npy を拒否する
func readNPY(r io.Reader, limit int64) (Array, error) {
	prefix := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return Array{}, fmt.Errorf("ヘッダの読み込みに失敗: %w", err)
	}
	if !bytes.Equal(prefix[:len(npyMagic)], npyMagic) {
		return Array{}, fmt.Errorf("マジックナンバーが一致しません: %w", ErrFormat)
	}

	var headerLen int
	switch major := prefix[len(npyMagic)]; major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return Array{}, err
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return Array{}, err
		}
		headerLen = int(n)
	default:
		return Array{}, fmt.Errorf("バージョン %d: %w", major, ErrFormat)
	}

	if int64(headerLen) > limit {
		return Array{}, fmt.Errorf("ヘッダ長 %d: %w", headerLen, ErrFormat)
	}
	limit -= int64(headerLen)

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Array{}, fmt.Errorf("ヘッダの読み込みに失敗: %w", err)
	}

	descr := descrRe.FindSubmatch(header)
	if descr == nil || string(descr[1]) != "<f8" {
		return Array{}, fmt.Errorf("dtype %q には対応していません: %w", header, ErrFormat)
	}
	if m := fortranRe.FindSubmatch(header); m != nil && string(m[1]) == "True" {
		return Array{}, fmt.Errorf("fortran_order には対応していません: %w", ErrFormat)
	}
	m := shapeRe.FindSubmatch(header)
	if m == nil {
		return Array{}, fmt.Errorf("shape がありません: %w", ErrFormat)
	}

	var shape []int
	maxElems := limit / 8
	n := int64(1)
	for _, part := range strings.Split(string(m[1]), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil || v < 0 {
			return Array{}, fmt.Errorf("shape %q: %w", m[1], ErrFormat)
		}
		shape = append(shape, v)
		if v > 0 && n > maxElems/int64(v) {
			return Array{}, fmt.Errorf("shape %q がデータサイズを超えています: %w", m[1], ErrFormat)
		}
		n *= int64(v)
	}

	raw := make([]byte, 8*n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Array{}, fmt.Errorf("データの読み込みに失敗: %w", err)
	}
	data := make([]float64, n)
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return Array{Shape: shape, Data: data}, nil
}

// Entry は .npz に格納する名前付き配列
type Entry struct {
	Name  string
	Array Array
}

// Write は配列を .npz（非圧縮）として書き出す
func Write(w io.Writer, entries []Entry) error {
	zw := zip.NewWriter(w)
	for _, e := range entries {
		f, err := zw.CreateHeader(&zip.FileHeader{Name: e.Name + ".npy", Method: zip.Store})
		if err != nil {
			return fmt.Errorf("%s の作成に失敗: %w", e.Name, err)
		}
		if err := WriteNPY(f, e.Array); err != nil {
			return fmt.Errorf("%s の書き込みに失敗: %w", e.Name, err)
		}
	}
	return zw.Close()
}

// File は読み込んだ .npz
type File map[string]Array

// Read は .npz を読み込む
func Read(r io.ReaderAt, size int64) (File, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("npz の展開に失敗: %w", err)
	}

	out := make(File, len(zr.File))
	for _, f := range zr.File {
		name := strings.TrimSuffix(f.Name, ".npy")
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%s の展開に失敗: %w", f.Name, err)
		}
		limit := int64(maxNPYBytes)
		if f.UncompressedSize64 < maxNPYBytes {
			limit = int64(f.UncompressedSize64)
		}
		a, err := readNPY(rc, limit)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		out[name] = a
	}
	return out, nil
}

// Get は名前で配列を取り出す
func (f File) Get(name string) (Array, error) {
	a, ok := f[name]
	if !ok {
		return Array{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return a, nil
}
