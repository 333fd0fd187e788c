package stereo

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"stccam/internal/npz"
)

// Params はステレオキャリブレーションの結果
type Params struct {
	ImageWidth  int
	ImageHeight int
	RMS         float64
	Left        Intrinsics
	Right       Intrinsics
	Extrinsics  Pose
	E           Mat3
	F           Mat3
	Rect        Rectification
}

// NPZ のキー
const (
	KeyMtxL  = "mtxL"
	KeyDistL = "distL"
	KeyMtxR  = "mtxR"
	KeyDistR = "distR"
	KeyR     = "R"
	KeyT     = "T"
	KeyE     = "E"
	KeyF     = "F"
	KeyR1    = "R1"
	KeyR2    = "R2"
	KeyP1    = "P1"
	KeyP2    = "P2"
	KeyQ     = "Q"
)

func rows34(m [3][4]float64) [][]float64 {
	return [][]float64{m[0][:], m[1][:], m[2][:]}
}

func rows44(m [4][4]float64) [][]float64 {
	return [][]float64{m[0][:], m[1][:], m[2][:], m[3][:]}
}

func column(v Vec3) [][]float64 {
	return [][]float64{{v[0]}, {v[1]}, {v[2]}}
}

func (p *Params) entries() []npz.Entry {
	return []npz.Entry{
		{Name: KeyMtxL, Array: npz.Matrix(p.Left.K.Rows())},
		{Name: KeyDistL, Array: npz.Matrix([][]float64{p.Left.Dist[:]})},
		{Name: KeyMtxR, Array: npz.Matrix(p.Right.K.Rows())},
		{Name: KeyDistR, Array: npz.Matrix([][]float64{p.Right.Dist[:]})},
		{Name: KeyR, Array: npz.Matrix(p.Extrinsics.R.Rows())},
		{Name: KeyT, Array: npz.Matrix(column(p.Extrinsics.T))},
		{Name: KeyR1, Array: npz.Matrix(p.Rect.R1.Rows())},
		{Name: KeyR2, Array: npz.Matrix(p.Rect.R2.Rows())},
		{Name: KeyP1, Array: npz.Matrix(rows34(p.Rect.P1))},
		{Name: KeyP2, Array: npz.Matrix(rows34(p.Rect.P2))},
		{Name: KeyQ, Array: npz.Matrix(rows44(p.Rect.Q))},
		{Name: KeyE, Array: npz.Matrix(p.E.Rows())},
		{Name: KeyF, Array: npz.Matrix(p.F.Rows())},
	}
}

// WriteNPZ は numpy.load で読める .npz 形式で書き出す
func (p *Params) WriteNPZ(w io.Writer) error {
	return npz.Write(w, p.entries())
}

// ReadNPZ は .npz からパラメータを読み込む
// 画像サイズと RMS は .npz に含まれないため 0 のまま
func ReadNPZ(r io.ReaderAt, size int64) (*Params, error) {
	f, err := npz.Read(r, size)
	if err != nil {
		return nil, err
	}

	var p Params
	fill := func(key string, n int, dst []float64) error {
		a, err := f.Get(key)
		if err != nil {
			return err
		}
		if len(a.Data) != n {
			return fmt.Errorf("%s の要素数 %d (期待値 %d)", key, len(a.Data), n)
		}
		copy(dst, a.Data)
		return nil
	}

	buf := make([]float64, 16)
	mat3 := func(key string, m *Mat3) error {
		if err := fill(key, 9, buf[:9]); err != nil {
			return err
		}
		for i := 0; i < 9; i++ {
			m[i/3][i%3] = buf[i]
		}
		return nil
	}
	mat34 := func(key string, m *[3][4]float64) error {
		if err := fill(key, 12, buf[:12]); err != nil {
			return err
		}
		for i := 0; i < 12; i++ {
			m[i/4][i%4] = buf[i]
		}
		return nil
	}

	steps := []func() error{
		func() error { return mat3(KeyMtxL, &p.Left.K) },
		func() error { return fill(KeyDistL, 5, p.Left.Dist[:]) },
		func() error { return mat3(KeyMtxR, &p.Right.K) },
		func() error { return fill(KeyDistR, 5, p.Right.Dist[:]) },
		func() error { return mat3(KeyR, &p.Extrinsics.R) },
		func() error { return fill(KeyT, 3, p.Extrinsics.T[:]) },
		func() error { return mat3(KeyR1, &p.Rect.R1) },
		func() error { return mat3(KeyR2, &p.Rect.R2) },
		func() error { return mat34(KeyP1, &p.Rect.P1) },
		func() error { return mat34(KeyP2, &p.Rect.P2) },
		func() error {
			if err := fill(KeyQ, 16, buf); err != nil {
				return err
			}
			for i := 0; i < 16; i++ {
				p.Rect.Q[i/4][i%4] = buf[i]
			}
			return nil
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	// E / F は古いファイルにはない
	if _, ok := f[KeyE]; ok {
		if err := mat3(KeyE, &p.E); err != nil {
			return nil, err
		}
	} else {
		p.E = Essential(p.Extrinsics)
	}
	if _, ok := f[KeyF]; ok {
		if err := mat3(KeyF, &p.F); err != nil {
			return nil, err
		}
	} else if F, err := Fundamental(p.Left, p.Right, p.E); err == nil {
		p.F = F
	}
	return &p, nil
}

// paramsDoc は YAML 出力用の表現
type paramsDoc struct {
	ImageSize []int       `yaml:"image_size,flow"`
	RMS       float64     `yaml:"rms"`
	MtxL      [][]float64 `yaml:"mtxL,flow"`
	DistL     []float64   `yaml:"distL,flow"`
	MtxR      [][]float64 `yaml:"mtxR,flow"`
	DistR     []float64   `yaml:"distR,flow"`
	R         [][]float64 `yaml:"R,flow"`
	T         []float64   `yaml:"T,flow"`
	E         [][]float64 `yaml:"E,flow"`
	F         [][]float64 `yaml:"F,flow"`
	R1        [][]float64 `yaml:"R1,flow"`
	R2        [][]float64 `yaml:"R2,flow"`
	P1        [][]float64 `yaml:"P1,flow"`
	P2        [][]float64 `yaml:"P2,flow"`
	Q         [][]float64 `yaml:"Q,flow"`
}

// MarshalYAML は行列を行のリストとして出力する
func (p *Params) MarshalYAML() (any, error) {
	return paramsDoc{
		ImageSize: []int{p.ImageWidth, p.ImageHeight},
		RMS:       p.RMS,
		MtxL:      p.Left.K.Rows(),
		DistL:     p.Left.Dist[:],
		MtxR:      p.Right.K.Rows(),
		DistR:     p.Right.Dist[:],
		R:         p.Extrinsics.R.Rows(),
		T:         p.Extrinsics.T[:],
		E:         p.E.Rows(),
		F:         p.F.Rows(),
		R1:        p.Rect.R1.Rows(),
		R2:        p.Rect.R2.Rows(),
		P1:        rows34(p.Rect.P1),
		P2:        rows34(p.Rect.P2),
		Q:         rows44(p.Rect.Q),
	}, nil
}

// UnmarshalYAML は MarshalYAML の出力を読み込む
func (p *Params) UnmarshalYAML(node *yaml.Node) error {
	var doc paramsDoc
	if err := node.Decode(&doc); err != nil {
		return err
	}

	if len(doc.ImageSize) == 2 {
		p.ImageWidth, p.ImageHeight = doc.ImageSize[0], doc.ImageSize[1]
	}
	p.RMS = doc.RMS

	var errs []error
	m3 := func(name string, rows [][]float64, dst *Mat3) {
		if len(rows) != 3 {
			errs = append(errs, fmt.Errorf("%s は3行必要です", name))
			return
		}
		for i, r := range rows {
			if len(r) != 3 {
				errs = append(errs, fmt.Errorf("%s の %d 行目は3列必要です", name, i))
				return
			}
			copy(dst[i][:], r)
		}
	}
	m3("mtxL", doc.MtxL, &p.Left.K)
	m3("mtxR", doc.MtxR, &p.Right.K)
	m3("R", doc.R, &p.Extrinsics.R)
	m3("E", doc.E, &p.E)
	m3("F", doc.F, &p.F)
	m3("R1", doc.R1, &p.Rect.R1)
	m3("R2", doc.R2, &p.Rect.R2)
	copy(p.Left.Dist[:], doc.DistL)
	copy(p.Right.Dist[:], doc.DistR)
	copy(p.Extrinsics.T[:], doc.T)
	for i := 0; i < 3 && i < len(doc.P1); i++ {
		copy(p.Rect.P1[i][:], doc.P1[i])
	}
	for i := 0; i < 3 && i < len(doc.P2); i++ {
		copy(p.Rect.P2[i][:], doc.P2[i])
	}
	for i := 0; i < 4 && i < len(doc.Q); i++ {
		copy(p.Rect.Q[i][:], doc.Q[i])
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// EncodeYAML は YAML 形式のバイト列を返す
func (p *Params) EncodeYAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("YAML への変換に失敗: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
