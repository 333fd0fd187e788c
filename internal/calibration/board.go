package calibration

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"stccam/internal/imaging"
	"stccam/internal/stereo"
)

// ErrBoardNotFound はチェスボードが検出できない
var ErrBoardNotFound = errors.New("チェスボードが見つかりません")

// 検出とサブピクセル補正の既定値
const (
	// CALIB_CB_ADAPTIVE_THRESH | CALIB_CB_NORMALIZE_IMAGE
	DefaultChessboardFlags = gocv.CalibCBFlag(1 | 2)
	// CALIB_ZERO_TANGENT_DIST
	DefaultCalibrateFlags = gocv.CalibFlag(8)

	DefaultSquareSize = 0.03
	DefaultImageLimit = 10
)

var (
	subPixWindow   = image.Pt(11, 11)
	subPixZeroZone = image.Pt(-1, -1)
)

// Board はチェスボードの内側コーナー数とマス目の大きさ
type Board struct {
	Cols       int     `yaml:"cols" json:"cols"`
	Rows       int     `yaml:"rows" json:"rows"`
	SquareSize float64 `yaml:"square_size" json:"square_size"`
}

// DefaultBoard は既定のチェスボード（内側コーナー 8x4、30mm）
var DefaultBoard = Board{Cols: 8, Rows: 4, SquareSize: DefaultSquareSize}

// Validate はボード設定を検証する
func (b Board) Validate() error {
	if b.Cols < 2 || b.Rows < 2 {
		return fmt.Errorf("チェスボードの内側コーナー数 %dx%d が不正です", b.Cols, b.Rows)
	}
	if b.SquareSize <= 0 {
		return fmt.Errorf("マス目の大きさ %v が不正です", b.SquareSize)
	}
	return nil
}

func (b Board) patternSize() image.Point {
	return image.Pt(b.Cols, b.Rows)
}

// ObjectPoints はボード座標系のコーナー位置を検出順（行ごと）に返す
func (b Board) ObjectPoints() []stereo.Vec3 {
	pts := make([]stereo.Vec3, 0, b.Cols*b.Rows)
	for i := 0; i < b.Cols*b.Rows; i++ {
		pts = append(pts, stereo.Vec3{
			float64(i%b.Cols) * b.SquareSize,
			float64(i/b.Cols) * b.SquareSize,
			0,
		})
	}
	return pts
}

func (b Board) objectPoints3f() []gocv.Point3f {
	obj := b.ObjectPoints()
	out := make([]gocv.Point3f, len(obj))
	for i, p := range obj {
		out[i] = gocv.Point3f{X: float32(p[0]), Y: float32(p[1]), Z: float32(p[2])}
	}
	return out
}

// Detection はチェスボード検出の結果
type Detection struct {
	Corners []gocv.Point2f
	Size    image.Point
}

// Detect はカラー画像からチェスボードを検出し、サブピクセル精度に補正する
// render が非 nil ならコーナーを描画する
func Detect(img gocv.Mat, b Board, flags gocv.CalibCBFlag, render *gocv.Mat) (*Detection, error) {
	gray := gocv.NewMat()
	defer gray.Close()
	if img.Channels() == 1 {
		img.CopyTo(&gray)
	} else {
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	}

	corners := gocv.NewMat()
	defer corners.Close()
	if !gocv.FindChessboardCorners(gray, b.patternSize(), &corners, flags) {
		return nil, ErrBoardNotFound
	}

	criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, 30, 0.001)
	gocv.CornerSubPix(gray, &corners, subPixWindow, subPixZeroZone, criteria)

	if render != nil {
		gocv.DrawChessboardCorners(render, b.patternSize(), corners, true)
	}

	vec := gocv.NewPoint2fVectorFromMat(corners)
	defer vec.Close()
	pts := vec.ToPoints()
	if len(pts) != b.Cols*b.Rows {
		return nil, fmt.Errorf("コーナー数 %d (期待値 %d): %w", len(pts), b.Cols*b.Rows, ErrBoardNotFound)
	}
	return &Detection{Corners: pts, Size: image.Pt(gray.Cols(), gray.Rows())}, nil
}

// HasBoard は Frame にチェスボードが写っているかを返す
func HasBoard(f *imaging.Frame, b Board) bool {
	m, err := f.Mat()
	if err != nil {
		return false
	}
	defer m.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	switch f.Channels {
	case 1:
		m.CopyTo(&gray)
	case 3:
		gocv.CvtColor(m, &gray, gocv.ColorBGRToGray)
	default:
		return false
	}

	corners := gocv.NewMat()
	defer corners.Close()
	// 撮影中の判定なので高速チェックを加える
	return gocv.FindChessboardCorners(gray, b.patternSize(), &corners, DefaultChessboardFlags|gocv.CalibCBFlag(8))
}

// alignOrder は左右でコーナーの並びが逆転していれば右側を反転する
// 点対称なボードでは検出順が180度入れ替わることがある
func alignOrder(left, right []gocv.Point2f) []gocv.Point2f {
	n := len(left)
	if n < 2 || len(right) != n {
		return right
	}
	dl := [2]float32{left[n-1].X - left[0].X, left[n-1].Y - left[0].Y}
	dr := [2]float32{right[n-1].X - right[0].X, right[n-1].Y - right[0].Y}
	if dl[0]*dr[0]+dl[1]*dr[1] >= 0 {
		return right
	}
	out := make([]gocv.Point2f, n)
	for i, p := range right {
		out[n-1-i] = p
	}
	return out
}
