package calibration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"sort"

	"github.com/apex/log"
	"github.com/montanaflynn/stats"
	"github.com/spf13/afero"
	"gocv.io/x/gocv"

	"stccam/internal/imaging"
	"stccam/internal/stereo"
)

var (
	// ErrNoValidPairs は左右どちらにもチェスボードが写ったペアがない
	ErrNoValidPairs = errors.New("キャリブレーションに使える画像ペアがありません")
	// ErrImageSizeMismatch は画像サイズが揃っていない
	ErrImageSizeMismatch = errors.New("画像サイズが一致しません")
)

// データセットと出力のファイル名
const (
	LeftDir       = "stereo_left"
	RightDir      = "stereo_right"
	ParamsNPZName = "stereo_calib.npz"
	ParamsYAML    = "stereo_calib.yaml"
)

// Options はキャリブレーションの設定
type Options struct {
	// Dir は stereo_left/ と stereo_right/ を含むディレクトリ
	Dir   string
	Board Board
	// ImageLimit は使う画像ペアの上限（0 以下は既定値）
	ImageLimit int
	// ParamDir はパラメータの保存先（空なら Dir）
	ParamDir string
	// RenderDir が空でなければ検出結果を描画した画像を保存する
	RenderDir string

	ChessboardFlags gocv.CalibCBFlag
	CalibrateFlags  gocv.CalibFlag

	Fs afero.Fs
}

func (o *Options) setDefaults() {
	if o.Board == (Board{}) {
		o.Board = DefaultBoard
	}
	if o.ImageLimit <= 0 {
		o.ImageLimit = DefaultImageLimit
	}
	if o.ParamDir == "" {
		o.ParamDir = o.Dir
	}
	if o.ChessboardFlags == 0 {
		o.ChessboardFlags = DefaultChessboardFlags
	}
	if o.CalibrateFlags == 0 {
		o.CalibrateFlags = DefaultCalibrateFlags
	}
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
}

// ViewError は1ペア分の再投影誤差
type ViewError struct {
	Left  string  `json:"left"`
	Right string  `json:"right"`
	Error float64 `json:"error"`
}

// Result はキャリブレーションの結果
type Result struct {
	Params *stereo.Params
	// RMS はステレオ全体の再投影誤差（画素）
	RMS      float64
	LeftRMS  float64
	RightRMS float64

	Views       []ViewError
	MeanError   float64
	MedianError float64
	MaxError    float64

	Skipped []string

	NPZPath  string
	YAMLPath string
}

// Pair は対応する左右の画像パス
type Pair struct {
	Left, Right string
}

// ListPairs は左右の画像をソート順に対応付けて返す
func ListPairs(fs afero.Fs, dir string) ([]Pair, error) {
	lefts, err := afero.Glob(fs, filepath.Join(dir, LeftDir, "*.png"))
	if err != nil {
		return nil, fmt.Errorf("左画像の一覧取得に失敗: %w", err)
	}
	rights, err := afero.Glob(fs, filepath.Join(dir, RightDir, "*.png"))
	if err != nil {
		return nil, fmt.Errorf("右画像の一覧取得に失敗: %w", err)
	}
	sort.Strings(lefts)
	sort.Strings(rights)

	if len(lefts) != len(rights) {
		log.WithFields(log.Fields{
			"left":  len(lefts),
			"right": len(rights),
		}).Warn("左右の画像枚数が異なるため少ない方に合わせます")
	}
	n := min(len(lefts), len(rights))
	pairs := make([]Pair, n)
	for i := 0; i < n; i++ {
		pairs[i] = Pair{Left: lefts[i], Right: rights[i]}
	}
	return pairs, nil
}

type detectedPair struct {
	Pair
	leftDet, rightDet *Detection
}

// Run はデータセットからステレオキャリブレーションを行い、パラメータを保存する
func Run(ctx context.Context, opts Options) (*Result, error) {
	opts.setDefaults()
	if err := opts.Board.Validate(); err != nil {
		return nil, err
	}

	pairs, err := ListPairs(opts.Fs, opts.Dir)
	if err != nil {
		return nil, err
	}
	if len(pairs) > opts.ImageLimit {
		pairs = pairs[:opts.ImageLimit]
	}

	res := &Result{}
	var detected []detectedPair
	var size image.Point
	for i, p := range pairs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dl, dr, err := detectPair(opts, i, p)
		if errors.Is(err, ErrBoardNotFound) {
			log.WithField("left", p.Left).WithField("right", p.Right).Warn("チェスボードが見つからないためスキップします")
			res.Skipped = append(res.Skipped, p.Left)
			continue
		}
		if err != nil {
			return nil, err
		}

		if size == (image.Point{}) {
			size = dl.Size
		}
		if dl.Size != size || dr.Size != size {
			return nil, fmt.Errorf("%s (%v) / %s (%v), 基準 %v: %w",
				p.Left, dl.Size, p.Right, dr.Size, size, ErrImageSizeMismatch)
		}
		dr.Corners = alignOrder(dl.Corners, dr.Corners)
		detected = append(detected, detectedPair{Pair: p, leftDet: dl, rightDet: dr})
	}
	if len(detected) == 0 {
		return nil, ErrNoValidPairs
	}

	log.WithFields(log.Fields{
		"pairs":   len(detected),
		"skipped": len(res.Skipped),
		"size":    fmt.Sprintf("%dx%d", size.X, size.Y),
	}).Info("カメラごとのキャリブレーションを開始します")

	leftCorners := make([][]gocv.Point2f, len(detected))
	rightCorners := make([][]gocv.Point2f, len(detected))
	for i, d := range detected {
		leftCorners[i] = d.leftDet.Corners
		rightCorners[i] = d.rightDet.Corners
	}

	left, err := calibrateMono(opts, leftCorners, size)
	if err != nil {
		return nil, fmt.Errorf("左カメラ: %w", err)
	}
	right, err := calibrateMono(opts, rightCorners, size)
	if err != nil {
		return nil, fmt.Errorf("右カメラ: %w", err)
	}
	res.LeftRMS, res.RightRMS = left.rms, right.rms

	rel, err := stereo.EstimateExtrinsics(left.poses, right.poses)
	if err != nil {
		return nil, err
	}

	views := make([]stereo.View, len(detected))
	object := opts.Board.ObjectPoints()
	for i := range detected {
		views[i] = stereo.View{
			Object: object,
			Left:   toPoints(leftCorners[i]),
			Right:  toPoints(rightCorners[i]),
			Board:  left.poses[i],
		}
	}
	perView, rms, err := stereo.ReprojectionErrors(views, left.intrinsics, right.intrinsics, rel)
	if err != nil {
		return nil, err
	}

	rect, err := stereo.Rectify(left.intrinsics, right.intrinsics, size.X, size.Y, rel)
	if err != nil {
		return nil, fmt.Errorf("平行化に失敗: %w", err)
	}
	E := stereo.Essential(rel)
	F, err := stereo.Fundamental(left.intrinsics, right.intrinsics, E)
	if err != nil {
		return nil, err
	}

	res.RMS = rms
	res.Params = &stereo.Params{
		ImageWidth:  size.X,
		ImageHeight: size.Y,
		RMS:         rms,
		Left:        left.intrinsics,
		Right:       right.intrinsics,
		Extrinsics:  rel,
		E:           E,
		F:           F,
		Rect:        rect,
	}
	for i, d := range detected {
		res.Views = append(res.Views, ViewError{Left: d.Left, Right: d.Right, Error: perView[i]})
	}
	data := stats.Float64Data(perView)
	res.MeanError, _ = stats.Mean(data)
	res.MedianError, _ = stats.Median(data)
	res.MaxError, _ = stats.Max(data)

	if err := Save(opts.Fs, opts.ParamDir, res); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"rms":       res.RMS,
		"left_rms":  res.LeftRMS,
		"right_rms": res.RightRMS,
		"median":    res.MedianError,
		"baseline":  rect.Baseline(),
		"npz":       res.NPZPath,
	}).Info("ステレオキャリブレーションが完了しました")
	return res, nil
}

// Save はパラメータを .npz と .yaml で保存し、Result にパスを記録する
func Save(fs afero.Fs, dir string, res *Result) error {
	if res.Params == nil {
		return errors.New("保存するパラメータがありません")
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("保存先の作成に失敗: %w", err)
	}

	var buf bytes.Buffer
	if err := res.Params.WriteNPZ(&buf); err != nil {
		return fmt.Errorf("npz の生成に失敗: %w", err)
	}
	npzPath := filepath.Join(dir, ParamsNPZName)
	if err := afero.WriteFile(fs, npzPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("%s の保存に失敗: %w", npzPath, err)
	}

	y, err := res.Params.EncodeYAML()
	if err != nil {
		return err
	}
	yamlPath := filepath.Join(dir, ParamsYAML)
	if err := afero.WriteFile(fs, yamlPath, y, 0o644); err != nil {
		return fmt.Errorf("%s の保存に失敗: %w", yamlPath, err)
	}

	res.NPZPath, res.YAMLPath = npzPath, yamlPath
	return nil
}

// LoadParams は保存済みの .npz を読み込む
func LoadParams(fs afero.Fs, path string) (*stereo.Params, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("%s の読み込みに失敗: %w", path, err)
	}
	return stereo.ReadNPZ(bytes.NewReader(data), int64(len(data)))
}

// detectPair は左右とも検出できたときだけ描画結果を保存する
func detectPair(opts Options, idx int, p Pair) (*Detection, *Detection, error) {
	var renders []gocv.Mat
	defer func() {
		for _, m := range renders {
			m.Close()
		}
	}()

	var dets [2]*Detection
	for i, path := range []string{p.Left, p.Right} {
		d, render, err := detectFile(opts, path)
		if err != nil {
			return nil, nil, err
		}
		dets[i] = d
		if render != nil {
			renders = append(renders, *render)
		}
	}

	if opts.RenderDir != "" {
		paths := []string{
			filepath.Join(opts.RenderDir, LeftDir, fmt.Sprintf("left_img%d.png", idx)),
			filepath.Join(opts.RenderDir, RightDir, fmt.Sprintf("right_img%d.png", idx)),
		}
		for i, m := range renders {
			if err := saveRender(opts.Fs, paths[i], m); err != nil {
				return nil, nil, err
			}
		}
	}
	return dets[0], dets[1], nil
}

// detectFile は画像を読んでコーナーを検出する
// RenderDir が設定されていればコーナーを描画した画像も返す（呼び出し側で Close する）
func detectFile(opts Options, path string) (*Detection, *gocv.Mat, error) {
	data, err := afero.ReadFile(opts.Fs, path)
	if err != nil {
		return nil, nil, fmt.Errorf("%s の読み込みに失敗: %w", path, err)
	}
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, nil, fmt.Errorf("%s のデコードに失敗: %w", path, err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, nil, fmt.Errorf("%s: %w", path, imaging.ErrEmptyFrame)
	}

	if opts.RenderDir == "" {
		d, err := Detect(img, opts.Board, opts.ChessboardFlags, nil)
		return d, nil, err
	}

	render := img.Clone()
	d, err := Detect(img, opts.Board, opts.ChessboardFlags, &render)
	if err != nil {
		render.Close()
		return nil, nil, err
	}
	return d, &render, nil
}

func saveRender(fs afero.Fs, path string, m gocv.Mat) error {
	f, err := imaging.FromMat(m)
	if err != nil {
		return err
	}
	data, err := f.EncodePNG()
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("描画先の作成に失敗: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("%s の保存に失敗: %w", path, err)
	}
	return nil
}

type monoResult struct {
	intrinsics stereo.Intrinsics
	poses      []stereo.Pose
	rms        float64
}

func calibrateMono(opts Options, corners [][]gocv.Point2f, size image.Point) (*monoResult, error) {
	obj := opts.Board.objectPoints3f()
	objAll := make([][]gocv.Point3f, len(corners))
	for i := range objAll {
		objAll[i] = obj
	}

	objPoints := gocv.NewPoints3fVectorFromPoints(objAll)
	defer objPoints.Close()
	imgPoints := gocv.NewPoints2fVectorFromPoints(corners)
	defer imgPoints.Close()

	K := gocv.NewMat()
	defer K.Close()
	dist := gocv.NewMat()
	defer dist.Close()
	rvecs := gocv.NewMat()
	defer rvecs.Close()
	tvecs := gocv.NewMat()
	defer tvecs.Close()

	rms := gocv.CalibrateCamera(objPoints, imgPoints, size, &K, &dist, &rvecs, &tvecs, opts.CalibrateFlags)
	if K.Empty() || K.Rows() != 3 || K.Cols() != 3 {
		return nil, errors.New("カメラ行列が求まりませんでした")
	}

	var r monoResult
	r.rms = rms
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r.intrinsics.K[i][j] = K.GetDoubleAt(i, j)
		}
	}
	n := dist.Total()
	for k := 0; k < 5 && k < n; k++ {
		if dist.Rows() == 1 {
			r.intrinsics.Dist[k] = dist.GetDoubleAt(0, k)
		} else {
			r.intrinsics.Dist[k] = dist.GetDoubleAt(k, 0)
		}
	}

	if rvecs.Rows() < len(corners) || tvecs.Rows() < len(corners) {
		return nil, fmt.Errorf("姿勢の数 %d が画像数 %d と一致しません", rvecs.Rows(), len(corners))
	}
	for i := range corners {
		rv := rvecs.GetVecdAt(i, 0)
		tv := tvecs.GetVecdAt(i, 0)
		r.poses = append(r.poses, stereo.PoseFromVectors(
			stereo.Vec3{rv[0], rv[1], rv[2]},
			stereo.Vec3{tv[0], tv[1], tv[2]},
		))
	}
	return &r, nil
}

func toPoints(pts []gocv.Point2f) []stereo.Point {
	out := make([]stereo.Point, len(pts))
	for i, p := range pts {
		out[i] = stereo.Point{X: float64(p.X), Y: float64(p.Y)}
	}
	return out
}
