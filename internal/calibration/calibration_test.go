package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"stccam/internal/imaging"
	"stccam/internal/stereo"
)

const (
	testWidth  = 640
	testHeight = 480
)

// 点対称にならないよう 10x7 マスのボードを使う
var testBoard = Board{Cols: 9, Rows: 6, SquareSize: 0.025}

var testK = stereo.Intrinsics{K: stereo.Mat3{{500, 0, 320}, {0, 500, 240}, {0, 0, 1}}}

var testRig = stereo.Pose{R: stereo.Rodrigues(stereo.Vec3{0, 0.02, 0}), T: stereo.Vec3{-0.06, 0, 0}}

// renderBoard はピンホールカメラから見たチェスボードを描画する
func renderBoard(t *testing.T, pose stereo.Pose, b Board) *imaging.Frame {
	t.Helper()

	R := pose.R
	H := testK.K.Mul(stereo.Mat3{
		{R[0][0], R[0][1], pose.T[0]},
		{R[1][0], R[1][1], pose.T[1]},
		{R[2][0], R[2][1], pose.T[2]},
	})
	inv, err := H.Inverse()
	require.NoError(t, err)

	sq := b.SquareSize
	const ss = 3
	f := &imaging.Frame{Width: testWidth, Height: testHeight, Channels: 3, Data: make([]byte, testWidth*testHeight*3)}
	for y := 0; y < testHeight; y++ {
		for x := 0; x < testWidth; x++ {
			var sum float64
			for sy := 0; sy < ss; sy++ {
				for sx := 0; sx < ss; sx++ {
					u := float64(x) + (float64(sx)+0.5)/ss - 0.5
					v := float64(y) + (float64(sy)+0.5)/ss - 0.5
					p := inv.MulVec(stereo.Vec3{u, v, 1})
					a, c := p[0]/p[2], p[1]/p[2]
					sum += shade(a, c, b, sq)
				}
			}
			val := byte(sum / (ss * ss))
			i := (y*testWidth + x) * 3
			f.Data[i], f.Data[i+1], f.Data[i+2] = val, val, val
		}
	}
	return f
}

func shade(a, c float64, b Board, sq float64) float64 {
	ca, cc := math.Floor(a/sq), math.Floor(c/sq)
	switch {
	case ca < -2 || ca > float64(b.Cols) || cc < -2 || cc > float64(b.Rows):
		return 120
	case ca < -1 || ca > float64(b.Cols-1) || cc < -1 || cc > float64(b.Rows-1):
		return 255
	case int(ca+cc)%2 == 0:
		return 20
	default:
		return 235
	}
}

func boardPose(rvec stereo.Vec3, z float64, b Board) stereo.Pose {
	R := stereo.Rodrigues(rvec)
	center := stereo.Vec3{float64(b.Cols-1) / 2 * b.SquareSize, float64(b.Rows-1) / 2 * b.SquareSize, 0}
	return stereo.Pose{R: R, T: stereo.Vec3{0, 0, z}.Sub(R.MulVec(center))}
}

func testPoses() []stereo.Pose {
	return []stereo.Pose{
		boardPose(stereo.Vec3{0.2, 0.1, 0}, 0.6, testBoard),
		boardPose(stereo.Vec3{-0.2, 0.15, 0.05}, 0.65, testBoard),
		boardPose(stereo.Vec3{0.1, -0.25, -0.05}, 0.7, testBoard),
		boardPose(stereo.Vec3{-0.15, -0.1, 0.1}, 0.6, testBoard),
		boardPose(stereo.Vec3{0.25, 0.2, 0}, 0.7, testBoard),
		boardPose(stereo.Vec3{0, 0.3, -0.1}, 0.65, testBoard),
	}
}

func writePNG(t *testing.T, fs afero.Fs, path string, f *imaging.Frame) {
	t.Helper()
	data, err := f.EncodePNG()
	require.NoError(t, err)
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fs, path, data, 0o644))
}

func writeDataset(t *testing.T, fs afero.Fs, dir string, poses []stereo.Pose) {
	t.Helper()
	for i, p := range poses {
		writePNG(t, fs, filepath.Join(dir, LeftDir, fmt.Sprintf("left_img%03d.png", i)), renderBoard(t, p, testBoard))
		writePNG(t, fs, filepath.Join(dir, RightDir, fmt.Sprintf("right_img%03d.png", i)), renderBoard(t, p.Compose(testRig), testBoard))
	}
}

func blank(w, h int) *imaging.Frame {
	f := &imaging.Frame{Width: w, Height: h, Channels: 3, Data: make([]byte, w*h*3)}
	for i := range f.Data {
		f.Data[i] = 200
	}
	return f
}

func TestBoard(t *testing.T) {
	b := Board{Cols: 3, Rows: 2, SquareSize: 0.5}
	want := []stereo.Vec3{{0, 0, 0}, {0.5, 0, 0}, {1, 0, 0}, {0, 0.5, 0}, {0.5, 0.5, 0}, {1, 0.5, 0}}
	if diff := cmp.Diff(want, b.ObjectPoints()); diff != "" {
		t.Errorf("ObjectPoints mismatch (-want +got):\n%s", diff)
	}

	assert.NoError(t, DefaultBoard.Validate())
	assert.Error(t, Board{Cols: 1, Rows: 4, SquareSize: 0.03}.Validate())
	assert.Error(t, Board{Cols: 8, Rows: 4}.Validate())
}

func TestAlignOrder(t *testing.T) {
	left := []gocv.Point2f{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 2, Y: 0}}

	t.Run("同じ向きならそのまま", func(t *testing.T) {
		right := []gocv.Point2f{{X: 10, Y: 0}, {X: 11, Y: 0}, {X: 12, Y: 0}}
		assert.Equal(t, right, alignOrder(left, right))
	})

	t.Run("逆向きなら反転する", func(t *testing.T) {
		right := []gocv.Point2f{{X: 12, Y: 0}, {X: 11, Y: 0}, {X: 10, Y: 0}}
		want := []gocv.Point2f{{X: 10, Y: 0}, {X: 11, Y: 0}, {X: 12, Y: 0}}
		assert.Equal(t, want, alignOrder(left, right))
	})
}

func TestListPairs(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, name := range []string{"left_img002.png", "left_img000.png", "left_img001.png"} {
		require.NoError(t, afero.WriteFile(fs, filepath.Join("/ds", LeftDir, name), []byte{0}, 0o644))
	}
	for _, name := range []string{"right_img001.png", "right_img000.png", "memo.txt"} {
		require.NoError(t, afero.WriteFile(fs, filepath.Join("/ds", RightDir, name), []byte{0}, 0o644))
	}

	pairs, err := ListPairs(fs, "/ds")
	require.NoError(t, err)
	want := []Pair{
		{Left: "/ds/stereo_left/left_img000.png", Right: "/ds/stereo_right/right_img000.png"},
		{Left: "/ds/stereo_left/left_img001.png", Right: "/ds/stereo_right/right_img001.png"},
	}
	if diff := cmp.Diff(want, pairs); diff != "" {
		t.Errorf("ListPairs mismatch (-want +got):\n%s", diff)
	}
}

func TestHasBoard(t *testing.T) {
	assert.True(t, HasBoard(renderBoard(t, testPoses()[0], testBoard), testBoard))
	assert.False(t, HasBoard(blank(testWidth, testHeight), testBoard))
}

func TestRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeDataset(t, fs, "/ds", testPoses())

	res, err := Run(context.Background(), Options{
		Dir:       "/ds",
		Board:     testBoard,
		ParamDir:  "/params",
		RenderDir: "/render",
		Fs:        fs,
	})
	require.NoError(t, err)

	assert.Less(t, res.RMS, 0.5)
	assert.Len(t, res.Views, 6)
	assert.Empty(t, res.Skipped)
	assert.LessOrEqual(t, res.MedianError, res.MaxError)
	assert.Greater(t, res.MeanError, 0.0)

	p := res.Params
	assert.Equal(t, testWidth, p.ImageWidth)
	assert.Equal(t, testHeight, p.ImageHeight)
	assert.InDelta(t, 500, p.Left.K[0][0], 10)
	assert.InDelta(t, 500, p.Right.K[1][1], 10)
	assert.InDelta(t, 320, p.Left.K[0][2], 10)
	assert.InDelta(t, -0.06, p.Extrinsics.T[0], 0.005)
	assert.InDelta(t, 0.06, p.Rect.Baseline(), 0.005)

	for _, path := range []string{
		"/params/stereo_calib.npz",
		"/params/stereo_calib.yaml",
		"/render/stereo_left/left_img0.png",
		"/render/stereo_right/right_img5.png",
	} {
		ok, err := afero.Exists(fs, path)
		require.NoError(t, err)
		assert.True(t, ok, path)
	}

	loaded, err := LoadParams(fs, res.NPZPath)
	require.NoError(t, err)
	assert.Equal(t, p.Extrinsics, loaded.Extrinsics)
	assert.Equal(t, p.Rect.Q, loaded.Rect.Q)
}

func TestRunImageLimit(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeDataset(t, fs, "/ds", testPoses())

	res, err := Run(context.Background(), Options{Dir: "/ds", Board: testBoard, ImageLimit: 4, Fs: fs})
	require.NoError(t, err)
	assert.Len(t, res.Views, 4)
	assert.Equal(t, "/ds/stereo_calib.npz", res.NPZPath)
}

func TestRunSkipsMissingBoard(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeDataset(t, fs, "/ds", testPoses()[:5])
	writePNG(t, fs, "/ds/stereo_left/left_img099.png", blank(testWidth, testHeight))
	writePNG(t, fs, "/ds/stereo_right/right_img099.png", blank(testWidth, testHeight))

	res, err := Run(context.Background(), Options{Dir: "/ds", Board: testBoard, Fs: fs})
	require.NoError(t, err)
	assert.Len(t, res.Views, 5)
	assert.Equal(t, []string{"/ds/stereo_left/left_img099.png"}, res.Skipped)
}

func TestRunRendersOnlyDetectedPairs(t *testing.T) {
	fs := afero.NewMemMapFs()
	poses := testPoses()
	writeDataset(t, fs, "/ds", poses[:5])
	writePNG(t, fs, "/ds/stereo_left/left_img005.png", renderBoard(t, poses[5], testBoard))
	writePNG(t, fs, "/ds/stereo_right/right_img005.png", blank(testWidth, testHeight))

	res, err := Run(context.Background(), Options{Dir: "/ds", Board: testBoard, RenderDir: "/render", Fs: fs})
	require.NoError(t, err)
	assert.Equal(t, []string{"/ds/stereo_left/left_img005.png"}, res.Skipped)

	ok, err := afero.Exists(fs, "/render/stereo_left/left_img4.png")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = afero.Exists(fs, "/render/stereo_left/left_img5.png")
	require.NoError(t, err)
	assert.False(t, ok, "片側しか検出できなかったペアは描画しない")
}

func TestRunErrors(t *testing.T) {
	t.Run("使えるペアがない", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writePNG(t, fs, "/ds/stereo_left/left_img000.png", blank(64, 48))
		writePNG(t, fs, "/ds/stereo_right/right_img000.png", blank(64, 48))

		_, err := Run(context.Background(), Options{Dir: "/ds", Board: testBoard, Fs: fs})
		assert.True(t, errors.Is(err, ErrNoValidPairs))
	})

	t.Run("画像がない", func(t *testing.T) {
		_, err := Run(context.Background(), Options{Dir: "/empty", Board: testBoard, Fs: afero.NewMemMapFs()})
		assert.True(t, errors.Is(err, ErrNoValidPairs))
	})

	t.Run("画像サイズが異なる", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeDataset(t, fs, "/ds", testPoses()[:2])
		big := renderBoard(t, testPoses()[2], testBoard)
		big, err := imaging.Resize(big, 800, 600)
		require.NoError(t, err)
		writePNG(t, fs, "/ds/stereo_left/left_img002.png", big)
		writePNG(t, fs, "/ds/stereo_right/right_img002.png", big)

		_, err = Run(context.Background(), Options{Dir: "/ds", Board: testBoard, Fs: fs})
		assert.True(t, errors.Is(err, ErrImageSizeMismatch))
	})

	t.Run("キャンセル済み", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeDataset(t, fs, "/ds", testPoses()[:1])
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := Run(ctx, Options{Dir: "/ds", Board: testBoard, Fs: fs})
		assert.True(t, errors.Is(err, context.Canceled))
	})

	t.Run("不正なボード", func(t *testing.T) {
		_, err := Run(context.Background(), Options{Dir: "/ds", Board: Board{Cols: 1, Rows: 1, SquareSize: 1}, Fs: afero.NewMemMapFs()})
		assert.Error(t, err)
	})
}
