package stereo

import (
	"fmt"
	"math"
)

// Rectification は平行化のための回転と新しい投影行列
type Rectification struct {
	R1 Mat3
	R2 Mat3
	P1 [3][4]float64
	P2 [3][4]float64
	Q  [4][4]float64
}

// Rectify は Bouguet の方法で左右の画像を平行化する変換を求める
// 主点は左右で揃え（視差ゼロ）、画像の拡大縮小は行わない
func Rectify(left, right Intrinsics, width, height int, rel Pose) (Rectification, error) {
	if width <= 0 || height <= 0 {
		return Rectification{}, fmt.Errorf("画像サイズ %dx%d が不正です", width, height)
	}

	// 両カメラを半分ずつ回して向きを揃える
	om := RotationVector(rel.R).Scale(-0.5)
	rr := Rodrigues(om)
	t := rr.MulVec(rel.T)

	idx := 1
	if math.Abs(t[0]) > math.Abs(t[1]) {
		idx = 0
	}
	c := t[idx]
	nt := t.Norm()
	if nt == 0 {
		return Rectification{}, fmt.Errorf("基線長がゼロです")
	}
	var uu Vec3
	if c > 0 {
		uu[idx] = 1
	} else {
		uu[idx] = -1
	}

	// 基線を座標軸に合わせる回転
	ww := t.Cross(uu)
	if nw := ww.Norm(); nw > 0 {
		ww = ww.Scale(math.Acos(math.Abs(c)/nt) / nw)
	}
	wR := Rodrigues(ww)

	R1 := wR.Mul(rr.T())
	R2 := wR.Mul(rr)
	tNew := R2.MulVec(rel.T)

	// 新しい焦点距離は小さい方。樽型歪み (k1 < 0) のときだけ縮める
	nx, ny := float64(width), float64(height)
	fc := math.MaxFloat64
	for _, in := range []Intrinsics{left, right} {
		f := in.K[idx^1][idx^1]
		if k1 := in.Dist[0]; k1 < 0 {
			f *= 1 + k1*(nx*nx+ny*ny)/(4*f*f)
		}
		fc = math.Min(fc, f)
	}

	// 画像の四隅が中央に来るように主点を決める
	var cc [2]Point
	for k, in := range []Intrinsics{left, right} {
		Rk := R1
		if k == 1 {
			Rk = R2
		}
		var sx, sy float64
		for i := 0; i < 4; i++ {
			corner := Point{X: float64(i%2) * (nx - 1), Y: float64(i/2) * (ny - 1)}
			x, y := in.Normalize(corner)
			p := Rk.MulVec(Vec3{x, y, 1})
			sx += fc * p[0] / p[2]
			sy += fc * p[1] / p[2]
		}
		cc[k] = Point{X: (nx-1)/2 - sx/4, Y: (ny-1)/2 - sy/4}
	}
	mid := Point{X: (cc[0].X + cc[1].X) / 2, Y: (cc[0].Y + cc[1].Y) / 2}
	cc[0], cc[1] = mid, mid

	var r Rectification
	r.R1, r.R2 = R1, R2
	r.P1 = [3][4]float64{
		{fc, 0, cc[0].X, 0},
		{0, fc, cc[0].Y, 0},
		{0, 0, 1, 0},
	}
	r.P2 = [3][4]float64{
		{fc, 0, cc[1].X, 0},
		{0, fc, cc[1].Y, 0},
		{0, 0, 1, 0},
	}
	r.P2[idx][3] = tNew[idx] * fc

	d := cc[0].X - cc[1].X
	if idx == 1 {
		d = cc[0].Y - cc[1].Y
	}
	r.Q = [4][4]float64{
		{1, 0, 0, -cc[0].X},
		{0, 1, 0, -cc[0].Y},
		{0, 0, 0, fc},
		{0, 0, -1 / tNew[idx], d / tNew[idx]},
	}
	return r, nil
}

// Reproject は視差 d の画素 (x, y) を Q で3次元点に戻す
func (r Rectification) Reproject(x, y, d float64) Vec3 {
	in := [4]float64{x, y, d, 1}
	var out [4]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i] += r.Q[i][j] * in[j]
		}
	}
	return Vec3{out[0] / out[3], out[1] / out[3], out[2] / out[3]}
}

// Baseline は平行化後の基線長を返す
func (r Rectification) Baseline() float64 {
	fc := r.P1[0][0]
	if fc == 0 {
		return 0
	}
	return math.Abs(math.Hypot(r.P2[0][3], r.P2[1][3]) / fc)
}
