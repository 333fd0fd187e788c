package stereo

import (
	"errors"
	"fmt"
	"math"
)

// ErrNoViews は推定に使えるビューがない
var ErrNoViews = errors.New("ビューがありません")

// Point は画像上の点
type Point struct {
	X, Y float64
}

// Intrinsics はカメラ行列と歪み係数 (k1, k2, p1, p2, k3)
type Intrinsics struct {
	K    Mat3
	Dist [5]float64
}

// Pose は座標変換 x' = R·x + T
type Pose struct {
	R Mat3
	T Vec3
}

// Apply は点を変換する
func (p Pose) Apply(x Vec3) Vec3 {
	return p.R.MulVec(x).Add(p.T)
}

// Compose は p の後に q を適用する変換を返す
func (p Pose) Compose(q Pose) Pose {
	return Pose{R: q.R.Mul(p.R), T: q.R.MulVec(p.T).Add(q.T)}
}

// PoseFromVectors は回転ベクトルと並進ベクトルから Pose を作る
func PoseFromVectors(rvec, tvec Vec3) Pose {
	return Pose{R: Rodrigues(rvec), T: tvec}
}

// distort は正規化座標に歪みを加える
func (in Intrinsics) distort(x, y float64) (float64, float64) {
	k1, k2, p1, p2, k3 := in.Dist[0], in.Dist[1], in.Dist[2], in.Dist[3], in.Dist[4]
	r2 := x*x + y*y
	radial := 1 + k1*r2 + k2*r2*r2 + k3*r2*r2*r2
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y
	return xd, yd
}

// Project はカメラ座標系の点を画素座標に投影する
func (in Intrinsics) Project(p Vec3) Point {
	x, y := p[0]/p[2], p[1]/p[2]
	xd, yd := in.distort(x, y)
	return Point{
		X: in.K[0][0]*xd + in.K[0][1]*yd + in.K[0][2],
		Y: in.K[1][1]*yd + in.K[1][2],
	}
}

// Normalize は画素座標の歪みを反復で取り除き、正規化座標を返す
func (in Intrinsics) Normalize(pt Point) (float64, float64) {
	fx, fy := in.K[0][0], in.K[1][1]
	cx, cy := in.K[0][2], in.K[1][2]
	y0 := (pt.Y - cy) / fy
	x0 := (pt.X - cx - in.K[0][1]*y0) / fx

	k1, k2, p1, p2, k3 := in.Dist[0], in.Dist[1], in.Dist[2], in.Dist[3], in.Dist[4]
	x, y := x0, y0
	for i := 0; i < 20; i++ {
		r2 := x*x + y*y
		icdist := 1 / (1 + ((k3*r2+k2)*r2+k1)*r2)
		dx := 2*p1*x*y + p2*(r2+2*x*x)
		dy := p1*(r2+2*y*y) + 2*p2*x*y
		x = (x0 - dx) * icdist
		y = (y0 - dy) * icdist
	}
	return x, y
}

// RelativePose は左右カメラそれぞれの外部パラメータから、左カメラ座標系を
// 右カメラ座標系へ移す変換（R = Rr·Rlᵀ, T = tr − R·tl）を返す
func RelativePose(left, right Pose) Pose {
	R := right.R.Mul(left.R.T())
	return Pose{R: R, T: right.T.Sub(R.MulVec(left.T))}
}

// EstimateExtrinsics は同時撮影した各ビューの姿勢から左右カメラ間の姿勢を推定する
// 回転は四元数の平均、並進は平均回転に対する残差の平均をとる
func EstimateExtrinsics(left, right []Pose) (Pose, error) {
	if len(left) == 0 {
		return Pose{}, ErrNoViews
	}
	if len(left) != len(right) {
		return Pose{}, fmt.Errorf("左右のビュー数が一致しません (%d, %d)", len(left), len(right))
	}

	rs := make([]Mat3, len(left))
	for i := range left {
		rs[i] = RelativePose(left[i], right[i]).R
	}
	R := averageRotation(rs)

	var T Vec3
	for i := range left {
		T = T.Add(right[i].T.Sub(R.MulVec(left[i].T)))
	}
	return Pose{R: R, T: T.Scale(1 / float64(len(left)))}, nil
}

// Essential は基本行列 E = [T]x·R を返す
func Essential(rel Pose) Mat3 {
	return Skew(rel.T).Mul(rel.R)
}

// Fundamental は基礎行列 F = Kr⁻ᵀ·E·Kl⁻¹ を返す（F[2][2] = 1 に正規化）
func Fundamental(left, right Intrinsics, E Mat3) (Mat3, error) {
	kl, err := left.K.Inverse()
	if err != nil {
		return Mat3{}, fmt.Errorf("左カメラ行列: %w", err)
	}
	kr, err := right.K.Inverse()
	if err != nil {
		return Mat3{}, fmt.Errorf("右カメラ行列: %w", err)
	}
	F := kr.T().Mul(E).Mul(kl)
	if math.Abs(F[2][2]) > 1e-12 {
		F = F.Scale(1 / F[2][2])
	}
	return F, nil
}

// View はチェスボード1枚分の対応点
type View struct {
	Object []Vec3  // ボード座標系のコーナー
	Left   []Point // 左画像上のコーナー
	Right  []Point // 右画像上のコーナー
	// Board は左カメラ座標系でのボードの姿勢
	Board Pose
}

// ReprojectionErrors は左右カメラへの再投影誤差を求める
// 戻り値はビューごとのRMSと全体のRMS
func ReprojectionErrors(views []View, left, right Intrinsics, rel Pose) ([]float64, float64, error) {
	if len(views) == 0 {
		return nil, 0, ErrNoViews
	}

	perView := make([]float64, len(views))
	var total float64
	var n int
	for i, v := range views {
		if len(v.Left) != len(v.Object) || len(v.Right) != len(v.Object) {
			return nil, 0, fmt.Errorf("ビュー %d の点数が一致しません", i)
		}
		var sum float64
		for j, obj := range v.Object {
			pl := v.Board.Apply(obj)
			pr := rel.Apply(pl)
			sum += sqDist(left.Project(pl), v.Left[j])
			sum += sqDist(right.Project(pr), v.Right[j])
		}
		count := 2 * len(v.Object)
		if count > 0 {
			perView[i] = math.Sqrt(sum / float64(count))
		}
		total += sum
		n += count
	}
	if n == 0 {
		return perView, 0, nil
	}
	return perView, math.Sqrt(total / float64(n)), nil
}

func sqDist(a, b Point) float64 {
	dx, dy := a.X-b.X, a.Y-b.Y
	return dx*dx + dy*dy
}
