package stereo

import (
	"errors"
	"math"
)

// ErrSingular は逆行列が存在しない
var ErrSingular = errors.New("行列が特異です")

// Vec3 は3次元ベクトル
type Vec3 [3]float64

// Mat3 は3x3行列（行優先）
type Mat3 [3][3]float64

// Identity は単位行列を返す
func Identity() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

func (a Vec3) Add(b Vec3) Vec3 {
	return Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

func (a Vec3) Sub(b Vec3) Vec3 {
	return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func (a Vec3) Scale(s float64) Vec3 {
	return Vec3{a[0] * s, a[1] * s, a[2] * s}
}

func (a Vec3) Dot(b Vec3) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func (a Vec3) Norm() float64 {
	return math.Sqrt(a.Dot(a))
}

// Mul は行列積 a·b を返す
func (a Mat3) Mul(b Mat3) Mat3 {
	var c Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				c[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return c
}

// MulVec は a·v を返す
func (a Mat3) MulVec(v Vec3) Vec3 {
	return Vec3{
		a[0][0]*v[0] + a[0][1]*v[1] + a[0][2]*v[2],
		a[1][0]*v[0] + a[1][1]*v[1] + a[1][2]*v[2],
		a[2][0]*v[0] + a[2][1]*v[1] + a[2][2]*v[2],
	}
}

// T は転置を返す
func (a Mat3) T() Mat3 {
	var t Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t[i][j] = a[j][i]
		}
	}
	return t
}

func (a Mat3) Det() float64 {
	return a[0][0]*(a[1][1]*a[2][2]-a[1][2]*a[2][1]) -
		a[0][1]*(a[1][0]*a[2][2]-a[1][2]*a[2][0]) +
		a[0][2]*(a[1][0]*a[2][1]-a[1][1]*a[2][0])
}

// Inverse は逆行列を返す
func (a Mat3) Inverse() (Mat3, error) {
	det := a.Det()
	if math.Abs(det) < 1e-12 {
		return Mat3{}, ErrSingular
	}
	inv := Mat3{
		{a[1][1]*a[2][2] - a[1][2]*a[2][1], a[0][2]*a[2][1] - a[0][1]*a[2][2], a[0][1]*a[1][2] - a[0][2]*a[1][1]},
		{a[1][2]*a[2][0] - a[1][0]*a[2][2], a[0][0]*a[2][2] - a[0][2]*a[2][0], a[0][2]*a[1][0] - a[0][0]*a[1][2]},
		{a[1][0]*a[2][1] - a[1][1]*a[2][0], a[0][1]*a[2][0] - a[0][0]*a[2][1], a[0][0]*a[1][1] - a[0][1]*a[1][0]},
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			inv[i][j] /= det
		}
	}
	return inv, nil
}

// Scale は全要素を s 倍する
func (a Mat3) Scale(s float64) Mat3 {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			a[i][j] *= s
		}
	}
	return a
}

// Rows は行のスライスにする
func (a Mat3) Rows() [][]float64 {
	return [][]float64{a[0][:], a[1][:], a[2][:]}
}

// Skew は v の外積行列 [v]x を返す
func Skew(v Vec3) Mat3 {
	return Mat3{
		{0, -v[2], v[1]},
		{v[2], 0, -v[0]},
		{-v[1], v[0], 0},
	}
}

// Rodrigues は回転ベクトルを回転行列にする
func Rodrigues(r Vec3) Mat3 {
	theta := r.Norm()
	if theta < 1e-12 {
		return Identity()
	}
	k := r.Scale(1 / theta)
	K := Skew(k)
	K2 := K.Mul(K)

	s, c := math.Sin(theta), math.Cos(theta)
	R := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			R[i][j] += s*K[i][j] + (1-c)*K2[i][j]
		}
	}
	return R
}

// RotationVector は回転行列を回転ベクトルにする
func RotationVector(R Mat3) Vec3 {
	return quatFromMatrix(R).vector()
}

// quat は単位四元数 (w, x, y, z)
type quat [4]float64

func quatFromMatrix(R Mat3) quat {
	tr := R[0][0] + R[1][1] + R[2][2]
	var q quat
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat{s / 4, (R[2][1] - R[1][2]) / s, (R[0][2] - R[2][0]) / s, (R[1][0] - R[0][1]) / s}
	case R[0][0] > R[1][1] && R[0][0] > R[2][2]:
		s := math.Sqrt(1+R[0][0]-R[1][1]-R[2][2]) * 2
		q = quat{(R[2][1] - R[1][2]) / s, s / 4, (R[0][1] + R[1][0]) / s, (R[0][2] + R[2][0]) / s}
	case R[1][1] > R[2][2]:
		s := math.Sqrt(1+R[1][1]-R[0][0]-R[2][2]) * 2
		q = quat{(R[0][2] - R[2][0]) / s, (R[0][1] + R[1][0]) / s, s / 4, (R[1][2] + R[2][1]) / s}
	default:
		s := math.Sqrt(1+R[2][2]-R[0][0]-R[1][1]) * 2
		q = quat{(R[1][0] - R[0][1]) / s, (R[0][2] + R[2][0]) / s, (R[1][2] + R[2][1]) / s, s / 4}
	}
	return q.normalize()
}

func (q quat) normalize() quat {
	n := math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if n == 0 {
		return quat{1, 0, 0, 0}
	}
	return quat{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}

func (q quat) dot(p quat) float64 {
	return q[0]*p[0] + q[1]*p[1] + q[2]*p[2] + q[3]*p[3]
}

func (q quat) matrix() Mat3 {
	w, x, y, z := q[0], q[1], q[2], q[3]
	return Mat3{
		{1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w)},
		{2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w)},
		{2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y)},
	}
}

// vector は回転ベクトル（軸 × 角度）を返す
func (q quat) vector() Vec3 {
	if q[0] < 0 {
		q = quat{-q[0], -q[1], -q[2], -q[3]}
	}
	v := Vec3{q[1], q[2], q[3]}
	s := v.Norm()
	if s < 1e-12 {
		return Vec3{}
	}
	theta := 2 * math.Atan2(s, q[0])
	return v.Scale(theta / s)
}

// averageRotation は回転行列の平均（符号を揃えた四元数の和の正規化）を返す
func averageRotation(rs []Mat3) Mat3 {
	if len(rs) == 0 {
		return Identity()
	}
	ref := quatFromMatrix(rs[0])
	var sum quat
	for _, R := range rs {
		q := quatFromMatrix(R)
		if q.dot(ref) < 0 {
			q = quat{-q[0], -q[1], -q[2], -q[3]}
		}
		for i := range sum {
			sum[i] += q[i]
		}
	}
	return sum.normalize().matrix()
}
