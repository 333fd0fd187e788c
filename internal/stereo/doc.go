// Package stereo ステレオカメラの幾何計算を担う
//
// # 責務
// - 回転行列・回転ベクトル（Rodrigues）の変換
// - 左右カメラ間の姿勢（R, T）の推定と基本行列・基礎行列の計算
// - Bouguet 法による平行化（R1, R2, P1, P2, Q）
// - キャリブレーション結果の .npz / YAML 入出力
//
// # 仕様
// - 歪みモデルは (k1, k2, p1, p2, k3)
// - 座標変換は x' = R·x + T（左カメラ座標系 → 右カメラ座標系）
// - 平行化は主点を左右で揃え、画像の拡大縮小は行わない
package stereo
