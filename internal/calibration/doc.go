// Package calibration 撮りためたチェスボード画像からステレオカメラを校正する
//
// # 入力
// <dir>/stereo_left/*.png と <dir>/stereo_right/*.png をファイル名順に対応付ける
//
// # 手順
// 1. 左右でチェスボードを検出し、サブピクセル精度に補正する
// 2. OpenCV でカメラごとに内部パラメータとボードの姿勢を求める
// 3. 姿勢から左右カメラ間の R, T を推定し、平行化パラメータを求める
// 4. stereo_calib.npz と stereo_calib.yaml に保存する
package calibration
