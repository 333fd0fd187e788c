// Package collect ステレオキャリブレーション用の画像ペアを撮りためる
//
// 保存先は <output>/<DD-MM-YYYY-HH-MM>/stereo_left/left_img000.png のように
// セッションごとに分け、calibration パッケージがそのまま読める構成にする。
package collect
