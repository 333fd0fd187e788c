// Package imaging カメラ画像の変換・合成・エンコードを担う
//
// # 責務
// - GenTL バッファ（Bayer / RGB / Mono）から BGR 画像への変換
// - ステレオ画像の左右結合
// - JPEG / PNG のエンコードとファイル入出力
//
// # 仕様
// - Conversion "auto" はピクセルフォーマットから変換を選ぶ
// - PFNC の BayerRG は OpenCV の BayerBG2BGR に対応する
// - 10 / 12 / 16 ビットの画像は上位8ビットに丸めてから変換する
//
// # 前提要件
//   - OpenCV 4.x（gocv 経由で使用）
package imaging
