// Package capture カメラからの単発撮影を提供する
//
// # 責務
// - 1台のカメラからの撮影（RGB8 / Bayer + 色変換）
// - ステレオカメラ（左右2台）からの同時撮影
// - 撮影画像のPNG保存
// - 対応ピクセルフォーマットの一覧取得
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 常時ストリーミングせずに1枚だけ撮影したい
// - 撮影した画像をその場で保存したい
// 連続取得やライブ配信には camera パッケージを使用する
//
// # 仕様
// - 解像度はカメラの Width / Height の Min・Max・Inc で検証される
// - 撮影後は ImageAcquirer を破棄してカメラを解放する
// - 保存ファイル名は usb_<YYYYMMDD-HHMMSS>.png、stereo_left_<...>.png、stereo_right_<...>.png
package capture
