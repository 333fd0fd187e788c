// Package genapi GenICam の GenApi ノードマップを扱う
//
// # 責務
// - デバイス記述XML（GenApi XML）の解析
// - ノード（Integer / Float / Enumeration / Command / Boolean / String）の読み書き
// - レジスタノードを Port 経由でデバイスのレジスタへ対応付ける
// - SwissKnife の数式評価
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - カメラの Width / Height / PixelFormat などのフィーチャを読み書きしたい
// - PixelFormat のようなEnumerationの選択肢（シンボリック）一覧を取得したい
//
// # 仕様
// - ノードは RegisterDescription 直下と Group 内のどちらにあっても検出する
// - Enumeration のシンボリックはXML上の記述順で返す
// - pIsAvailable / pIsImplemented が 0 と評価されるエントリは除外する
// - 値のキャッシュは行わず、毎回 Port を読み出す
// - Converter / IntConverter ノードは未対応（ErrUnsupported）
// - NodeMap の公開メソッドはスレッドセーフ
package genapi
