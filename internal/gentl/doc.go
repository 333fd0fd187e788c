// Package gentl GenTL プロデューサ（.cti）のバインディングを提供する
//
// # 責務
// - .cti ファイルの動的ロードと GenTL C API の呼び出し
// - System / Interface / Device / DataStream モジュールの操作
// - リモートデバイスのポート（レジスタ）読み書きとデバイス記述XMLの取得
// - バッファの確保・キューイングと画像データの取得
//
// # 使い分け
// 通常は harvester パッケージ経由で使用する。
// このパッケージを直接使うのは GenTL のハンドル単位で制御したい場合のみ。
//
// # 仕様
// - cgo が必要。cgo なしでビルドした場合 Load は ErrUnsupported を返す
// - デバイスは制御アクセス（DEVICE_ACCESS_CONTROL）で開く
// - 取得したバッファのデータはGoのメモリへコピーして返す
// - ポートURL（Local: / File:）の解析とZIP展開は cgo なしでも利用できる
//
// # 前提要件
//   - カメラベンダーのSDKに含まれる GenTL プロデューサ
//     例: /opt/sentech/lib/libstgentl.cti
//   - libdl（dlopen）
package gentl
