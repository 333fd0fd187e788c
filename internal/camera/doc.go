// Package camera GenTL カメラの動的管理とストリーミングを担う
//
// # 責務
// - GenTL Producer 経由のカメラ自動検出と管理
// - カメラの動的な追加・削除機能
// - カメラ状態の監視とライフサイクル管理
// - 連続取得したフレームの JPEG 配信
// - 左右2台をまとめたステレオリグの操作
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - カメラデバイスを動的に管理したい
// - カメラの状態をリアルタイムで監視したい
// - 取得中の最新フレームを静止画として取り出したい
// - 左右の映像を1枚に並べてストリーミングしたい
//
// # 仕様
// - Camera Manager: 複数カメラの統合管理
// - Discovery: Harvester のデバイス一覧からシリアル番号で検出
// - GenTLSource: 個別カメラの設定・取得ループ・最新フレーム保持
// - StereoRig: 左右同時のフレーム取得と結合ストリーム
// - Thread-safe な操作をサポート
//
// # 前提要件
//   - GenTL Producer (.cti): GENTL_PATH で探索する
//     cgo なしでビルドした場合は組み込みのシミュレーションカメラのみ使える
package camera
