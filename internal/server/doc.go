// Package server は、gin による HTTP API とストリーミング配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - カメラ一覧・開始・停止・設定変更の API
//   - カメラ単体と左右結合の MJPEG ストリーミング
//   - ステレオ画像の撮影とキャリブレーション画像の収集
//   - 保存済み画像ペアからのステレオキャリブレーション
//
// 仕様:
//   - エラーは ErrorResponse の JSON で返す
//   - SIGINT/SIGTERM かコンテキストの終了で5秒以内に停止する
//   - 複数クライアントの同時接続をサポート
package server
