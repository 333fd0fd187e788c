// Package harvester GenTL コンシューマとしてカメラを列挙・取得する
//
// # 責務
// - GenTL プロデューサ（.cti）の登録とデバイスの列挙
// - インデックスまたはシリアル番号によるデバイス選択
// - リモートデバイスのノードマップ（GenApi）の提供
// - 画像取得の開始・停止とバッファの受け取り・返却
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - .cti ファイルを指定してカメラから画像を取得したい
// - カメラの Width / Height / PixelFormat などを設定したい
// - 実機なしでシミュレーションカメラ（MockProducer）を使いたい
//
// # 仕様
// - AddFile は存在する .cti ファイルのみ受け付け、重複登録はエラー
// - プロデューサは Update の時点で遅延ロードする
// - Fetch で受け取った Buffer は Queue でプロデューサへ返却する
// - バッファ数を使い切ると返却されるまで Fetch はタイムアウトする
// - Reset は全ての ImageAcquirer を破棄し、プロデューサを閉じる
//
// # 使用例
//
//	h := harvester.New()
//	if err := h.AddFile("/opt/sentech/lib/libstgentl.cti"); err != nil { ... }
//	if err := h.Update(ctx); err != nil { ... }
//	ia, err := h.Create(ctx, harvester.Index(0))
//	...
//	buf, err := ia.Fetch(ctx)
//	defer buf.Queue()
package harvester
