package harvester

import (
	"errors"
	"time"

	"stccam/internal/gentl"
)

var (
	// ErrNoDevice はデバイスが1台も見つからない
	ErrNoDevice = errors.New("カメラが見つかりません")
	// ErrDeviceNotFound は選択条件に一致するデバイスがない
	ErrDeviceNotFound = errors.New("指定されたカメラが見つかりません")
	// ErrNoProducer はプロデューサが登録されていない
	ErrNoProducer = errors.New("GenTL プロデューサが登録されていません")
	// ErrDuplicateFile は同じ .cti ファイルが登録済み
	ErrDuplicateFile = errors.New("既に登録されている .cti ファイルです")
	// ErrNotAcquiring は取得開始前に Fetch が呼ばれた
	ErrNotAcquiring = errors.New("画像取得が開始されていません")
	// ErrDestroyed は破棄済みの ImageAcquirer を操作した
	ErrDestroyed = errors.New("ImageAcquirer は破棄されています")
	// ErrTimeout はバッファの待ち時間を超えた
	ErrTimeout = gentl.ErrTimeout
)

// Producer はロード済みの GenTL プロデューサ
type Producer interface {
	// Path はプロデューサの識別子（.cti のパス）を返す
	Path() string

	// Devices はデバイス一覧を更新して返す
	Devices() ([]gentl.DeviceInfo, error)

	// OpenDevice は列挙済みのデバイスを開く
	OpenDevice(id string) (Device, error)

	// Close はプロデューサを閉じる
	Close() error
}

// Device は開いたリモートデバイス
type Device interface {
	// Info はデバイス情報を返す
	Info() gentl.DeviceInfo

	// Read はレジスタを読み出す
	Read(address int64, length int) ([]byte, error)

	// Write はレジスタへ書き込む
	Write(address int64, data []byte) error

	// XML はデバイス記述XMLを返す
	XML() ([]byte, error)

	// OpenStream はデータストリームを開き bufferCount 個のバッファをキューに入れる
	OpenStream(bufferCount int) (Stream, error)

	// Close はデバイスを閉じる
	Close() error
}

// Stream はデバイスのデータストリーム
type Stream interface {
	PayloadSize() int
	Start() error
	Fetch(timeout time.Duration) (*RawBuffer, error)
	Queue(b *RawBuffer) error
	Stop() error
	Close() error
}

// RawBuffer はストリームから取り出した未加工のバッファ
type RawBuffer struct {
	gentl.BufferInfo
	Data []byte

	// ref はストリーム実装がバッファを識別するための値
	ref any
}

// Loader は .cti ファイルからプロデューサをロードする
type Loader func(path string) (Producer, error)
