package camera

import (
	"context"
	"time"

	"stccam/internal/gentl"
	"stccam/internal/imaging"
)

// Status はカメラの動作状態を表す
type Status string

const (
	StatusInactive Status = "inactive" // カメラは停止中
	StatusActive   Status = "active"   // カメラは動作中
	StatusError    Status = "error"    // カメラでエラーが発生
)

// Camera は動的に管理されるカメラの情報
type Camera struct {
	ID       string    `json:"id"`     // カメラの一意識別子
	Name     string    `json:"name"`   // カメラの表示名
	Serial   string    `json:"serial"` // シリアル番号
	Vendor   string    `json:"vendor"`
	Model    string    `json:"model"`
	Settings Settings  `json:"settings"`
	Status   Status    `json:"status"`    // 現在の状態
	LastSeen time.Time `json:"last_seen"` // 最後に確認された時刻
}

// Settings はカメラの設定を表す
type Settings struct {
	Width       int                `json:"width" yaml:"width"`   // 画像幅
	Height      int                `json:"height" yaml:"height"` // 画像高さ
	PixelFormat string             `json:"pixel_format" yaml:"pixel_format"`
	Conversion  imaging.Conversion `json:"conversion" yaml:"conversion"`
	// JPEGQuality はストリーミング用の品質 (0 は既定値)
	JPEGQuality int `json:"jpeg_quality" yaml:"jpeg_quality"`
}

// Manager はカメラの動的管理を担うインターフェース
type Manager interface {
	// Start はカメラマネージャーを開始する
	Start(ctx context.Context) error

	// Stop はカメラマネージャーを停止する
	Stop(ctx context.Context) error

	// GetCameras は現在管理されているカメラ一覧を取得する
	GetCameras() []Camera

	// GetCamera は指定されたIDのカメラを取得する
	GetCamera(id string) (*Camera, bool)

	// FindBySerial はシリアル番号でカメラを探す
	FindBySerial(serial string) (*Camera, bool)

	// GetCameraSource は指定されたIDの映像ソースを取得する
	GetCameraSource(id string) (Source, bool)

	// AddCamera はシリアル番号を指定してカメラを動的に追加する
	AddCamera(ctx context.Context, serial string, settings Settings) (*Camera, error)

	// RemoveCamera はカメラを削除する
	RemoveCamera(ctx context.Context, id string) error

	// StartCamera はカメラを開始する
	StartCamera(ctx context.Context, id string) error

	// StopCamera はカメラを停止する
	StopCamera(ctx context.Context, id string) error

	// DiscoverCameras はカメラを再検出し、見つかったシリアル番号を返す
	DiscoverCameras(ctx context.Context) ([]string, error)
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices は利用可能なカメラのシリアル番号をスキャンする
	ScanDevices(ctx context.Context) ([]string, error)

	// IsDeviceAvailable は指定されたシリアル番号のカメラが利用可能かチェックする
	IsDeviceAvailable(ctx context.Context, serial string) bool

	// GetDeviceInfo はデバイスの詳細情報を取得する
	GetDeviceInfo(ctx context.Context, serial string) (*DeviceInfo, error)
}

// DeviceInfo はカメラデバイスの詳細情報を表す
type DeviceInfo struct {
	Serial       string                   `json:"serial"`
	Name         string                   `json:"name"`
	Vendor       string                   `json:"vendor"`
	Model        string                   `json:"model"`
	TLType       string                   `json:"tl_type"`
	Producer     string                   `json:"producer"`
	AccessStatus gentl.DeviceAccessStatus `json:"access_status"`
}

// Source は取得中のカメラ映像を提供する
type Source interface {
	// 基本操作
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// ストリーミング
	GetFrameChannel() <-chan []byte
	GetErrorChannel() <-chan error

	// LatestFrame は最後に取得した変換済みフレームのコピーを返す
	LatestFrame() (*imaging.Frame, error)

	// 設定
	ApplySettings(ctx context.Context, settings Settings) error
	GetCurrentSettings() Settings
	PixelFormats(ctx context.Context) ([]string, error)

	// ステータス取得
	GetStatus() Status
}

// SourceCreator はカメラから映像ソースを作る
type SourceCreator func(cam *Camera) Source
