package collect

import (
	"errors"
	"fmt"
	"time"

	"stccam/internal/calibration"
)

// MinInterval は撮影間隔の下限
const MinInterval = 10 * time.Millisecond

// Config はキャリブレーション画像収集の設定
type Config struct {
	OutputDir string        `yaml:"output_dir" json:"output_dir"` // セッションディレクトリの親
	Interval  time.Duration `yaml:"interval" json:"interval"`     // 撮影間隔 (デフォルト: 2秒)
	MaxPairs  int           `yaml:"max_pairs" json:"max_pairs"`   // 保存するペア数の上限 (0 は無制限)
	// CheckBoard が true なら左右どちらかにチェスボードが写っていないペアを保存しない
	CheckBoard bool              `yaml:"check_board" json:"check_board"`
	Board      calibration.Board `yaml:"board" json:"board"`
}

// DefaultConfig はデフォルトの収集設定を返す
func DefaultConfig() Config {
	return Config{
		OutputDir:  "data/calib",
		Interval:   2 * time.Second,
		MaxPairs:   calibration.DefaultImageLimit * 2,
		CheckBoard: true,
		Board:      calibration.DefaultBoard,
	}
}

// Validate は収集設定を検証する
func (c Config) Validate() error {
	var errs []error
	if c.Interval < MinInterval {
		errs = append(errs, fmt.Errorf("撮影間隔 %s は %s 以上にしてください", c.Interval, MinInterval))
	}
	if c.MaxPairs < 0 {
		errs = append(errs, fmt.Errorf("無効なペア数上限: %d", c.MaxPairs))
	}
	if err := c.Board.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// State は収集の状態
type State string

// State の定数定義
const (
	StateIdle       State = "idle"       // 未開始
	StateCollecting State = "collecting" // 収集中
	StateCompleted  State = "completed"  // 上限に達して終了
	StateStopped    State = "stopped"    // 停止済み
)

// Pair は保存済みの画像ペア
type Pair struct {
	Index      int       `json:"index"`
	Left       string    `json:"left"`
	Right      string    `json:"right"`
	CapturedAt time.Time `json:"captured_at"`
}

// Status は収集の現在状態
type Status struct {
	State       State     `json:"state"`
	SessionDir  string    `json:"session_dir"`
	Pairs       int       `json:"pairs"`    // 保存したペア数
	Attempts    int       `json:"attempts"` // 撮影を試みた回数
	Skipped     int       `json:"skipped"`  // チェスボードがなく捨てた回数
	LastCapture time.Time `json:"last_capture"`
	LastError   string    `json:"last_error,omitempty"`
}
