package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"stccam/internal/calibration"
	"stccam/internal/camera"
	"stccam/internal/capture"
	"stccam/internal/collect"
	"stccam/internal/imaging"
)

// EnvConfigPath は設定ファイルのパスを指定する環境変数
const EnvConfigPath = "STCCAM_CONFIG"

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	GenTL       GenTLConfig       `yaml:"gentl"`
	Camera      CameraConfig      `yaml:"camera"`
	Stereo      StereoConfig      `yaml:"stereo"`
	Collect     collect.Config    `yaml:"collect"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// GenTLConfig は GenTL Producer の設定
type GenTLConfig struct {
	// Paths は .cti ファイルまたはそれを含むディレクトリ
	Paths []string `yaml:"paths"`
	// Mock が true ならシミュレーションカメラ2台を使う
	Mock bool `yaml:"mock"`
	// FetchTimeout はバッファ待ちのタイムアウト
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	// デフォルト設定
	Width       int    `yaml:"width"`        // 画像幅
	Height      int    `yaml:"height"`       // 画像高さ
	PixelFormat string `yaml:"pixel_format"` // 空ならカメラの現在値
	Conversion  string `yaml:"conversion"`   // 色変換 (auto, none, BayerRG2BGR など)
	JPEGQuality int    `yaml:"jpeg_quality"` // ストリーミングの JPEG 品質

	// 自動検出設定
	AutoDiscovery bool          `yaml:"auto_discovery"`
	ScanInterval  time.Duration `yaml:"scan_interval"`
}

// StereoConfig はステレオリグの設定
type StereoConfig struct {
	Left  string `yaml:"left"`  // 左カメラのシリアル番号（空ならデバイス一覧の1台目）
	Right string `yaml:"right"` // 右カメラのシリアル番号（空ならデバイス一覧の2台目）
	// SaveDir は撮影画像の保存先
	SaveDir string `yaml:"save_dir"`
	// StreamInterval は結合ストリームの送出間隔
	StreamInterval time.Duration `yaml:"stream_interval"`
}

// CalibrationConfig はキャリブレーションの設定
type CalibrationConfig struct {
	Dir        string            `yaml:"dir"`       // stereo_left/ と stereo_right/ を含むディレクトリ
	ParamDir   string            `yaml:"param_dir"` // 空なら Dir
	RenderDir  string            `yaml:"render_dir"`
	ImageLimit int               `yaml:"image_limit"`
	Board      calibration.Board `yaml:"board"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error, fatal
	Format string `yaml:"format"` // cli, text, json
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		GenTL: GenTLConfig{
			FetchTimeout: 3 * time.Second,
		},
		Camera: CameraConfig{
			Width:         capture.DefaultResolution.Width,
			Height:        capture.DefaultResolution.Height,
			Conversion:    string(imaging.ConvAuto),
			JPEGQuality:   80,
			AutoDiscovery: true,
			ScanInterval:  30 * time.Second,
		},
		Stereo: StereoConfig{
			SaveDir:        "data/captures",
			StreamInterval: 100 * time.Millisecond,
		},
		Collect: collect.DefaultConfig(),
		Calibration: CalibrationConfig{
			Dir:        "data/calib",
			ImageLimit: calibration.DefaultImageLimit,
			Board:      calibration.DefaultBoard,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "cli",
		},
	}
}

// Load は設定を読み込む
// path が空なら STCCAM_CONFIG を見る。どちらも空ならデフォルト値と環境変数のみ
func Load(path string) (*Config, error) {
	return LoadFs(afero.NewOsFs(), path)
}

// LoadFs は fs 上の設定ファイルを読み込む
func LoadFs(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイル %s の解析に失敗: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() error {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)

	port, err := getEnvAsIntOrDefault("PORT", c.Server.Port)
	if err != nil {
		return err
	}
	c.Server.Port = port

	if value := os.Getenv("GENTL_PATH"); value != "" {
		c.GenTL.Paths = splitPathList(value)
	}

	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
	c.Stereo.Left = getEnvOrDefault("STCCAM_LEFT_SERIAL", c.Stereo.Left)
	c.Stereo.Right = getEnvOrDefault("STCCAM_RIGHT_SERIAL", c.Stereo.Right)
	return nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	var errs []error

	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("無効なポート番号: %d", c.Server.Port))
	}

	// カメラ設定の検証
	if c.Camera.Width < 0 || c.Camera.Height < 0 {
		errs = append(errs, fmt.Errorf("無効な解像度: %dx%d", c.Camera.Width, c.Camera.Height))
	}
	if c.Camera.JPEGQuality < 0 || c.Camera.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("無効な JPEG 品質: %d", c.Camera.JPEGQuality))
	}
	if _, err := imaging.ParseConversion(c.Camera.Conversion); err != nil {
		errs = append(errs, err)
	}

	if c.Stereo.Left != "" && c.Stereo.Left == c.Stereo.Right {
		errs = append(errs, fmt.Errorf("左右のシリアル番号が同じです: %s", c.Stereo.Left))
	}
	if c.Stereo.StreamInterval <= 0 {
		errs = append(errs, fmt.Errorf("無効なストリーム間隔: %s", c.Stereo.StreamInterval))
	}

	if err := c.Collect.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("collect: %w", err))
	}
	if err := c.Calibration.Board.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("calibration: %w", err))
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("無効なログレベル: %s", c.Log.Level))
	}
	switch c.Log.Format {
	case "cli", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("無効なログ形式: %s", c.Log.Format))
	}

	return errors.Join(errs...)
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// StereoSerials は左右のシリアル番号を返す
func (c *Config) StereoSerials() capture.Serials {
	return capture.Serials{Left: c.Stereo.Left, Right: c.Stereo.Right}
}

// Resolution は既定の解像度を返す
func (c *Config) Resolution() capture.Resolution {
	return capture.Resolution{Width: c.Camera.Width, Height: c.Camera.Height}
}

// CameraSettings は新しく検出したカメラに適用する設定を返す
func (c *Config) CameraSettings() camera.Settings {
	return camera.Settings{
		Width:       c.Camera.Width,
		Height:      c.Camera.Height,
		PixelFormat: c.Camera.PixelFormat,
		Conversion:  imaging.Conversion(c.Camera.Conversion),
		JPEGQuality: c.Camera.JPEGQuality,
	}
}

// CalibrationOptions はキャリブレーションの実行オプションを返す
func (c *Config) CalibrationOptions(fs afero.Fs) calibration.Options {
	return calibration.Options{
		Dir:        c.Calibration.Dir,
		Board:      c.Calibration.Board,
		ImageLimit: c.Calibration.ImageLimit,
		ParamDir:   c.Calibration.ParamDir,
		RenderDir:  c.Calibration.RenderDir,
		Fs:         fs,
	}
}

// ProducerFiles は GenTL.Paths を展開して .cti ファイルの一覧を返す
func (c *Config) ProducerFiles(fs afero.Fs) ([]string, error) {
	var files []string
	for _, p := range c.GenTL.Paths {
		st, err := fs.Stat(p)
		if err != nil {
			log.WithError(err).WithField("path", p).Warn("GenTL パスが見つかりません")
			continue
		}
		if !st.IsDir() {
			files = append(files, p)
			continue
		}
		matches, err := afero.Glob(fs, filepath.Join(p, "*.cti"))
		if err != nil {
			return nil, fmt.Errorf("%s の探索に失敗: %w", p, err)
		}
		files = append(files, matches...)
	}
	return files, nil
}

func splitPathList(value string) []string {
	var paths []string
	for _, p := range strings.Split(value, string(os.PathListSeparator)) {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	var intVal int
	if _, err := fmt.Sscanf(value, "%d", &intVal); err != nil {
		return 0, fmt.Errorf("環境変数 %s が整数ではありません: %q", key, value)
	}
	return intVal, nil
}
