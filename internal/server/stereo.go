package server

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"

	"stccam/internal/calibration"
	"stccam/internal/camera"
	"stccam/internal/capture"
	"stccam/internal/collect"
)

const (
	// captureTimeout は撮影時に最初のフレームを待つ上限
	captureTimeout = 5 * time.Second
	// captureLayout は保存ファイル名に付ける時刻の書式
	captureLayout = "20060102-150405.000"
)

// CaptureResponse は保存した左右画像のパス
type CaptureResponse struct {
	Left       string    `json:"left"`
	Right      string    `json:"right"`
	CapturedAt time.Time `json:"captured_at"`
}

// CollectStatus は収集セッションの状態
type CollectStatus struct {
	collect.Status
	Config collect.Config `json:"config"`
}

// errOutsideBase はリクエストのパスが基準ディレクトリの外を指している
var errOutsideBase = errors.New("基準ディレクトリの外は指定できません")

// CollectionRequest は収集の開始条件
// 省略した項目は設定ファイルの値を使う
type CollectionRequest struct {
	OutputDir  string             `json:"output_dir"` // collect.output_dir からの相対パス
	Interval   string             `json:"interval"`   // "2s" などの書式
	MaxPairs   *int               `json:"max_pairs"`
	CheckBoard *bool              `json:"check_board"`
	Board      *calibration.Board `json:"board"`
}

// merge は base にリクエストの値を重ねて検証する
func (r CollectionRequest) merge(base collect.Config) (collect.Config, error) {
	conf := base
	dir, err := resolveUnder(base.OutputDir, r.OutputDir)
	if err != nil {
		return conf, err
	}
	conf.OutputDir = dir

	if r.Interval != "" {
		d, err := time.ParseDuration(r.Interval)
		if err != nil {
			return conf, fmt.Errorf("撮影間隔 %q: %w", r.Interval, err)
		}
		conf.Interval = d
	}
	if r.MaxPairs != nil {
		conf.MaxPairs = *r.MaxPairs
	}
	if r.CheckBoard != nil {
		conf.CheckBoard = *r.CheckBoard
	}
	if r.Board != nil {
		conf.Board = *r.Board
	}
	return conf, conf.Validate()
}

// resolveUnder はリクエストで指定された相対パスを base の下に解決する
func resolveUnder(base, rel string) (string, error) {
	if rel == "" {
		return base, nil
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%s: %w", rel, errOutsideBase)
	}
	return filepath.Join(base, rel), nil
}

// CalibrationRequest はキャリブレーションの実行条件
// 省略した項目は設定ファイルの値を使い、パスは設定のディレクトリからの相対で指定する
type CalibrationRequest struct {
	Dir        string             `json:"dir"`
	ParamDir   string             `json:"param_dir"`
	RenderDir  string             `json:"render_dir"`
	ImageLimit int                `json:"image_limit"`
	Board      *calibration.Board `json:"board"`
}

// CalibrationResponse はキャリブレーション結果の要約
type CalibrationResponse struct {
	RMS         float64                 `json:"rms"`
	LeftRMS     float64                 `json:"left_rms"`
	RightRMS    float64                 `json:"right_rms"`
	MeanError   float64                 `json:"mean_error"`
	MedianError float64                 `json:"median_error"`
	MaxError    float64                 `json:"max_error"`
	Baseline    float64                 `json:"baseline"`
	ImageWidth  int                     `json:"image_width"`
	ImageHeight int                     `json:"image_height"`
	Views       []calibration.ViewError `json:"views"`
	Skipped     []string                `json:"skipped"`
	NPZPath     string                  `json:"npz_path"`
	YAMLPath    string                  `json:"yaml_path"`
}

// stereoCameras は左右のカメラを決める
// シリアル番号の設定がなければシリアル番号順で先頭の2台を使う
func (s *Server) stereoCameras() (left, right *camera.Camera, err error) {
	serials := s.config.StereoSerials()
	pick := func(serial string, exclude string) (*camera.Camera, error) {
		if serial != "" {
			cam, ok := s.cameras.FindBySerial(serial)
			if !ok {
				return nil, fmt.Errorf("シリアル番号 %s: %w", serial, camera.ErrCameraNotFound)
			}
			return cam, nil
		}
		for _, cam := range sortedCameras(s.cameras.GetCameras()) {
			if cam.Serial != exclude && cam.Serial != serials.Left && cam.Serial != serials.Right {
				return &cam, nil
			}
		}
		return nil, capture.ErrStereoRigIncomplete
	}

	if left, err = pick(serials.Left, ""); err != nil {
		return nil, nil, fmt.Errorf("左カメラ: %w", err)
	}
	if right, err = pick(serials.Right, left.Serial); err != nil {
		return nil, nil, fmt.Errorf("右カメラ: %w", err)
	}
	return left, right, nil
}

// stereoRig は左右のカメラの映像ソースをまとめる
func (s *Server) stereoRig() (*camera.StereoRig, error) {
	left, right, err := s.stereoCameras()
	if err != nil {
		return nil, err
	}
	ls, lok := s.cameras.GetCameraSource(left.ID)
	rs, rok := s.cameras.GetCameraSource(right.ID)
	if !lok || !rok {
		return nil, camera.ErrCameraNotFound
	}
	return camera.NewStereoRig(ls, rs), nil
}

// rigOrAbort は stereoRig のエラーをレスポンスにする
func (s *Server) rigOrAbort(c *gin.Context) (*camera.StereoRig, bool) {
	rig, err := s.stereoRig()
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, camera.ErrCameraNotFound) {
			status = http.StatusNotFound
		}
		abortError(c, status, "stereo_unavailable", "ステレオカメラを構成できません", err)
		return nil, false
	}
	return rig, true
}

// handleStartStereo は左右のカメラを開始する
func (s *Server) handleStartStereo(c *gin.Context) {
	rig, ok := s.rigOrAbort(c)
	if !ok {
		return
	}
	if err := rig.Start(c.Request.Context()); err != nil {
		abortError(c, http.StatusInternalServerError, "camera_start_failed", "ステレオカメラの開始に失敗しました", err)
		return
	}
	s.respondStereoCameras(c)
}

// handleStopStereo は左右のカメラを停止する
func (s *Server) handleStopStereo(c *gin.Context) {
	rig, ok := s.rigOrAbort(c)
	if !ok {
		return
	}
	if err := rig.Stop(c.Request.Context()); err != nil {
		abortError(c, http.StatusInternalServerError, "camera_stop_failed", "ステレオカメラの停止に失敗しました", err)
		return
	}
	s.respondStereoCameras(c)
}

func (s *Server) respondStereoCameras(c *gin.Context) {
	left, right, err := s.stereoCameras()
	if err != nil {
		abortError(c, http.StatusServiceUnavailable, "stereo_unavailable", "ステレオカメラを構成できません", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": left, "right": right})
}

// handleStereoStream は左右を並べた MJPEG を配信する
func (s *Server) handleStereoStream(c *gin.Context) {
	rig, ok := s.rigOrAbort(c)
	if !ok {
		return
	}
	if rig.Left.GetStatus() != camera.StatusActive || rig.Right.GetStatus() != camera.StatusActive {
		abortError(c, http.StatusServiceUnavailable, "camera_not_active", "カメラがアクティブではありません", nil)
		return
	}

	quality := s.config.Camera.JPEGQuality
	frames := rig.CombinedStream(c.Request.Context(), s.config.Stereo.StreamInterval, quality)
	streamMJPEG(c, frames)
}

// handleCreateCapture は左右の最新フレームを PNG で保存する
func (s *Server) handleCreateCapture(c *gin.Context) {
	rig, ok := s.rigOrAbort(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), captureTimeout)
	defer cancel()
	left, right, err := rig.CapturePair(ctx)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, camera.ErrInactive) {
			status = http.StatusServiceUnavailable
		} else if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		abortError(c, status, "capture_failed", "画像ペアの取得に失敗しました", err)
		return
	}

	now := time.Now()
	stamp := now.Format(captureLayout)
	dir := s.config.Stereo.SaveDir
	leftPath, err := capture.SavePNG(s.fs, filepath.Join(dir, fmt.Sprintf("stereo_left_%s.png", stamp)), left)
	if err != nil {
		abortError(c, http.StatusInternalServerError, "save_failed", "画像の保存に失敗しました", err)
		return
	}
	rightPath, err := capture.SavePNG(s.fs, filepath.Join(dir, fmt.Sprintf("stereo_right_%s.png", stamp)), right)
	if err != nil {
		abortError(c, http.StatusInternalServerError, "save_failed", "画像の保存に失敗しました", err)
		return
	}

	log.WithFields(log.Fields{"left": leftPath, "right": rightPath}).Info("ステレオ画像を保存しました")
	c.JSON(http.StatusCreated, CaptureResponse{Left: leftPath, Right: rightPath, CapturedAt: now})
}

// handleListCaptures は保存済みの画像ペアを新しい順に返す
func (s *Server) handleListCaptures(c *gin.Context) {
	captures, err := listCaptures(s.fs, s.config.Stereo.SaveDir)
	if err != nil {
		abortError(c, http.StatusInternalServerError, "list_failed", "保存済み画像の取得に失敗しました", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"captures": captures})
}

func listCaptures(fs afero.Fs, dir string) ([]CaptureResponse, error) {
	lefts, err := afero.Glob(fs, filepath.Join(dir, "stereo_left_*.png"))
	if err != nil {
		return nil, err
	}

	captures := make([]CaptureResponse, 0, len(lefts))
	for _, left := range lefts {
		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(left), "stereo_left_"), ".png")
		right := filepath.Join(dir, "stereo_right_"+stamp+".png")
		if ok, _ := afero.Exists(fs, right); !ok {
			continue
		}
		item := CaptureResponse{Left: left, Right: right}
		if t, err := time.ParseInLocation(captureLayout, stamp, time.Local); err == nil {
			item.CapturedAt = t
		}
		captures = append(captures, item)
	}
	slices.Reverse(captures)
	return captures, nil
}

// handleStartCollection はキャリブレーション画像の収集を開始する
func (s *Server) handleStartCollection(c *gin.Context) {
	var req CollectionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortError(c, http.StatusBadRequest, "invalid_request", "収集設定の形式が不正です", err)
			return
		}
	}
	conf, err := req.merge(s.config.Collect)
	if err != nil {
		abortError(c, http.StatusBadRequest, "invalid_request", "収集設定が不正です", err)
		return
	}

	rig, ok := s.rigOrAbort(c)
	if !ok {
		return
	}

	s.collectMu.Lock()
	defer s.collectMu.Unlock()

	if s.collector != nil && s.collector.Status().State == collect.StateCollecting {
		abortError(c, http.StatusConflict, "collection_running", "収集は既に実行中です", collect.ErrAlreadyStarted)
		return
	}

	collector := collect.NewCollector(rig, s.fs, conf)
	if err := collector.Start(s.baseCtx); err != nil {
		abortError(c, http.StatusInternalServerError, "collection_failed", "収集を開始できませんでした", err)
		return
	}
	s.collector = collector
	c.JSON(http.StatusAccepted, s.collectStatusLocked())
}

// handleCollectionStatus は収集状況を返す
func (s *Server) handleCollectionStatus(c *gin.Context) {
	status := s.collectStatus()
	if status == nil {
		abortError(c, http.StatusNotFound, "collection_not_found", "収集は開始されていません", collect.ErrNotStarted)
		return
	}
	c.JSON(http.StatusOK, status)
}

// handleStopCollection は収集を停止する
func (s *Server) handleStopCollection(c *gin.Context) {
	s.collectMu.Lock()
	defer s.collectMu.Unlock()

	if s.collector == nil {
		abortError(c, http.StatusNotFound, "collection_not_found", "収集は開始されていません", collect.ErrNotStarted)
		return
	}
	if err := s.collector.Stop(c.Request.Context()); err != nil {
		abortError(c, http.StatusInternalServerError, "collection_stop_failed", "収集の停止に失敗しました", err)
		return
	}
	c.JSON(http.StatusOK, s.collectStatusLocked())
}

// calibrationOptions は設定ファイルの値にリクエストの値を重ねる
func (s *Server) calibrationOptions(req CalibrationRequest) (calibration.Options, error) {
	calib := s.config.Calibration
	opts := s.config.CalibrationOptions(s.fs)

	var errs []error
	resolve := func(dst *string, base, rel string) {
		if rel == "" {
			return
		}
		p, err := resolveUnder(base, rel)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = p
	}
	resolve(&opts.Dir, calib.Dir, req.Dir)
	resolve(&opts.ParamDir, cmp.Or(calib.ParamDir, calib.Dir), req.ParamDir)
	resolve(&opts.RenderDir, cmp.Or(calib.RenderDir, calib.Dir), req.RenderDir)

	if req.ImageLimit < 0 {
		errs = append(errs, fmt.Errorf("無効な枚数上限: %d", req.ImageLimit))
	} else if req.ImageLimit > 0 {
		opts.ImageLimit = req.ImageLimit
	}
	if req.Board != nil {
		if err := req.Board.Validate(); err != nil {
			errs = append(errs, err)
		}
		opts.Board = *req.Board
	}
	return opts, errors.Join(errs...)
}

func (s *Server) collectStatus() *CollectStatus {
	s.collectMu.Lock()
	defer s.collectMu.Unlock()
	return s.collectStatusLocked()
}

func (s *Server) collectStatusLocked() *CollectStatus {
	if s.collector == nil {
		return nil
	}
	return &CollectStatus{Status: s.collector.Status(), Config: s.collector.Config()}
}

// handleCalibrate は保存済みの画像ペアからステレオキャリブレーションを行う
func (s *Server) handleCalibrate(c *gin.Context) {
	var req CalibrationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortError(c, http.StatusBadRequest, "invalid_request", "キャリブレーション条件の形式が不正です", err)
			return
		}
	}

	opts, err := s.calibrationOptions(req)
	if err != nil {
		abortError(c, http.StatusBadRequest, "invalid_request", "キャリブレーション条件が不正です", err)
		return
	}

	res, err := calibration.Run(c.Request.Context(), opts)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, calibration.ErrNoValidPairs), errors.Is(err, calibration.ErrImageSizeMismatch):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, afero.ErrFileNotFound):
			status = http.StatusNotFound
		}
		abortError(c, status, "calibration_failed", "キャリブレーションに失敗しました", err)
		return
	}

	c.JSON(http.StatusOK, CalibrationResponse{
		RMS:         res.RMS,
		LeftRMS:     res.LeftRMS,
		RightRMS:    res.RightRMS,
		MeanError:   res.MeanError,
		MedianError: res.MedianError,
		MaxError:    res.MaxError,
		Baseline:    res.Params.Rect.Baseline(),
		ImageWidth:  res.Params.ImageWidth,
		ImageHeight: res.Params.ImageHeight,
		Views:       res.Views,
		Skipped:     res.Skipped,
		NPZPath:     res.NPZPath,
		YAMLPath:    res.YAMLPath,
	})
}
