package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/apex/log"

	"stccam/internal/capture"
	"stccam/internal/harvester"
	"stccam/internal/imaging"
)

// ErrNoFrame はまだフレームを取得していない
var ErrNoFrame = errors.New("フレームがまだ取得されていません")

// ErrInactive はカメラが停止している
var ErrInactive = errors.New("カメラが非アクティブです")

// baseSource は映像ソースの共通部分
type baseSource struct {
	settings  Settings
	frameChan chan []byte
	errorChan chan error
	status    Status
	mu        sync.RWMutex
}

// GetCurrentSettings は現在の設定を返す
func (b *baseSource) GetCurrentSettings() Settings {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.settings
}

// GetStatus はステータスを返す
func (b *baseSource) GetStatus() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// GetFrameChannel はJPEGフレームのチャンネルを返す
func (b *baseSource) GetFrameChannel() <-chan []byte {
	return b.frameChan
}

// GetErrorChannel はエラーチャンネルを返す
func (b *baseSource) GetErrorChannel() <-chan error {
	return b.errorChan
}

// pushFrame はフレームを送る。チャンネルがフルの場合は古いフレームを破棄する
func (b *baseSource) pushFrame(frame []byte) {
	select {
	case b.frameChan <- frame:
		return
	default:
	}
	select {
	case <-b.frameChan:
	default:
	}
	select {
	case b.frameChan <- frame:
	default:
	}
}

// pushError はエラーを送る。チャンネルがフルの場合は古いエラーを破棄する
func (b *baseSource) pushError(err error) {
	select {
	case b.errorChan <- err:
		return
	default:
	}
	select {
	case <-b.errorChan:
	default:
	}
	select {
	case b.errorChan <- err:
	default:
	}
}

// GenTLSource は GenTL カメラの Source 実装
type GenTLSource struct {
	baseSource

	h      *harvester.Harvester
	serial string
	name   string

	ia     *harvester.ImageAcquirer
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// 最新フレーム保持用
	latest   *imaging.Frame
	latestMu sync.RWMutex
}

// NewGenTLSource は新しい GenTLSource を作成する
func NewGenTLSource(h *harvester.Harvester, serial, name string, settings Settings) *GenTLSource {
	return &GenTLSource{
		baseSource: baseSource{
			settings:  settings,
			frameChan: make(chan []byte, 10),
			errorChan: make(chan error, 5),
			status:    StatusInactive,
		},
		h:      h,
		serial: serial,
		name:   name,
	}
}

// NewGenTLSourceCreator は DefaultCameraManager 用の SourceCreator を返す
func NewGenTLSourceCreator(h *harvester.Harvester) SourceCreator {
	return func(cam *Camera) Source {
		return NewGenTLSource(h, cam.Serial, cam.Name, cam.Settings)
	}
}

// Serial はカメラのシリアル番号を返す
func (s *GenTLSource) Serial() string {
	return s.serial
}

// Start はカメラを開いて画像取得を開始する
func (s *GenTLSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusActive {
		return nil // 既に開始済み
	}

	// 取得エラーで止まった場合もデバイスは開いたまま
	if err := s.releaseLocked(); err != nil {
		log.WithError(err).WithField("serial", s.serial).Warn("前回のカメラの解放に失敗")
	}

	if err := s.startLocked(ctx); err != nil {
		s.status = StatusError
		return fmt.Errorf("カメラ %s の開始に失敗: %w", s.serial, err)
	}
	s.status = StatusActive
	return nil
}

func (s *GenTLSource) startLocked(ctx context.Context) error {
	if err := s.h.Update(ctx); err != nil {
		return err
	}
	ia, err := s.h.Create(ctx, harvester.Serial(s.serial))
	if err != nil {
		return err
	}

	res := capture.Resolution{Width: s.settings.Width, Height: s.settings.Height}
	if res.Width > 0 && res.Height > 0 || s.settings.PixelFormat != "" {
		if res.Width <= 0 || res.Height <= 0 {
			res = currentResolution(ia)
		}
		if err := capture.Configure(ia, res, s.settings.PixelFormat); err != nil {
			_ = ia.Destroy()
			return err
		}
	}

	if err := ia.Start(ctx); err != nil {
		_ = ia.Destroy()
		return err
	}

	// リクエストのコンテキストが終わっても取得は続ける
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.ia, s.cancel = ia, cancel

	conv := s.settings.Conversion
	if conv == "" {
		conv = imaging.ConvAuto
	}
	s.wg.Add(1)
	go s.acquire(runCtx, ia, conv, s.settings.JPEGQuality)

	log.WithFields(log.Fields{
		"camera":     s.name,
		"serial":     s.serial,
		"conversion": conv,
	}).Info("ストリーミングを開始しました")
	return nil
}

// releaseLocked は残っている ImageAcquirer を破棄する
// acquire はエラー終了時に s.mu を解放してから戻るので、ロック中に待ってよい
func (s *GenTLSource) releaseLocked() error {
	if s.ia == nil {
		return nil
	}
	ia, cancel := s.ia, s.cancel
	s.ia, s.cancel = nil, nil
	cancel()
	s.wg.Wait()
	return ia.Destroy()
}

func currentResolution(ia *harvester.ImageAcquirer) capture.Resolution {
	nm := ia.RemoteDevice().NodeMap()
	var res capture.Resolution
	if n, err := nm.Integer("Width"); err == nil {
		if v, err := n.Value(); err == nil {
			res.Width = int(v)
		}
	}
	if n, err := nm.Integer("Height"); err == nil {
		if v, err := n.Value(); err == nil {
			res.Height = int(v)
		}
	}
	return res
}

// acquire はバッファを受け取り続け、変換済みフレームとJPEGを配信する
func (s *GenTLSource) acquire(ctx context.Context, ia *harvester.ImageAcquirer, conv imaging.Conversion, quality int) {
	defer s.wg.Done()

	for {
		buf, err := ia.Fetch(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, harvester.ErrTimeout):
			s.pushError(err)
			continue
		case err != nil:
			s.pushError(err)
			log.WithError(err).WithField("serial", s.serial).Error("画像取得に失敗したため停止します")
			s.mu.Lock()
			s.status = StatusError
			s.mu.Unlock()
			return
		}

		frame, err := imaging.FromBuffer(buf, conv)
		if qerr := buf.Queue(); qerr != nil {
			log.WithError(qerr).Debug("バッファの再キューに失敗")
		}
		if err != nil {
			s.pushError(err)
			continue
		}

		s.latestMu.Lock()
		s.latest = frame
		s.latestMu.Unlock()

		jpeg, err := frame.EncodeJPEG(quality)
		if err != nil {
			s.pushError(err)
			continue
		}
		s.pushFrame(jpeg)
	}
}

// Stop は画像取得を停止してカメラを解放する
func (s *GenTLSource) Stop(_ context.Context) error {
	s.mu.Lock()
	if s.ia == nil {
		s.status = StatusInactive
		s.mu.Unlock()
		return nil // 既に停止済み
	}
	ia, cancel := s.ia, s.cancel
	s.ia, s.cancel = nil, nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	err := ia.Destroy()

	s.mu.Lock()
	s.status = StatusInactive
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("カメラ %s の解放に失敗: %w", s.serial, err)
	}
	log.WithField("serial", s.serial).Info("ストリーミングを停止しました")
	return nil
}

// LatestFrame は最後に取得したフレームのコピーを返す
func (s *GenTLSource) LatestFrame() (*imaging.Frame, error) {
	if s.GetStatus() != StatusActive {
		return nil, ErrInactive
	}
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	if s.latest == nil {
		return nil, ErrNoFrame
	}
	return s.latest.Clone(), nil
}

// ApplySettings は設定を適用する。取得中なら開き直す
func (s *GenTLSource) ApplySettings(ctx context.Context, settings Settings) error {
	if settings.Width < 0 || settings.Height < 0 {
		return fmt.Errorf("無効な解像度: %dx%d", settings.Width, settings.Height)
	}
	if settings.Conversion != "" {
		if _, err := imaging.ParseConversion(string(settings.Conversion)); err != nil {
			return err
		}
	}

	active := s.GetStatus() == StatusActive
	if active {
		if err := s.Stop(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	prev := s.settings
	s.settings = settings
	s.mu.Unlock()

	s.latestMu.Lock()
	s.latest = nil
	s.latestMu.Unlock()

	if !active {
		return nil
	}
	if err := s.Start(ctx); err != nil {
		// 元の設定で再開を試みる
		s.mu.Lock()
		s.settings = prev
		s.mu.Unlock()
		if rerr := s.Start(ctx); rerr != nil {
			log.WithError(rerr).WithField("serial", s.serial).Warn("元の設定での再開に失敗")
		}
		return err
	}
	return nil
}

// PixelFormats はカメラが対応する PixelFormat の一覧を返す
func (s *GenTLSource) PixelFormats(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	ia := s.ia
	s.mu.RUnlock()

	if ia == nil {
		return capture.PixelFormats(ctx, s.h, harvester.Serial(s.serial))
	}
	pf, err := ia.RemoteDevice().NodeMap().Enumeration("PixelFormat")
	if err != nil {
		return nil, err
	}
	return pf.Symbolics(), nil
}
