package collect

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/spf13/afero"

	"stccam/internal/calibration"
	"stccam/internal/capture"
	"stccam/internal/imaging"
)

// sessionLayout はセッションディレクトリ名の書式 (DD-MM-YYYY-HH-MM)
const sessionLayout = "02-01-2006-15-04"

var (
	// ErrNoBoard は左右どちらかにチェスボードが写っていない
	ErrNoBoard = errors.New("チェスボードが写っていないため保存しませんでした")
	// ErrLimitReached は保存枚数の上限に達している
	ErrLimitReached = errors.New("保存するペア数の上限に達しました")
	// ErrNotStarted は Start 前に撮影しようとした
	ErrNotStarted = errors.New("収集が開始されていません")
	// ErrAlreadyStarted は二重に Start した
	ErrAlreadyStarted = errors.New("収集はすでに開始されています")
)

// timeNow はテストで差し替える
var timeNow = time.Now

// PairSource は左右の画像を1組ずつ返す
type PairSource interface {
	CapturePair(ctx context.Context) (left, right *imaging.Frame, err error)
}

// PairSourceFunc は関数を PairSource として扱う
type PairSourceFunc func(ctx context.Context) (*imaging.Frame, *imaging.Frame, error)

// CapturePair は f を呼び出す
func (f PairSourceFunc) CapturePair(ctx context.Context) (*imaging.Frame, *imaging.Frame, error) {
	return f(ctx)
}

// Collector はステレオカメラからキャリブレーション用の画像ペアを定期的に保存する
type Collector struct {
	source PairSource
	fs     afero.Fs
	config Config

	// hasBoard はチェスボード検出（テストで差し替える）
	hasBoard func(*imaging.Frame, calibration.Board) bool

	status Status
	pairs  []Pair
	next   int // 次に保存する連番

	// 制御用
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	capMu    sync.Mutex // 撮影を直列化する
}

// NewCollector は新しい Collector を作成する
func NewCollector(source PairSource, fs afero.Fs, config Config) *Collector {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Board == (calibration.Board{}) {
		config.Board = calibration.DefaultBoard
	}
	return &Collector{
		source:   source,
		fs:       fs,
		config:   config,
		hasBoard: calibration.HasBoard,
		status:   Status{State: StateIdle},
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start はセッションディレクトリを作成し、定期撮影を開始する
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.State != StateIdle {
		return ErrAlreadyStarted
	}

	session := filepath.Join(c.config.OutputDir, timeNow().Format(sessionLayout))
	for _, dir := range []string{calibration.LeftDir, calibration.RightDir} {
		if err := c.fs.MkdirAll(filepath.Join(session, dir), 0o755); err != nil {
			return fmt.Errorf("セッションディレクトリの作成に失敗: %w", err)
		}
	}
	next, err := nextIndex(c.fs, session)
	if err != nil {
		return err
	}
	c.next = next
	c.status.SessionDir = session
	c.status.State = StateCollecting

	c.wg.Add(1)
	go c.captureLoop(ctx)

	log.WithFields(log.Fields{
		"session":  session,
		"first":    next,
		"interval": c.config.Interval,
		"max":      c.config.MaxPairs,
	}).Info("キャリブレーション画像の収集を開始")
	return nil
}

// nextIndex は同じ分に始めたセッションの画像を上書きしないよう、既存の連番の次を返す
func nextIndex(fs afero.Fs, session string) (int, error) {
	next := 0
	for _, side := range []struct{ dir, prefix string }{
		{calibration.LeftDir, "left_img"},
		{calibration.RightDir, "right_img"},
	} {
		infos, err := afero.ReadDir(fs, filepath.Join(session, side.dir))
		if err != nil {
			return 0, fmt.Errorf("セッションディレクトリの読み込みに失敗: %w", err)
		}
		for _, info := range infos {
			var idx int
			if _, err := fmt.Sscanf(info.Name(), side.prefix+"%d.png", &idx); err == nil && idx >= next {
				next = idx + 1
			}
		}
	}
	return next, nil
}

// Stop は定期撮影を停止する
func (c *Collector) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })

	// ワーカーゴルーチンの終了を短いタイムアウトで待機
	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(3 * time.Second):
		log.Warn("収集ゴルーチンの停止がタイムアウトしました")
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	if c.status.State == StateCollecting {
		c.status.State = StateStopped
	}
	pairs := c.status.Pairs
	c.mu.Unlock()

	log.WithField("pairs", pairs).Info("キャリブレーション画像の収集を停止")
	return nil
}

// Done は定期撮影が終わると閉じられる
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

// captureLoop は画像ペアを定期的に撮影する
func (c *Collector) captureLoop(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.done)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			_, err := c.CaptureNow(ctx)
			switch {
			case errors.Is(err, ErrLimitReached):
				return
			case errors.Is(err, ErrNoBoard):
				log.Debug("チェスボードが見つからないためスキップ")
			case err != nil:
				log.WithError(err).Warn("画像ペアの撮影に失敗")
			}
			if c.limitReached() {
				c.mu.Lock()
				c.status.State = StateCompleted
				c.mu.Unlock()
				log.WithField("pairs", c.config.MaxPairs).Info("保存枚数の上限に達したため収集を終了")
				return
			}
		}
	}
}

func (c *Collector) limitReached() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.MaxPairs > 0 && c.status.Pairs >= c.config.MaxPairs
}

// CaptureNow は1組撮影して保存する
// CheckBoard が有効でチェスボードが写っていなければ ErrNoBoard を返す
func (c *Collector) CaptureNow(ctx context.Context) (Pair, error) {
	c.capMu.Lock()
	defer c.capMu.Unlock()

	c.mu.RLock()
	state, session := c.status.State, c.status.SessionDir
	c.mu.RUnlock()
	if state == StateIdle {
		return Pair{}, ErrNotStarted
	}
	if c.limitReached() {
		return Pair{}, ErrLimitReached
	}

	left, right, err := c.source.CapturePair(ctx)
	c.mu.Lock()
	c.status.Attempts++
	c.mu.Unlock()
	if err != nil {
		c.recordError(err)
		return Pair{}, fmt.Errorf("画像ペアの取得に失敗: %w", err)
	}

	if c.config.CheckBoard && (!c.hasBoard(left, c.config.Board) || !c.hasBoard(right, c.config.Board)) {
		c.mu.Lock()
		c.status.Skipped++
		c.mu.Unlock()
		return Pair{}, ErrNoBoard
	}

	c.mu.RLock()
	idx := c.next
	c.mu.RUnlock()

	leftPath, err := capture.SavePNG(c.fs, filepath.Join(session, calibration.LeftDir, fmt.Sprintf("left_img%03d.png", idx)), left)
	if err != nil {
		c.recordError(err)
		return Pair{}, err
	}
	rightPath, err := capture.SavePNG(c.fs, filepath.Join(session, calibration.RightDir, fmt.Sprintf("right_img%03d.png", idx)), right)
	if err != nil {
		c.recordError(err)
		return Pair{}, err
	}

	p := Pair{Index: idx, Left: leftPath, Right: rightPath, CapturedAt: timeNow()}

	c.mu.Lock()
	c.next++
	c.pairs = append(c.pairs, p)
	c.status.Pairs = len(c.pairs)
	c.status.LastCapture = p.CapturedAt
	c.status.LastError = ""
	c.mu.Unlock()

	log.WithFields(log.Fields{
		"index": idx,
		"left":  leftPath,
		"right": rightPath,
	}).Info("画像ペアを保存しました")
	return p, nil
}

func (c *Collector) recordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.LastError = err.Error()
}

// Status は現在の状態を取得する
func (c *Collector) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Pairs は保存済みのペアの一覧を返す
func (c *Collector) Pairs() []Pair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Pair, len(c.pairs))
	copy(out, c.pairs)
	return out
}

// Config は現在の設定を取得する
func (c *Collector) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}
