package camera

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"

	"stccam/internal/imaging"
)

// pairPollInterval は最初のフレームを待つ間隔
const pairPollInterval = 20 * time.Millisecond

// StereoRig は左右2台の映像ソースをまとめて扱う
type StereoRig struct {
	Left  Source
	Right Source
}

// NewStereoRig は新しい StereoRig を作成する
func NewStereoRig(left, right Source) *StereoRig {
	return &StereoRig{Left: left, Right: right}
}

// Start は左右のカメラを開始する
func (r *StereoRig) Start(ctx context.Context) error {
	if err := r.Left.Start(ctx); err != nil {
		return fmt.Errorf("左カメラ: %w", err)
	}
	if err := r.Right.Start(ctx); err != nil {
		_ = r.Left.Stop(ctx)
		return fmt.Errorf("右カメラ: %w", err)
	}
	return nil
}

// Stop は左右のカメラを停止する
func (r *StereoRig) Stop(ctx context.Context) error {
	return errors.Join(r.Left.Stop(ctx), r.Right.Stop(ctx))
}

// CapturePair は左右の最新フレームを返す
// まだフレームがなければ ctx が終わるまで待つ
func (r *StereoRig) CapturePair(ctx context.Context) (*imaging.Frame, *imaging.Frame, error) {
	ticker := time.NewTicker(pairPollInterval)
	defer ticker.Stop()

	for {
		left, lerr := r.Left.LatestFrame()
		right, rerr := r.Right.LatestFrame()
		switch {
		case lerr == nil && rerr == nil:
			return left, right, nil
		case errors.Is(lerr, ErrInactive):
			return nil, nil, fmt.Errorf("左カメラ: %w", lerr)
		case errors.Is(rerr, ErrInactive):
			return nil, nil, fmt.Errorf("右カメラ: %w", rerr)
		}

		select {
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("フレーム待ち: %w", errors.Join(ctx.Err(), lerr, rerr))
		case <-ticker.C:
		}
	}
}

// CombinedStream は左右を横に並べたJPEGを interval ごとに送る
// ctx が終わるとチャンネルを閉じる
func (r *StereoRig) CombinedStream(ctx context.Context, interval time.Duration, quality int) <-chan []byte {
	out := make(chan []byte, 1)
	go func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var lastLeft, lastRight uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			left, lerr := r.Left.LatestFrame()
			right, rerr := r.Right.LatestFrame()
			if lerr != nil || rerr != nil {
				continue
			}
			// 新しいフレームがなければ送らない
			if left.FrameID == lastLeft && right.FrameID == lastRight {
				continue
			}
			lastLeft, lastRight = left.FrameID, right.FrameID

			combined, err := imaging.Combine(left, right)
			if err != nil {
				log.WithError(err).Warn("左右画像の結合に失敗")
				continue
			}
			jpeg, err := combined.EncodeJPEG(quality)
			if err != nil {
				log.WithError(err).Warn("結合画像のエンコードに失敗")
				continue
			}

			// 受信側が遅れていれば古いフレームを捨てる
			select {
			case <-out:
			default:
			}
			select {
			case out <- jpeg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
