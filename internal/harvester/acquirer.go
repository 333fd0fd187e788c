package harvester

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"

	"stccam/internal/genapi"
	"stccam/internal/gentl"
	"stccam/internal/pixfmt"
)

// fetchSlice は Fetch がコンテキストを確認する間隔
const fetchSlice = 100 * time.Millisecond

// RemoteDevice はカメラ本体（リモートデバイス）
type RemoteDevice struct {
	nodeMap *genapi.NodeMap
}

// NodeMap はリモートデバイスのノードマップを返す
func (r *RemoteDevice) NodeMap() *genapi.NodeMap {
	return r.nodeMap
}

// ImageAcquirer は1台のカメラからの画像取得を制御する
type ImageAcquirer struct {
	h           *Harvester
	info        gentl.DeviceInfo
	dev         Device
	remote      *RemoteDevice
	bufferCount int
	timeout     time.Duration

	mu        sync.Mutex
	stream    Stream
	running   bool
	destroyed bool
}

// Info はデバイス情報を返す
func (ia *ImageAcquirer) Info() gentl.DeviceInfo {
	return ia.info
}

// RemoteDevice はリモートデバイスを返す
func (ia *ImageAcquirer) RemoteDevice() *RemoteDevice {
	return ia.remote
}

// SetTimeout は Fetch の待ち時間を変更する
func (ia *ImageAcquirer) SetTimeout(d time.Duration) {
	ia.mu.Lock()
	defer ia.mu.Unlock()
	if d > 0 {
		ia.timeout = d
	}
}

// IsAcquiring は取得中かを返す
func (ia *ImageAcquirer) IsAcquiring() bool {
	ia.mu.Lock()
	defer ia.mu.Unlock()
	return ia.running
}

// Start はストリームを開いて画像取得を開始する
// ペイロードサイズは開始時点の Width / Height / PixelFormat で決まる
func (ia *ImageAcquirer) Start(ctx context.Context) error {
	ia.mu.Lock()
	defer ia.mu.Unlock()

	if ia.destroyed {
		return ErrDestroyed
	}
	if ia.running {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	nm := ia.remote.nodeMap
	if ia.stream == nil {
		s, err := ia.dev.OpenStream(ia.bufferCount)
		if err != nil {
			return fmt.Errorf("データストリームを開けません: %w", err)
		}
		ia.stream = s
	}
	ia.setLocked(1)

	if err := ia.stream.Start(); err != nil {
		ia.setLocked(0)
		return fmt.Errorf("ストリームの開始に失敗: %w", err)
	}

	if nm.Has("AcquisitionStart") {
		cmd, err := nm.Command("AcquisitionStart")
		if err == nil {
			err = cmd.Execute()
		}
		if err != nil {
			_ = ia.stream.Stop()
			ia.setLocked(0)
			return fmt.Errorf("AcquisitionStart の実行に失敗: %w", err)
		}
	}

	ia.running = true
	log.WithFields(log.Fields{
		"device":       ia.info.DisplayName,
		"payload_size": ia.stream.PayloadSize(),
	}).Debug("画像取得を開始しました")
	return nil
}

// setLocked は TLParamsLocked があれば設定する
func (ia *ImageAcquirer) setLocked(v int64) {
	nm := ia.remote.nodeMap
	if !nm.Has("TLParamsLocked") {
		return
	}
	if node, err := nm.Integer("TLParamsLocked"); err == nil {
		if err := node.SetValue(v); err != nil {
			log.WithError(err).Warn("TLParamsLocked の設定に失敗")
		}
	}
}

// Fetch はバッファを1つ受け取る
// 設定された待ち時間を超えると ErrTimeout、ctx がキャンセルされるとその理由を返す
func (ia *ImageAcquirer) Fetch(ctx context.Context) (*Buffer, error) {
	ia.mu.Lock()
	if ia.destroyed {
		ia.mu.Unlock()
		return nil, ErrDestroyed
	}
	if !ia.running {
		ia.mu.Unlock()
		return nil, ErrNotAcquiring
	}
	stream, timeout := ia.stream, ia.timeout
	ia.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, fmt.Errorf("%s から %v 以内にバッファを受信できません: %w", ia.info.DisplayName, timeout, ErrTimeout)
		}
		if wait > fetchSlice {
			wait = fetchSlice
		}

		raw, err := stream.Fetch(wait)
		if err == nil {
			return ia.newBuffer(stream, raw), nil
		}
		if !errors.Is(err, gentl.ErrTimeout) {
			return nil, fmt.Errorf("バッファの取得に失敗: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !ia.IsAcquiring() {
			return nil, ErrNotAcquiring
		}
	}
}

// newBuffer は RawBuffer を Buffer に変換する
func (ia *ImageAcquirer) newBuffer(stream Stream, raw *RawBuffer) *Buffer {
	return &Buffer{
		Payload: Payload{
			Components: []Component{{
				Width:       raw.Width,
				Height:      raw.Height,
				PixelFormat: pixfmt.Format(uint32(raw.PixelFormat)),
				Data:        raw.Data,
			}},
		},
		FrameID:    raw.FrameID,
		Timestamp:  raw.Timestamp,
		Incomplete: raw.Incomplete,
		Received:   raw.Received,
		ia:         ia,
		stream:     stream,
		raw:        raw,
	}
}

// Stop は画像取得を停止してストリームを閉じる
func (ia *ImageAcquirer) Stop() error {
	ia.mu.Lock()
	defer ia.mu.Unlock()
	return ia.stopLocked()
}

func (ia *ImageAcquirer) stopLocked() error {
	if !ia.running && ia.stream == nil {
		return nil
	}
	ia.running = false

	var errs []error
	nm := ia.remote.nodeMap
	if nm.Has("AcquisitionStop") {
		if cmd, err := nm.Command("AcquisitionStop"); err == nil {
			if err := cmd.Execute(); err != nil {
				errs = append(errs, fmt.Errorf("AcquisitionStop の実行に失敗: %w", err))
			}
		}
	}

	if ia.stream != nil {
		if err := ia.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("ストリームの停止に失敗: %w", err))
		}
		if err := ia.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ストリームのクローズに失敗: %w", err))
		}
		ia.stream = nil
	}
	ia.setLocked(0)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Destroy は取得を停止してデバイスを閉じる
func (ia *ImageAcquirer) Destroy() error {
	ia.mu.Lock()
	if ia.destroyed {
		ia.mu.Unlock()
		return nil
	}
	stopErr := ia.stopLocked()
	closeErr := ia.dev.Close()
	ia.destroyed = true
	ia.mu.Unlock()

	ia.h.forget(ia)

	if closeErr != nil {
		closeErr = fmt.Errorf("デバイスのクローズに失敗: %w", closeErr)
	}
	return errors.Join(stopErr, closeErr)
}

// queue は buffer をストリームへ返却する
func (ia *ImageAcquirer) queue(stream Stream, raw *RawBuffer) error {
	ia.mu.Lock()
	defer ia.mu.Unlock()

	// 停止後のストリームには返却しない
	if ia.stream != stream {
		return nil
	}
	return stream.Queue(raw)
}

// Buffer は受信した画像バッファ
// 使い終わったら Queue でプロデューサへ返却する
type Buffer struct {
	Payload    Payload
	FrameID    uint64
	Timestamp  uint64
	Incomplete bool
	Received   time.Time

	ia     *ImageAcquirer
	stream Stream
	raw    *RawBuffer
	once   sync.Once
	err    error
}

// Payload はバッファの内容
type Payload struct {
	Components []Component
}

// Component は画像1枚分のデータ
type Component struct {
	Width       int
	Height      int
	PixelFormat pixfmt.Format
	Data        []byte
}

// Queue はバッファを返却する（複数回呼んでも1回だけ返却する）
func (b *Buffer) Queue() error {
	b.once.Do(func() {
		if b.ia == nil {
			return
		}
		b.err = b.ia.queue(b.stream, b.raw)
	})
	return b.err
}
