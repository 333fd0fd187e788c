package collect

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stccam/internal/calibration"
	"stccam/internal/imaging"
)

func fixedNow(t *testing.T) {
	t.Helper()
	orig := timeNow
	timeNow = func() time.Time { return time.Date(2025, 6, 13, 15, 20, 5, 0, time.Local) }
	t.Cleanup(func() { timeNow = orig })
}

func frame(v byte) *imaging.Frame {
	f := &imaging.Frame{Width: 4, Height: 4, Channels: 3, Data: make([]byte, 4*4*3)}
	for i := range f.Data {
		f.Data[i] = v
	}
	return f
}

type fakeSource struct {
	calls atomic.Int32
	err   error
}

func (s *fakeSource) CapturePair(ctx context.Context) (*imaging.Frame, *imaging.Frame, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, nil, s.err
	}
	return frame(10), frame(20), nil
}

func newTestCollector(t *testing.T, src PairSource, cfg Config) (*Collector, afero.Fs) {
	t.Helper()
	fixedNow(t)
	fs := afero.NewMemMapFs()
	if cfg.OutputDir == "" {
		cfg.OutputDir = "/out"
	}
	c := NewCollector(src, fs, cfg)
	c.hasBoard = func(*imaging.Frame, calibration.Board) bool { return true }
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c, fs
}

func TestCaptureNow(t *testing.T) {
	t.Run("開始前は撮影できない", func(t *testing.T) {
		c, _ := newTestCollector(t, &fakeSource{}, Config{Interval: time.Hour})
		_, err := c.CaptureNow(context.Background())
		assert.True(t, errors.Is(err, ErrNotStarted))
	})

	t.Run("連番で保存される", func(t *testing.T) {
		c, fs := newTestCollector(t, &fakeSource{}, Config{Interval: time.Hour})
		require.NoError(t, c.Start(context.Background()))

		for i := 0; i < 2; i++ {
			_, err := c.CaptureNow(context.Background())
			require.NoError(t, err)
		}

		want := []string{
			"/out/13-06-2025-15-20/stereo_left/left_img000.png",
			"/out/13-06-2025-15-20/stereo_left/left_img001.png",
			"/out/13-06-2025-15-20/stereo_right/right_img000.png",
			"/out/13-06-2025-15-20/stereo_right/right_img001.png",
		}
		for _, path := range want {
			ok, err := afero.Exists(fs, path)
			require.NoError(t, err)
			assert.True(t, ok, path)
		}

		var lefts []string
		for _, p := range c.Pairs() {
			lefts = append(lefts, p.Left)
		}
		if diff := cmp.Diff(want[:2], lefts); diff != "" {
			t.Errorf("Pairs mismatch (-want +got):\n%s", diff)
		}

		st := c.Status()
		assert.Equal(t, StateCollecting, st.State)
		assert.Equal(t, "/out/13-06-2025-15-20", st.SessionDir)
		assert.Equal(t, 2, st.Pairs)
		assert.Equal(t, 2, st.Attempts)
	})

	t.Run("チェスボードがなければ保存しない", func(t *testing.T) {
		c, fs := newTestCollector(t, &fakeSource{}, Config{Interval: time.Hour, CheckBoard: true})
		c.hasBoard = func(f *imaging.Frame, _ calibration.Board) bool { return f.Data[0] == 10 }
		require.NoError(t, c.Start(context.Background()))

		_, err := c.CaptureNow(context.Background())
		assert.True(t, errors.Is(err, ErrNoBoard))

		ok, err := afero.Exists(fs, "/out/13-06-2025-15-20/stereo_left/left_img000.png")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 1, c.Status().Skipped)
		assert.Equal(t, 0, c.Status().Pairs)
	})

	t.Run("取得エラー", func(t *testing.T) {
		src := &fakeSource{err: errors.New("timeout")}
		c, _ := newTestCollector(t, src, Config{Interval: time.Hour})
		require.NoError(t, c.Start(context.Background()))

		_, err := c.CaptureNow(context.Background())
		assert.ErrorIs(t, err, src.err)
		assert.Equal(t, "timeout", c.Status().LastError)
	})
}

func TestCollectorSameMinuteSession(t *testing.T) {
	ctx := context.Background()
	first, fs := newTestCollector(t, &fakeSource{}, Config{Interval: time.Hour})
	require.NoError(t, first.Start(ctx))
	for i := 0; i < 2; i++ {
		_, err := first.CaptureNow(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, first.Stop(ctx))

	second := NewCollector(&fakeSource{}, fs, Config{Interval: time.Hour, OutputDir: "/out"})
	second.hasBoard = func(*imaging.Frame, calibration.Board) bool { return true }
	t.Cleanup(func() { _ = second.Stop(ctx) })
	require.NoError(t, second.Start(ctx))

	p, err := second.CaptureNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Index)
	assert.Equal(t, "/out/13-06-2025-15-20/stereo_left/left_img002.png", p.Left)

	infos, err := afero.ReadDir(fs, "/out/13-06-2025-15-20/stereo_right")
	require.NoError(t, err)
	assert.Len(t, infos, 3, "前のセッションの画像は残るべき")
}

func TestCollectorLoop(t *testing.T) {
	src := &fakeSource{}
	c, _ := newTestCollector(t, src, Config{Interval: 5 * time.Millisecond, MaxPairs: 3})
	require.NoError(t, c.Start(context.Background()))

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("収集が終了しませんでした")
	}

	st := c.Status()
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, 3, st.Pairs)
	assert.Equal(t, int32(3), src.calls.Load())

	_, err := c.CaptureNow(context.Background())
	assert.True(t, errors.Is(err, ErrLimitReached))
}

func TestCollectorStartStop(t *testing.T) {
	c, _ := newTestCollector(t, PairSourceFunc(func(ctx context.Context) (*imaging.Frame, *imaging.Frame, error) {
		return frame(1), frame(2), nil
	}), Config{Interval: time.Hour})

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, errors.Is(c.Start(context.Background()), ErrAlreadyStarted))

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateStopped, c.Status().State)

	select {
	case <-c.Done():
	default:
		t.Error("Done が閉じられていません")
	}

	// 二重停止は問題ない
	require.NoError(t, c.Stop(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 2*time.Second, cfg.Interval)
	assert.Equal(t, calibration.DefaultBoard, cfg.Board)
	assert.True(t, cfg.CheckBoard)
}
