package harvester

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stccam/internal/genapi"
	"stccam/internal/gentl"
	"stccam/internal/pixfmt"
)

// newMockHarvester はシミュレーションカメラを登録済みの Harvester を作成する
func newMockHarvester(t *testing.T, opts []Option, configs ...MockConfig) (*Harvester, *MockProducer) {
	t.Helper()

	p, err := NewMockProducer(configs...)
	require.NoError(t, err)

	h := New(opts...)
	h.AddProducer(p)
	require.NoError(t, h.Update(context.Background()))

	t.Cleanup(func() {
		_ = h.Reset()
	})
	return h, p
}

func writeCTI(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("dummy"), 0o644))
	return path
}

func TestAddFile(t *testing.T) {
	h := New()

	t.Run("拡張子が .cti でなければエラー", func(t *testing.T) {
		err := h.AddFile(writeCTI(t, "producer.so"))
		assert.Error(t, err)
	})

	t.Run("存在しないファイルはエラー", func(t *testing.T) {
		err := h.AddFile(filepath.Join(t.TempDir(), "missing.cti"))
		assert.Error(t, err)
	})

	t.Run("登録と重複検出", func(t *testing.T) {
		path := writeCTI(t, "producer.cti")
		require.NoError(t, h.AddFile(path))
		assert.Equal(t, []string{path}, h.Files())

		err := h.AddFile(path)
		assert.True(t, errors.Is(err, ErrDuplicateFile))

		require.NoError(t, h.RemoveFile(path))
		assert.Empty(t, h.Files())
		assert.Error(t, h.RemoveFile(path))
	})
}

func TestUpdate(t *testing.T) {
	t.Run("プロデューサ未登録", func(t *testing.T) {
		h := New()
		assert.True(t, errors.Is(h.Update(context.Background()), ErrNoProducer))
	})

	t.Run("ローダー経由で遅延ロードする", func(t *testing.T) {
		p, err := NewDefaultMockProducer()
		require.NoError(t, err)

		loads := 0
		h := New(WithLoader(func(path string) (Producer, error) {
			loads++
			return p, nil
		}))
		require.NoError(t, h.AddFile(writeCTI(t, "sim.cti")))
		assert.Empty(t, h.DeviceInfoList())

		require.NoError(t, h.Update(context.Background()))
		require.NoError(t, h.Update(context.Background()))
		assert.Equal(t, 1, loads)

		var serials []string
		for _, info := range h.DeviceInfoList() {
			serials = append(serials, info.SerialNumber)
		}
		assert.Equal(t, []string{"SIM0001", "SIM0002"}, serials)
	})

	t.Run("ロード失敗", func(t *testing.T) {
		h := New(WithLoader(func(path string) (Producer, error) {
			return nil, gentl.ErrUnsupported
		}))
		require.NoError(t, h.AddFile(writeCTI(t, "broken.cti")))
		assert.True(t, errors.Is(h.Update(context.Background()), gentl.ErrUnsupported))
	})

	t.Run("キャンセル済みのコンテキスト", func(t *testing.T) {
		p, err := NewDefaultMockProducer()
		require.NoError(t, err)
		h := New()
		h.AddProducer(p)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, h.Update(ctx), context.Canceled)
	})
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("デバイスなし", func(t *testing.T) {
		h, _ := newMockHarvester(t, nil)
		_, err := h.Create(ctx, Index(0))
		assert.True(t, errors.Is(err, ErrNoDevice))
	})

	t.Run("インデックスとシリアル番号で選択", func(t *testing.T) {
		h, _ := newMockHarvester(t, nil,
			MockConfig{SerialNumber: "24MB632"},
			MockConfig{SerialNumber: "24MB633"},
		)

		ia, err := h.Create(ctx, Index(1))
		require.NoError(t, err)
		assert.Equal(t, "24MB633", ia.Info().SerialNumber)

		ia2, err := h.Create(ctx, Serial("24MB632"))
		require.NoError(t, err)
		assert.Equal(t, "24MB632", ia2.Info().SerialNumber)

		serial, err := ia2.RemoteDevice().NodeMap().ValueString("DeviceSerialNumber")
		require.NoError(t, err)
		assert.Equal(t, "24MB632", serial)
	})

	t.Run("見つからない", func(t *testing.T) {
		h, _ := newMockHarvester(t, nil, MockConfig{SerialNumber: "A"})

		_, err := h.Create(ctx, Serial("B"))
		assert.True(t, errors.Is(err, ErrDeviceNotFound))

		_, err = h.Create(ctx, Index(3))
		assert.True(t, errors.Is(err, ErrDeviceNotFound))

		_, err = h.Create(ctx, Index(-1))
		assert.True(t, errors.Is(err, ErrDeviceNotFound))
	})

	t.Run("使用中のデバイス", func(t *testing.T) {
		h, _ := newMockHarvester(t, nil, MockConfig{SerialNumber: "A"})

		ia, err := h.Create(ctx, Index(0))
		require.NoError(t, err)

		_, err = h.Create(ctx, Index(0))
		assert.True(t, errors.Is(err, gentl.ErrAccessDenied))

		require.NoError(t, ia.Destroy())
		ia, err = h.Create(ctx, Index(0))
		require.NoError(t, err)
		require.NoError(t, ia.Destroy())
	})
}

func TestSelectorString(t *testing.T) {
	assert.Equal(t, "index=2", Index(2).String())
	assert.Equal(t, "serial=24MB632", Serial("24MB632").String())
	assert.Equal(t, "serial=X,model=SimCam", Selector{SerialNumber: "X", Model: "SimCam"}.String())
}

func TestPixelFormatSymbolics(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		color bool
		want  []string
	}{
		{
			name: "カラー処理なし",
			want: []string{"BayerRG8", "BayerRG10", "BayerRG10p", "BayerRG12", "BayerRG12p"},
		},
		{
			name:  "カラー処理あり",
			color: true,
			want:  []string{"BayerRG8", "BayerRG10", "BayerRG10p", "BayerRG12", "BayerRG12p", "RGB8"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newMockHarvester(t, nil, MockConfig{SerialNumber: "S", ColorProcessing: tt.color})
			ia, err := h.Create(ctx, Index(0))
			require.NoError(t, err)

			pf, err := ia.RemoteDevice().NodeMap().Enumeration("PixelFormat")
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, pf.Symbolics()); diff != "" {
				t.Errorf("Symbolics() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFetch(t *testing.T) {
	ctx := context.Background()
	h, p := newMockHarvester(t, nil, MockConfig{SerialNumber: "S", ColorProcessing: true})

	ia, err := h.Create(ctx, Index(0))
	require.NoError(t, err)

	_, err = ia.Fetch(ctx)
	assert.True(t, errors.Is(err, ErrNotAcquiring))

	nm := ia.RemoteDevice().NodeMap()
	require.NoError(t, nm.SetFromString("Width", "1920"))
	require.NoError(t, nm.SetFromString("Height", "1080"))
	require.NoError(t, nm.SetFromString("PixelFormat", "RGB8"))

	require.NoError(t, ia.Start(ctx))
	assert.True(t, ia.IsAcquiring())
	assert.True(t, p.Cameras()[0].IsAcquiring())

	locked, err := nm.ValueString("TLParamsLocked")
	require.NoError(t, err)
	assert.Equal(t, "1", locked)

	for i := 0; i < 3; i++ {
		buf, err := ia.Fetch(ctx)
		require.NoError(t, err)

		c := buf.Payload.Components[0]
		assert.Equal(t, 1920, c.Width)
		assert.Equal(t, 1080, c.Height)
		assert.Equal(t, pixfmt.RGB8, c.PixelFormat)
		assert.Len(t, c.Data, 1920*1080*3)
		assert.Equal(t, uint64(i+1), buf.FrameID)

		require.NoError(t, buf.Queue())
		require.NoError(t, buf.Queue())
	}

	require.NoError(t, ia.Stop())
	assert.False(t, ia.IsAcquiring())
	assert.False(t, p.Cameras()[0].IsAcquiring())

	locked, err = nm.ValueString("TLParamsLocked")
	require.NoError(t, err)
	assert.Equal(t, "0", locked)

	require.NoError(t, ia.Destroy())
	_, err = ia.Fetch(ctx)
	assert.True(t, errors.Is(err, ErrDestroyed))
	assert.True(t, errors.Is(ia.Start(ctx), ErrDestroyed))
}

func TestFetchTimeoutWhenBuffersExhausted(t *testing.T) {
	ctx := context.Background()
	h, _ := newMockHarvester(t,
		[]Option{WithBufferCount(1), WithFetchTimeout(200 * time.Millisecond)},
		MockConfig{SerialNumber: "S", SensorWidth: 64, SensorHeight: 64},
	)

	ia, err := h.Create(ctx, Index(0))
	require.NoError(t, err)
	require.NoError(t, ia.Start(ctx))

	buf, err := ia.Fetch(ctx)
	require.NoError(t, err)

	_, err = ia.Fetch(ctx)
	assert.True(t, errors.Is(err, ErrTimeout))

	require.NoError(t, buf.Queue())
	buf, err = ia.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, buf.Queue())
}

func TestFetchCanceled(t *testing.T) {
	h, _ := newMockHarvester(t,
		[]Option{WithBufferCount(1), WithFetchTimeout(10 * time.Second)},
		MockConfig{SerialNumber: "S", SensorWidth: 64, SensorHeight: 64},
	)

	ia, err := h.Create(context.Background(), Index(0))
	require.NoError(t, err)
	require.NoError(t, ia.Start(context.Background()))

	_, err = ia.Fetch(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = ia.Fetch(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockBayerFrame(t *testing.T) {
	ctx := context.Background()
	h, _ := newMockHarvester(t, nil, MockConfig{SerialNumber: "S", SensorWidth: 64, SensorHeight: 64})

	ia, err := h.Create(ctx, Index(0))
	require.NoError(t, err)
	require.NoError(t, ia.Start(ctx))

	buf, err := ia.Fetch(ctx)
	require.NoError(t, err)
	defer buf.Queue()

	c := buf.Payload.Components[0]
	require.Equal(t, pixfmt.BayerRG8, c.PixelFormat)
	require.Len(t, c.Data, 64*64)

	// RG 配列: (0,0)=R (1,0)=G (0,1)=G (1,1)=B
	assert.Equal(t, byte(0), c.Data[0])      // R: x=0
	assert.Equal(t, byte(0), c.Data[1])      // G: y=0
	assert.Equal(t, byte(8), c.Data[2])      // R: 2*255/64
	assert.Equal(t, byte(129), c.Data[64+1]) // B: 128 + フレーム番号
}

func TestMockPackedFormat(t *testing.T) {
	ctx := context.Background()
	h, _ := newMockHarvester(t, nil, MockConfig{SerialNumber: "S", SensorWidth: 64, SensorHeight: 64})

	ia, err := h.Create(ctx, Index(0))
	require.NoError(t, err)
	require.NoError(t, ia.RemoteDevice().NodeMap().SetFromString("PixelFormat", "BayerRG12p"))
	require.NoError(t, ia.Start(ctx))

	buf, err := ia.Fetch(ctx)
	require.NoError(t, err)
	defer buf.Queue()

	c := buf.Payload.Components[0]
	assert.Equal(t, pixfmt.BayerRG12p, c.PixelFormat)
	assert.Len(t, c.Data, 64*64*3/2)

	samples, err := pixfmt.To8Bit(c.PixelFormat, c.Width, c.Height, c.Data)
	require.NoError(t, err)
	assert.Equal(t, byte(129), samples[64+1])
}

func TestRemoteDeviceSettings(t *testing.T) {
	ctx := context.Background()
	h, _ := newMockHarvester(t, nil, MockConfig{SerialNumber: "S"})

	ia, err := h.Create(ctx, Index(0))
	require.NoError(t, err)
	nm := ia.RemoteDevice().NodeMap()

	width, err := nm.Integer("Width")
	require.NoError(t, err)
	max, err := width.Max()
	require.NoError(t, err)
	assert.Equal(t, int64(1920), max)

	assert.True(t, errors.Is(width.SetValue(4000), genapi.ErrOutOfRange))
	assert.True(t, errors.Is(width.SetValue(30), genapi.ErrOutOfRange))

	model, err := nm.ValueString("DeviceModelName")
	require.NoError(t, err)
	assert.Equal(t, "SimCam", model)

	temp, err := nm.Float("DeviceTemperature")
	require.NoError(t, err)
	v, err := temp.Value()
	require.NoError(t, err)
	assert.InDelta(t, 42.5, v, 1e-9)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	h, p := newMockHarvester(t, nil, MockConfig{SerialNumber: "A"}, MockConfig{SerialNumber: "B"})

	for i := 0; i < 2; i++ {
		ia, err := h.Create(ctx, Index(i))
		require.NoError(t, err)
		require.NoError(t, ia.Start(ctx))
	}

	require.NoError(t, h.Reset())
	for _, cam := range p.Cameras() {
		assert.False(t, cam.IsOpen())
		assert.False(t, cam.IsAcquiring())
	}
	assert.Empty(t, h.DeviceInfoList())
	assert.True(t, errors.Is(h.Update(ctx), ErrNoProducer))
}
