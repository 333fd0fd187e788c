package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stccam/internal/genapi"
	"stccam/internal/gentl"
	"stccam/internal/harvester"
	"stccam/internal/imaging"
)

func newHarvester(t *testing.T, configs ...harvester.MockConfig) *harvester.Harvester {
	t.Helper()

	p, err := harvester.NewMockProducer(configs...)
	require.NoError(t, err)

	h := harvester.New()
	h.AddProducer(p)
	t.Cleanup(func() {
		_ = h.Reset()
	})
	return h
}

func fixedNow(t *testing.T) {
	t.Helper()
	orig := timeNow
	timeNow = func() time.Time {
		return time.Date(2025, 6, 13, 15, 20, 5, 0, time.UTC)
	}
	t.Cleanup(func() { timeNow = orig })
}

func TestCaptureImage(t *testing.T) {
	ctx := context.Background()

	t.Run("1920x1080 の RGB 画像", func(t *testing.T) {
		h := newHarvester(t, harvester.MockConfig{SerialNumber: "A", ColorProcessing: true})

		img, err := CaptureImage(ctx, h, ImageOptions{Resolution: Resolution{Width: 1920, Height: 1080}})
		require.NoError(t, err)

		height, width, ch := img.Shape()
		assert.Equal(t, [3]int{1080, 1920, 3}, [3]int{height, width, ch})
	})

	t.Run("カメラなし", func(t *testing.T) {
		h := newHarvester(t)
		_, err := CaptureImage(ctx, h, ImageOptions{})
		assert.True(t, errors.Is(err, harvester.ErrNoDevice))
	})

	t.Run("RGB8 非対応", func(t *testing.T) {
		h := newHarvester(t, harvester.MockConfig{SerialNumber: "A"})
		_, err := CaptureImage(ctx, h, ImageOptions{})
		assert.True(t, errors.Is(err, genapi.ErrInvalidValue))
	})
}

func TestCaptureUSBImage(t *testing.T) {
	ctx := context.Background()
	fixedNow(t)

	t.Run("Bayer を BGR に変換して保存", func(t *testing.T) {
		h := newHarvester(t, harvester.MockConfig{SerialNumber: "A"})
		fs := afero.NewMemMapFs()

		img, err := CaptureUSBImage(ctx, h, USBOptions{
			Resolution: Resolution{Width: 1920, Height: 1080},
			Conversion: imaging.ConvBayerBG2BGR,
			SaveDir:    "/data",
			Fs:         fs,
		})
		require.NoError(t, err)

		height, width, ch := img.Shape()
		assert.Equal(t, [3]int{1080, 1920, 3}, [3]int{height, width, ch})

		ok, err := afero.Exists(fs, "/data/usb_20250613-152005.png")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("解像度が範囲外", func(t *testing.T) {
		h := newHarvester(t, harvester.MockConfig{SerialNumber: "A"})
		_, err := CaptureUSBImage(ctx, h, USBOptions{Resolution: Resolution{Width: 4096, Height: 2160}})
		assert.True(t, errors.Is(err, genapi.ErrOutOfRange))
	})

	t.Run("カメラは撮影後に解放される", func(t *testing.T) {
		p, err := harvester.NewMockProducer(harvester.MockConfig{SerialNumber: "A"})
		require.NoError(t, err)
		h := harvester.New()
		h.AddProducer(p)

		_, err = CaptureUSBImage(ctx, h, USBOptions{Resolution: Resolution{Width: 640, Height: 480}})
		require.NoError(t, err)
		assert.False(t, p.Cameras()[0].IsOpen())
	})
}

func TestCaptureStereo(t *testing.T) {
	ctx := context.Background()
	fixedNow(t)

	t.Run("既定の2台から撮影", func(t *testing.T) {
		h := newHarvester(t,
			harvester.MockConfig{SerialNumber: "24MB632"},
			harvester.MockConfig{SerialNumber: "24MB633"},
		)

		images, err := CaptureStereo(ctx, h, StereoOptions{Resolution: Resolution{Width: 1920, Height: 1080}})
		require.NoError(t, err)
		require.Len(t, images, 2)
		for _, img := range images {
			height, width, ch := img.Shape()
			assert.Equal(t, [3]int{1080, 1920, 3}, [3]int{height, width, ch})
		}
	})

	t.Run("シリアル番号で左右を指定して保存", func(t *testing.T) {
		h := newHarvester(t,
			harvester.MockConfig{SerialNumber: "24MB633"},
			harvester.MockConfig{SerialNumber: "24MB632"},
		)
		fs := afero.NewMemMapFs()

		images, err := CaptureStereo(ctx, h, StereoOptions{
			Serials:    Serials{Left: "24MB632", Right: "24MB633"},
			Resolution: Resolution{Width: 1280, Height: 720},
			Conversion: imaging.ConvBayerBG2BGR,
			SaveDir:    "/calib",
			Fs:         fs,
		})
		require.NoError(t, err)
		require.Len(t, images, 2)
		assert.Equal(t, 1280, images[0].Width)
		assert.Equal(t, 720, images[1].Height)

		for _, name := range []string{"stereo_left_20250613-152005.png", "stereo_right_20250613-152005.png"} {
			ok, err := afero.Exists(fs, "/calib/"+name)
			require.NoError(t, err)
			assert.True(t, ok, name)
		}
	})

	t.Run("左だけ指定すると右は残りのカメラ", func(t *testing.T) {
		h := newHarvester(t,
			harvester.MockConfig{SerialNumber: "A"},
			harvester.MockConfig{SerialNumber: "B"},
		)
		images, err := CaptureStereo(ctx, h, StereoOptions{
			Serials:    Serials{Left: "B"},
			Resolution: Resolution{Width: 320, Height: 240},
		})
		require.NoError(t, err)
		require.Len(t, images, 2)
	})

	t.Run("右だけ指定すると左は残りのカメラ", func(t *testing.T) {
		h := newHarvester(t,
			harvester.MockConfig{SerialNumber: "A"},
			harvester.MockConfig{SerialNumber: "B"},
		)
		_, err := CaptureStereo(ctx, h, StereoOptions{
			Serials:    Serials{Right: "A"},
			Resolution: Resolution{Width: 320, Height: 240},
		})
		require.NoError(t, err)
	})

	t.Run("1台しかない", func(t *testing.T) {
		h := newHarvester(t, harvester.MockConfig{SerialNumber: "A"})
		_, err := CaptureStereo(ctx, h, StereoOptions{})
		assert.True(t, errors.Is(err, ErrStereoRigIncomplete))
	})

	t.Run("シリアル番号が見つからない", func(t *testing.T) {
		h := newHarvester(t,
			harvester.MockConfig{SerialNumber: "A"},
			harvester.MockConfig{SerialNumber: "B"},
		)
		_, err := CaptureStereo(ctx, h, StereoOptions{Serials: Serials{Left: "A", Right: "C"}})
		assert.True(t, errors.Is(err, ErrStereoRigIncomplete))
		assert.True(t, errors.Is(err, harvester.ErrDeviceNotFound))
	})
}

func TestResolveSerials(t *testing.T) {
	infos := []gentl.DeviceInfo{{SerialNumber: "A"}, {SerialNumber: "B"}, {SerialNumber: "C"}}

	tests := []struct {
		name string
		in   Serials
		want Serials
	}{
		{"未指定", Serials{}, Serials{Left: "A", Right: "B"}},
		{"左だけ", Serials{Left: "A"}, Serials{Left: "A", Right: "B"}},
		{"左が先頭以外", Serials{Left: "B"}, Serials{Left: "B", Right: "A"}},
		{"右だけ", Serials{Right: "A"}, Serials{Left: "B", Right: "A"}},
		{"両方", Serials{Left: "C", Right: "X"}, Serials{Left: "C", Right: "X"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveSerials(infos, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ResolveSerials(infos[:1], Serials{Left: "A"})
	assert.True(t, errors.Is(err, ErrStereoRigIncomplete))
}

func TestPixelFormats(t *testing.T) {
	h := newHarvester(t, harvester.MockConfig{SerialNumber: "A"})

	formats, err := PixelFormats(context.Background(), h, harvester.Index(0))
	require.NoError(t, err)
	assert.Equal(t, []string{"BayerRG8", "BayerRG10", "BayerRG10p", "BayerRG12", "BayerRG12p"}, formats)
}
