package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stccam/internal/capture"
	"stccam/internal/config"
	"stccam/internal/harvester"
)

func mockConfig() *config.Config {
	cfg := config.Default()
	cfg.GenTL.Mock = true
	cfg.Camera.Width, cfg.Camera.Height = 320, 240
	return cfg
}

func TestNewHarvester(t *testing.T) {
	ctx := context.Background()

	t.Run("シミュレーションカメラ", func(t *testing.T) {
		h, err := NewHarvester(mockConfig(), afero.NewMemMapFs())
		require.NoError(t, err)
		t.Cleanup(func() { _ = h.Reset() })

		require.NoError(t, h.Update(ctx))
		assert.Len(t, h.DeviceInfoList(), 2)
	})

	t.Run("GenTL パスの登録", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "vendor.cti")
		require.NoError(t, os.WriteFile(path, []byte{0}, 0o644))

		cfg := config.Default()
		cfg.GenTL.Paths = []string{dir, path}
		h, err := NewHarvester(cfg, afero.NewOsFs())
		require.NoError(t, err)

		// ディレクトリと直接指定の重複は1つにまとめる
		assert.Equal(t, []string{path}, h.Files())
	})

	t.Run("プロデューサなし", func(t *testing.T) {
		h, err := NewHarvester(config.Default(), afero.NewMemMapFs())
		require.NoError(t, err)
		assert.True(t, errors.Is(h.Update(ctx), harvester.ErrNoProducer))
	})
}

func TestStereoSerials(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		left, right string
		want        capture.Serials
	}{
		{"未設定なら先頭の2台", "", "", capture.Serials{Left: "SIM0001", Right: "SIM0002"}},
		{"左だけ設定", "SIM0002", "", capture.Serials{Left: "SIM0002", Right: "SIM0001"}},
		{"右だけ設定", "", "SIM0001", capture.Serials{Left: "SIM0002", Right: "SIM0001"}},
		{"両方設定", "B", "A", capture.Serials{Left: "B", Right: "A"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := mockConfig()
			cfg.Stereo.Left, cfg.Stereo.Right = tt.left, tt.right
			h, err := NewHarvester(cfg, afero.NewMemMapFs())
			require.NoError(t, err)
			t.Cleanup(func() { _ = h.Reset() })

			got, err := StereoSerials(ctx, cfg, h)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("1台しかない", func(t *testing.T) {
		p, err := harvester.NewMockProducer(harvester.MockConfig{SerialNumber: "ONLY"})
		require.NoError(t, err)
		h := harvester.New()
		h.AddProducer(p)
		t.Cleanup(func() { _ = h.Reset() })

		_, err = StereoSerials(ctx, config.Default(), h)
		assert.True(t, errors.Is(err, capture.ErrStereoRigIncomplete))
	})
}

func TestNewStereoRig(t *testing.T) {
	ctx := context.Background()
	cfg := mockConfig()
	h, err := NewHarvester(cfg, afero.NewMemMapFs())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Reset() })

	rig, err := NewStereoRig(ctx, cfg, h)
	require.NoError(t, err)
	require.NoError(t, rig.Start(ctx))
	defer func() { _ = rig.Stop(ctx) }()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	left, right, err := rig.CapturePair(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, 320, left.Width)
	assert.Equal(t, 240, right.Height)
}

func TestNewCameraManager(t *testing.T) {
	ctx := context.Background()
	cfg := mockConfig()
	cfg.Camera.AutoDiscovery = false
	h, err := NewHarvester(cfg, afero.NewMemMapFs())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Reset() })

	m := NewCameraManager(cfg, h)
	require.NoError(t, m.Start(ctx))
	defer func() { _ = m.Stop(ctx) }()

	cam, ok := m.FindBySerial("SIM0002")
	require.True(t, ok)
	assert.Equal(t, 320, cam.Settings.Width)
}
