// Package app は設定からハーベスタ・カメラマネージャー・ステレオリグを組み立てる
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/spf13/afero"

	"stccam/internal/camera"
	"stccam/internal/capture"
	"stccam/internal/config"
	"stccam/internal/harvester"
)

// NewHarvester は設定の GenTL パスを登録した Harvester を作成する
// GenTL.Mock が有効ならシミュレーションカメラを追加する
func NewHarvester(cfg *config.Config, fs afero.Fs) (*harvester.Harvester, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	h := harvester.New(harvester.WithFetchTimeout(cfg.GenTL.FetchTimeout))

	if cfg.GenTL.Mock {
		p, err := harvester.NewDefaultMockProducer()
		if err != nil {
			return nil, fmt.Errorf("シミュレーションカメラの作成に失敗: %w", err)
		}
		h.AddProducer(p)
	}

	files, err := cfg.ProducerFiles(fs)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := h.AddFile(f); err != nil {
			if errors.Is(err, harvester.ErrDuplicateFile) {
				continue
			}
			return nil, err
		}
		log.WithField("producer", f).Debug("GenTL プロデューサを登録しました")
	}
	return h, nil
}

// NewCameraManager は Harvester のデバイスを管理するカメラマネージャーを作成する
func NewCameraManager(cfg *config.Config, h *harvester.Harvester) *camera.DefaultCameraManager {
	m := camera.NewDefaultCameraManager(
		camera.NewHarvesterDiscovery(h),
		camera.NewGenTLSourceCreator(h),
		cfg.CameraSettings(),
	)
	m.SetAutoDiscovery(cfg.Camera.AutoDiscovery)
	m.SetScanInterval(cfg.Camera.ScanInterval)
	return m
}

// StereoSerials は左右のシリアル番号を決める
// 設定が空の側はデバイス一覧の先頭から割り当てる
func StereoSerials(ctx context.Context, cfg *config.Config, h *harvester.Harvester) (capture.Serials, error) {
	serials := cfg.StereoSerials()
	if serials.Left != "" && serials.Right != "" {
		return serials, nil
	}

	if err := h.Update(ctx); err != nil {
		return capture.Serials{}, err
	}
	return capture.ResolveSerials(h.DeviceInfoList(), serials)
}

// NewStereoRig は左右の GenTLSource からなるステレオリグを作成する
func NewStereoRig(ctx context.Context, cfg *config.Config, h *harvester.Harvester) (*camera.StereoRig, error) {
	serials, err := StereoSerials(ctx, cfg, h)
	if err != nil {
		return nil, err
	}
	settings := cfg.CameraSettings()
	return camera.NewStereoRig(
		camera.NewGenTLSource(h, serials.Left, "left", settings),
		camera.NewGenTLSource(h, serials.Right, "right", settings),
	), nil
}
