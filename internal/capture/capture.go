package capture

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/spf13/afero"

	"stccam/internal/gentl"
	"stccam/internal/harvester"
	"stccam/internal/imaging"
)

// ErrStereoRigIncomplete はステレオ撮影に必要な2台のカメラが揃っていない
var ErrStereoRigIncomplete = errors.New("ステレオカメラが2台見つかりません")

// timestampLayout は保存ファイル名に付ける時刻の書式
const timestampLayout = "20060102-150405"

// timeNow はテストで差し替える
var timeNow = time.Now

// Resolution は画像サイズ
type Resolution struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// DefaultResolution は既定の解像度
var DefaultResolution = Resolution{Width: 1920, Height: 1080}

func (r Resolution) orDefault() Resolution {
	if r.Width <= 0 || r.Height <= 0 {
		return DefaultResolution
	}
	return r
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Serials はステレオカメラの左右のシリアル番号
type Serials struct {
	Left  string `yaml:"left" json:"left"`
	Right string `yaml:"right" json:"right"`
}

// ImageOptions は CaptureImage の設定
type ImageOptions struct {
	Resolution Resolution
	Selector   harvester.Selector
}

// USBOptions は CaptureUSBImage の設定
type USBOptions struct {
	Resolution Resolution
	Selector   harvester.Selector
	// PixelFormat が空ならカメラの現在の設定を使う
	PixelFormat string
	Conversion  imaging.Conversion
	// SaveDir が空でなければ usb_<時刻>.png として保存する
	SaveDir string
	Fs      afero.Fs
}

// StereoOptions は CaptureStereo の設定
type StereoOptions struct {
	// Serials が空の側はデバイス一覧の先頭から未使用のものを使う
	Serials     Serials
	Resolution  Resolution
	PixelFormat string
	Conversion  imaging.Conversion
	// SaveDir が空でなければ stereo_left_<時刻>.png / stereo_right_<時刻>.png として保存する
	SaveDir string
	Fs      afero.Fs
}

// CaptureImage は先頭のカメラから RGB8 で1枚撮影する
// 戻り値の Frame は RGB 順の H×W×3
func CaptureImage(ctx context.Context, h *harvester.Harvester, opts ImageOptions) (*imaging.Frame, error) {
	ia, err := open(ctx, h, opts.Selector)
	if err != nil {
		return nil, err
	}
	defer destroy(ia)

	if err := Configure(ia, opts.Resolution.orDefault(), "RGB8"); err != nil {
		return nil, err
	}
	return grab(ctx, ia, imaging.ConvNone)
}

// CaptureUSBImage はUSBカメラ1台から撮影してBGRに変換する
func CaptureUSBImage(ctx context.Context, h *harvester.Harvester, opts USBOptions) (*imaging.Frame, error) {
	ia, err := open(ctx, h, opts.Selector)
	if err != nil {
		return nil, err
	}
	defer destroy(ia)

	if err := Configure(ia, opts.Resolution.orDefault(), opts.PixelFormat); err != nil {
		return nil, err
	}
	frame, err := grab(ctx, ia, conversionOrAuto(opts.Conversion))
	if err != nil {
		return nil, err
	}

	if opts.SaveDir != "" {
		name := fmt.Sprintf("usb_%s.png", timeNow().Format(timestampLayout))
		if _, err := SavePNG(fsOrOS(opts.Fs), filepath.Join(opts.SaveDir, name), frame); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

// CaptureStereo は左右のカメラからほぼ同時に撮影し [左, 右] を返す
func CaptureStereo(ctx context.Context, h *harvester.Harvester, opts StereoOptions) ([]*imaging.Frame, error) {
	if err := h.Update(ctx); err != nil {
		return nil, err
	}
	if n := len(h.DeviceInfoList()); n < 2 {
		return nil, fmt.Errorf("検出台数 %d: %w", n, ErrStereoRigIncomplete)
	}

	left, right, err := OpenStereo(ctx, h, opts.Serials)
	if err != nil {
		return nil, err
	}
	defer destroy(left)
	defer destroy(right)

	res := opts.Resolution.orDefault()
	for _, ia := range []*harvester.ImageAcquirer{left, right} {
		if err := Configure(ia, res, opts.PixelFormat); err != nil {
			return nil, err
		}
	}

	conv := conversionOrAuto(opts.Conversion)
	frames := make([]*imaging.Frame, 2)
	errs := make([]error, 2)

	var wg sync.WaitGroup
	for i, ia := range []*harvester.ImageAcquirer{left, right} {
		wg.Add(1)
		go func(i int, ia *harvester.ImageAcquirer) {
			defer wg.Done()
			frames[i], errs[i] = grab(ctx, ia, conv)
		}(i, ia)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if opts.SaveDir != "" {
		fs := fsOrOS(opts.Fs)
		stamp := timeNow().Format(timestampLayout)
		for i, side := range []string{"left", "right"} {
			name := fmt.Sprintf("stereo_%s_%s.png", side, stamp)
			if _, err := SavePNG(fs, filepath.Join(opts.SaveDir, name), frames[i]); err != nil {
				return nil, err
			}
		}
	}
	return frames, nil
}

// OpenStereo は左右のカメラを開く
// シリアル番号が空の側は ResolveSerials で残りのデバイスから割り当てる
func OpenStereo(ctx context.Context, h *harvester.Harvester, serials Serials) (*harvester.ImageAcquirer, *harvester.ImageAcquirer, error) {
	serials, err := ResolveSerials(h.DeviceInfoList(), serials)
	if err != nil {
		return nil, nil, err
	}

	left, err := h.Create(ctx, harvester.Serial(serials.Left))
	if err != nil {
		return nil, nil, fmt.Errorf("左カメラ: %w", stereoError(err))
	}
	right, err := h.Create(ctx, harvester.Serial(serials.Right))
	if err != nil {
		destroy(left)
		return nil, nil, fmt.Errorf("右カメラ: %w", stereoError(err))
	}
	return left, right, nil
}

// ResolveSerials は空の側にデバイス一覧の先頭から未使用のシリアル番号を割り当てる
// 指定済みのシリアル番号は一覧になくてもそのまま返す
func ResolveSerials(infos []gentl.DeviceInfo, serials Serials) (Serials, error) {
	if serials.Left != "" && serials.Right != "" {
		return serials, nil
	}

	var free []string
	for _, info := range infos {
		if info.SerialNumber != "" && info.SerialNumber != serials.Left && info.SerialNumber != serials.Right {
			free = append(free, info.SerialNumber)
		}
	}
	for _, side := range []*string{&serials.Left, &serials.Right} {
		if *side != "" {
			continue
		}
		if len(free) == 0 {
			return Serials{}, fmt.Errorf("検出台数 %d: %w", len(infos), ErrStereoRigIncomplete)
		}
		*side, free = free[0], free[1:]
	}
	return serials, nil
}

func stereoError(err error) error {
	if errors.Is(err, harvester.ErrNoDevice) || errors.Is(err, harvester.ErrDeviceNotFound) {
		return fmt.Errorf("%w: %w", ErrStereoRigIncomplete, err)
	}
	return err
}

// PixelFormats はカメラが対応する PixelFormat の一覧を返す
func PixelFormats(ctx context.Context, h *harvester.Harvester, sel harvester.Selector) ([]string, error) {
	ia, err := open(ctx, h, sel)
	if err != nil {
		return nil, err
	}
	defer destroy(ia)

	pf, err := ia.RemoteDevice().NodeMap().Enumeration("PixelFormat")
	if err != nil {
		return nil, err
	}
	return pf.Symbolics(), nil
}

// Configure は解像度とピクセルフォーマットを設定する
// 範囲外の解像度は genapi.ErrOutOfRange になる
func Configure(ia *harvester.ImageAcquirer, res Resolution, pixelFormat string) error {
	nm := ia.RemoteDevice().NodeMap()

	if pixelFormat != "" {
		pf, err := nm.Enumeration("PixelFormat")
		if err != nil {
			return err
		}
		if err := pf.SetValue(pixelFormat); err != nil {
			return fmt.Errorf("PixelFormat を %s に設定できません: %w", pixelFormat, err)
		}
	}

	for _, f := range []struct {
		name  string
		value int
	}{
		{"Width", res.Width},
		{"Height", res.Height},
	} {
		node, err := nm.Integer(f.name)
		if err != nil {
			return err
		}
		if err := node.SetValue(int64(f.value)); err != nil {
			return fmt.Errorf("解像度 %s を設定できません: %w", res, err)
		}
	}
	return nil
}

// open はデバイス一覧を更新して ImageAcquirer を作成する
func open(ctx context.Context, h *harvester.Harvester, sel harvester.Selector) (*harvester.ImageAcquirer, error) {
	if err := h.Update(ctx); err != nil {
		return nil, err
	}
	ia, err := h.Create(ctx, sel)
	if err != nil {
		return nil, err
	}
	log.WithField("device", ia.Info().DisplayName).Info("デバイスを検出しました")
	return ia, nil
}

// grab は取得を開始して1枚受け取り、変換してから停止する
func grab(ctx context.Context, ia *harvester.ImageAcquirer, conv imaging.Conversion) (*imaging.Frame, error) {
	if err := ia.Start(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := ia.Stop(); err != nil {
			log.WithError(err).Warn("画像取得の停止に失敗")
		}
	}()

	buf, err := ia.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = buf.Queue()
	}()

	frame, err := imaging.FromBuffer(buf, conv)
	if err != nil {
		return nil, fmt.Errorf("%s の画像変換に失敗: %w", ia.Info().DisplayName, err)
	}
	return frame, nil
}

func destroy(ia *harvester.ImageAcquirer) {
	if err := ia.Destroy(); err != nil {
		log.WithError(err).Warn("カメラの解放に失敗")
	}
}

func conversionOrAuto(c imaging.Conversion) imaging.Conversion {
	if c == "" {
		return imaging.ConvAuto
	}
	return c
}

func fsOrOS(fs afero.Fs) afero.Fs {
	if fs == nil {
		return afero.NewOsFs()
	}
	return fs
}

// SavePNG は Frame をPNGとして保存し、保存先のパスを返す
func SavePNG(fs afero.Fs, path string, frame *imaging.Frame) (string, error) {
	png, err := frame.EncodePNG()
	if err != nil {
		return "", err
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("ディレクトリの作成に失敗: %w", err)
	}
	if err := afero.WriteFile(fs, path, png, 0o644); err != nil {
		return "", fmt.Errorf("%s への保存に失敗: %w", path, err)
	}
	log.WithField("path", path).Debug("画像を保存しました")
	return path, nil
}
