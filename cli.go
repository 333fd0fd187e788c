package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/apex/log"
	"github.com/spf13/afero"

	"stccam/internal/app"
	"stccam/internal/calibration"
	"stccam/internal/capture"
	"stccam/internal/collect"
	"stccam/internal/config"
	"stccam/internal/harvester"
	"stccam/internal/imaging"
	"stccam/internal/logging"
	"stccam/internal/server"
)

// cli はサブコマンドとフラグの定義を保持する
type cli struct {
	app *kingpin.Application
	out io.Writer
	fs  afero.Fs

	configPath *string
	verbose    *bool
	mock       *bool
	gentlPaths *[]string
	logFormat  *string

	width       *int
	height      *int
	pixelFormat *string
	conversion  *string

	capture struct {
		cmd     *kingpin.CmdClause
		rgb     *bool
		serial  *string
		saveDir *string
	}
	stereo struct {
		cmd     *kingpin.CmdClause
		left    *string
		right   *string
		saveDir *string
	}
	formats struct {
		cmd    *kingpin.CmdClause
		serial *string
	}
	devices struct {
		cmd *kingpin.CmdClause
	}
	collect struct {
		cmd        *kingpin.CmdClause
		output     *string
		interval   *time.Duration
		max        *int
		noCheck    *bool
		left       *string
		right      *string
		cols, rows *int
	}
	calibrate struct {
		cmd        *kingpin.CmdClause
		dir        *string
		paramDir   *string
		renderDir  *string
		limit      *int
		cols, rows *int
		square     *float64
	}
	serve struct {
		cmd  *kingpin.CmdClause
		host *string
		port *int
	}

	cfg *config.Config
}

func newCLI(out io.Writer) *cli {
	c := &cli{
		app: kingpin.New("stccam", "GenTL ステレオカメラの撮影とキャリブレーション"),
		out: out,
		fs:  afero.NewOsFs(),
	}
	a := c.app

	c.configPath = a.Flag("config", "設定ファイルのパス").Short('c').Envar(config.EnvConfigPath).String()
	c.verbose = a.Flag("verbose", "詳細なログを出力する").Short('v').Bool()
	c.mock = a.Flag("mock", "シミュレーションカメラを使う").Bool()
	c.gentlPaths = a.Flag("gentl-path", "GenTL Producer (.cti) またはそのディレクトリ").Strings()
	c.logFormat = a.Flag("log-format", "ログ形式 (cli, text, json)").Enum("cli", "text", "json")

	c.width = a.Flag("width", "画像幅").Int()
	c.height = a.Flag("height", "画像高さ").Int()
	c.pixelFormat = a.Flag("pixel-format", "PixelFormat (空ならカメラの現在値)").String()
	c.conversion = a.Flag("conversion", "色変換 (auto, none, BayerRG2BGR など)").String()

	c.capture.cmd = a.Command("capture", "1台のカメラで1枚撮影する")
	c.capture.rgb = c.capture.cmd.Flag("rgb", "PixelFormat を RGB8 にして撮影する").Bool()
	c.capture.serial = c.capture.cmd.Flag("serial", "シリアル番号 (空なら1台目)").String()
	c.capture.saveDir = c.capture.cmd.Flag("save-dir", "保存先ディレクトリ").Default(".").String()

	c.stereo.cmd = a.Command("stereo", "左右のカメラで1組撮影する")
	c.stereo.left = c.stereo.cmd.Flag("left", "左カメラのシリアル番号").String()
	c.stereo.right = c.stereo.cmd.Flag("right", "右カメラのシリアル番号").String()
	c.stereo.saveDir = c.stereo.cmd.Flag("save-dir", "保存先ディレクトリ").String()

	c.formats.cmd = a.Command("formats", "カメラが対応する PixelFormat を表示する")
	c.formats.serial = c.formats.cmd.Flag("serial", "シリアル番号 (空なら1台目)").String()

	c.devices.cmd = a.Command("devices", "接続されているカメラを表示する")

	c.collect.cmd = a.Command("collect", "キャリブレーション用の画像ペアを定期的に撮影する")
	c.collect.output = c.collect.cmd.Flag("output", "セッションディレクトリの親").String()
	c.collect.interval = c.collect.cmd.Flag("interval", "撮影間隔").Duration()
	c.collect.max = c.collect.cmd.Flag("max", "保存するペア数の上限").Int()
	c.collect.noCheck = c.collect.cmd.Flag("no-check", "チェスボードの有無を確認しない").Bool()
	c.collect.left = c.collect.cmd.Flag("left", "左カメラのシリアル番号").String()
	c.collect.right = c.collect.cmd.Flag("right", "右カメラのシリアル番号").String()
	c.collect.cols = c.collect.cmd.Flag("cols", "チェスボードの横方向の内側コーナー数").Int()
	c.collect.rows = c.collect.cmd.Flag("rows", "チェスボードの縦方向の内側コーナー数").Int()

	c.calibrate.cmd = a.Command("calibrate", "保存済みの画像ペアからステレオキャリブレーションを行う")
	c.calibrate.dir = c.calibrate.cmd.Flag("dir", "stereo_left/ と stereo_right/ を含むディレクトリ").String()
	c.calibrate.paramDir = c.calibrate.cmd.Flag("param-dir", "パラメータの保存先").String()
	c.calibrate.renderDir = c.calibrate.cmd.Flag("render-dir", "検出結果を描画した画像の保存先").String()
	c.calibrate.limit = c.calibrate.cmd.Flag("limit", "使う画像ペアの上限").Int()
	c.calibrate.cols = c.calibrate.cmd.Flag("cols", "チェスボードの横方向の内側コーナー数").Int()
	c.calibrate.rows = c.calibrate.cmd.Flag("rows", "チェスボードの縦方向の内側コーナー数").Int()
	c.calibrate.square = c.calibrate.cmd.Flag("square-size", "マス目の一辺 (m)").Float64()

	c.serve.cmd = a.Command("serve", "HTTP サーバーを起動する")
	c.serve.host = c.serve.cmd.Flag("host", "サーバーのホスト").String()
	c.serve.port = c.serve.cmd.Flag("port", "サーバーのポート").Int()

	return c
}

// setup は設定を読み込み、フラグで上書きしてログを設定する
func (c *cli) setup() error {
	cfg, err := config.LoadFs(c.fs, *c.configPath)
	if err != nil {
		return err
	}

	if *c.mock {
		cfg.GenTL.Mock = true
	}
	cfg.GenTL.Paths = append(cfg.GenTL.Paths, *c.gentlPaths...)
	if *c.logFormat != "" {
		cfg.Log.Format = *c.logFormat
	}
	if *c.width > 0 {
		cfg.Camera.Width = *c.width
	}
	if *c.height > 0 {
		cfg.Camera.Height = *c.height
	}
	if *c.pixelFormat != "" {
		cfg.Camera.PixelFormat = *c.pixelFormat
	}
	if *c.conversion != "" {
		cfg.Camera.Conversion = *c.conversion
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logging.Setup(os.Stderr, cfg.Log.Format, cfg.Log.Level, *c.verbose); err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

func (c *cli) run(ctx context.Context, command string) error {
	if err := c.setup(); err != nil {
		return err
	}

	switch command {
	case c.capture.cmd.FullCommand():
		return c.runCapture(ctx)
	case c.stereo.cmd.FullCommand():
		return c.runStereo(ctx)
	case c.formats.cmd.FullCommand():
		return c.runFormats(ctx)
	case c.devices.cmd.FullCommand():
		return c.runDevices(ctx)
	case c.collect.cmd.FullCommand():
		return c.runCollect(ctx)
	case c.calibrate.cmd.FullCommand():
		return c.runCalibrate(ctx)
	case c.serve.cmd.FullCommand():
		return c.runServe(ctx)
	}
	return fmt.Errorf("未知のコマンドです: %s", command)
}

// harvester はコマンド終了時に解放する Harvester を作る
func (c *cli) harvester() (*harvester.Harvester, func(), error) {
	h, err := app.NewHarvester(c.cfg, c.fs)
	if err != nil {
		return nil, nil, err
	}
	return h, func() {
		if err := h.Reset(); err != nil {
			log.WithError(err).Warn("ハーベスタの解放に失敗")
		}
	}, nil
}

func selector(serial string) harvester.Selector {
	if serial == "" {
		return harvester.Index(0)
	}
	return harvester.Serial(serial)
}

func (c *cli) runCapture(ctx context.Context) error {
	h, release, err := c.harvester()
	if err != nil {
		return err
	}
	defer release()

	sel := selector(*c.capture.serial)
	if *c.capture.rgb {
		img, err := capture.CaptureImage(ctx, h, capture.ImageOptions{Resolution: c.cfg.Resolution(), Selector: sel})
		if err != nil {
			return err
		}
		path, err := capture.SavePNG(c.fs, filepath.Join(*c.capture.saveDir, fmt.Sprintf("rgb_%s.png", time.Now().Format("20060102-150405"))), img)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s (%dx%dx%d)\n", path, img.Width, img.Height, img.Channels)
		return nil
	}

	img, err := capture.CaptureUSBImage(ctx, h, capture.USBOptions{
		Resolution:  c.cfg.Resolution(),
		Selector:    sel,
		PixelFormat: c.cfg.Camera.PixelFormat,
		Conversion:  imaging.Conversion(c.cfg.Camera.Conversion),
		SaveDir:     *c.capture.saveDir,
		Fs:          c.fs,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "撮影しました (%dx%dx%d)\n", img.Width, img.Height, img.Channels)
	return nil
}

func (c *cli) stereoSerials(left, right string) capture.Serials {
	serials := c.cfg.StereoSerials()
	if left != "" {
		serials.Left = left
	}
	if right != "" {
		serials.Right = right
	}
	return serials
}

func (c *cli) runStereo(ctx context.Context) error {
	h, release, err := c.harvester()
	if err != nil {
		return err
	}
	defer release()

	saveDir := *c.stereo.saveDir
	if saveDir == "" {
		saveDir = c.cfg.Stereo.SaveDir
	}
	frames, err := capture.CaptureStereo(ctx, h, capture.StereoOptions{
		Serials:     c.stereoSerials(*c.stereo.left, *c.stereo.right),
		Resolution:  c.cfg.Resolution(),
		PixelFormat: c.cfg.Camera.PixelFormat,
		Conversion:  imaging.Conversion(c.cfg.Camera.Conversion),
		SaveDir:     saveDir,
		Fs:          c.fs,
	})
	if err != nil {
		return err
	}
	for i, side := range []string{"left", "right"} {
		fmt.Fprintf(c.out, "%s: %dx%dx%d\n", side, frames[i].Width, frames[i].Height, frames[i].Channels)
	}
	fmt.Fprintf(c.out, "保存先: %s\n", saveDir)
	return nil
}

func (c *cli) runFormats(ctx context.Context) error {
	h, release, err := c.harvester()
	if err != nil {
		return err
	}
	defer release()

	formats, err := capture.PixelFormats(ctx, h, selector(*c.formats.serial))
	if err != nil {
		return err
	}
	for _, f := range formats {
		fmt.Fprintln(c.out, f)
	}
	return nil
}

func (c *cli) runDevices(ctx context.Context) error {
	h, release, err := c.harvester()
	if err != nil {
		return err
	}
	defer release()

	if err := h.Update(ctx); err != nil {
		return err
	}
	infos := h.DeviceInfoList()
	if len(infos) == 0 {
		return harvester.ErrNoDevice
	}

	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tSERIAL\tVENDOR\tMODEL\tTL\tACCESS\tPRODUCER")
	for i, info := range infos {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			i, info.SerialNumber, info.Vendor, info.Model, info.TLType, info.AccessStatus, info.Producer)
	}
	return w.Flush()
}

func (c *cli) runCollect(ctx context.Context) error {
	conf := c.cfg.Collect
	if *c.collect.output != "" {
		conf.OutputDir = *c.collect.output
	}
	if *c.collect.interval > 0 {
		conf.Interval = *c.collect.interval
	}
	if *c.collect.max > 0 {
		conf.MaxPairs = *c.collect.max
	}
	if *c.collect.noCheck {
		conf.CheckBoard = false
	}
	if *c.collect.cols > 0 {
		conf.Board.Cols = *c.collect.cols
	}
	if *c.collect.rows > 0 {
		conf.Board.Rows = *c.collect.rows
	}

	if err := conf.Validate(); err != nil {
		return err
	}

	h, release, err := c.harvester()
	if err != nil {
		return err
	}
	defer release()

	serials := c.stereoSerials(*c.collect.left, *c.collect.right)
	c.cfg.Stereo.Left, c.cfg.Stereo.Right = serials.Left, serials.Right
	rig, err := app.NewStereoRig(ctx, c.cfg, h)
	if err != nil {
		return err
	}
	if err := rig.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := rig.Stop(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("カメラの停止に失敗")
		}
	}()

	collector := collect.NewCollector(rig, c.fs, conf)
	if err := collector.Start(ctx); err != nil {
		return err
	}

	select {
	case <-collector.Done():
	case <-ctx.Done():
	}
	if err := collector.Stop(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	status := collector.Status()
	fmt.Fprintf(c.out, "%s: %d 組保存 (試行 %d, スキップ %d)\n",
		status.SessionDir, status.Pairs, status.Attempts, status.Skipped)
	if status.Pairs == 0 {
		return errors.New("画像ペアを1組も保存できませんでした")
	}
	return nil
}

func (c *cli) runCalibrate(ctx context.Context) error {
	opts := c.cfg.CalibrationOptions(c.fs)
	if *c.calibrate.dir != "" {
		opts.Dir = *c.calibrate.dir
	}
	if *c.calibrate.paramDir != "" {
		opts.ParamDir = *c.calibrate.paramDir
	}
	if *c.calibrate.renderDir != "" {
		opts.RenderDir = *c.calibrate.renderDir
	}
	if *c.calibrate.limit > 0 {
		opts.ImageLimit = *c.calibrate.limit
	}
	if *c.calibrate.cols > 0 {
		opts.Board.Cols = *c.calibrate.cols
	}
	if *c.calibrate.rows > 0 {
		opts.Board.Rows = *c.calibrate.rows
	}
	if *c.calibrate.square > 0 {
		opts.Board.SquareSize = *c.calibrate.square
	}

	res, err := calibration.Run(ctx, opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "使用したペア: %d (スキップ %d)\n", len(res.Views), len(res.Skipped))
	fmt.Fprintf(c.out, "RMS: %.4f px (左 %.4f, 右 %.4f)\n", res.RMS, res.LeftRMS, res.RightRMS)
	fmt.Fprintf(c.out, "再投影誤差: 平均 %.4f / 中央値 %.4f / 最大 %.4f px\n", res.MeanError, res.MedianError, res.MaxError)
	fmt.Fprintf(c.out, "基線長: %.4f m\n", res.Params.Rect.Baseline())
	fmt.Fprintf(c.out, "保存先: %s, %s\n", res.NPZPath, res.YAMLPath)
	return nil
}

func (c *cli) runServe(ctx context.Context) error {
	if *c.serve.host != "" {
		c.cfg.Server.Host = *c.serve.host
	}
	if *c.serve.port != 0 {
		c.cfg.Server.Port = *c.serve.port
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	h, release, err := c.harvester()
	if err != nil {
		return err
	}
	defer release()

	srv := server.New(c.cfg, app.NewCameraManager(c.cfg, h), c.fs)
	return srv.Start(ctx)
}
