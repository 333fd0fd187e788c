// Package main は stccam サーバー単体のコマンドです
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/apex/log"

	"stccam/internal/app"
	"stccam/internal/config"
	"stccam/internal/logging"
	"stccam/internal/server"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイルのパス (デフォルト: $STCCAM_CONFIG)")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		mock       = flag.Bool("mock", false, "シミュレーションカメラを使う")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("stccam server")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("設定の読み込みに失敗しました")
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *mock {
		cfg.GenTL.Mock = true
	}

	if err := logging.Setup(os.Stderr, cfg.Log.Format, cfg.Log.Level, false); err != nil {
		log.WithError(err).Fatal("ログの設定に失敗しました")
	}

	h, err := app.NewHarvester(cfg, nil)
	if err != nil {
		log.WithError(err).Fatal("ハーベスタの作成に失敗しました")
	}
	defer func() { _ = h.Reset() }()

	// Ginサーバーを作成
	srv := server.New(cfg, app.NewCameraManager(cfg, h), nil)

	// サーバーを起動
	log.WithField("addr", cfg.ServerAddress()).Info("stccam サーバーを起動します")
	if err := srv.Start(context.Background()); err != nil {
		log.WithError(err).Error("サーバーの起動に失敗しました")
		_ = h.Reset()
		os.Exit(1)
	}
}
