package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"

	"stccam/internal/camera"
	"stccam/internal/collect"
	"stccam/internal/config"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間
const shutdownTimeout = 5 * time.Second

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	cameras    camera.Manager
	fs         afero.Fs
	engine     *gin.Engine
	httpServer *http.Server

	// baseCtx は収集などリクエストより長く動く処理に渡す
	baseCtx context.Context

	collectMu sync.Mutex
	collector *collect.Collector
	startedAt time.Time
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, cameras camera.Manager, fs afero.Fs) *Server {
	if fs == nil {
		fs = afero.NewOsFs()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		config:    cfg,
		cameras:   cameras,
		fs:        fs,
		engine:    engine,
		baseCtx:   context.Background(),
		startedAt: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	s.setupRoutes()
	return s
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	// ヘルスチェックエンドポイント
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)

	cameras := api.Group("/cameras")
	cameras.GET("", s.handleGetCameras)
	cameras.POST("/discover", s.handleDiscoverCameras)
	cameras.GET("/:id", s.handleGetCamera)
	cameras.POST("/:id/start", s.handleStartCamera)
	cameras.POST("/:id/stop", s.handleStopCamera)
	cameras.PUT("/:id/settings", s.handleApplySettings)
	cameras.GET("/:id/stream", s.handleCameraStream)
	cameras.GET("/:id/pixel-formats", s.handlePixelFormats)

	stereo := api.Group("/stereo")
	stereo.POST("/start", s.handleStartStereo)
	stereo.POST("/stop", s.handleStopStereo)
	stereo.GET("/stream", s.handleStereoStream)
	stereo.POST("/captures", s.handleCreateCapture)
	stereo.GET("/captures", s.handleListCaptures)
	stereo.POST("/collections", s.handleStartCollection)
	stereo.GET("/collections", s.handleCollectionStatus)
	stereo.DELETE("/collections", s.handleStopCollection)

	api.POST("/calibrations", s.handleCalibrate)
}

// requestLogger はリクエストごとにアクセスログを出す
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("リクエスト")
	}
}

// Start はカメラマネージャーとサーバーを起動する
// ctx の終了か SIGINT/SIGTERM でシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	if err := s.cameras.Start(ctx); err != nil {
		return fmt.Errorf("カメラマネージャーの開始に失敗: %w", err)
	}

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		log.WithField("addr", s.httpServer.Addr).Info("HTTPサーバーを起動しています")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		log.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("シグナルを受信しました")
	case err := <-shutdownCh:
		_ = s.cameras.Stop(context.WithoutCancel(ctx))
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	log.Info("サーバーをシャットダウンしています...")

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("サーバーのシャットダウンに失敗: %w", err))
	}

	s.collectMu.Lock()
	if s.collector != nil {
		if err := s.collector.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("収集の停止に失敗: %w", err))
		}
	}
	s.collectMu.Unlock()

	if err := s.cameras.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	log.Info("サーバーが正常にシャットダウンされました")
	return nil
}
