package server

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"stccam/internal/camera"
)

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// handleStatus はシステム状態取得エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	cameras := s.cameras.GetCameras()
	active := 0
	for _, cam := range cameras {
		if cam.Status == camera.StatusActive {
			active++
		}
	}

	c.JSON(http.StatusOK, StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host: s.config.Server.Host,
			Port: s.config.Server.Port,
		},
		Cameras:   len(cameras),
		Active:    active,
		Collect:   s.collectStatus(),
		Uptime:    time.Since(s.startedAt).Truncate(time.Second).String(),
		Timestamp: time.Now(),
	})
}

// handleGetCameras はカメラ一覧取得エンドポイント
func (s *Server) handleGetCameras(c *gin.Context) {
	cameras := sortedCameras(s.cameras.GetCameras())
	c.JSON(http.StatusOK, gin.H{"cameras": cameras})
}

// handleGetCamera はカメラ1台の情報を返す
func (s *Server) handleGetCamera(c *gin.Context) {
	cam, ok := s.findCamera(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, cam)
}

// handleDiscoverCameras はデバイスを再検出する
func (s *Server) handleDiscoverCameras(c *gin.Context) {
	serials, err := s.cameras.DiscoverCameras(c.Request.Context())
	if err != nil {
		abortError(c, http.StatusInternalServerError, "discovery_failed", "カメラの検出に失敗しました", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"serials": serials,
		"cameras": sortedCameras(s.cameras.GetCameras()),
	})
}

// handleStartCamera はカメラのストリーミングを開始する
func (s *Server) handleStartCamera(c *gin.Context) {
	id := c.Param("id")
	if err := s.cameras.StartCamera(c.Request.Context(), id); err != nil {
		s.abortCameraError(c, "camera_start_failed", "カメラの開始に失敗しました", err)
		return
	}
	cam, _ := s.cameras.GetCamera(id)
	c.JSON(http.StatusOK, cam)
}

// handleStopCamera はカメラのストリーミングを停止する
func (s *Server) handleStopCamera(c *gin.Context) {
	id := c.Param("id")
	if err := s.cameras.StopCamera(c.Request.Context(), id); err != nil {
		s.abortCameraError(c, "camera_stop_failed", "カメラの停止に失敗しました", err)
		return
	}
	cam, _ := s.cameras.GetCamera(id)
	c.JSON(http.StatusOK, cam)
}

// handleApplySettings はカメラの設定を変更する
func (s *Server) handleApplySettings(c *gin.Context) {
	cam, ok := s.findCamera(c)
	if !ok {
		return
	}
	source, ok := s.cameras.GetCameraSource(cam.ID)
	if !ok {
		abortError(c, http.StatusNotFound, "camera_not_found", "指定されたカメラが見つかりません", nil)
		return
	}

	settings := source.GetCurrentSettings()
	if err := c.ShouldBindJSON(&settings); err != nil {
		abortError(c, http.StatusBadRequest, "invalid_request", "設定の形式が不正です", err)
		return
	}
	if err := source.ApplySettings(c.Request.Context(), settings); err != nil {
		abortError(c, http.StatusBadRequest, "invalid_settings", "設定を適用できませんでした", err)
		return
	}

	updated, _ := s.cameras.GetCamera(cam.ID)
	c.JSON(http.StatusOK, updated)
}

// handlePixelFormats はカメラが対応する PixelFormat を返す
func (s *Server) handlePixelFormats(c *gin.Context) {
	cam, ok := s.findCamera(c)
	if !ok {
		return
	}
	source, _ := s.cameras.GetCameraSource(cam.ID)

	formats, err := source.PixelFormats(c.Request.Context())
	if err != nil {
		abortError(c, http.StatusInternalServerError, "pixel_formats_failed", "PixelFormat の取得に失敗しました", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"camera_id":     cam.ID,
		"pixel_formats": formats,
	})
}

// handleCameraStream はMJPEGストリーミングエンドポイント
func (s *Server) handleCameraStream(c *gin.Context) {
	cam, ok := s.findCamera(c)
	if !ok {
		return
	}

	// カメラがアクティブか確認
	if cam.Status != camera.StatusActive {
		abortError(c, http.StatusServiceUnavailable, "camera_not_active", "カメラがアクティブではありません", nil)
		return
	}

	source, exists := s.cameras.GetCameraSource(cam.ID)
	if !exists {
		abortError(c, http.StatusNotFound, "camera_not_found", "指定されたカメラが見つかりません", nil)
		return
	}
	streamMJPEG(c, source.GetFrameChannel())
}

// findCamera は :id のカメラを探す。見つからなければ 404 を返す
func (s *Server) findCamera(c *gin.Context) (*camera.Camera, bool) {
	cam, found := s.cameras.GetCamera(c.Param("id"))
	if !found {
		abortError(c, http.StatusNotFound, "camera_not_found", "指定されたカメラが見つかりません", nil)
		return nil, false
	}
	return cam, true
}

func (s *Server) abortCameraError(c *gin.Context, code, message string, err error) {
	if errors.Is(err, camera.ErrCameraNotFound) {
		abortError(c, http.StatusNotFound, "camera_not_found", "指定されたカメラが見つかりません", err)
		return
	}
	abortError(c, http.StatusInternalServerError, code, message, err)
}

// sortedCameras はシリアル番号順に並べる
func sortedCameras(cameras []camera.Camera) []camera.Camera {
	slices.SortFunc(cameras, func(a, b camera.Camera) int {
		return strings.Compare(a.Serial, b.Serial)
	})
	return cameras
}

// streamMJPEG はMJPEGストリームを配信する
func streamMJPEG(c *gin.Context, frames <-chan []byte) {
	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	// ストリーミングループ
	for {
		select {
		case <-clientGone:
			// クライアントが切断された
			return

		case frame, ok := <-frames:
			if !ok {
				// チャンネルがクローズされた
				return
			}
			if err := writePart(c.Writer, frame); err != nil {
				return
			}
			// バッファをフラッシュ
			c.Writer.Flush()
		}
	}
}

func writePart(w gin.ResponseWriter, frame []byte) error {
	if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
