package server

import (
	"time"

	"github.com/gin-gonic/gin"
)

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse はヘルスチェックのレスポンス
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo はサーバーのリッスン情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StatusResponse はシステム状態のレスポンス
type StatusResponse struct {
	Status    string         `json:"status"`
	Server    ServerInfo     `json:"server"`
	Cameras   int            `json:"cameras"`
	Active    int            `json:"active"`
	Collect   *CollectStatus `json:"collect,omitempty"`
	Uptime    string         `json:"uptime"`
	Timestamp time.Time      `json:"timestamp"`
}

// abortError はエラーレスポンスを返して処理を打ち切る
func abortError(c *gin.Context, status int, code, message string, err error) {
	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	}
	if err != nil {
		details := err.Error()
		resp.Details = &details
	}
	c.AbortWithStatusJSON(status, resp)
}
