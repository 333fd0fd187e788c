package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restore(t *testing.T) {
	t.Cleanup(func() {
		log.SetHandler(discard.Default)
		log.SetLevel(log.InfoLevel)
	})
}

func TestSetup(t *testing.T) {
	t.Run("json 形式", func(t *testing.T) {
		restore(t)
		var buf bytes.Buffer
		require.NoError(t, Setup(&buf, "json", "info", false))

		log.WithField("serial", "SIM0001").Info("撮影しました")
		log.Debug("表示されない")

		var entry struct {
			Fields  map[string]any `json:"fields"`
			Level   string         `json:"level"`
			Message string         `json:"message"`
		}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "info", entry.Level)
		assert.Equal(t, "撮影しました", entry.Message)
		assert.Equal(t, "SIM0001", entry.Fields["serial"])
	})

	t.Run("verbose なら debug も出力", func(t *testing.T) {
		restore(t)
		var buf bytes.Buffer
		require.NoError(t, Setup(&buf, "text", "error", true))

		log.Debug("詳細")
		assert.Contains(t, buf.String(), "詳細")
	})

	t.Run("レベルで抑制", func(t *testing.T) {
		restore(t)
		var buf bytes.Buffer
		require.NoError(t, Setup(&buf, "cli", "warn", false))

		log.Info("抑制される")
		assert.Empty(t, buf.String())
	})

	t.Run("不正な指定", func(t *testing.T) {
		restore(t)
		assert.Error(t, Setup(&bytes.Buffer{}, "xml", "info", false))
		assert.Error(t, Setup(&bytes.Buffer{}, "cli", "verbose", false))
	})
}
