// Package logging は apex/log のハンドラとレベルを設定する
package logging

import (
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"
)

// Setup は出力形式とレベルを設定する
// format は cli, text, json のいずれか。verbose が true なら level に関わらず debug
func Setup(w io.Writer, format, level string, verbose bool) error {
	handler, err := newHandler(w, format)
	if err != nil {
		return err
	}

	lvl := log.DebugLevel
	if !verbose {
		if lvl, err = log.ParseLevel(level); err != nil {
			return fmt.Errorf("ログレベル %q: %w", level, err)
		}
	}

	log.SetHandler(handler)
	log.SetLevel(lvl)
	return nil
}

func newHandler(w io.Writer, format string) (log.Handler, error) {
	switch format {
	case "", "cli":
		return cli.New(w), nil
	case "text":
		return text.New(w), nil
	case "json":
		return json.New(w), nil
	}
	return nil, fmt.Errorf("未知のログ形式です: %s", format)
}
