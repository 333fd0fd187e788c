package gentl

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

// URLScheme はデバイス記述XMLの所在
type URLScheme string

const (
	SchemeLocal URLScheme = "local" // デバイスのレジスタ空間上
	SchemeFile  URLScheme = "file"  // ホストのファイルシステム上
	SchemeHTTP  URLScheme = "http"  // ベンダーのWebサイト（未対応）
)

// PortURL は GCGetPortURLInfo が返すURLの解析結果
type PortURL struct {
	Scheme   URLScheme
	FileName string // Local の場合のファイル名（拡張子でZIPか判定する）
	Address  uint64 // Local の場合の先頭アドレス
	Length   int    // Local の場合のバイト数
	Path     string // File の場合のパス
	Raw      string
}

// ParsePortURL はポートURLを解析する
//
//	Local:Camera.zip;F0000000;1A2B
//	local:///Camera.xml;0x10000;0x400?SchemaVersion=1.1.0
//	file:///opt/vendor/Camera.xml
func ParsePortURL(raw string) (PortURL, error) {
	s := strings.TrimSpace(raw)
	colon := strings.Index(s, ":")
	if colon < 0 {
		return PortURL{}, fmt.Errorf("ポートURL %q にスキームがありません", raw)
	}

	u := PortURL{Scheme: URLScheme(strings.ToLower(s[:colon])), Raw: raw}
	rest := s[colon+1:]
	if q := strings.Index(rest, "?"); q >= 0 {
		rest = rest[:q]
	}

	switch u.Scheme {
	case SchemeLocal:
		rest = strings.TrimPrefix(rest, "///")
		parts := strings.Split(rest, ";")
		if len(parts) != 3 {
			return PortURL{}, fmt.Errorf("ポートURL %q の形式が不正です", raw)
		}
		addr, err := parseHex(parts[1])
		if err != nil {
			return PortURL{}, fmt.Errorf("ポートURL %q のアドレス: %w", raw, err)
		}
		length, err := parseHex(parts[2])
		if err != nil {
			return PortURL{}, fmt.Errorf("ポートURL %q の長さ: %w", raw, err)
		}
		if length == 0 {
			return PortURL{}, fmt.Errorf("ポートURL %q の長さが0です", raw)
		}
		u.FileName = parts[0]
		u.Address = addr
		u.Length = int(length)

	case SchemeFile:
		path, err := url.PathUnescape(strings.TrimPrefix(rest, "//"))
		if err != nil {
			return PortURL{}, fmt.Errorf("ポートURL %q のパス: %w", raw, err)
		}
		// Windows 形式 /C|/path
		if len(path) > 3 && path[0] == '/' && path[2] == '|' {
			path = path[1:2] + ":" + path[3:]
		}
		if path == "" {
			return PortURL{}, fmt.Errorf("ポートURL %q にパスがありません", raw)
		}
		u.Path = path

	case SchemeHTTP, "https":
		u.Scheme = SchemeHTTP
		u.Path = rest

	default:
		return PortURL{}, fmt.Errorf("ポートURL %q のスキーム %s: %w", raw, u.Scheme, ErrUnsupported)
	}

	return u, nil
}

// parseHex は 0x 有無どちらの16進表記も受け付ける
func parseHex(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}

// IsZip はファイル名またはデータからZIP圧縮されているかを判定する
func IsZip(fileName string, data []byte) bool {
	if strings.HasSuffix(strings.ToLower(fileName), ".zip") {
		return true
	}
	return bytes.HasPrefix(data, []byte("PK\x03\x04"))
}

// ExtractXML はポートから読み出したデータからXML本体を取り出す
// ZIPの場合は最初の .xml エントリを展開する
func ExtractXML(fileName string, data []byte) ([]byte, error) {
	if !IsZip(fileName, data) {
		// レジスタ領域の末尾はNULで埋められていることがある
		return bytes.TrimRight(data, "\x00"), nil
	}

	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("デバイス記述ZIPの展開に失敗: %w", err)
	}
	for _, f := range r.File {
		if !strings.HasSuffix(strings.ToLower(f.Name), ".xml") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%s の展開に失敗: %w", f.Name, err)
		}
		defer func() {
			_ = rc.Close()
		}()
		xml, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("%s の読み込みに失敗: %w", f.Name, err)
		}
		return xml, nil
	}
	return nil, fmt.Errorf("デバイス記述ZIPにXMLが含まれていません")
}
