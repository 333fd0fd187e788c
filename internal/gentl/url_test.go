package gentl

import (
	"archive/zip"
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePortURL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want PortURL
	}{
		{
			name: "Local ZIP",
			raw:  "Local:STC_MBS241U3V.zip;F0000000;1A2B",
			want: PortURL{Scheme: SchemeLocal, FileName: "STC_MBS241U3V.zip", Address: 0xF0000000, Length: 0x1A2B},
		},
		{
			name: "Local 0x付きとスキーマバージョン",
			raw:  "local:///Camera.xml;0x10000;0x400?SchemaVersion=1.1.0",
			want: PortURL{Scheme: SchemeLocal, FileName: "Camera.xml", Address: 0x10000, Length: 0x400},
		},
		{
			name: "File",
			raw:  "file:///opt/sentech/xml/Camera%20A.xml",
			want: PortURL{Scheme: SchemeFile, Path: "/opt/sentech/xml/Camera A.xml"},
		},
		{
			name: "File Windows形式",
			raw:  "File:///C|/Program Files/cam.xml",
			want: PortURL{Scheme: SchemeFile, Path: "C:/Program Files/cam.xml"},
		},
		{
			name: "HTTP",
			raw:  "http://www.example.com/cam.zip",
			want: PortURL{Scheme: SchemeHTTP, Path: "//www.example.com/cam.zip"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePortURL(tt.raw)
			require.NoError(t, err)
			tt.want.Raw = tt.raw
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePortURLErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "スキームなし", raw: "Camera.xml"},
		{name: "要素不足", raw: "Local:Camera.xml;1000"},
		{name: "アドレス不正", raw: "Local:Camera.xml;XYZ;100"},
		{name: "長さ0", raw: "Local:Camera.xml;1000;0"},
		{name: "未知のスキーム", raw: "ftp://host/cam.xml"},
		{name: "パスなし", raw: "file://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePortURL(tt.raw)
			assert.Error(t, err)
		})
	}

	_, err := ParsePortURL("ftp://host/cam.xml")
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestExtractXML(t *testing.T) {
	doc := []byte(`<RegisterDescription></RegisterDescription>`)

	t.Run("平文のXMLは末尾のNULを除去する", func(t *testing.T) {
		data := append(append([]byte{}, doc...), 0, 0, 0)
		got, err := ExtractXML("Camera.xml", data)
		require.NoError(t, err)
		assert.Equal(t, doc, got)
	})

	t.Run("ZIPを展開する", func(t *testing.T) {
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		w, err := zw.Create("readme.txt")
		require.NoError(t, err)
		_, err = w.Write([]byte("hello"))
		require.NoError(t, err)
		w, err = zw.Create("Camera.xml")
		require.NoError(t, err)
		_, err = w.Write(doc)
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		got, err := ExtractXML("Camera.zip", buf.Bytes())
		require.NoError(t, err)
		assert.Equal(t, doc, got)

		// ファイル名に拡張子がなくてもマジックナンバーで判定する
		got, err = ExtractXML("", buf.Bytes())
		require.NoError(t, err)
		assert.Equal(t, doc, got)
	})

	t.Run("XMLを含まないZIP", func(t *testing.T) {
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		_, err := zw.Create("readme.txt")
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		_, err = ExtractXML("Camera.zip", buf.Bytes())
		assert.Error(t, err)
	})

	t.Run("壊れたZIP", func(t *testing.T) {
		_, err := ExtractXML("Camera.zip", []byte("not a zip"))
		assert.Error(t, err)
	})
}

func TestErrorIs(t *testing.T) {
	err := newError("EventGetData", codeTimeout, "")
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrNotAvailable))
	assert.Contains(t, err.Error(), "GC_ERR_TIMEOUT")

	err = newError("IFOpenDevice", codeResourceInUse, "busy")
	assert.True(t, errors.Is(err, ErrAccessDenied))
	assert.Contains(t, err.Error(), "busy")

	assert.NoError(t, newError("GCInitLib", codeSuccess, ""))
}
