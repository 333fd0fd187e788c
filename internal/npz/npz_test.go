package npz

import (
	"archive/zip"
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteNPYHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteNPY(&buf, Matrix([][]float64{{1, 2, 3}, {4, 5, 6}})))

	b := buf.Bytes()
	assert.True(t, bytes.HasPrefix(b, []byte("\x93NUMPY\x01\x00")))

	headerLen := int(b[8]) | int(b[9])<<8
	assert.Equal(t, 0, (10+headerLen)%64)

	header := string(b[10 : 10+headerLen])
	assert.Contains(t, header, "'descr': '<f8'")
	assert.Contains(t, header, "'shape': (2, 3)")
	assert.Equal(t, byte('\n'), header[len(header)-1])
	assert.Len(t, b, 10+headerLen+6*8)
}

func TestShapeString(t *testing.T) {
	tests := []struct {
		shape []int
		want  string
	}{
		{nil, "()"},
		{[]int{5}, "(5,)"},
		{[]int{3, 1}, "(3, 1)"},
		{[]int{2, 3, 4}, "(2, 3, 4)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shapeString(tt.shape))
	}
}

func TestReadWrite(t *testing.T) {
	entries := []Entry{
		{Name: "mtxL", Array: Matrix([][]float64{{1000, 0, 960}, {0, 1000, 540}, {0, 0, 1}})},
		{Name: "distL", Array: Matrix([][]float64{{-0.1, 0.01, 0, 0, 0.001}})},
		{Name: "T", Array: Matrix([][]float64{{-0.06}, {0.0001}, {0.002}})},
		{Name: "rms", Array: Array{Data: []float64{0.25}}},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, entries))

	f, err := Read(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	assert.Len(t, f, len(entries))

	for _, e := range entries {
		got, err := f.Get(e.Name)
		require.NoError(t, err)
		if diff := cmp.Diff(e.Array.Data, got.Data); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", e.Name, diff)
		}
		assert.Equal(t, len(e.Array.Shape), len(got.Shape), e.Name)
	}

	mtx, _ := f.Get("mtxL")
	assert.Equal(t, 540.0, mtx.At(1, 2))
	assert.Equal(t, []float64{0, 0, 1}, mtx.Rows()[2])

	_, err = f.Get("Q")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestReadNPYErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"マジック不一致", []byte("NOTNPY\x01\x00\x00\x00")},
		{"未対応の dtype", npy("{'descr': '<i4', 'fortran_order': False, 'shape': (1,), }")},
		{"fortran 順", npy("{'descr': '<f8', 'fortran_order': True, 'shape': (1,), }")},
		{"shape なし", npy("{'descr': '<f8', 'fortran_order': False, }")},
		{"負の次元", npy("{'descr': '<f8', 'fortran_order': False, 'shape': (-1,), }")},
		{"巨大な次元", npy("{'descr': '<f8', 'fortran_order': False, 'shape': (1073741824, 1073741824), }")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadNPY(bytes.NewReader(tt.data))
			assert.True(t, errors.Is(err, ErrFormat))
		})
	}

	t.Run("データ不足", func(t *testing.T) {
		data := npy("{'descr': '<f8', 'fortran_order': False, 'shape': (2,), }")
		_, err := ReadNPY(bytes.NewReader(append(data, 0, 0, 0)))
		assert.Error(t, err)
	})
}

func TestReadShapeExceedsEntry(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.CreateHeader(&zip.FileHeader{Name: "mtx.npy", Method: zip.Store})
	require.NoError(t, err)
	_, err = f.Write(npy("{'descr': '<f8', 'fortran_order': False, 'shape': (100000000,), }"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = Read(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	assert.True(t, errors.Is(err, ErrFormat))
}

func npy(header string) []byte {
	b := []byte("\x93NUMPY\x01\x00")
	b = append(b, byte(len(header)), byte(len(header)>>8))
	return append(b, header...)
}

func TestNew(t *testing.T) {
	a, err := New([]float64{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 4.0, a.At(1, 1))

	_, err = New([]float64{1, 2, 3}, 2, 2)
	assert.Error(t, err)
}
