package genapi

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testXML = `<?xml version="1.0" encoding="utf-8"?>
<RegisterDescription ModelName="SimCam" VendorName="Test" StandardNameSpace="None">
  <Category Name="Root">
    <pFeature>ImageFormatControl</pFeature>
  </Category>
  <Group Comment="ImageFormat">
    <Integer Name="Width">
      <pValue>WidthReg</pValue>
      <Min>16</Min>
      <pMax>WidthMax</pMax>
      <Inc>4</Inc>
    </Integer>
    <IntReg Name="WidthReg">
      <Address>0x100</Address>
      <Length>4</Length>
      <AccessMode>RW</AccessMode>
      <pPort>Device</pPort>
      <Sign>Unsigned</Sign>
      <Endianess>LittleEndian</Endianess>
    </IntReg>
    <Integer Name="WidthMax">
      <Value>1920</Value>
    </Integer>
    <Integer Name="Height">
      <Value>1080</Value>
    </Integer>
    <Enumeration Name="PixelFormat">
      <EnumEntry Name="PixelFormat_BayerRG8">
        <Value>0x01080009</Value>
      </EnumEntry>
      <EnumEntry Name="PixelFormat_BayerRG10">
        <Value>0x0110000D</Value>
      </EnumEntry>
      <EnumEntry Name="PixelFormat_BayerRG10p">
        <Value>0x010A0058</Value>
      </EnumEntry>
      <EnumEntry Name="PixelFormat_BayerRG12">
        <Value>0x01100011</Value>
      </EnumEntry>
      <EnumEntry Name="PixelFormat_BayerRG12p">
        <Value>0x010C0059</Value>
      </EnumEntry>
      <EnumEntry Name="PixelFormat_RGB8">
        <pIsAvailable>RGBAvailable</pIsAvailable>
        <Value>0x02180014</Value>
      </EnumEntry>
      <pValue>PixelFormatReg</pValue>
    </Enumeration>
    <IntReg Name="PixelFormatReg">
      <Address>0x104</Address>
      <Length>4</Length>
      <AccessMode>RW</AccessMode>
      <pPort>Device</pPort>
      <Endianess>LittleEndian</Endianess>
    </IntReg>
    <Integer Name="RGBAvailable">
      <Value>0</Value>
    </Integer>
  </Group>
  <MaskedIntReg Name="ReverseXReg">
    <Address>0x108</Address>
    <Length>4</Length>
    <AccessMode>RW</AccessMode>
    <pPort>Device</pPort>
    <Bit>3</Bit>
    <Endianess>LittleEndian</Endianess>
  </MaskedIntReg>
  <Boolean Name="ReverseX">
    <pValue>ReverseXReg</pValue>
  </Boolean>
  <Command Name="AcquisitionStart">
    <pValue>AcqStartReg</pValue>
    <CommandValue>1</CommandValue>
  </Command>
  <IntReg Name="AcqStartReg">
    <Address>0x10C</Address>
    <Length>4</Length>
    <AccessMode>WO</AccessMode>
    <pPort>Device</pPort>
    <Endianess>LittleEndian</Endianess>
  </IntReg>
  <Float Name="ExposureTime">
    <pValue>ExposureReg</pValue>
    <Min>10</Min>
    <Max>1000000</Max>
    <Unit>us</Unit>
  </Float>
  <FloatReg Name="ExposureReg">
    <Address>0x110</Address>
    <Length>8</Length>
    <AccessMode>RW</AccessMode>
    <pPort>Device</pPort>
    <Endianess>LittleEndian</Endianess>
  </FloatReg>
  <IntSwissKnife Name="PayloadSize">
    <pVariable Name="W">Width</pVariable>
    <pVariable Name="H">Height</pVariable>
    <Formula>W*H</Formula>
  </IntSwissKnife>
  <IntSwissKnife Name="AlignedWidth">
    <pVariable Name="W">Width</pVariable>
    <Formula>(W/12)*12</Formula>
  </IntSwissKnife>
  <SwissKnife Name="WidthRatio">
    <pVariable Name="W">Width</pVariable>
    <Formula>(W/12)*12</Formula>
  </SwissKnife>
  <StringReg Name="DeviceModelName">
    <Address>0x200</Address>
    <Length>16</Length>
    <AccessMode>RO</AccessMode>
    <pPort>Device</pPort>
  </StringReg>
</RegisterDescription>`

// newTestMap はテスト用のレジスタ初期値を持つ NodeMap を作成する
func newTestMap(t *testing.T) (*NodeMap, *MemoryPort) {
	t.Helper()

	port := NewMemoryPort(0, 0x300)
	le := binary.LittleEndian

	b := make([]byte, 4)
	le.PutUint32(b, 1920)
	require.NoError(t, port.Poke(0x100, b))
	le.PutUint32(b, 0x01080009)
	require.NoError(t, port.Poke(0x104, b))
	require.NoError(t, port.Poke(0x200, []byte("SimCam")))

	m, err := Parse([]byte(testXML), port)
	require.NoError(t, err)
	return m, port
}

func TestParse(t *testing.T) {
	m, _ := newTestMap(t)

	assert.True(t, m.Has("Width"))
	assert.True(t, m.Has("PixelFormatReg"), "Group 内のノードも検出されるべき")
	assert.False(t, m.Has("Missing"))

	kind, err := m.Kind("PixelFormat")
	require.NoError(t, err)
	assert.Equal(t, KindEnumeration, kind)

	names := m.Names()
	require.NotEmpty(t, names)
	assert.Equal(t, "Root", names[0], "記述順で返すべき")
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		xml  string
	}{
		{
			name: "ルート要素が違う",
			xml:  `<Foo><Integer Name="A"><Value>1</Value></Integer></Foo>`,
		},
		{
			name: "ノード名の重複",
			xml:  `<RegisterDescription><Integer Name="A"><Value>1</Value></Integer><Integer Name="A"><Value>2</Value></Integer></RegisterDescription>`,
		},
		{
			name: "EnumEntry に Value がない",
			xml:  `<RegisterDescription><Enumeration Name="E"><EnumEntry Name="E_A"></EnumEntry></Enumeration></RegisterDescription>`,
		},
		{
			name: "不正な数式",
			xml:  `<RegisterDescription><SwissKnife Name="S"><Formula>1 +</Formula></SwissKnife></RegisterDescription>`,
		},
		{
			name: "不正なXML",
			xml:  `<RegisterDescription>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.xml), NewMemoryPort(0, 16))
			assert.Error(t, err)
		})
	}

	_, err := Parse([]byte(testXML), nil)
	assert.Error(t, err, "Port なしはエラーになるべき")
}

func TestEnumerationSymbolics(t *testing.T) {
	m, _ := newTestMap(t)

	pf, err := m.Enumeration("PixelFormat")
	require.NoError(t, err)

	want := []string{"BayerRG8", "BayerRG10", "BayerRG10p", "BayerRG12", "BayerRG12p"}
	if diff := cmp.Diff(want, pf.Symbolics()); diff != "" {
		t.Errorf("Symbolics() mismatch (-want +got):\n%s", diff)
	}

	value, err := pf.Value()
	require.NoError(t, err)
	assert.Equal(t, "BayerRG8", value)
}

func TestEnumerationSetValue(t *testing.T) {
	m, port := newTestMap(t)

	pf, err := m.Enumeration("PixelFormat")
	require.NoError(t, err)

	require.NoError(t, pf.SetValue("BayerRG12p"))

	v, err := pf.IntValue()
	require.NoError(t, err)
	assert.Equal(t, int64(0x010C0059), v)

	raw, err := port.Read(0x104, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x010C0059), binary.LittleEndian.Uint32(raw))

	err = pf.SetValue("RGB8")
	assert.True(t, errors.Is(err, ErrInvalidValue), "利用不可のエントリは選択できないべき: %v", err)

	err = pf.SetValue("Mono8")
	assert.True(t, errors.Is(err, ErrInvalidValue))

	code, ok := pf.EntryValue("RGB8")
	assert.True(t, ok)
	assert.Equal(t, int64(0x02180014), code)
}

func TestIntegerSetValue(t *testing.T) {
	tests := []struct {
		name    string
		value   int64
		wantErr error
	}{
		{name: "範囲内", value: 1000},
		{name: "最小値", value: 16},
		{name: "最大値", value: 1920},
		{name: "増分に合わない", value: 1001, wantErr: ErrInvalidValue},
		{name: "最大値超過", value: 4000, wantErr: ErrOutOfRange},
		{name: "最小値未満", value: 8, wantErr: ErrOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMap(t)
			width, err := m.Integer("Width")
			require.NoError(t, err)

			err = width.SetValue(tt.value)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "want %v, got %v", tt.wantErr, err)
				return
			}
			require.NoError(t, err)

			got, err := width.Value()
			require.NoError(t, err)
			assert.Equal(t, tt.value, got)
		})
	}
}

func TestIntegerBounds(t *testing.T) {
	m, _ := newTestMap(t)
	width, err := m.Integer("Width")
	require.NoError(t, err)

	lo, err := width.Min()
	require.NoError(t, err)
	hi, err := width.Max()
	require.NoError(t, err)
	inc, err := width.Inc()
	require.NoError(t, err)

	assert.Equal(t, int64(16), lo)
	assert.Equal(t, int64(1920), hi)
	assert.Equal(t, int64(4), inc)
}

func TestSwissKnife(t *testing.T) {
	m, _ := newTestMap(t)

	payload, err := m.Integer("PayloadSize")
	require.NoError(t, err)

	v, err := payload.Value()
	require.NoError(t, err)
	assert.Equal(t, int64(1920*1080), v)

	width, _ := m.Integer("Width")
	require.NoError(t, width.SetValue(640))

	v, err = payload.Value()
	require.NoError(t, err)
	assert.Equal(t, int64(640*1080), v, "参照先の変更が反映されるべき")

	err = payload.SetValue(1)
	assert.True(t, errors.Is(err, ErrAccessDenied))
}

func TestIntSwissKnifeIntegerDivision(t *testing.T) {
	m, _ := newTestMap(t)

	width, _ := m.Integer("Width")
	require.NoError(t, width.SetValue(644))

	aligned, err := m.Integer("AlignedWidth")
	require.NoError(t, err)
	v, err := aligned.Value()
	require.NoError(t, err)
	assert.Equal(t, int64(636), v, "除算は途中で切り捨てるべき")

	ratio, err := m.Float("WidthRatio")
	require.NoError(t, err)
	f, err := ratio.Value()
	require.NoError(t, err)
	assert.InDelta(t, 644.0, f, 1e-9, "SwissKnife は浮動小数点で評価するべき")
}

func TestCommand(t *testing.T) {
	m, port := newTestMap(t)

	var written []int64
	port.OnWrite = func(address int64, data []byte) {
		if address == 0x10C {
			written = append(written, int64(binary.LittleEndian.Uint32(data)))
		}
	}

	cmd, err := m.Command("AcquisitionStart")
	require.NoError(t, err)
	require.NoError(t, cmd.Execute())
	assert.Equal(t, []int64{1}, written)

	done, err := cmd.IsDone()
	require.NoError(t, err)
	assert.True(t, done)
}

func TestBoolean(t *testing.T) {
	m, port := newTestMap(t)

	rev, err := m.Boolean("ReverseX")
	require.NoError(t, err)

	v, err := rev.Value()
	require.NoError(t, err)
	assert.False(t, v)

	require.NoError(t, rev.SetValue(true))
	raw, err := port.Read(0x108, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(1<<3), binary.LittleEndian.Uint32(raw))

	v, err = rev.Value()
	require.NoError(t, err)
	assert.True(t, v)
}

func TestFloat(t *testing.T) {
	m, _ := newTestMap(t)

	exp, err := m.Float("ExposureTime")
	require.NoError(t, err)
	assert.Equal(t, "us", exp.Unit())

	require.NoError(t, exp.SetValue(5000))
	v, err := exp.Value()
	require.NoError(t, err)
	assert.InDelta(t, 5000.0, v, 1e-9)

	err = exp.SetValue(5)
	assert.True(t, errors.Is(err, ErrOutOfRange))
}

func TestString(t *testing.T) {
	m, _ := newTestMap(t)

	model, err := m.String("DeviceModelName")
	require.NoError(t, err)

	v, err := model.Value()
	require.NoError(t, err)
	assert.Equal(t, "SimCam", v)

	err = model.SetValue("Other")
	assert.True(t, errors.Is(err, ErrAccessDenied), "RO レジスタへは書き込めないべき")
}

func TestSetFromString(t *testing.T) {
	m, _ := newTestMap(t)

	require.NoError(t, m.SetFromString("Width", "1280"))
	require.NoError(t, m.SetFromString("PixelFormat", "BayerRG10"))
	require.NoError(t, m.SetFromString("ReverseX", "true"))
	require.NoError(t, m.SetFromString("ExposureTime", "2500.5"))
	require.NoError(t, m.SetFromString("AcquisitionStart", ""))

	tests := map[string]string{
		"Width":        "1280",
		"PixelFormat":  "BayerRG10",
		"ReverseX":     "true",
		"ExposureTime": "2500.5",
		"PayloadSize":  "1382400",
	}
	for name, want := range tests {
		got, err := m.ValueString(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	err := m.SetFromString("Width", "abc")
	assert.True(t, errors.Is(err, ErrInvalidValue))

	_, err = m.ValueString("Root")
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestLookupErrors(t *testing.T) {
	m, _ := newTestMap(t)

	_, err := m.Integer("Missing")
	assert.True(t, errors.Is(err, ErrNodeNotFound))

	_, err = m.Enumeration("Width")
	assert.True(t, errors.Is(err, ErrTypeMismatch))

	err = m.SetFromString("Missing", "1")
	assert.True(t, errors.Is(err, ErrNodeNotFound))
}

func TestMemoryPortRange(t *testing.T) {
	port := NewMemoryPort(0x1000, 8)

	_, err := port.Read(0x0FFF, 1)
	assert.Error(t, err)
	_, err = port.Read(0x1004, 8)
	assert.Error(t, err)

	require.NoError(t, port.Write(0x1004, []byte{1, 2, 3, 4}))
	b, err := port.Read(0x1004, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, b)
}
