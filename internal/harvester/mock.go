package harvester

import (
	"archive/zip"
	"bytes"
	_ "embed"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stccam/internal/genapi"
	"stccam/internal/gentl"
	"stccam/internal/pixfmt"
)

//go:embed simcam.xml
var simcamXML []byte

// シミュレーションカメラのレジスタ配置
const (
	regVendor         = 0x0000
	regModel          = 0x0020
	regSerial         = 0x0040
	regUserID         = 0x0060
	regWidth          = 0x0100
	regHeight         = 0x0104
	regOffsetX        = 0x0108
	regOffsetY        = 0x010C
	regPixelFormat    = 0x0110
	regAcqStart       = 0x0118
	regAcqStop        = 0x011C
	regColorAvailable = 0x0120
	regTLLocked       = 0x0124
	regExposure       = 0x0128
	regGain           = 0x0130
	regFrameRate      = 0x0138
	regSensorWidth    = 0x0140
	regSensorHeight   = 0x0144
	regReverse        = 0x0148
	regAcqMode        = 0x0150
	regTemperature    = 0x0154

	regXML     = 0x10000
	stringSize = 32
)

// MockProducerPath はシミュレーションプロデューサの識別子
const MockProducerPath = "mock://simcam"

var (
	simcamZipOnce sync.Once
	simcamZip     []byte
	simcamZipErr  error
)

// zippedXML はデバイス記述をZIPに圧縮した結果を返す
func zippedXML() ([]byte, error) {
	simcamZipOnce.Do(func() {
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		w, err := zw.Create("SimCam.xml")
		if err != nil {
			simcamZipErr = err
			return
		}
		if _, err := w.Write(simcamXML); err != nil {
			simcamZipErr = err
			return
		}
		if err := zw.Close(); err != nil {
			simcamZipErr = err
			return
		}
		simcamZip = buf.Bytes()
	})
	return simcamZip, simcamZipErr
}

// Chessboard はシミュレーション画像に描くチェスボード
type Chessboard struct {
	Cols   int // 内側コーナーの列数
	Rows   int // 内側コーナーの行数
	Square int // マス目の一辺（ピクセル）
}

// MockConfig はシミュレーションカメラの設定
type MockConfig struct {
	SerialNumber string
	Model        string
	Vendor       string
	SensorWidth  int
	SensorHeight int

	// ColorProcessing が true のとき PixelFormat に RGB8 が現れる
	ColorProcessing bool

	// Board が指定されるとチェスボードを描画する
	Board *Chessboard
	// Shift はチェスボードの水平方向のずれ（ステレオの視差を模擬する）
	Shift int
}

func (c MockConfig) withDefaults() MockConfig {
	if c.Model == "" {
		c.Model = "SimCam"
	}
	if c.Vendor == "" {
		c.Vendor = "stccam"
	}
	if c.SensorWidth <= 0 {
		c.SensorWidth = 1920
	}
	if c.SensorHeight <= 0 {
		c.SensorHeight = 1080
	}
	return c
}

// MockProducer はハードウェアなしで動作するシミュレーションプロデューサ
type MockProducer struct {
	mu      sync.Mutex
	cameras []*MockCamera
	closed  bool
}

// NewMockProducer は指定した設定のカメラを持つプロデューサを作成する
func NewMockProducer(configs ...MockConfig) (*MockProducer, error) {
	p := &MockProducer{}
	for _, cfg := range configs {
		cam, err := NewMockCamera(cfg)
		if err != nil {
			return nil, err
		}
		p.cameras = append(p.cameras, cam)
	}
	return p, nil
}

// NewDefaultMockProducer は2台のシミュレーションカメラ（SIM0001 / SIM0002）を持つプロデューサを作成する
func NewDefaultMockProducer() (*MockProducer, error) {
	board := &Chessboard{Cols: 8, Rows: 4, Square: 80}
	return NewMockProducer(
		MockConfig{SerialNumber: "SIM0001", Board: board},
		MockConfig{SerialNumber: "SIM0002", Board: board, Shift: -40},
	)
}

// Cameras はシミュレーションカメラの一覧を返す
func (p *MockProducer) Cameras() []*MockCamera {
	p.mu.Lock()
	defer p.mu.Unlock()

	cams := make([]*MockCamera, len(p.cameras))
	copy(cams, p.cameras)
	return cams
}

// Attach はカメラを追加する（次の Update から列挙される）
func (p *MockProducer) Attach(cam *MockCamera) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cameras = append(p.cameras, cam)
}

// Detach はシリアル番号でカメラを取り外す
func (p *MockProducer) Detach(serial string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, cam := range p.cameras {
		if cam.cfg.SerialNumber == serial {
			p.cameras = append(p.cameras[:i], p.cameras[i+1:]...)
			return true
		}
	}
	return false
}

func (p *MockProducer) Path() string { return MockProducerPath }

func (p *MockProducer) Devices() ([]gentl.DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("プロデューサは閉じられています: %w", gentl.ErrNotAvailable)
	}
	infos := make([]gentl.DeviceInfo, 0, len(p.cameras))
	for _, cam := range p.cameras {
		infos = append(infos, cam.Info())
	}
	return infos, nil
}

func (p *MockProducer) OpenDevice(id string) (Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, cam := range p.cameras {
		if cam.id != id {
			continue
		}
		if err := cam.open(); err != nil {
			return nil, err
		}
		return &mockDevice{cam: cam}, nil
	}
	return nil, fmt.Errorf("デバイス %s: %w", id, gentl.ErrNotAvailable)
}

func (p *MockProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// MockCamera はレジスタ空間とデバイス記述を持つシミュレーションカメラ
type MockCamera struct {
	cfg  MockConfig
	id   string
	port *genapi.MemoryPort
	url  string

	mu        sync.Mutex
	opened    bool
	acquiring bool
	frameID   uint64
	lastFrame time.Time
	startedAt time.Time
}

// NewMockCamera はシミュレーションカメラを作成する
func NewMockCamera(cfg MockConfig) (*MockCamera, error) {
	cfg = cfg.withDefaults()
	if cfg.SerialNumber == "" {
		cfg.SerialNumber = strings.ToUpper(uuid.NewString()[:8])
	}

	zipped, err := zippedXML()
	if err != nil {
		return nil, fmt.Errorf("デバイス記述の圧縮に失敗: %w", err)
	}

	cam := &MockCamera{
		cfg:  cfg,
		id:   "SIM_" + cfg.SerialNumber,
		port: genapi.NewMemoryPort(0, regXML+len(zipped)),
		url:  fmt.Sprintf("Local:SimCam.zip;%X;%X", regXML, len(zipped)),
	}
	cam.port.OnWrite = cam.onWrite

	color := int64(0)
	if cfg.ColorProcessing {
		color = 1
	}
	pokes := []struct {
		addr int64
		data []byte
	}{
		{regVendor, fixedString(cfg.Vendor)},
		{regModel, fixedString(cfg.Model)},
		{regSerial, fixedString(cfg.SerialNumber)},
		{regUserID, fixedString("")},
		{regSensorWidth, u32(cfg.SensorWidth)},
		{regSensorHeight, u32(cfg.SensorHeight)},
		{regWidth, u32(cfg.SensorWidth)},
		{regHeight, u32(cfg.SensorHeight)},
		{regPixelFormat, u32(int(pixfmt.BayerRG8))},
		{regColorAvailable, u32(int(color))},
		{regFrameRate, f64(30)},
		{regExposure, f64(10000)},
		{regGain, f64(0)},
		{regTemperature, u32(425)},
		{regXML, zipped},
	}
	for _, p := range pokes {
		if err := cam.port.Poke(p.addr, p.data); err != nil {
			return nil, fmt.Errorf("レジスタの初期化に失敗: %w", err)
		}
	}
	return cam, nil
}

// Info はデバイス情報を返す
func (c *MockCamera) Info() gentl.DeviceInfo {
	c.mu.Lock()
	status := gentl.AccessStatusReadWrite
	if c.opened {
		status = gentl.AccessStatusBusy
	}
	c.mu.Unlock()

	return gentl.DeviceInfo{
		ID:              c.id,
		Vendor:          c.cfg.Vendor,
		Model:           c.cfg.Model,
		TLType:          "Custom",
		DisplayName:     c.cfg.Model + " (" + c.cfg.SerialNumber + ")",
		UserDefinedName: c.readString(regUserID),
		SerialNumber:    c.cfg.SerialNumber,
		Version:         "1.0.0",
		AccessStatus:    status,
		InterfaceID:     "SimInterface",
		Producer:        MockProducerPath,
	}
}

// SerialNumber はシリアル番号を返す
func (c *MockCamera) SerialNumber() string {
	return c.cfg.SerialNumber
}

// Port はレジスタ空間を返す
func (c *MockCamera) Port() *genapi.MemoryPort {
	return c.port
}

// IsOpen はデバイスが開かれているかを返す
func (c *MockCamera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// IsAcquiring は AcquisitionStart 済みかを返す
func (c *MockCamera) IsAcquiring() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquiring
}

func (c *MockCamera) open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return fmt.Errorf("%s は使用中です: %w", c.cfg.SerialNumber, gentl.ErrAccessDenied)
	}
	c.opened = true
	return nil
}

func (c *MockCamera) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = false
	c.acquiring = false
}

// onWrite はコマンドレジスタへの書き込みを処理する
func (c *MockCamera) onWrite(address int64, data []byte) {
	if len(data) == 0 || binary.LittleEndian.Uint32(pad4(data)) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch address {
	case regAcqStart:
		c.acquiring = true
		c.startedAt = time.Now()
		c.lastFrame = time.Time{}
	case regAcqStop:
		c.acquiring = false
	}
}

func (c *MockCamera) readInt(address int64) int {
	b, err := c.port.Read(address, 4)
	if err != nil {
		return 0
	}
	return int(binary.LittleEndian.Uint32(b))
}

func (c *MockCamera) readFloat(address int64) float64 {
	b, err := c.port.Read(address, 8)
	if err != nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func (c *MockCamera) readString(address int64) string {
	b, err := c.port.Read(address, stringSize)
	if err != nil {
		return ""
	}
	return string(bytes.TrimRight(b, "\x00"))
}

// geometry は現在のROIとピクセルフォーマット
type geometry struct {
	width, height    int
	offsetX, offsetY int
	format           pixfmt.Format
	reverseX         bool
	reverseY         bool
}

func (c *MockCamera) geometry() geometry {
	rev := c.readInt(regReverse)
	return geometry{
		width:    c.readInt(regWidth),
		height:   c.readInt(regHeight),
		offsetX:  c.readInt(regOffsetX),
		offsetY:  c.readInt(regOffsetY),
		format:   pixfmt.Format(uint32(c.readInt(regPixelFormat))),
		reverseX: rev&1 != 0,
		reverseY: rev&2 != 0,
	}
}

// render は現在の設定でフレームを1枚生成する
func (c *MockCamera) render(g geometry, frameID uint64) ([]byte, error) {
	channels := g.format.Channels()
	samples := make([]byte, g.width*g.height*channels)
	pattern := g.format.Bayer()

	// 露光時間とゲインで明るさを変える（10ms, 0dB で等倍）
	exposure := c.readFloat(regExposure)
	gain := c.readFloat(regGain)
	scale := exposure / 10000 * math.Pow(10, gain/20)

	var rgb [3]byte
	for y := 0; y < g.height; y++ {
		sy := g.offsetY + y
		if g.reverseY {
			sy = g.offsetY + g.height - 1 - y
		}
		for x := 0; x < g.width; x++ {
			sx := g.offsetX + x
			if g.reverseX {
				sx = g.offsetX + g.width - 1 - x
			}
			c.scene(sx, sy, frameID, scale, &rgb)

			i := y*g.width + x
			switch {
			case pattern != pixfmt.PatternNone:
				samples[i] = rgb[bayerChannel(pattern, x, y)]
			case channels == 3:
				copy(samples[i*3:], rgb[:])
				if g.format == pixfmt.BGR8 {
					samples[i*3], samples[i*3+2] = rgb[2], rgb[0]
				}
			case channels == 4:
				copy(samples[i*4:], rgb[:])
				samples[i*4+3] = 255
				if g.format == pixfmt.BGRa8 {
					samples[i*4], samples[i*4+2] = rgb[2], rgb[0]
				}
			default:
				samples[i] = byte((int(rgb[0])*299 + int(rgb[1])*587 + int(rgb[2])*114) / 1000)
			}
		}
	}
	return pixfmt.From8Bit(g.format, g.width, g.height, samples)
}

// scene はセンサー座標 (x, y) の色を返す
func (c *MockCamera) scene(x, y int, frameID uint64, scale float64, out *[3]byte) {
	w, h := c.cfg.SensorWidth, c.cfg.SensorHeight
	r := float64(x*255) / float64(w)
	g := float64(y*255) / float64(h)
	b := float64(128 + int(frameID%64))

	if board := c.cfg.Board; board != nil && board.Square > 0 {
		if v, ok := board.at(x, y, w, h, c.cfg.Shift+int(frameID%8)*board.Square/4); ok {
			r, g, b = v, v, v
		}
	}
	out[0] = clamp8(r * scale)
	out[1] = clamp8(g * scale)
	out[2] = clamp8(b * scale)
}

// at はチェスボード上の点なら輝度を返す
// ボードは白い余白（1マス分）に囲まれてセンサー中央に置かれる
func (b *Chessboard) at(x, y, w, h, shift int) (float64, bool) {
	cols, rows := b.Cols+1, b.Rows+1
	bw, bh := cols*b.Square, rows*b.Square
	left := (w-bw)/2 + shift
	top := (h - bh) / 2

	px, py := x-left, y-top
	if px < -b.Square || py < -b.Square || px >= bw+b.Square || py >= bh+b.Square {
		return 0, false
	}
	if px < 0 || py < 0 || px >= bw || py >= bh {
		return 255, true
	}
	if (px/b.Square+py/b.Square)%2 == 0 {
		return 20, true
	}
	return 235, true
}

// bayerChannel はBayer配列上の (x, y) が R(0) / G(1) / B(2) のどれかを返す
func bayerChannel(p pixfmt.Pattern, x, y int) int {
	idx := (y%2)*2 + x%2
	switch p {
	case pixfmt.PatternRG:
		return [4]int{0, 1, 1, 2}[idx]
	case pixfmt.PatternBG:
		return [4]int{2, 1, 1, 0}[idx]
	case pixfmt.PatternGR:
		return [4]int{1, 0, 2, 1}[idx]
	default:
		return [4]int{1, 2, 0, 1}[idx]
	}
}

// mockDevice は開かれたシミュレーションカメラ
type mockDevice struct {
	cam    *MockCamera
	mu     sync.Mutex
	closed bool
}

func (d *mockDevice) Info() gentl.DeviceInfo { return d.cam.Info() }

func (d *mockDevice) Read(address int64, length int) ([]byte, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	return d.cam.port.Read(address, length)
}

func (d *mockDevice) Write(address int64, data []byte) error {
	if err := d.check(); err != nil {
		return err
	}
	return d.cam.port.Write(address, data)
}

// XML はポートURLに従ってレジスタ空間からデバイス記述を読み出す
func (d *mockDevice) XML() ([]byte, error) {
	u, err := gentl.ParsePortURL(d.cam.url)
	if err != nil {
		return nil, err
	}
	data, err := d.Read(int64(u.Address), u.Length)
	if err != nil {
		return nil, fmt.Errorf("デバイス記述の読み出しに失敗: %w", err)
	}
	return gentl.ExtractXML(u.FileName, data)
}

func (d *mockDevice) OpenStream(bufferCount int) (Stream, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if bufferCount <= 0 {
		return nil, fmt.Errorf("バッファ数 %d は不正です", bufferCount)
	}
	return &mockStream{cam: d.cam, queued: bufferCount}, nil
}

func (d *mockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.cam.close()
	return nil
}

func (d *mockDevice) check() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("デバイスは閉じられています: %w", gentl.ErrNotAvailable)
	}
	return nil
}

// mockStream はフレームレートに合わせてフレームを生成するデータストリーム
type mockStream struct {
	cam *MockCamera

	mu      sync.Mutex
	queued  int
	started bool
	closed  bool
	geom    geometry
}

func (s *mockStream) PayloadSize() int {
	g := s.cam.geometry()
	return g.format.ImageSize(g.width, g.height)
}

func (s *mockStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("ストリームは閉じられています: %w", gentl.ErrNotAvailable)
	}
	s.geom = s.cam.geometry()
	if !s.geom.format.Known() {
		return fmt.Errorf("PixelFormat %s: %w", s.geom.format, pixfmt.ErrUnknownFormat)
	}
	s.started = true
	return nil
}

func (s *mockStream) Fetch(timeout time.Duration) (*RawBuffer, error) {
	s.mu.Lock()
	ready := s.started && !s.closed && s.queued > 0
	geom := s.geom
	s.mu.Unlock()

	cam := s.cam
	cam.mu.Lock()
	acquiring := cam.acquiring
	last := cam.lastFrame
	cam.mu.Unlock()

	if !ready || !acquiring {
		time.Sleep(timeout)
		return nil, fmt.Errorf("バッファがありません: %w", gentl.ErrTimeout)
	}

	fps := cam.readFloat(regFrameRate)
	if fps <= 0 {
		fps = 30
	}
	interval := time.Duration(float64(time.Second) / fps)
	if !last.IsZero() {
		wait := time.Until(last.Add(interval))
		if wait > timeout {
			time.Sleep(timeout)
			return nil, fmt.Errorf("次のフレームまで %v: %w", wait, gentl.ErrTimeout)
		}
		if wait > 0 {
			time.Sleep(wait)
		}
	}

	cam.mu.Lock()
	cam.frameID++
	frameID := cam.frameID
	cam.lastFrame = time.Now()
	started := cam.startedAt
	cam.mu.Unlock()

	data, err := cam.render(geom, frameID)
	if err != nil {
		return nil, fmt.Errorf("フレームの生成に失敗: %w", err)
	}

	s.mu.Lock()
	s.queued--
	s.mu.Unlock()

	now := time.Now()
	return &RawBuffer{
		BufferInfo: gentl.BufferInfo{
			Width:       geom.width,
			Height:      geom.height,
			PixelFormat: uint64(geom.format),
			FrameID:     frameID,
			Timestamp:   uint64(now.Sub(started).Nanoseconds()),
			SizeFilled:  len(data),
			Received:    now,
		},
		Data: data,
	}, nil
}

func (s *mockStream) Queue(b *RawBuffer) error {
	if b == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("ストリームは閉じられています: %w", gentl.ErrNotAvailable)
	}
	s.queued++
	return nil
}

func (s *mockStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.closed = true
	return nil
}

func fixedString(s string) []byte {
	b := make([]byte, stringSize)
	copy(b, s)
	return b
}

func u32(v int) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func f64(v float64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return b
}

func pad4(b []byte) []byte {
	if len(b) >= 4 {
		return b[:4]
	}
	out := make([]byte, 4)
	copy(out, b)
	return out
}

func clamp8(v float64) byte {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return byte(v + 0.5)
}
