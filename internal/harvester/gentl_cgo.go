//go:build cgo

package harvester

import (
	"time"

	"stccam/internal/gentl"
)

// loadGenTL は .cti ファイルをロードする
func loadGenTL(path string) (Producer, error) {
	p, err := gentl.Load(path)
	if err != nil {
		return nil, err
	}
	return &gentlProducer{p: p}, nil
}

// gentlProducer は gentl.Producer を Producer として扱うアダプタ
type gentlProducer struct {
	p *gentl.Producer
}

func (g *gentlProducer) Path() string                         { return g.p.Path() }
func (g *gentlProducer) Devices() ([]gentl.DeviceInfo, error) { return g.p.Devices() }
func (g *gentlProducer) Close() error                         { return g.p.Close() }

func (g *gentlProducer) OpenDevice(id string) (Device, error) {
	d, err := g.p.OpenDevice(id)
	if err != nil {
		return nil, err
	}
	return &gentlDevice{d: d}, nil
}

type gentlDevice struct {
	d *gentl.Device
}

func (g *gentlDevice) Info() gentl.DeviceInfo                   { return g.d.Info() }
func (g *gentlDevice) Read(address int64, n int) ([]byte, error) { return g.d.Read(address, n) }
func (g *gentlDevice) Write(address int64, data []byte) error    { return g.d.Write(address, data) }
func (g *gentlDevice) XML() ([]byte, error)                      { return g.d.XML() }
func (g *gentlDevice) Close() error                              { return g.d.Close() }

func (g *gentlDevice) OpenStream(bufferCount int) (Stream, error) {
	s, err := g.d.OpenStream(bufferCount)
	if err != nil {
		return nil, err
	}
	return &gentlStream{s: s}, nil
}

type gentlStream struct {
	s *gentl.Stream
}

func (g *gentlStream) PayloadSize() int { return g.s.PayloadSize() }
func (g *gentlStream) Start() error     { return g.s.Start() }
func (g *gentlStream) Stop() error      { return g.s.Stop() }
func (g *gentlStream) Close() error     { return g.s.Close() }

func (g *gentlStream) Fetch(timeout time.Duration) (*RawBuffer, error) {
	b, err := g.s.Fetch(timeout)
	if err != nil {
		return nil, err
	}
	return &RawBuffer{BufferInfo: b.BufferInfo, Data: b.Data, ref: b}, nil
}

func (g *gentlStream) Queue(b *RawBuffer) error {
	buf, ok := b.ref.(*gentl.Buffer)
	if !ok {
		return nil
	}
	return g.s.Queue(buf)
}
