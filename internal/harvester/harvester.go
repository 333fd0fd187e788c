package harvester

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"

	"stccam/internal/genapi"
	"stccam/internal/gentl"
)

const (
	defaultBufferCount  = 4
	defaultFetchTimeout = 3 * time.Second
)

// device は列挙されたデバイスと提供元プロデューサの組
type device struct {
	info     gentl.DeviceInfo
	producer Producer
}

// Harvester は GenTL プロデューサとデバイスを管理するコンシューマ
type Harvester struct {
	loader       Loader
	bufferCount  int
	fetchTimeout time.Duration

	mu        sync.Mutex
	files     []string
	loaded    map[string]Producer
	attached  []Producer
	devices   []device
	acquirers map[*ImageAcquirer]struct{}
}

// Option は Harvester の設定
type Option func(*Harvester)

// WithLoader はプロデューサのロード方法を差し替える
func WithLoader(loader Loader) Option {
	return func(h *Harvester) {
		h.loader = loader
	}
}

// WithBufferCount はストリームに確保するバッファ数を設定する
func WithBufferCount(n int) Option {
	return func(h *Harvester) {
		if n > 0 {
			h.bufferCount = n
		}
	}
}

// WithFetchTimeout は Fetch の待ち時間を設定する
func WithFetchTimeout(d time.Duration) Option {
	return func(h *Harvester) {
		if d > 0 {
			h.fetchTimeout = d
		}
	}
}

// New は新しい Harvester を作成する
func New(opts ...Option) *Harvester {
	h := &Harvester{
		loader:       loadGenTL,
		bufferCount:  defaultBufferCount,
		fetchTimeout: defaultFetchTimeout,
		loaded:       make(map[string]Producer),
		acquirers:    make(map[*ImageAcquirer]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddFile は .cti ファイルを登録する
func (h *Harvester) AddFile(path string) error {
	if !strings.EqualFold(filepath.Ext(path), ".cti") {
		return fmt.Errorf("%s は .cti ファイルではありません", path)
	}
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s が見つかりません: %w", path, err)
	}
	if st.IsDir() {
		return fmt.Errorf("%s はディレクトリです", path)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, f := range h.files {
		if f == path {
			return fmt.Errorf("%s: %w", path, ErrDuplicateFile)
		}
	}
	h.files = append(h.files, path)
	return nil
}

// RemoveFile は .cti ファイルの登録を解除し、ロード済みなら閉じる
func (h *Harvester) RemoveFile(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := -1
	for i, f := range h.files {
		if f == path {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%s は登録されていません", path)
	}
	h.files = append(h.files[:idx], h.files[idx+1:]...)

	if p, ok := h.loaded[path]; ok {
		delete(h.loaded, path)
		h.dropDevices(p)
		if err := p.Close(); err != nil {
			return fmt.Errorf("プロデューサ %s のクローズに失敗: %w", path, err)
		}
	}
	return nil
}

// dropDevices は指定プロデューサのデバイスを一覧から除く（ロック済み前提）
func (h *Harvester) dropDevices(p Producer) {
	kept := h.devices[:0]
	for _, d := range h.devices {
		if d.producer != p {
			kept = append(kept, d)
		}
	}
	h.devices = kept
}

// Files は登録済みの .cti ファイル一覧を返す
func (h *Harvester) Files() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	files := make([]string, len(h.files))
	copy(files, h.files)
	return files
}

// AddProducer はロード済みのプロデューサを直接登録する
// シミュレーションカメラやテストで使用する
func (h *Harvester) AddProducer(p Producer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attached = append(h.attached, p)
}

// producers はロード済みのプロデューサを登録順に返す（ロック済み前提）
func (h *Harvester) producers() []Producer {
	ps := make([]Producer, 0, len(h.files)+len(h.attached))
	for _, f := range h.files {
		if p, ok := h.loaded[f]; ok {
			ps = append(ps, p)
		}
	}
	return append(ps, h.attached...)
}

// Update は未ロードのプロデューサをロードし、デバイス一覧を更新する
func (h *Harvester) Update(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.files) == 0 && len(h.attached) == 0 {
		return ErrNoProducer
	}

	for _, f := range h.files {
		if _, ok := h.loaded[f]; ok {
			continue
		}
		p, err := h.loader(f)
		if err != nil {
			return fmt.Errorf("プロデューサ %s のロードに失敗: %w", f, err)
		}
		h.loaded[f] = p
		log.WithField("producer", f).Debug("GenTL プロデューサをロードしました")
	}

	var devices []device
	for _, p := range h.producers() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		infos, err := p.Devices()
		if err != nil {
			return fmt.Errorf("プロデューサ %s のデバイス列挙に失敗: %w", p.Path(), err)
		}
		for _, info := range infos {
			devices = append(devices, device{info: info, producer: p})
		}
	}
	h.devices = devices

	log.WithField("devices", len(devices)).Debug("デバイス一覧を更新しました")
	return nil
}

// DeviceInfoList は最後の Update で列挙したデバイス情報を返す
func (h *Harvester) DeviceInfoList() []gentl.DeviceInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	infos := make([]gentl.DeviceInfo, len(h.devices))
	for i, d := range h.devices {
		infos[i] = d.info
	}
	return infos
}

// Create は選択条件に一致するデバイスを開いて ImageAcquirer を作成する
func (h *Harvester) Create(ctx context.Context, sel Selector) (*ImageAcquirer, error) {
	h.mu.Lock()
	if len(h.devices) == 0 {
		h.mu.Unlock()
		return nil, ErrNoDevice
	}
	d, err := sel.find(h.devices)
	bufferCount, timeout := h.bufferCount, h.fetchTimeout
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dev, err := d.producer.OpenDevice(d.info.ID)
	if err != nil {
		return nil, fmt.Errorf("デバイス %s を開けません: %w", d.info.DisplayName, err)
	}

	xml, err := dev.XML()
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("デバイス記述の取得に失敗: %w", err)
	}
	nodeMap, err := genapi.Parse(xml, dev)
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("デバイス記述の解析に失敗: %w", err)
	}

	ia := &ImageAcquirer{
		h:           h,
		info:        d.info,
		dev:         dev,
		remote:      &RemoteDevice{nodeMap: nodeMap},
		bufferCount: bufferCount,
		timeout:     timeout,
	}

	h.mu.Lock()
	h.acquirers[ia] = struct{}{}
	h.mu.Unlock()

	log.WithFields(log.Fields{
		"device": d.info.DisplayName,
		"serial": d.info.SerialNumber,
	}).Info("カメラを開きました")
	return ia, nil
}

// forget は破棄された ImageAcquirer を管理対象から外す
func (h *Harvester) forget(ia *ImageAcquirer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.acquirers, ia)
}

// Reset は全ての ImageAcquirer を破棄し、プロデューサを閉じて登録を消去する
func (h *Harvester) Reset() error {
	h.mu.Lock()
	acquirers := make([]*ImageAcquirer, 0, len(h.acquirers))
	for ia := range h.acquirers {
		acquirers = append(acquirers, ia)
	}
	h.mu.Unlock()

	var errs []error
	for _, ia := range acquirers {
		if err := ia.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, p := range h.producers() {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("プロデューサ %s のクローズに失敗: %w", p.Path(), err))
		}
	}
	h.files = nil
	h.loaded = make(map[string]Producer)
	h.attached = nil
	h.devices = nil

	if len(errs) > 0 {
		return fmt.Errorf("リセット中にエラーが発生: %v", errs)
	}
	return nil
}

// Selector はデバイスの選択条件
// 文字列の条件が1つでも指定されていれば、それら全てに一致する最初のデバイスを選ぶ
// 指定がなければ Index 番目のデバイスを選ぶ
type Selector struct {
	Index           int
	ID              string
	SerialNumber    string
	Model           string
	Vendor          string
	UserDefinedName string
}

// Index はインデックスで選択する
func Index(i int) Selector {
	return Selector{Index: i}
}

// Serial はシリアル番号で選択する
func Serial(serial string) Selector {
	return Selector{SerialNumber: serial}
}

// String は選択条件を表示用に整形する
func (s Selector) String() string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add("id", s.ID)
	add("serial", s.SerialNumber)
	add("model", s.Model)
	add("vendor", s.Vendor)
	add("user_defined_name", s.UserDefinedName)
	if len(parts) == 0 {
		return fmt.Sprintf("index=%d", s.Index)
	}
	return strings.Join(parts, ",")
}

func (s Selector) byField() bool {
	return s.ID != "" || s.SerialNumber != "" || s.Model != "" || s.Vendor != "" || s.UserDefinedName != ""
}

func (s Selector) match(info gentl.DeviceInfo) bool {
	eq := func(want, got string) bool {
		return want == "" || want == got
	}
	return eq(s.ID, info.ID) &&
		eq(s.SerialNumber, info.SerialNumber) &&
		eq(s.Model, info.Model) &&
		eq(s.Vendor, info.Vendor) &&
		eq(s.UserDefinedName, info.UserDefinedName)
}

// find は条件に一致するデバイスを返す
func (s Selector) find(devices []device) (device, error) {
	if !s.byField() {
		if s.Index < 0 || s.Index >= len(devices) {
			return device{}, fmt.Errorf("インデックス %d (台数 %d): %w", s.Index, len(devices), ErrDeviceNotFound)
		}
		return devices[s.Index], nil
	}
	for _, d := range devices {
		if s.match(d.info) {
			return d, nil
		}
	}
	return device{}, fmt.Errorf("%s: %w", s, ErrDeviceNotFound)
}
