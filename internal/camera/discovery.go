package camera

import (
	"context"
	"fmt"
	"sync"

	"stccam/internal/gentl"
	"stccam/internal/harvester"
)

// HarvesterDiscovery は GenTL プロデューサ経由でカメラを検出する
type HarvesterDiscovery struct {
	h *harvester.Harvester
}

// NewHarvesterDiscovery は新しい HarvesterDiscovery を作成する
func NewHarvesterDiscovery(h *harvester.Harvester) Discovery {
	return &HarvesterDiscovery{h: h}
}

// ScanDevices はデバイス一覧を更新し、シリアル番号を列挙順に返す
func (d *HarvesterDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	if err := d.h.Update(ctx); err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	var serials []string
	for _, info := range d.h.DeviceInfoList() {
		// シリアル番号のないデバイスは指定できないので除外
		if info.SerialNumber == "" {
			continue
		}
		serials = append(serials, info.SerialNumber)
	}
	return serials, nil
}

// IsDeviceAvailable は直近のスキャン結果にデバイスがあるかチェックする
// 他のプロセスが開いているデバイスも一覧には残る
func (d *HarvesterDiscovery) IsDeviceAvailable(_ context.Context, serial string) bool {
	_, ok := d.find(serial)
	return ok
}

// GetDeviceInfo はデバイスの詳細情報を取得する
func (d *HarvesterDiscovery) GetDeviceInfo(_ context.Context, serial string) (*DeviceInfo, error) {
	info, ok := d.find(serial)
	if !ok {
		return nil, fmt.Errorf("デバイスが見つかりません: %s: %w", serial, harvester.ErrDeviceNotFound)
	}
	return deviceInfoFrom(info), nil
}

func (d *HarvesterDiscovery) find(serial string) (gentl.DeviceInfo, bool) {
	for _, info := range d.h.DeviceInfoList() {
		if info.SerialNumber == serial {
			return info, true
		}
	}
	return gentl.DeviceInfo{}, false
}

func deviceInfoFrom(info gentl.DeviceInfo) *DeviceInfo {
	name := info.DisplayName
	if name == "" {
		name = fmt.Sprintf("%s %s (%s)", info.Vendor, info.Model, info.SerialNumber)
	}
	return &DeviceInfo{
		Serial:       info.SerialNumber,
		Name:         name,
		Vendor:       info.Vendor,
		Model:        info.Model,
		TLType:       info.TLType,
		Producer:     info.Producer,
		AccessStatus: info.AccessStatus,
	}
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	mu          sync.RWMutex
	devices     []string
	deviceInfos map[string]*DeviceInfo
	scanErr     error
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(serials []string) *MockDiscovery {
	m := &MockDiscovery{deviceInfos: make(map[string]*DeviceInfo)}
	for _, serial := range serials {
		m.AddDevice(serial)
	}
	return m
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.scanErr != nil {
		return nil, m.scanErr
	}
	out := make([]string, len(m.devices))
	copy(out, m.devices)
	return out, nil
}

// IsDeviceAvailable はモックデバイスが利用可能かチェックする
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, serial string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.deviceInfos[serial]
	return ok
}

// GetDeviceInfo はモックデバイス情報を取得する
func (m *MockDiscovery) GetDeviceInfo(_ context.Context, serial string) (*DeviceInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, exists := m.deviceInfos[serial]
	if !exists {
		return nil, fmt.Errorf("デバイスが見つかりません: %s: %w", serial, harvester.ErrDeviceNotFound)
	}

	// コピーを返す
	result := *info
	return &result, nil
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockDiscovery) AddDevice(serial string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deviceInfos[serial]; ok {
		return
	}

	m.devices = append(m.devices, serial)
	m.deviceInfos[serial] = &DeviceInfo{
		Serial:       serial,
		Name:         fmt.Sprintf("テストカメラ %d", len(m.devices)),
		Vendor:       "Mock",
		Model:        "MockCam",
		TLType:       "Mock",
		AccessStatus: gentl.AccessStatusReadWrite,
	}
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockDiscovery) RemoveDevice(serial string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.devices {
		if d == serial {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			break
		}
	}
	delete(m.deviceInfos, serial)
}

// SetScanError は ScanDevices が返すエラーを設定する
func (m *MockDiscovery) SetScanError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanErr = err
}
