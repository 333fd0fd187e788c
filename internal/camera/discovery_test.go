package camera

import (
	"context"
	"errors"
	"testing"

	"stccam/internal/harvester"
)

func newMockHarvester(t *testing.T) (*harvester.Harvester, *harvester.MockProducer) {
	t.Helper()
	p, err := harvester.NewDefaultMockProducer()
	if err != nil {
		t.Fatalf("NewDefaultMockProducer failed: %v", err)
	}
	h := harvester.New()
	h.AddProducer(p)
	t.Cleanup(func() { _ = h.Reset() })
	return h, p
}

func TestHarvesterDiscovery_ScanDevices(t *testing.T) {
	ctx := context.Background()
	h, _ := newMockHarvester(t)
	discovery := NewHarvesterDiscovery(h)

	serials, err := discovery.ScanDevices(ctx)
	if err != nil {
		t.Fatalf("ScanDevices failed: %v", err)
	}

	want := []string{"SIM0001", "SIM0002"}
	if len(serials) != len(want) {
		t.Fatalf("Expected %d devices, got %d", len(want), len(serials))
	}
	for i, serial := range serials {
		if serial != want[i] {
			t.Errorf("Expected serial %s, got %s", want[i], serial)
		}
	}

	if !discovery.IsDeviceAvailable(ctx, "SIM0001") {
		t.Error("Expected SIM0001 to be available")
	}
	if discovery.IsDeviceAvailable(ctx, "SIM9999") {
		t.Error("Expected SIM9999 to be unavailable")
	}

	info, err := discovery.GetDeviceInfo(ctx, "SIM0002")
	if err != nil {
		t.Fatalf("GetDeviceInfo failed: %v", err)
	}
	if info.Serial != "SIM0002" || info.Model != "SimCam" || info.Vendor != "stccam" {
		t.Errorf("Unexpected device info: %+v", info)
	}

	_, err = discovery.GetDeviceInfo(ctx, "SIM9999")
	if !errors.Is(err, harvester.ErrDeviceNotFound) {
		t.Errorf("Expected ErrDeviceNotFound, got %v", err)
	}
}

func TestHarvesterDiscovery_DeviceDetached(t *testing.T) {
	ctx := context.Background()
	h, p := newMockHarvester(t)
	discovery := NewHarvesterDiscovery(h)

	if _, err := discovery.ScanDevices(ctx); err != nil {
		t.Fatalf("ScanDevices failed: %v", err)
	}
	p.Detach("SIM0002")

	serials, err := discovery.ScanDevices(ctx)
	if err != nil {
		t.Fatalf("ScanDevices failed: %v", err)
	}
	if len(serials) != 1 || serials[0] != "SIM0001" {
		t.Errorf("Expected only SIM0001, got %v", serials)
	}
	if discovery.IsDeviceAvailable(ctx, "SIM0002") {
		t.Error("Detached device should be unavailable")
	}
}

func TestHarvesterDiscovery_NoProducer(t *testing.T) {
	discovery := NewHarvesterDiscovery(harvester.New())

	_, err := discovery.ScanDevices(context.Background())
	if !errors.Is(err, harvester.ErrNoProducer) {
		t.Errorf("Expected ErrNoProducer, got %v", err)
	}
}

func TestMockDiscovery(t *testing.T) {
	ctx := context.Background()
	mockDevices := []string{"CAM0001", "CAM0002"}
	discovery := NewMockDiscovery(mockDevices)

	// ScanDevicesのテスト
	devices, err := discovery.ScanDevices(ctx)
	if err != nil {
		t.Fatalf("ScanDevices failed: %v", err)
	}

	if len(devices) != len(mockDevices) {
		t.Fatalf("Expected %d devices, got %d", len(mockDevices), len(devices))
	}

	for i, device := range devices {
		if device != mockDevices[i] {
			t.Errorf("Expected device %s, got %s", mockDevices[i], device)
		}
	}

	// IsDeviceAvailableのテスト
	if !discovery.IsDeviceAvailable(ctx, "CAM0001") {
		t.Error("Expected CAM0001 to be available")
	}
	if discovery.IsDeviceAvailable(ctx, "CAM0099") {
		t.Error("Expected CAM0099 to be unavailable")
	}

	// GetDeviceInfoのテスト
	info, err := discovery.GetDeviceInfo(ctx, "CAM0001")
	if err != nil {
		t.Fatalf("GetDeviceInfo failed: %v", err)
	}
	if info.Name != "テストカメラ 1" {
		t.Errorf("Expected name テストカメラ 1, got %s", info.Name)
	}

	// デバイスの追加と削除
	discovery.AddDevice("CAM0003")
	discovery.AddDevice("CAM0003")
	devices, _ = discovery.ScanDevices(ctx)
	if len(devices) != 3 {
		t.Errorf("Expected 3 devices after AddDevice, got %d", len(devices))
	}

	discovery.RemoveDevice("CAM0001")
	devices, _ = discovery.ScanDevices(ctx)
	if len(devices) != 2 {
		t.Errorf("Expected 2 devices after RemoveDevice, got %d", len(devices))
	}
	if _, err := discovery.GetDeviceInfo(ctx, "CAM0001"); err == nil {
		t.Error("Expected error for removed device")
	}
}
