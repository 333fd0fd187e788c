package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
)

// ErrCameraNotFound は指定されたIDのカメラが管理されていない
var ErrCameraNotFound = errors.New("カメラが見つかりません")

// DefaultCameraManager はCamera Managerのデフォルト実装
type DefaultCameraManager struct {
	discovery Discovery
	newSource SourceCreator
	cameras   map[string]*Camera
	sources   map[string]Source
	mu        sync.RWMutex

	// デフォルト設定
	defaultSettings Settings

	// 制御用
	stopCh chan struct{}
	wg     sync.WaitGroup

	// 自動検出設定
	autoDiscovery bool
	scanInterval  time.Duration
}

// NewDefaultCameraManager は新しいDefaultCameraManagerを作成する
func NewDefaultCameraManager(discovery Discovery, newSource SourceCreator, defaultSettings Settings) *DefaultCameraManager {
	return &DefaultCameraManager{
		discovery:       discovery,
		newSource:       newSource,
		cameras:         make(map[string]*Camera),
		sources:         make(map[string]Source),
		defaultSettings: defaultSettings,
		stopCh:          make(chan struct{}),
		autoDiscovery:   true,
		scanInterval:    30 * time.Second, // 30秒間隔で自動スキャン
	}
}

// Start はカメラマネージャーを開始する
func (m *DefaultCameraManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 初期スキャンを実行
	if _, err := m.performDiscovery(ctx); err != nil {
		return fmt.Errorf("初期スキャンに失敗: %w", err)
	}

	// 自動検出が有効な場合、バックグラウンドスキャンを開始
	if m.autoDiscovery && m.scanInterval > 0 {
		m.wg.Add(1)
		go m.backgroundScan(ctx)
	}

	log.WithField("cameras", len(m.cameras)).Info("カメラマネージャーを開始しました")
	return nil
}

// Stop はカメラマネージャーを停止する
func (m *DefaultCameraManager) Stop(ctx context.Context) error {
	// バックグラウンドスキャンを停止（スキャン中のロック待ちを避けるため先に行う）
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	// 全映像ソースを停止
	var stopErrors []error
	for id, source := range m.sources {
		if err := source.Stop(ctx); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("カメラ %s の停止に失敗: %w", id, err))
		}
	}

	// リソースをクリア
	m.cameras = make(map[string]*Camera)
	m.sources = make(map[string]Source)
	m.stopCh = make(chan struct{})

	if len(stopErrors) > 0 {
		return fmt.Errorf("一部のカメラ停止に失敗: %w", errors.Join(stopErrors...))
	}
	return nil
}

// GetCameras は現在管理されているカメラ一覧を取得する
func (m *DefaultCameraManager) GetCameras() []Camera {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cameras := make([]Camera, 0, len(m.cameras))
	for id, cam := range m.cameras {
		cameras = append(cameras, m.snapshot(id, cam))
	}
	return cameras
}

// GetCamera は指定されたIDのカメラを取得する
func (m *DefaultCameraManager) GetCamera(id string) (*Camera, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cam, exists := m.cameras[id]
	if !exists {
		return nil, false
	}
	result := m.snapshot(id, cam)
	return &result, true
}

// FindBySerial はシリアル番号でカメラを探す
func (m *DefaultCameraManager) FindBySerial(serial string) (*Camera, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, cam := range m.cameras {
		if cam.Serial == serial {
			result := m.snapshot(id, cam)
			return &result, true
		}
	}
	return nil, false
}

// GetCameraSource は指定されたIDの映像ソースを取得する
func (m *DefaultCameraManager) GetCameraSource(id string) (Source, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	source, exists := m.sources[id]
	return source, exists
}

// snapshot は映像ソースの状態を反映したコピーを返す（ロック済み前提）
func (m *DefaultCameraManager) snapshot(id string, cam *Camera) Camera {
	result := *cam
	if source, ok := m.sources[id]; ok {
		result.Status = source.GetStatus()
		result.Settings = source.GetCurrentSettings()
	}
	return result
}

// AddCamera はカメラを動的に追加する
func (m *DefaultCameraManager) AddCamera(ctx context.Context, serial string, settings Settings) (*Camera, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// デバイスの利用可能性をチェック
	if !m.discovery.IsDeviceAvailable(ctx, serial) {
		return nil, fmt.Errorf("デバイスが利用できません: %s", serial)
	}

	// 既に同じデバイスが登録されているかチェック
	for _, cam := range m.cameras {
		if cam.Serial == serial {
			return nil, fmt.Errorf("デバイス %s は既に追加されています", serial)
		}
	}

	cam, err := m.addCameraInternal(ctx, serial, settings)
	if err != nil {
		return nil, fmt.Errorf("デバイス情報の取得に失敗: %w", err)
	}
	result := *cam
	return &result, nil
}

// RemoveCamera はカメラを削除する
func (m *DefaultCameraManager) RemoveCamera(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cameras[id]; !exists {
		return fmt.Errorf("%s: %w", id, ErrCameraNotFound)
	}

	// カメラが動作中の場合は停止
	source := m.sources[id]
	if source.GetStatus() == StatusActive {
		if err := source.Stop(ctx); err != nil {
			return fmt.Errorf("カメラの停止に失敗: %w", err)
		}
	}

	delete(m.cameras, id)
	delete(m.sources, id)
	return nil
}

// StartCamera はカメラを開始する
func (m *DefaultCameraManager) StartCamera(ctx context.Context, id string) error {
	m.mu.RLock()
	source, exists := m.sources[id]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%s: %w", id, ErrCameraNotFound)
	}

	if err := source.Start(ctx); err != nil {
		return err
	}
	m.touch(id)
	return nil
}

// StopCamera はカメラを停止する
func (m *DefaultCameraManager) StopCamera(ctx context.Context, id string) error {
	m.mu.RLock()
	source, exists := m.sources[id]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%s: %w", id, ErrCameraNotFound)
	}

	if err := source.Stop(ctx); err != nil {
		return err
	}
	m.touch(id)
	return nil
}

func (m *DefaultCameraManager) touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cam, ok := m.cameras[id]; ok {
		cam.LastSeen = time.Now()
	}
}

// DiscoverCameras はシステム内のカメラデバイスを再検出する
func (m *DefaultCameraManager) DiscoverCameras(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.performDiscovery(ctx)
}

// performDiscovery は実際の検出処理を実行する（ロック済み前提）
func (m *DefaultCameraManager) performDiscovery(ctx context.Context) ([]string, error) {
	serials, err := m.discovery.ScanDevices(ctx)
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(serials))
	for _, serial := range serials {
		present[serial] = true
	}

	now := time.Now()
	registered := make(map[string]bool, len(m.cameras))
	for _, cam := range m.cameras {
		registered[cam.Serial] = true
		if present[cam.Serial] {
			cam.LastSeen = now
		}
	}

	// 新しく検出されたデバイスを自動追加
	for _, serial := range serials {
		if registered[serial] {
			continue
		}
		cam, err := m.addCameraInternal(ctx, serial, m.defaultSettings)
		if err != nil {
			log.WithError(err).WithField("serial", serial).Warn("カメラの自動追加に失敗")
			continue
		}
		log.WithFields(log.Fields{
			"id":     cam.ID,
			"serial": serial,
		}).Info("カメラを追加しました")
	}

	// 存在しなくなったデバイスを削除
	for id, cam := range m.cameras {
		if present[cam.Serial] {
			continue
		}
		m.removeCameraInternal(ctx, id)
		log.WithField("serial", cam.Serial).Info("カメラが見つからなくなったため削除しました")
	}

	return serials, nil
}

// addCameraInternal は内部でカメラを追加する（ロック済み前提）
func (m *DefaultCameraManager) addCameraInternal(ctx context.Context, serial string, settings Settings) (*Camera, error) {
	info, err := m.discovery.GetDeviceInfo(ctx, serial)
	if err != nil {
		return nil, err
	}

	cam := &Camera{
		ID:       uuid.New().String(),
		Name:     info.Name,
		Serial:   serial,
		Vendor:   info.Vendor,
		Model:    info.Model,
		Settings: settings,
		Status:   StatusInactive,
		LastSeen: time.Now(),
	}

	m.cameras[cam.ID] = cam
	m.sources[cam.ID] = m.newSource(cam)
	return cam, nil
}

// removeCameraInternal は内部でカメラを削除する（ロック済み前提）
func (m *DefaultCameraManager) removeCameraInternal(ctx context.Context, id string) {
	source, exists := m.sources[id]
	if !exists {
		return
	}

	// カメラが動作中の場合は停止
	if source.GetStatus() == StatusActive {
		if err := source.Stop(ctx); err != nil {
			log.WithError(err).WithField("id", id).Warn("カメラの停止に失敗")
		}
	}

	delete(m.cameras, id)
	delete(m.sources, id)
}

// backgroundScan は定期的なデバイススキャンを実行する
func (m *DefaultCameraManager) backgroundScan(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if _, err := m.performDiscovery(ctx); err != nil {
				log.WithError(err).Warn("デバイスの定期スキャンに失敗")
			}
			m.mu.Unlock()
		}
	}
}

// SetAutoDiscovery は自動検出の有効/無効を設定する
func (m *DefaultCameraManager) SetAutoDiscovery(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoDiscovery = enabled
}

// SetScanInterval はスキャン間隔を設定する
func (m *DefaultCameraManager) SetScanInterval(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanInterval = interval
}
