//go:build cgo

package gentl

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdint.h>
#include <stdlib.h>

typedef int32_t GC_ERROR;
typedef void *GC_HANDLE;
typedef int32_t INFO_DATATYPE;

typedef struct {
	GC_HANDLE BufferHandle;
	void *pUserPointer;
} EVENT_NEW_BUFFER_DATA;

typedef GC_ERROR (*fn_void)(void);
typedef GC_ERROR (*fn_last_error)(GC_ERROR *, char *, size_t *);
typedef GC_ERROR (*fn_open)(GC_HANDLE *);
typedef GC_ERROR (*fn_close)(GC_HANDLE);
typedef GC_ERROR (*fn_update)(GC_HANDLE, uint8_t *, uint64_t);
typedef GC_ERROR (*fn_count)(GC_HANDLE, uint32_t *);
typedef GC_ERROR (*fn_id)(GC_HANDLE, uint32_t, char *, size_t *);
typedef GC_ERROR (*fn_open_child)(GC_HANDLE, const char *, GC_HANDLE *);
typedef GC_ERROR (*fn_dev_info)(GC_HANDLE, const char *, int32_t, INFO_DATATYPE *, void *, size_t *);
typedef GC_ERROR (*fn_open_device)(GC_HANDLE, const char *, int32_t, GC_HANDLE *);
typedef GC_ERROR (*fn_get_port)(GC_HANDLE, GC_HANDLE *);
typedef GC_ERROR (*fn_port_io)(GC_HANDLE, uint64_t, void *, size_t *);
typedef GC_ERROR (*fn_url_info)(GC_HANDLE, uint32_t, int32_t, INFO_DATATYPE *, void *, size_t *);
typedef GC_ERROR (*fn_info)(GC_HANDLE, int32_t, INFO_DATATYPE *, void *, size_t *);
typedef GC_ERROR (*fn_alloc)(GC_HANDLE, size_t, void *, GC_HANDLE *);
typedef GC_ERROR (*fn_queue)(GC_HANDLE, GC_HANDLE);
typedef GC_ERROR (*fn_flags)(GC_HANDLE, int32_t);
typedef GC_ERROR (*fn_start)(GC_HANDLE, int32_t, uint64_t);
typedef GC_ERROR (*fn_revoke)(GC_HANDLE, GC_HANDLE, void **, void **);
typedef GC_ERROR (*fn_buffer_info)(GC_HANDLE, GC_HANDLE, int32_t, INFO_DATATYPE *, void *, size_t *);
typedef GC_ERROR (*fn_register)(GC_HANDLE, int32_t, GC_HANDLE *);
typedef GC_ERROR (*fn_event_data)(GC_HANDLE, void *, size_t *, uint64_t);

typedef struct {
	void *dl;
	fn_void GCInitLib;
	fn_void GCCloseLib;
	fn_last_error GCGetLastError;
	fn_open TLOpen;
	fn_close TLClose;
	fn_update TLUpdateInterfaceList;
	fn_count TLGetNumInterfaces;
	fn_id TLGetInterfaceID;
	fn_open_child TLOpenInterface;
	fn_close IFClose;
	fn_update IFUpdateDeviceList;
	fn_count IFGetNumDevices;
	fn_id IFGetDeviceID;
	fn_dev_info IFGetDeviceInfo;
	fn_open_device IFOpenDevice;
	fn_get_port DevGetPort;
	fn_count DevGetNumDataStreams;
	fn_id DevGetDataStreamID;
	fn_open_child DevOpenDataStream;
	fn_close DevClose;
	fn_port_io GCReadPort;
	fn_port_io GCWritePort;
	fn_count GCGetNumPortURLs;
	fn_url_info GCGetPortURLInfo;
	fn_info DSGetInfo;
	fn_alloc DSAllocAndAnnounceBuffer;
	fn_queue DSQueueBuffer;
	fn_flags DSFlushQueue;
	fn_start DSStartAcquisition;
	fn_flags DSStopAcquisition;
	fn_revoke DSRevokeBuffer;
	fn_buffer_info DSGetBufferInfo;
	fn_close DSClose;
	fn_register GCRegisterEvent;
	fn_flags GCUnregisterEvent;
	fn_event_data EventGetData;
	fn_close EventKill;
} gentl_lib;

#define GENTL_SYM(lib, name) do { \
	*(void **)(&(lib)->name) = dlsym((lib)->dl, #name); \
	if ((lib)->name == NULL) return #name; \
} while (0)

static const char *gentl_load(gentl_lib *lib, const char *path) {
	lib->dl = dlopen(path, RTLD_NOW | RTLD_LOCAL);
	if (lib->dl == NULL) return "dlopen";
	GENTL_SYM(lib, GCInitLib);
	GENTL_SYM(lib, GCCloseLib);
	GENTL_SYM(lib, GCGetLastError);
	GENTL_SYM(lib, TLOpen);
	GENTL_SYM(lib, TLClose);
	GENTL_SYM(lib, TLUpdateInterfaceList);
	GENTL_SYM(lib, TLGetNumInterfaces);
	GENTL_SYM(lib, TLGetInterfaceID);
	GENTL_SYM(lib, TLOpenInterface);
	GENTL_SYM(lib, IFClose);
	GENTL_SYM(lib, IFUpdateDeviceList);
	GENTL_SYM(lib, IFGetNumDevices);
	GENTL_SYM(lib, IFGetDeviceID);
	GENTL_SYM(lib, IFGetDeviceInfo);
	GENTL_SYM(lib, IFOpenDevice);
	GENTL_SYM(lib, DevGetPort);
	GENTL_SYM(lib, DevGetNumDataStreams);
	GENTL_SYM(lib, DevGetDataStreamID);
	GENTL_SYM(lib, DevOpenDataStream);
	GENTL_SYM(lib, DevClose);
	GENTL_SYM(lib, GCReadPort);
	GENTL_SYM(lib, GCWritePort);
	GENTL_SYM(lib, GCGetNumPortURLs);
	GENTL_SYM(lib, GCGetPortURLInfo);
	GENTL_SYM(lib, DSGetInfo);
	GENTL_SYM(lib, DSAllocAndAnnounceBuffer);
	GENTL_SYM(lib, DSQueueBuffer);
	GENTL_SYM(lib, DSFlushQueue);
	GENTL_SYM(lib, DSStartAcquisition);
	GENTL_SYM(lib, DSStopAcquisition);
	GENTL_SYM(lib, DSRevokeBuffer);
	GENTL_SYM(lib, DSGetBufferInfo);
	GENTL_SYM(lib, DSClose);
	GENTL_SYM(lib, GCRegisterEvent);
	GENTL_SYM(lib, GCUnregisterEvent);
	GENTL_SYM(lib, EventGetData);
	GENTL_SYM(lib, EventKill);
	return NULL;
}

static const char *gentl_dlerror(void) { return dlerror(); }
static void gentl_unload(gentl_lib *lib) { if (lib->dl) dlclose(lib->dl); lib->dl = NULL; }

static GC_ERROR gc_init_lib(gentl_lib *l) { return l->GCInitLib(); }
static GC_ERROR gc_close_lib(gentl_lib *l) { return l->GCCloseLib(); }
static GC_ERROR gc_last_error(gentl_lib *l, GC_ERROR *code, char *buf, size_t *size) { return l->GCGetLastError(code, buf, size); }
static GC_ERROR tl_open(gentl_lib *l, GC_HANDLE *h) { return l->TLOpen(h); }
static GC_ERROR tl_close(gentl_lib *l, GC_HANDLE h) { return l->TLClose(h); }
static GC_ERROR tl_update_interfaces(gentl_lib *l, GC_HANDLE h, uint64_t timeout) { return l->TLUpdateInterfaceList(h, NULL, timeout); }
static GC_ERROR tl_num_interfaces(gentl_lib *l, GC_HANDLE h, uint32_t *n) { return l->TLGetNumInterfaces(h, n); }
static GC_ERROR tl_interface_id(gentl_lib *l, GC_HANDLE h, uint32_t i, char *buf, size_t *size) { return l->TLGetInterfaceID(h, i, buf, size); }
static GC_ERROR tl_open_interface(gentl_lib *l, GC_HANDLE h, const char *id, GC_HANDLE *out) { return l->TLOpenInterface(h, id, out); }
static GC_ERROR if_close(gentl_lib *l, GC_HANDLE h) { return l->IFClose(h); }
static GC_ERROR if_update_devices(gentl_lib *l, GC_HANDLE h, uint64_t timeout) { return l->IFUpdateDeviceList(h, NULL, timeout); }
static GC_ERROR if_num_devices(gentl_lib *l, GC_HANDLE h, uint32_t *n) { return l->IFGetNumDevices(h, n); }
static GC_ERROR if_device_id(gentl_lib *l, GC_HANDLE h, uint32_t i, char *buf, size_t *size) { return l->IFGetDeviceID(h, i, buf, size); }
static GC_ERROR if_device_info(gentl_lib *l, GC_HANDLE h, const char *id, int32_t cmd, INFO_DATATYPE *t, void *buf, size_t *size) { return l->IFGetDeviceInfo(h, id, cmd, t, buf, size); }
static GC_ERROR if_open_device(gentl_lib *l, GC_HANDLE h, const char *id, int32_t flags, GC_HANDLE *out) { return l->IFOpenDevice(h, id, flags, out); }
static GC_ERROR dev_get_port(gentl_lib *l, GC_HANDLE h, GC_HANDLE *out) { return l->DevGetPort(h, out); }
static GC_ERROR dev_num_streams(gentl_lib *l, GC_HANDLE h, uint32_t *n) { return l->DevGetNumDataStreams(h, n); }
static GC_ERROR dev_stream_id(gentl_lib *l, GC_HANDLE h, uint32_t i, char *buf, size_t *size) { return l->DevGetDataStreamID(h, i, buf, size); }
static GC_ERROR dev_open_stream(gentl_lib *l, GC_HANDLE h, const char *id, GC_HANDLE *out) { return l->DevOpenDataStream(h, id, out); }
static GC_ERROR dev_close(gentl_lib *l, GC_HANDLE h) { return l->DevClose(h); }
static GC_ERROR port_read(gentl_lib *l, GC_HANDLE h, uint64_t addr, void *buf, size_t *size) { return l->GCReadPort(h, addr, buf, size); }
static GC_ERROR port_write(gentl_lib *l, GC_HANDLE h, uint64_t addr, void *buf, size_t *size) { return l->GCWritePort(h, addr, buf, size); }
static GC_ERROR port_num_urls(gentl_lib *l, GC_HANDLE h, uint32_t *n) { return l->GCGetNumPortURLs(h, n); }
static GC_ERROR port_url_info(gentl_lib *l, GC_HANDLE h, uint32_t i, int32_t cmd, INFO_DATATYPE *t, void *buf, size_t *size) { return l->GCGetPortURLInfo(h, i, cmd, t, buf, size); }
static GC_ERROR ds_info(gentl_lib *l, GC_HANDLE h, int32_t cmd, INFO_DATATYPE *t, void *buf, size_t *size) { return l->DSGetInfo(h, cmd, t, buf, size); }
static GC_ERROR ds_alloc(gentl_lib *l, GC_HANDLE h, size_t size, GC_HANDLE *out) { return l->DSAllocAndAnnounceBuffer(h, size, NULL, out); }
static GC_ERROR ds_queue(gentl_lib *l, GC_HANDLE h, GC_HANDLE b) { return l->DSQueueBuffer(h, b); }
static GC_ERROR ds_flush(gentl_lib *l, GC_HANDLE h, int32_t op) { return l->DSFlushQueue(h, op); }
static GC_ERROR ds_start(gentl_lib *l, GC_HANDLE h, uint64_t n) { return l->DSStartAcquisition(h, 0, n); }
static GC_ERROR ds_stop(gentl_lib *l, GC_HANDLE h, int32_t flags) { return l->DSStopAcquisition(h, flags); }
static GC_ERROR ds_revoke(gentl_lib *l, GC_HANDLE h, GC_HANDLE b) { return l->DSRevokeBuffer(h, b, NULL, NULL); }
static GC_ERROR ds_buffer_info(gentl_lib *l, GC_HANDLE h, GC_HANDLE b, int32_t cmd, INFO_DATATYPE *t, void *buf, size_t *size) { return l->DSGetBufferInfo(h, b, cmd, t, buf, size); }
static GC_ERROR ds_close(gentl_lib *l, GC_HANDLE h) { return l->DSClose(h); }
static GC_ERROR gc_register_event(gentl_lib *l, GC_HANDLE h, int32_t ev, GC_HANDLE *out) { return l->GCRegisterEvent(h, ev, out); }
static GC_ERROR gc_unregister_event(gentl_lib *l, GC_HANDLE h, int32_t ev) { return l->GCUnregisterEvent(h, ev); }
static GC_ERROR event_new_buffer(gentl_lib *l, GC_HANDLE ev, GC_HANDLE *buffer, uint64_t timeout) {
	EVENT_NEW_BUFFER_DATA data;
	size_t size = sizeof(data);
	GC_ERROR err = l->EventGetData(ev, &data, &size, timeout);
	if (err == 0) *buffer = data.BufferHandle;
	return err;
}
static GC_ERROR event_kill(gentl_lib *l, GC_HANDLE ev) { return l->EventKill(ev); }
*/
import "C"

import (
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"
)

const (
	// enumerateTimeout はインターフェース・デバイス一覧更新の待ち時間（ミリ秒）
	enumerateTimeout = 1000
)

// Producer はロード済みの GenTL プロデューサ
type Producer struct {
	path string
	lib  *C.gentl_lib
	tl   C.GC_HANDLE

	mu     sync.Mutex
	ifaces map[string]C.GC_HANDLE
	owner  map[string]string // デバイスID → インターフェースID
}

// Load は .cti ファイルをロードし、ライブラリとシステムモジュールを初期化する
func Load(path string) (*Producer, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("プロデューサ %s が見つかりません: %w", path, err)
	}

	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	lib := (*C.gentl_lib)(C.calloc(1, C.sizeof_gentl_lib))
	if missing := C.gentl_load(lib, cpath); missing != nil {
		name := C.GoString(missing)
		if name == "dlopen" {
			msg := C.GoString(C.gentl_dlerror())
			C.free(unsafe.Pointer(lib))
			return nil, fmt.Errorf("プロデューサ %s のロードに失敗: %s", path, msg)
		}
		C.gentl_unload(lib)
		C.free(unsafe.Pointer(lib))
		return nil, fmt.Errorf("プロデューサ %s に %s がありません: %w", path, name, ErrUnsupported)
	}

	p := &Producer{
		path:   path,
		lib:    lib,
		ifaces: make(map[string]C.GC_HANDLE),
		owner:  make(map[string]string),
	}

	if err := p.check("GCInitLib", C.gc_init_lib(lib)); err != nil {
		p.release()
		return nil, err
	}
	var tl C.GC_HANDLE
	if err := p.check("TLOpen", C.tl_open(lib, &tl)); err != nil {
		C.gc_close_lib(lib)
		p.release()
		return nil, err
	}
	p.tl = tl

	return p, nil
}

// Path はプロデューサのファイルパスを返す
func (p *Producer) Path() string {
	return p.path
}

// release はライブラリをアンロードする
func (p *Producer) release() {
	if p.lib == nil {
		return
	}
	C.gentl_unload(p.lib)
	C.free(unsafe.Pointer(p.lib))
	p.lib = nil
}

// check は GC_ERROR を Error に変換する
func (p *Producer) check(fn string, code C.GC_ERROR) error {
	if code == 0 {
		return nil
	}
	return newError(fn, int32(code), p.lastError())
}

// lastError は GCGetLastError の説明文を取得する
func (p *Producer) lastError() string {
	var code C.GC_ERROR
	buf := make([]byte, 512)
	size := C.size_t(len(buf))
	if C.gc_last_error(p.lib, &code, (*C.char)(unsafe.Pointer(&buf[0])), &size) != 0 {
		return ""
	}
	return cString(buf)
}

// cString はNUL終端のバイト列を文字列にする
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// readString はサイズ問い合わせ付きで文字列を取得する
func readString(call func(buf unsafe.Pointer, size *C.size_t) C.GC_ERROR) (string, C.GC_ERROR) {
	var size C.size_t
	if code := call(nil, &size); code != 0 {
		return "", code
	}
	if size == 0 {
		return "", 0
	}
	buf := make([]byte, int(size))
	if code := call(unsafe.Pointer(&buf[0]), &size); code != 0 {
		return "", code
	}
	return cString(buf), 0
}

// Devices はインターフェースとデバイスの一覧を更新して列挙する
func (p *Producer) Devices() ([]DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check("TLUpdateInterfaceList", C.tl_update_interfaces(p.lib, p.tl, enumerateTimeout)); err != nil {
		return nil, err
	}

	var numIfaces C.uint32_t
	if err := p.check("TLGetNumInterfaces", C.tl_num_interfaces(p.lib, p.tl, &numIfaces)); err != nil {
		return nil, err
	}

	var devices []DeviceInfo
	for i := C.uint32_t(0); i < numIfaces; i++ {
		ifaceID, code := readString(func(buf unsafe.Pointer, size *C.size_t) C.GC_ERROR {
			return C.tl_interface_id(p.lib, p.tl, i, (*C.char)(buf), size)
		})
		if err := p.check("TLGetInterfaceID", code); err != nil {
			return nil, err
		}

		iface, err := p.openInterface(ifaceID)
		if err != nil {
			return nil, err
		}

		if err := p.check("IFUpdateDeviceList", C.if_update_devices(p.lib, iface, enumerateTimeout)); err != nil {
			return nil, err
		}

		var numDevices C.uint32_t
		if err := p.check("IFGetNumDevices", C.if_num_devices(p.lib, iface, &numDevices)); err != nil {
			return nil, err
		}

		for j := C.uint32_t(0); j < numDevices; j++ {
			devID, code := readString(func(buf unsafe.Pointer, size *C.size_t) C.GC_ERROR {
				return C.if_device_id(p.lib, iface, j, (*C.char)(buf), size)
			})
			if err := p.check("IFGetDeviceID", code); err != nil {
				return nil, err
			}

			info := p.deviceInfo(iface, devID)
			info.InterfaceID = ifaceID
			devices = append(devices, info)
			p.owner[devID] = ifaceID
		}
	}

	return devices, nil
}

// openInterface はインターフェースを開く（開いていればそれを返す）
func (p *Producer) openInterface(id string) (C.GC_HANDLE, error) {
	if h, ok := p.ifaces[id]; ok {
		return h, nil
	}

	cid := C.CString(id)
	defer C.free(unsafe.Pointer(cid))

	var h C.GC_HANDLE
	if err := p.check("TLOpenInterface", C.tl_open_interface(p.lib, p.tl, cid, &h)); err != nil {
		return nil, err
	}
	p.ifaces[id] = h
	return h, nil
}

// deviceInfo はデバイス情報を取得する（取得できない項目は空のまま）
func (p *Producer) deviceInfo(iface C.GC_HANDLE, id string) DeviceInfo {
	cid := C.CString(id)
	defer C.free(unsafe.Pointer(cid))

	str := func(cmd int32) string {
		var t C.INFO_DATATYPE
		s, code := readString(func(buf unsafe.Pointer, size *C.size_t) C.GC_ERROR {
			return C.if_device_info(p.lib, iface, cid, C.int32_t(cmd), &t, buf, size)
		})
		if code != 0 {
			return ""
		}
		return s
	}

	info := DeviceInfo{
		ID:              id,
		Vendor:          str(deviceInfoVendor),
		Model:           str(deviceInfoModel),
		TLType:          str(deviceInfoTLType),
		DisplayName:     str(deviceInfoDisplayName),
		UserDefinedName: str(deviceInfoUserDefinedName),
		SerialNumber:    str(deviceInfoSerialNumber),
		Version:         str(deviceInfoVersion),
		Producer:        p.path,
	}

	var t C.INFO_DATATYPE
	var status C.int32_t
	size := C.size_t(unsafe.Sizeof(status))
	if C.if_device_info(p.lib, iface, cid, C.int32_t(deviceInfoAccessStatus), &t, unsafe.Pointer(&status), &size) == 0 {
		info.AccessStatus = DeviceAccessStatus(status)
	}
	return info
}

// OpenDevice はデバイスを制御アクセスで開く
// 事前に Devices で列挙されている必要がある
func (p *Producer) OpenDevice(id string) (*Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ifaceID, ok := p.owner[id]
	if !ok {
		return nil, fmt.Errorf("デバイス %s は列挙されていません", id)
	}
	iface := p.ifaces[ifaceID]

	cid := C.CString(id)
	defer C.free(unsafe.Pointer(cid))

	var h, port C.GC_HANDLE
	if err := p.check("IFOpenDevice", C.if_open_device(p.lib, iface, cid, C.int32_t(deviceAccessControl), &h)); err != nil {
		return nil, fmt.Errorf("デバイス %s を開けません: %w", id, err)
	}
	if err := p.check("DevGetPort", C.dev_get_port(p.lib, h, &port)); err != nil {
		C.dev_close(p.lib, h)
		return nil, err
	}
	d := &Device{p: p, h: h, port: port}
	d.info = p.deviceInfo(iface, id)
	d.info.InterfaceID = ifaceID
	return d, nil
}

// Close はインターフェースとシステムモジュールを閉じてライブラリを解放する
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lib == nil {
		return nil
	}
	for id, h := range p.ifaces {
		C.if_close(p.lib, h)
		delete(p.ifaces, id)
	}
	err := p.check("TLClose", C.tl_close(p.lib, p.tl))
	C.gc_close_lib(p.lib)
	p.release()
	return err
}

// Device は開いたリモートデバイス
type Device struct {
	p    *Producer
	h    C.GC_HANDLE
	port C.GC_HANDLE
	info DeviceInfo
	mu   sync.Mutex
}

// Info はデバイス情報を返す
func (d *Device) Info() DeviceInfo {
	return d.info
}

// Read はリモートデバイスのレジスタを読み出す
func (d *Device) Read(address int64, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if length <= 0 {
		return nil, fmt.Errorf("無効な読み出し長: %d", length)
	}
	buf := make([]byte, length)
	size := C.size_t(length)
	if err := d.p.check("GCReadPort", C.port_read(d.p.lib, d.port, C.uint64_t(address), unsafe.Pointer(&buf[0]), &size)); err != nil {
		return nil, err
	}
	return buf[:int(size)], nil
}

// Write はリモートデバイスのレジスタへ書き込む
func (d *Device) Write(address int64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(data) == 0 {
		return nil
	}
	size := C.size_t(len(data))
	return d.p.check("GCWritePort", C.port_write(d.p.lib, d.port, C.uint64_t(address), unsafe.Pointer(&data[0]), &size))
}

// XML はデバイス記述XMLを取得する
func (d *Device) XML() ([]byte, error) {
	d.mu.Lock()
	var n C.uint32_t
	err := d.p.check("GCGetNumPortURLs", C.port_num_urls(d.p.lib, d.port, &n))
	if err == nil && n == 0 {
		err = fmt.Errorf("デバイス記述のURLがありません: %w", ErrNotAvailable)
	}
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}

	var t C.INFO_DATATYPE
	raw, code := readString(func(buf unsafe.Pointer, size *C.size_t) C.GC_ERROR {
		return C.port_url_info(d.p.lib, d.port, 0, C.int32_t(urlInfoURL), &t, buf, size)
	})
	d.mu.Unlock()
	if err := d.p.check("GCGetPortURLInfo", code); err != nil {
		return nil, err
	}

	u, err := ParsePortURL(raw)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case SchemeLocal:
		data, err := d.Read(int64(u.Address), u.Length)
		if err != nil {
			return nil, fmt.Errorf("デバイス記述の読み出しに失敗: %w", err)
		}
		return ExtractXML(u.FileName, data)
	case SchemeFile:
		data, err := os.ReadFile(u.Path)
		if err != nil {
			return nil, fmt.Errorf("デバイス記述ファイルの読み込みに失敗: %w", err)
		}
		return ExtractXML(u.Path, data)
	}
	return nil, fmt.Errorf("デバイス記述URL %s: %w", raw, ErrUnsupported)
}

// OpenStream は最初のデータストリームを開き、バッファを確保してキューに入れる
func (d *Device) OpenStream(bufferCount int) (*Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	lib := d.p.lib
	var n C.uint32_t
	if err := d.p.check("DevGetNumDataStreams", C.dev_num_streams(lib, d.h, &n)); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("データストリームがありません: %w", ErrNotAvailable)
	}

	id, code := readString(func(buf unsafe.Pointer, size *C.size_t) C.GC_ERROR {
		return C.dev_stream_id(lib, d.h, 0, (*C.char)(buf), size)
	})
	if err := d.p.check("DevGetDataStreamID", code); err != nil {
		return nil, err
	}

	cid := C.CString(id)
	defer C.free(unsafe.Pointer(cid))

	var h C.GC_HANDLE
	if err := d.p.check("DevOpenDataStream", C.dev_open_stream(lib, d.h, cid, &h)); err != nil {
		return nil, err
	}
	s := &Stream{d: d, h: h}

	if err := s.announce(bufferCount); err != nil {
		_ = s.Close()
		return nil, err
	}
	var event C.GC_HANDLE
	if err := d.p.check("GCRegisterEvent", C.gc_register_event(lib, s.h, C.int32_t(eventNewBuffer), &event)); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.event = event
	return s, nil
}

// Close はデバイスを閉じる
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.h == nil {
		return nil
	}
	err := d.p.check("DevClose", C.dev_close(d.p.lib, d.h))
	d.h = nil
	return err
}

// Stream はデバイスのデータストリーム
type Stream struct {
	d           *Device
	h           C.GC_HANDLE
	event       C.GC_HANDLE
	buffers     []C.GC_HANDLE
	payloadSize int
	started     bool
}

// Buffer はプロデューサから受け取ったバッファ
// Data はGoのメモリへコピー済みで、Queue 後も有効
type Buffer struct {
	BufferInfo
	Data   []byte
	handle C.GC_HANDLE
}

// PayloadSize は1フレームのバッファサイズを返す
func (s *Stream) PayloadSize() int {
	return s.payloadSize
}

// announce はバッファを確保してキューへ入れる
func (s *Stream) announce(count int) error {
	lib := s.d.p.lib
	if count <= 0 {
		count = 1
	}

	var t C.INFO_DATATYPE
	var payload C.size_t
	size := C.size_t(unsafe.Sizeof(payload))
	if err := s.d.p.check("DSGetInfo", C.ds_info(lib, s.h, C.int32_t(streamInfoPayloadSize), &t, unsafe.Pointer(&payload), &size)); err != nil {
		return err
	}
	if payload == 0 {
		return fmt.Errorf("ペイロードサイズが0です: %w", ErrNotAvailable)
	}
	s.payloadSize = int(payload)

	for i := 0; i < count; i++ {
		var b C.GC_HANDLE
		if err := s.d.p.check("DSAllocAndAnnounceBuffer", C.ds_alloc(lib, s.h, payload, &b)); err != nil {
			return err
		}
		s.buffers = append(s.buffers, b)
		if err := s.d.p.check("DSQueueBuffer", C.ds_queue(lib, s.h, b)); err != nil {
			return err
		}
	}
	return nil
}

// Start は取得を開始する
func (s *Stream) Start() error {
	if s.started {
		return nil
	}
	if err := s.d.p.check("DSStartAcquisition", C.ds_start(s.d.p.lib, s.h, C.uint64_t(infinite))); err != nil {
		return err
	}
	s.started = true
	return nil
}

// Fetch は新しいバッファを待って取り出す
// timeout を過ぎると ErrTimeout を返す
func (s *Stream) Fetch(timeout time.Duration) (*Buffer, error) {
	lib := s.d.p.lib
	ms := uint64(infinite)
	if timeout > 0 {
		ms = uint64(timeout / time.Millisecond)
	}

	var h C.GC_HANDLE
	if err := s.d.p.check("EventGetData", C.event_new_buffer(lib, s.event, &h, C.uint64_t(ms))); err != nil {
		return nil, err
	}

	b := &Buffer{handle: h}
	b.Received = time.Now()
	b.Width = int(s.sizeInfo(h, bufferInfoWidth))
	b.Height = int(s.sizeInfo(h, bufferInfoHeight))
	b.SizeFilled = int(s.sizeInfo(h, bufferInfoSizeFilled))
	b.PixelFormat = s.u64Info(h, bufferInfoPixelFormat)
	b.FrameID = s.u64Info(h, bufferInfoFrameID)
	b.Timestamp = s.u64Info(h, bufferInfoTimestamp)

	var t C.INFO_DATATYPE
	var incomplete C.uint8_t
	size := C.size_t(unsafe.Sizeof(incomplete))
	if C.ds_buffer_info(lib, s.h, h, C.int32_t(bufferInfoIsIncomplete), &t, unsafe.Pointer(&incomplete), &size) == 0 {
		b.Incomplete = incomplete != 0
	}

	var base unsafe.Pointer
	size = C.size_t(unsafe.Sizeof(base))
	if err := s.d.p.check("DSGetBufferInfo", C.ds_buffer_info(lib, s.h, h, C.int32_t(bufferInfoBase), &t, unsafe.Pointer(&base), &size)); err != nil {
		_ = s.Queue(b)
		return nil, err
	}

	n := b.SizeFilled
	if n <= 0 || n > s.payloadSize {
		n = int(s.sizeInfo(h, bufferInfoSize))
	}
	if base != nil && n > 0 {
		b.Data = C.GoBytes(base, C.int(n))
	}
	return b, nil
}

func (s *Stream) sizeInfo(h C.GC_HANDLE, cmd int32) C.size_t {
	var t C.INFO_DATATYPE
	var v C.size_t
	size := C.size_t(unsafe.Sizeof(v))
	if C.ds_buffer_info(s.d.p.lib, s.h, h, C.int32_t(cmd), &t, unsafe.Pointer(&v), &size) != 0 {
		return 0
	}
	return v
}

func (s *Stream) u64Info(h C.GC_HANDLE, cmd int32) uint64 {
	var t C.INFO_DATATYPE
	var v C.uint64_t
	size := C.size_t(unsafe.Sizeof(v))
	if C.ds_buffer_info(s.d.p.lib, s.h, h, C.int32_t(cmd), &t, unsafe.Pointer(&v), &size) != 0 {
		return 0
	}
	return uint64(v)
}

// Queue はバッファをプロデューサへ返却する
func (s *Stream) Queue(b *Buffer) error {
	if b == nil || b.handle == nil {
		return nil
	}
	err := s.d.p.check("DSQueueBuffer", C.ds_queue(s.d.p.lib, s.h, b.handle))
	b.handle = nil
	return err
}

// Stop は取得を停止し、キューを破棄する
func (s *Stream) Stop() error {
	if !s.started {
		return nil
	}
	lib := s.d.p.lib
	s.started = false
	if err := s.d.p.check("DSStopAcquisition", C.ds_stop(lib, s.h, C.int32_t(acqStopKill))); err != nil {
		return err
	}
	return s.d.p.check("DSFlushQueue", C.ds_flush(lib, s.h, C.int32_t(acqQueueAllDiscard)))
}

// Close はイベント登録とバッファを解放してストリームを閉じる
func (s *Stream) Close() error {
	if s.h == nil {
		return nil
	}
	lib := s.d.p.lib
	_ = s.Stop()

	if s.event != nil {
		C.gc_unregister_event(lib, s.h, C.int32_t(eventNewBuffer))
		s.event = nil
	}
	C.ds_flush(lib, s.h, C.int32_t(acqQueueAllDiscard))
	for _, b := range s.buffers {
		C.ds_revoke(lib, s.h, b)
	}
	s.buffers = nil

	err := s.d.p.check("DSClose", C.ds_close(lib, s.h))
	s.h = nil
	return err
}
