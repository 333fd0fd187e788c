package gentl

import "time"

// DEVICE_INFO_CMD
const (
	deviceInfoID              int32 = 0
	deviceInfoVendor          int32 = 1
	deviceInfoModel           int32 = 2
	deviceInfoTLType          int32 = 3
	deviceInfoDisplayName     int32 = 4
	deviceInfoAccessStatus    int32 = 5
	deviceInfoUserDefinedName int32 = 6
	deviceInfoSerialNumber    int32 = 7
	deviceInfoVersion         int32 = 8
)

// BUFFER_INFO_CMD
const (
	bufferInfoBase         int32 = 0
	bufferInfoSize         int32 = 1
	bufferInfoTimestamp    int32 = 3
	bufferInfoIsIncomplete int32 = 7
	bufferInfoSizeFilled   int32 = 9
	bufferInfoWidth        int32 = 10
	bufferInfoHeight       int32 = 11
	bufferInfoFrameID      int32 = 16
	bufferInfoPixelFormat  int32 = 20
)

// STREAM_INFO_CMD
const (
	streamInfoPayloadSize        int32 = 7
	streamInfoDefinesPayloadSize int32 = 9
)

const (
	deviceAccessControl int32 = 3
	eventNewBuffer      int32 = 1
	urlInfoURL          int32 = 0
	acqQueueAllDiscard  int32 = 4
	acqStopKill         int32 = 1
	infinite            uint64 = 0xFFFFFFFFFFFFFFFF
)

// DeviceAccessStatus はデバイスのアクセス状態（DEVICE_ACCESS_STATUS）
type DeviceAccessStatus int32

const (
	AccessStatusUnknown   DeviceAccessStatus = 0
	AccessStatusReadWrite DeviceAccessStatus = 1
	AccessStatusReadOnly  DeviceAccessStatus = 2
	AccessStatusNoAccess  DeviceAccessStatus = 3
	AccessStatusBusy      DeviceAccessStatus = 4
)

// String はアクセス状態の名前を返す
func (s DeviceAccessStatus) String() string {
	switch s {
	case AccessStatusReadWrite:
		return "ReadWrite"
	case AccessStatusReadOnly:
		return "ReadOnly"
	case AccessStatusNoAccess:
		return "NoAccess"
	case AccessStatusBusy:
		return "Busy"
	}
	return "Unknown"
}

// DeviceInfo はプロデューサが列挙したデバイスの情報
type DeviceInfo struct {
	ID              string             `json:"id"`
	Vendor          string             `json:"vendor"`
	Model           string             `json:"model"`
	TLType          string             `json:"tl_type"`
	DisplayName     string             `json:"display_name"`
	UserDefinedName string             `json:"user_defined_name"`
	SerialNumber    string             `json:"serial_number"`
	Version         string             `json:"version"`
	AccessStatus    DeviceAccessStatus `json:"access_status"`
	InterfaceID     string             `json:"interface_id"`
	Producer        string             `json:"producer"`
}

// BufferInfo は取得したバッファの画像情報
type BufferInfo struct {
	Width       int
	Height      int
	PixelFormat uint64
	FrameID     uint64
	Timestamp   uint64
	SizeFilled  int
	Incomplete  bool
	Received    time.Time
}
