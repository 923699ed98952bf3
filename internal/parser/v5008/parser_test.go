package v5008

import (
	"encoding/hex"
	"testing"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/sif"
	"github.com/stretchr/testify/require"
)

func frame(tag byte, deviceID string, body ...byte) []byte {
	b := make([]byte, bodyOffset)
	b[0] = tag
	copy(b[deviceIDOffset:bodyOffset], deviceID)
	return append(b, body...)
}

func TestParse_ShortBufferReturnsNil(t *testing.T) {
	p := New(false)
	require.Nil(t, p.Parse("V5008Upload/DEV001/x", []byte{0x01, 0x02}))
}

func TestParse_UnknownHeaderReturnsNil(t *testing.T) {
	p := New(false)
	f := frame(0x99, "DEV00001")
	require.Nil(t, p.Parse("V5008Upload/DEV00001/x", f))
}

func TestParse_Heartbeat_SkipsZeroModuleIDAndBadAddr(t *testing.T) {
	p := New(false)
	f := frame(tagHeartbeatA, "DEV00001",
		1, 0, 7, 4, // valid slot
		2, 0, 0, 4, // moduleId==0, skipped
		3, 9, 7, 4, // moduleAddr>5, skipped
	)
	s := p.Parse("V5008Upload/DEV00001/x", f)
	require.NotNil(t, s)
	require.Equal(t, sif.HeartBeat, s.MessageType)
	require.Equal(t, "DEV00001", s.DeviceID)
	require.Equal(t, sif.FamilyV5008, s.DeviceType)
	require.Len(t, s.Data, 1)
	require.Equal(t, 1, s.Data[0]["moduleIndex"])
	require.Equal(t, "7", s.Data[0]["moduleId"])
	require.Equal(t, 4, s.Data[0]["uTotal"])
}

func TestParse_RFIDSnapshot_EmptyTagBecomesEmptyString(t *testing.T) {
	p := New(false)
	f := frame(tagRFIDSnap, "DEV00002",
		0, 0, 0, 0, 0, 0, // zero tag -> empty tagId
		1, 0xDE, 0xAD, 0xBE, 0xEF, 1, // alarm set
	)
	s := p.Parse("V5008Upload/DEV00002/x", f)
	require.NotNil(t, s)
	require.Equal(t, sif.RFIDSnapshot, s.MessageType)
	require.NotNil(t, s.ModuleIndex)
	require.Equal(t, 0, *s.ModuleIndex)
	require.Len(t, s.Data, 2)
	require.Equal(t, "", s.Data[0]["tagId"])
	require.Equal(t, "deadbeef", s.Data[1]["tagId"])
	require.Equal(t, true, s.Data[1]["isAlarm"])
}

func TestParse_RFIDSnapshot_NoBodyReturnsEmptyData(t *testing.T) {
	p := New(false)
	f := frame(tagRFIDSnap, "DEV00003")
	s := p.Parse("V5008Upload/DEV00003/x", f)
	require.NotNil(t, s)
	require.Empty(t, s.Data)
}

func TestParse_TempHum_DecodesSignedValuesAndSkipsZeroAddr(t *testing.T) {
	p := New(false)
	f := frame(0x00, "DEV00004",
		1, 21, 50, 40, 0, // addr=1, temp=21.50, hum=40.00
		0, 1, 1, 1, 1, // addr==0, skipped
		2, 0x80 | 5, 25, 22, 0, // addr=2, temp=-5.25, hum=22.00
	)
	s := decodeTempHum("V5008Upload/DEV00004/TemHum", "DEV00004", f, sif.Meta{})
	require.NotNil(t, s)
	require.Equal(t, sif.TempHum, s.MessageType)
	require.Len(t, s.Data, 2)
	require.Equal(t, 1, s.Data[0]["thIndex"])
	require.InDelta(t, 21.5, s.Data[0]["temp"], 0.0001)
	require.InDelta(t, 40.0, s.Data[0]["hum"], 0.0001)
	require.Equal(t, 2, s.Data[1]["thIndex"])
	require.InDelta(t, -5.25, s.Data[1]["temp"], 0.0001)
}

func TestParse_TopicSuffixRoutesTempHumRegardlessOfHeaderByte(t *testing.T) {
	p := New(false)
	f := frame(0xFF, "DEV00005", 1, 10, 0, 10, 0)
	s := p.Parse("V5008Upload/DEV00005/TemHum", f)
	require.NotNil(t, s)
	require.Equal(t, sif.TempHum, s.MessageType)
}

func TestParse_Noise_DecodesAndSkipsZeroAddr(t *testing.T) {
	f := frame(0x00, "DEV00006", 1, 12, 30, 0, 1, 1)
	s := decodeNoise("V5008Upload/DEV00006/Noise", "DEV00006", f, sif.Meta{})
	require.NotNil(t, s)
	require.Equal(t, sif.NoiseLevel, s.MessageType)
	require.Len(t, s.Data, 1)
	require.InDelta(t, 12.3, s.Data[0]["noise"], 0.0001)
}

func TestParse_DoorState(t *testing.T) {
	p := New(false)
	f := frame(tagDoorState, "DEV00007", 1)
	s := p.Parse("V5008Upload/DEV00007/x", f)
	require.NotNil(t, s)
	require.Equal(t, sif.DoorState, s.MessageType)
	require.Equal(t, 1, s.Data[0]["doorState"])
}

func TestParse_DeviceInfo_FormatsIPAndMAC(t *testing.T) {
	p := New(false)
	body := make([]byte, 0, 38)
	body = append(body, []byte("MODEL-X")...)
	body = append(body, make([]byte, 16-len("MODEL-X"))...)
	body = append(body, []byte("1.2.3")...)
	body = append(body, make([]byte, 8-len("1.2.3"))...)
	body = append(body, 192, 168, 1, 10)
	body = append(body, 255, 255, 255, 0)
	body = append(body, 192, 168, 1, 1)
	body = append(body, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF)
	f := frame(tagInfoEF, "DEV00008", body...)
	f[1] = subDeviceInfo

	s := p.Parse("V5008Upload/DEV00008/x", f)
	require.NotNil(t, s)
	require.Equal(t, sif.DeviceInfo, s.MessageType)
	require.Equal(t, "MODEL-X", s.Data[0]["model"])
	require.Equal(t, "1.2.3", s.Data[0]["fwVer"])
	require.Equal(t, "192.168.1.10", s.Data[0]["ip"])
	require.Equal(t, "255.255.255.0", s.Data[0]["mask"])
	require.Equal(t, "192.168.1.1", s.Data[0]["gwIp"])
	require.Equal(t, "aa:bb:cc:dd:ee:ff", s.Data[0]["mac"])
}

func TestParse_DeviceInfo_ShortBufferReturnsNil(t *testing.T) {
	p := New(false)
	f := frame(tagInfoEF, "DEV00009", 1, 2, 3)
	f[1] = subDeviceInfo
	require.Nil(t, p.Parse("V5008Upload/DEV00009/x", f))
}

func TestParse_ModuleInfo_TrimsNulPaddedFirmwareVersion(t *testing.T) {
	p := New(false)
	fw := append([]byte("1.0"), make([]byte, 8-len("1.0"))...)
	f := frame(tagInfoEF, "DEV00010", append([]byte{3}, fw...)...)
	f[1] = subModuleInfo
	s := p.Parse("V5008Upload/DEV00010/x", f)
	require.NotNil(t, s)
	require.Equal(t, sif.ModuleInfo, s.MessageType)
	require.Equal(t, 3, s.Data[0]["moduleIndex"])
	require.Equal(t, "1.0", s.Data[0]["fwVer"])
}

func TestParse_CommandResponse_QryClrResp(t *testing.T) {
	f := frame(tagCmdResponse, "DEV00011", 0xAB, 0xCD, 1, 2, 3)
	f[1] = cmdQryClrResp
	s := decodeCommandResponse("V5008Upload/DEV00011/x", "DEV00011", f, sif.Meta{})
	require.NotNil(t, s)
	require.Equal(t, sif.QryClrResp, s.MessageType)
	require.Equal(t, hex.EncodeToString([]byte{0xAB, 0xCD}), s.Data[0]["originalReq"])
	require.Equal(t, []int{1, 2, 3}, s.Data[0]["colorMap"])
}

func TestParse_CommandResponse_UnknownSubCodeReturnsNil(t *testing.T) {
	f := frame(tagCmdResponse, "DEV00012")
	f[1] = 0xFF
	require.Nil(t, decodeCommandResponse("V5008Upload/DEV00012/x", "DEV00012", f, sif.Meta{}))
}

func TestDecodeSignedSensorValue_PositiveAndNegative(t *testing.T) {
	require.InDelta(t, 21.5, decodeSignedSensorValue(21, 50), 0.0001)
	require.InDelta(t, -21.5, decodeSignedSensorValue(0x80|21, 50), 0.0001)
}
