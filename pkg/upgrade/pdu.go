package upgrade

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Opcode identifies an upgrade PDU.
type Opcode uint8

// Upgrade PDU opcodes. REQ/RES flow host to accessory unless noted.
const (
	OpStartReq            Opcode = 0x01
	OpStartCfm            Opcode = 0x02 // accessory
	OpDataBytesReq        Opcode = 0x03 // accessory
	OpData                Opcode = 0x04
	OpAbortReq            Opcode = 0x07
	OpAbortCfm            Opcode = 0x08 // accessory
	OpTransferCompleteInd Opcode = 0x0B // accessory
	OpTransferCompleteRes Opcode = 0x0C
	OpProceedToCommit     Opcode = 0x0E
	OpCommitReq           Opcode = 0x0F // accessory
	OpCommitCfm           Opcode = 0x10
	OpErrorInd            Opcode = 0x11 // accessory
	OpCompleteInd         Opcode = 0x12 // accessory
	OpSyncReq             Opcode = 0x13
	OpSyncCfm             Opcode = 0x14 // accessory
	OpStartDataReq        Opcode = 0x15
	OpIsValidationDoneReq Opcode = 0x16
	OpIsValidationDoneCfm Opcode = 0x17 // accessory
)

var opcodeNames = map[Opcode]string{
	OpStartReq:            "START_REQ",
	OpStartCfm:            "START_CFM",
	OpDataBytesReq:        "DATA_BYTES_REQ",
	OpData:                "DATA",
	OpAbortReq:            "ABORT_REQ",
	OpAbortCfm:            "ABORT_CFM",
	OpTransferCompleteInd: "TRANSFER_COMPLETE_IND",
	OpTransferCompleteRes: "TRANSFER_COMPLETE_RES",
	OpProceedToCommit:     "PROCEED_TO_COMMIT",
	OpCommitReq:           "COMMIT_REQ",
	OpCommitCfm:           "COMMIT_CFM",
	OpErrorInd:            "ERROR_IND",
	OpCompleteInd:         "COMPLETE_IND",
	OpSyncReq:             "SYNC_REQ",
	OpSyncCfm:             "SYNC_CFM",
	OpStartDataReq:        "START_DATA_REQ",
	OpIsValidationDoneReq: "IS_VALIDATION_DONE_REQ",
	OpIsValidationDoneCfm: "IS_VALIDATION_DONE_CFM",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE_%02X", uint8(o))
}

// PDUHeaderSize is opcode(1) | length(2).
const PDUHeaderSize = 3

// DataHeaderSize is the last-packet flag that precedes image bytes in a
// DATA PDU.
const DataHeaderSize = 1

// StatusSuccess is the START_CFM status for an accepted start.
const StatusSuccess uint8 = 0

// Confirmation actions for TRANSFER_COMPLETE_RES and COMMIT_CFM.
const (
	ActionContinue uint8 = 0
	ActionAbort    uint8 = 1
)

// PDU is one upgrade protocol data unit.
type PDU struct {
	Op   Opcode
	Data []byte
}

// Encode serializes p as opcode | length | data.
func (p PDU) Encode() []byte {
	buf := make([]byte, PDUHeaderSize+len(p.Data))
	buf[0] = byte(p.Op)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(p.Data)))
	copy(buf[PDUHeaderSize:], p.Data)
	return buf
}

func (p PDU) String() string {
	return fmt.Sprintf("%v[%d]", p.Op, len(p.Data))
}

// DecodePDU parses one PDU. The length field must match the data.
func DecodePDU(b []byte) (PDU, error) {
	if len(b) < PDUHeaderSize {
		return PDU{}, fmt.Errorf("%w: %d bytes", ErrMalformedPDU, len(b))
	}
	n := int(binary.BigEndian.Uint16(b[1:3]))
	if len(b)-PDUHeaderSize != n {
		return PDU{}, fmt.Errorf("%w: length %d, have %d", ErrMalformedPDU, n, len(b)-PDUHeaderSize)
	}
	return PDU{Op: Opcode(b[0]), Data: append([]byte(nil), b[PDUHeaderSize:]...)}, nil
}

// SyncRequest builds SYNC_REQ [fileID:32].
func SyncRequest(fileID uint32) PDU {
	return PDU{Op: OpSyncReq, Data: binary.BigEndian.AppendUint32(nil, fileID)}
}

// SyncConfirm builds SYNC_CFM [resumePoint, fileID:32].
func SyncConfirm(point ResumePoint, fileID uint32) PDU {
	return PDU{Op: OpSyncCfm, Data: binary.BigEndian.AppendUint32([]byte{byte(point)}, fileID)}
}

// ParseSyncConfirm decodes a SYNC_CFM body.
func ParseSyncConfirm(data []byte) (ResumePoint, uint32, error) {
	if len(data) < 5 {
		return 0, 0, fmt.Errorf("%w: SYNC_CFM % X", ErrMalformedPDU, data)
	}
	return ResumePoint(data[0]), binary.BigEndian.Uint32(data[1:5]), nil
}

// DataBytesRequest builds DATA_BYTES_REQ [count:32, skip:32]. skip moves the
// host's read position forward before count bytes are sent.
func DataBytesRequest(count, skip uint32) PDU {
	data := binary.BigEndian.AppendUint32(nil, count)
	return PDU{Op: OpDataBytesReq, Data: binary.BigEndian.AppendUint32(data, skip)}
}

// ParseDataBytesRequest decodes a DATA_BYTES_REQ body.
func ParseDataBytesRequest(data []byte) (count, skip uint32, err error) {
	if len(data) < 8 {
		return 0, 0, fmt.Errorf("%w: DATA_BYTES_REQ % X", ErrMalformedPDU, data)
	}
	return binary.BigEndian.Uint32(data[0:4]), binary.BigEndian.Uint32(data[4:8]), nil
}

// DataPacket builds DATA [last, bytes].
func DataPacket(last bool, chunk []byte) PDU {
	data := make([]byte, DataHeaderSize+len(chunk))
	if last {
		data[0] = 1
	}
	copy(data[DataHeaderSize:], chunk)
	return PDU{Op: OpData, Data: data}
}

// ParseDataPacket decodes a DATA body.
func ParseDataPacket(data []byte) (last bool, chunk []byte, err error) {
	if len(data) < DataHeaderSize {
		return false, nil, fmt.Errorf("%w: empty DATA", ErrMalformedPDU)
	}
	return data[0] != 0, data[DataHeaderSize:], nil
}

// ValidationDoneConfirm builds IS_VALIDATION_DONE_CFM [delayMs:16].
func ValidationDoneConfirm(delay time.Duration) PDU {
	return PDU{Op: OpIsValidationDoneCfm, Data: binary.BigEndian.AppendUint16(nil, uint16(delay/time.Millisecond))}
}

// ParseValidationDoneConfirm decodes the poll delay. A missing body means
// no delay.
func ParseValidationDoneConfirm(data []byte) time.Duration {
	if len(data) < 2 {
		return 0
	}
	return time.Duration(binary.BigEndian.Uint16(data)) * time.Millisecond
}

// ErrorIndication builds ERROR_IND [code:16].
func ErrorIndication(code uint16) PDU {
	return PDU{Op: OpErrorInd, Data: binary.BigEndian.AppendUint16(nil, code)}
}

// ParseErrorIndication decodes an ERROR_IND body.
func ParseErrorIndication(data []byte) (uint16, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("%w: ERROR_IND % X", ErrMalformedPDU, data)
	}
	return binary.BigEndian.Uint16(data), nil
}
