// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

package fwup

import (
	"github.com/silicon-rot/mcufw/codec"
	"github.com/silicon-rot/mcufw/pldm"
)

// RequestUpdateRequest puts the firmware device into update mode.
type RequestUpdateRequest struct {
	MaxTransferSize     uint32
	ComponentCount      uint16
	MaxOutstandingXfers uint8
	PackageDataLength   uint16
	ImageSetVersion     VersionString
}

// Encode implements codec.Encodable.
func (m RequestUpdateRequest) Encode(buf *codec.Buffer) (int, error) {
	if err := m.ImageSetVersion.check(); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	e.U32(m.MaxTransferSize)
	e.U16(m.ComponentCount)
	e.U8(m.MaxOutstandingXfers)
	e.U16(m.PackageDataLength)
	e.U8(m.ImageSetVersion.Type)
	e.U8(uint8(len(m.ImageSetVersion.Value)))
	e.Bytes([]byte(m.ImageSetVersion.Value))
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *RequestUpdateRequest) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.MaxTransferSize = d.U32()
	m.ComponentCount = d.U16()
	m.MaxOutstandingXfers = d.U8()
	m.PackageDataLength = d.U16()
	m.ImageSetVersion.Type = d.U8()
	n := d.U8()
	m.ImageSetVersion.Value = string(d.Bytes(int(n)))
	return d.Err()
}

// RequestUpdateResponse acknowledges update mode entry.
type RequestUpdateResponse struct {
	CompletionCode    pldm.CompletionCode
	FDMetadataLength  uint16
	FDWillSendPkgData uint8
}

// Encode implements codec.Encodable.
func (m RequestUpdateResponse) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U8(uint8(m.CompletionCode))
	if m.CompletionCode == pldm.Success {
		e.U16(m.FDMetadataLength)
		e.U8(m.FDWillSendPkgData)
	}
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *RequestUpdateResponse) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.CompletionCode = pldm.CompletionCode(d.U8())
	if m.CompletionCode != pldm.Success {
		return d.Err()
	}
	m.FDMetadataLength = d.U16()
	m.FDWillSendPkgData = d.U8()
	return d.Err()
}

// PassComponentTableRequest announces one component the update agent intends
// to update.
type PassComponentTableRequest struct {
	TransferFlag        uint8
	Classification      uint16
	Identifier          uint16
	ClassificationIndex uint8
	ComparisonStamp     uint32
	Version             VersionString
}

// Encode implements codec.Encodable.
func (m PassComponentTableRequest) Encode(buf *codec.Buffer) (int, error) {
	if err := m.Version.check(); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	e.U8(m.TransferFlag)
	e.U16(m.Classification)
	e.U16(m.Identifier)
	e.U8(m.ClassificationIndex)
	e.U32(m.ComparisonStamp)
	e.U8(m.Version.Type)
	e.U8(uint8(len(m.Version.Value)))
	e.Bytes([]byte(m.Version.Value))
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *PassComponentTableRequest) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.TransferFlag = d.U8()
	m.Classification = d.U16()
	m.Identifier = d.U16()
	m.ClassificationIndex = d.U8()
	m.ComparisonStamp = d.U32()
	m.Version.Type = d.U8()
	n := d.U8()
	m.Version.Value = string(d.Bytes(int(n)))
	return d.Err()
}

// PassComponentTableResponse reports whether the component will be accepted.
type PassComponentTableResponse struct {
	CompletionCode pldm.CompletionCode
	Response       uint8
	ResponseCode   uint8
}

// Encode implements codec.Encodable.
func (m PassComponentTableResponse) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U8(uint8(m.CompletionCode))
	if m.CompletionCode == pldm.Success {
		e.U8(m.Response)
		e.U8(m.ResponseCode)
	}
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *PassComponentTableResponse) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.CompletionCode = pldm.CompletionCode(d.U8())
	if m.CompletionCode != pldm.Success {
		return d.Err()
	}
	m.Response = d.U8()
	m.ResponseCode = d.U8()
	return d.Err()
}

// UpdateComponentRequest starts the transfer of one component image.
type UpdateComponentRequest struct {
	Classification      uint16
	Identifier          uint16
	ClassificationIndex uint8
	ComparisonStamp     uint32
	ImageSize           uint32
	UpdateOptionFlags   uint32
	Version             VersionString
}

// Encode implements codec.Encodable.
func (m UpdateComponentRequest) Encode(buf *codec.Buffer) (int, error) {
	if err := m.Version.check(); err != nil {
		return 0, err
	}
	e := codec.NewEncoder(buf)
	e.U16(m.Classification)
	e.U16(m.Identifier)
	e.U8(m.ClassificationIndex)
	e.U32(m.ComparisonStamp)
	e.U32(m.ImageSize)
	e.U32(m.UpdateOptionFlags)
	e.U8(m.Version.Type)
	e.U8(uint8(len(m.Version.Value)))
	e.Bytes([]byte(m.Version.Value))
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *UpdateComponentRequest) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.Classification = d.U16()
	m.Identifier = d.U16()
	m.ClassificationIndex = d.U8()
	m.ComparisonStamp = d.U32()
	m.ImageSize = d.U32()
	m.UpdateOptionFlags = d.U32()
	m.Version.Type = d.U8()
	n := d.U8()
	m.Version.Value = string(d.Bytes(int(n)))
	return d.Err()
}

// UpdateComponentResponse reports whether the transfer may begin.
type UpdateComponentResponse struct {
	CompletionCode        pldm.CompletionCode
	CompatibilityResponse uint8
	CompatibilityCode     uint8
	UpdateOptionFlags     uint32
	TimeBeforeRequestData uint16
}

// Encode implements codec.Encodable.
func (m UpdateComponentResponse) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U8(uint8(m.CompletionCode))
	if m.CompletionCode == pldm.Success {
		e.U8(m.CompatibilityResponse)
		e.U8(m.CompatibilityCode)
		e.U32(m.UpdateOptionFlags)
		e.U16(m.TimeBeforeRequestData)
	}
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *UpdateComponentResponse) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.CompletionCode = pldm.CompletionCode(d.U8())
	if m.CompletionCode != pldm.Success {
		return d.Err()
	}
	m.CompatibilityResponse = d.U8()
	m.CompatibilityCode = d.U8()
	m.UpdateOptionFlags = d.U32()
	m.TimeBeforeRequestData = d.U16()
	return d.Err()
}

// RequestFirmwareDataRequest is sent by the firmware device to pull a chunk
// of the component image.
type RequestFirmwareDataRequest struct {
	Offset uint32
	Length uint32
}

// Encode implements codec.Encodable.
func (m RequestFirmwareDataRequest) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U32(m.Offset)
	e.U32(m.Length)
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *RequestFirmwareDataRequest) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.Offset = d.U32()
	m.Length = d.U32()
	return d.Err()
}

// RequestFirmwareDataResponse carries one chunk of image data.
type RequestFirmwareDataResponse struct {
	CompletionCode pldm.CompletionCode
	Data           []byte
}

// Encode implements codec.Encodable.
func (m RequestFirmwareDataResponse) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U8(uint8(m.CompletionCode))
	if m.CompletionCode == pldm.Success {
		e.Bytes(m.Data)
	}
	return e.Finish()
}

// Decode implements codec.Decodable. The data length is implied by the
// message length.
func (m *RequestFirmwareDataResponse) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.CompletionCode = pldm.CompletionCode(d.U8())
	if m.CompletionCode != pldm.Success {
		return d.Err()
	}
	m.Data = d.Bytes(d.Remaining())
	return d.Err()
}

// TransferCompleteRequest is sent by the firmware device when the download
// phase ends.
type TransferCompleteRequest struct {
	Result uint8
}

// Encode implements codec.Encodable.
func (m TransferCompleteRequest) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U8(m.Result)
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *TransferCompleteRequest) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.Result = d.U8()
	return d.Err()
}

// VerifyCompleteRequest is sent by the firmware device when the verify phase
// ends.
type VerifyCompleteRequest struct {
	Result uint8
}

// Encode implements codec.Encodable.
func (m VerifyCompleteRequest) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U8(m.Result)
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *VerifyCompleteRequest) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.Result = d.U8()
	return d.Err()
}

// ApplyCompleteRequest is sent by the firmware device when the apply phase
// ends.
type ApplyCompleteRequest struct {
	Result                  uint8
	ActivationMethodsChange uint16
}

// Encode implements codec.Encodable.
func (m ApplyCompleteRequest) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U8(m.Result)
	e.U16(m.ActivationMethodsChange)
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *ApplyCompleteRequest) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.Result = d.U8()
	m.ActivationMethodsChange = d.U16()
	return d.Err()
}

// ActivateFirmwareRequest asks the device to activate the applied images.
type ActivateFirmwareRequest struct {
	SelfContainedActivation bool
}

// Encode implements codec.Encodable.
func (m ActivateFirmwareRequest) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	if m.SelfContainedActivation {
		e.U8(1)
	} else {
		e.U8(0)
	}
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *ActivateFirmwareRequest) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.SelfContainedActivation = d.U8() != 0
	return d.Err()
}

// ActivateFirmwareResponse acknowledges activation.
type ActivateFirmwareResponse struct {
	CompletionCode pldm.CompletionCode
	EstimatedTime  uint16
}

// Encode implements codec.Encodable.
func (m ActivateFirmwareResponse) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U8(uint8(m.CompletionCode))
	if m.CompletionCode == pldm.Success {
		e.U16(m.EstimatedTime)
	}
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *ActivateFirmwareResponse) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.CompletionCode = pldm.CompletionCode(d.U8())
	if m.CompletionCode != pldm.Success {
		return d.Err()
	}
	m.EstimatedTime = d.U16()
	return d.Err()
}

// GetStatusResponse reports the device's update state machine position. The
// request has no body.
type GetStatusResponse struct {
	CompletionCode    pldm.CompletionCode
	CurrentState      State
	PreviousState     State
	AuxState          uint8
	AuxStateStatus    uint8
	ProgressPercent   uint8
	ReasonCode        uint8
	UpdateOptionFlags uint32
}

// Encode implements codec.Encodable.
func (m GetStatusResponse) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U8(uint8(m.CompletionCode))
	if m.CompletionCode == pldm.Success {
		e.U8(uint8(m.CurrentState))
		e.U8(uint8(m.PreviousState))
		e.U8(m.AuxState)
		e.U8(m.AuxStateStatus)
		e.U8(m.ProgressPercent)
		e.U8(m.ReasonCode)
		e.U32(m.UpdateOptionFlags)
	}
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *GetStatusResponse) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.CompletionCode = pldm.CompletionCode(d.U8())
	if m.CompletionCode != pldm.Success {
		return d.Err()
	}
	m.CurrentState = State(d.U8())
	m.PreviousState = State(d.U8())
	m.AuxState = d.U8()
	m.AuxStateStatus = d.U8()
	m.ProgressPercent = d.U8()
	m.ReasonCode = d.U8()
	m.UpdateOptionFlags = d.U32()
	return d.Err()
}

// CancelUpdateResponse ends update mode. The request has no body; a
// CancelUpdateComponent response is completion-code only.
type CancelUpdateResponse struct {
	CompletionCode           pldm.CompletionCode
	NonFunctioningIndication uint8
	NonFunctioningBitmap     uint64
}

// Encode implements codec.Encodable.
func (m CancelUpdateResponse) Encode(buf *codec.Buffer) (int, error) {
	e := codec.NewEncoder(buf)
	e.U8(uint8(m.CompletionCode))
	if m.CompletionCode == pldm.Success {
		e.U8(m.NonFunctioningIndication)
		e.U64(m.NonFunctioningBitmap)
	}
	return e.Finish()
}

// Decode implements codec.Decodable.
func (m *CancelUpdateResponse) Decode(buf *codec.Buffer) error {
	d := codec.NewDecoder(buf)
	m.CompletionCode = pldm.CompletionCode(d.U8())
	if m.CompletionCode != pldm.Success {
		return d.Err()
	}
	m.NonFunctioningIndication = d.U8()
	m.NonFunctioningBitmap = d.U64()
	return d.Err()
}
