// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

// Package fwup implements the DSP0267 PLDM firmware update message codecs
// shared by the firmware device responder and the update agent initiator.
package fwup

import "fmt"

// Firmware update command codes (PLDM type 5).
const (
	CmdQueryDeviceIdentifiers uint8 = 0x01
	CmdGetFirmwareParameters  uint8 = 0x02
	CmdRequestUpdate          uint8 = 0x10
	CmdPassComponentTable     uint8 = 0x13
	CmdUpdateComponent        uint8 = 0x14
	CmdRequestFirmwareData    uint8 = 0x15
	CmdTransferComplete       uint8 = 0x16
	CmdVerifyComplete         uint8 = 0x17
	CmdApplyComplete          uint8 = 0x18
	CmdActivateFirmware       uint8 = 0x1a
	CmdGetStatus              uint8 = 0x1b
	CmdCancelUpdateComponent  uint8 = 0x1c
	CmdCancelUpdate           uint8 = 0x1d
)

// Firmware-update-specific completion codes.
const (
	CCNotInUpdateMode        uint8 = 0x80
	CCAlreadyInUpdateMode    uint8 = 0x81
	CCDataOutOfRange         uint8 = 0x82
	CCInvalidTransferLength  uint8 = 0x83
	CCInvalidStateForCommand uint8 = 0x84
	CCIncompleteUpdate       uint8 = 0x85
	CCBusyInBackground       uint8 = 0x86
	CCCancelPending          uint8 = 0x87
	CCCommandNotExpected     uint8 = 0x88
	CCRetryRequestFwData     uint8 = 0x89
	CCUnableToInitiateUpdate uint8 = 0x8a
	CCActivationNotRequired  uint8 = 0x8b
	CCRetryRequestUpdate     uint8 = 0x8e
)

// State is the firmware device update state.
type State uint8

// Firmware device states.
const (
	StateIdle State = iota
	StateLearnComponents
	StateReadyXfer
	StateDownload
	StateVerify
	StateApply
	StateActivate
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateLearnComponents:
		return "LEARN COMPONENTS"
	case StateReadyXfer:
		return "READY XFER"
	case StateDownload:
		return "DOWNLOAD"
	case StateVerify:
		return "VERIFY"
	case StateApply:
		return "APPLY"
	case StateActivate:
		return "ACTIVATE"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Reason codes for the last transition to IDLE, reported by GetStatus.
const (
	ReasonInitialization   uint8 = 0x00
	ReasonActivateFirmware uint8 = 0x01
	ReasonCancelUpdate     uint8 = 0x02
	ReasonTimeoutLearn     uint8 = 0x03
	ReasonTimeoutReadyXfer uint8 = 0x04
	ReasonTimeoutDownload  uint8 = 0x05
	ReasonTimeoutVerify    uint8 = 0x06
	ReasonTimeoutApply     uint8 = 0x07
)

// Aux state values reported by GetStatus.
const (
	AuxStateInProgress uint8 = 0x00
	AuxStateSuccess    uint8 = 0x01
	AuxStateFailed     uint8 = 0x02
	AuxStateIdle       uint8 = 0x03
)

// ComponentResponseCode values for PassComponentTable and UpdateComponent.
const (
	CompCanBeUpdated             uint8 = 0x00
	CompComparisonStampIdentical uint8 = 0x01
	CompComparisonStampLower     uint8 = 0x02
	CompInvalidComparisonStamp   uint8 = 0x03
	CompConflict                 uint8 = 0x04
	CompPrerequisitesNotMet      uint8 = 0x05
	CompNotSupported             uint8 = 0x06
	CompSecurityRestriction      uint8 = 0x07
	CompIncompleteImageSet       uint8 = 0x08
	CompVersionStringIdentical   uint8 = 0x0a
	CompVersionStringLower       uint8 = 0x0b
)

// UpdateOptionFlags bits of UpdateComponent.
const (
	// UpdateOptionForce requests the transfer regardless of the component
	// comparison outcome, permitting downgrades.
	UpdateOptionForce uint32 = 1 << 0
)

// Transfer, verify and apply result codes. Zero is success for all three;
// nonzero values are forwarded verbatim to the update agent.
const (
	TransferSuccess       uint8 = 0x00
	TransferErrImage      uint8 = 0x02
	TransferErrTimeout    uint8 = 0x09
	VerifySuccess         uint8 = 0x00
	VerifyErrVerification uint8 = 0x01
	ApplySuccess          uint8 = 0x00
	ApplyErrFailure       uint8 = 0x01
)

// Transfer flags for PassComponentTable.
const (
	TransferStart       uint8 = 0x01
	TransferMiddle      uint8 = 0x02
	TransferEnd         uint8 = 0x04
	TransferStartAndEnd uint8 = 0x05
)

// Component classification values.
const (
	ClassificationOther    uint16 = 0x0000
	ClassificationFirmware uint16 = 0x000a
)

// Descriptor types.
const (
	DescriptorPCIVendorID uint16 = 0x0000
	DescriptorIANA        uint16 = 0x0001
	DescriptorUUID        uint16 = 0x0002
)

// Version string types.
const (
	StrTypeUnknown uint8 = 0x00
	StrTypeASCII   uint8 = 0x01
	StrTypeUTF8    uint8 = 0x02
)

// MinTransferSize is the smallest RequestFirmwareData transfer size the
// protocol permits. Negotiated sizes clamp to at least this.
const MinTransferSize = 32
