package session

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/backkem/gaia/pkg/message"
)

// LegacyGetAPIVersion is the version probe. It is always sent with the
// legacy encoding; the response body is [protocol, major, minor].
const LegacyGetAPIVersion uint16 = 0x0300

// CurrentMajorThreshold is the highest major version that still speaks the
// legacy protocol.
const CurrentMajorThreshold = 2

// Core feature commands.
const (
	CoreGetSupportedFeatures     uint16 = 0x0001
	CoreGetSupportedFeaturesNext uint16 = 0x0002
	CoreGetSerialNumber          uint16 = 0x0003
	CoreRegisterNotification     uint16 = 0x0007
	CoreUnregisterNotification   uint16 = 0x0008
	CoreGetBluetoothAddress      uint16 = 0x0010
)

// Core feature notifications.
const (
	CoreNotifyHandoverAboutToHappen uint16 = 0x0000
	CoreNotifyHandoverComplete      uint16 = 0x0001
)

// MinorWithAddress is the first minor version that answers
// CoreGetBluetoothAddress.
const MinorWithAddress = 1

func coreID(command uint16) message.CommandID {
	return message.CommandID{Feature: message.FeatureCore, Command: command}
}

// APIVersion is the probe result.
type APIVersion struct {
	Protocol uint8
	Major    uint8
	Minor    uint8
}

func (v APIVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Protocol, v.Major, v.Minor)
}

// ProtocolVersion maps the reported major version to a protocol generation.
func (v APIVersion) ProtocolVersion() ProtocolVersion {
	if v.Major > CurrentMajorThreshold {
		return VersionCurrent
	}
	return VersionLegacy
}

func parseAPIVersion(payload []byte) (APIVersion, error) {
	if len(payload) < 3 {
		return APIVersion{}, fmt.Errorf("%w: version body % X", ErrMalformedResponse, payload)
	}
	return APIVersion{Protocol: payload[0], Major: payload[1], Minor: payload[2]}, nil
}

// FeatureVersion is one entry of the supported-features list.
type FeatureVersion struct {
	Feature message.Feature
	Version uint8
}

// parseFeatures decodes one page: [moreFlag, (featureID, version)*].
func parseFeatures(payload []byte) (more bool, features []FeatureVersion, err error) {
	if len(payload) < 1 || (len(payload)-1)%2 != 0 {
		return false, nil, fmt.Errorf("%w: feature page % X", ErrMalformedResponse, payload)
	}
	more = payload[0] != 0
	for i := 1; i+1 < len(payload); i += 2 {
		features = append(features, FeatureVersion{
			Feature: message.Feature(payload[i]),
			Version: payload[i+1],
		})
	}
	return more, features, nil
}

// parseSerials splits a NUL-separated list of serial numbers. Earbud pairs
// report one serial per bud.
func parseSerials(payload []byte) []string {
	var out []string
	for _, part := range bytes.Split(payload, []byte{0}) {
		if s := strings.TrimSpace(string(part)); s != "" {
			out = append(out, s)
		}
	}
	if len(out) > 2 {
		out = out[:2]
	}
	return out
}

func parseAddress(payload []byte) (string, error) {
	if len(payload) != 6 {
		return "", fmt.Errorf("%w: address % X", ErrMalformedResponse, payload)
	}
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		payload[0], payload[1], payload[2], payload[3], payload[4], payload[5]), nil
}

// Handover describes an announced handover.
type Handover struct {
	Kind  HandoverKind
	Delay time.Duration
}

// parseHandover decodes [kind, delayMs:16].
func parseHandover(payload []byte) (Handover, error) {
	if len(payload) < 3 {
		return Handover{}, fmt.Errorf("%w: handover % X", ErrMalformedResponse, payload)
	}
	return Handover{
		Kind:  HandoverKind(payload[0]),
		Delay: time.Duration(binary.BigEndian.Uint16(payload[1:3])) * time.Millisecond,
	}, nil
}
