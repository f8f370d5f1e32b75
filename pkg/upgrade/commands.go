package upgrade

import (
	"encoding/binary"
	"fmt"

	"github.com/backkem/gaia/pkg/message"
	"github.com/backkem/gaia/pkg/session"
	"github.com/backkem/gaia/pkg/transport"
)

// Commands is the command set of one protocol generation.
type Commands struct {
	Connect       message.CommandID
	Disconnect    message.CommandID
	Control       message.CommandID
	TransportInfo message.CommandID
	DataEndpoint  message.CommandID

	// Data is the notification that carries accessory PDUs.
	Data message.CommandID
}

// CurrentCommands is the update feature's command set.
var CurrentCommands = Commands{
	Connect:       message.CommandID{Feature: session.UpdateFeature, Command: 0x0000},
	Disconnect:    message.CommandID{Feature: session.UpdateFeature, Command: 0x0001},
	Control:       message.CommandID{Feature: session.UpdateFeature, Command: 0x0002},
	TransportInfo: message.CommandID{Feature: session.UpdateFeature, Command: 0x0003},
	DataEndpoint:  message.CommandID{Feature: session.UpdateFeature, Command: 0x0004},
	Data:          message.CommandID{Feature: session.UpdateFeature, Command: 0x0000},
}

// LegacyCommands is the flat legacy command set. Accessory PDUs arrive as
// event 0x12.
var LegacyCommands = Commands{
	Connect:       message.CommandID{Command: 0x0640},
	Disconnect:    message.CommandID{Command: 0x0641},
	Control:       message.CommandID{Command: 0x0642},
	TransportInfo: message.CommandID{Command: 0x0643},
	DataEndpoint:  message.CommandID{Command: 0x022E},
	Data:          message.CommandID{Command: 0x0012},
}

// CommandsFor returns the command set for a protocol generation.
func CommandsFor(v session.ProtocolVersion) Commands {
	if v == session.VersionLegacy {
		return LegacyCommands
	}
	return CurrentCommands
}

// transportInfoSize is version(1) | maxSend(2) | optimumSend(2) | maxReceive(2).
const transportInfoSize = 7

// EncodeTransportInfo builds a transport info response body.
func EncodeTransportInfo(p transport.TransportParameters) []byte {
	buf := []byte{p.Version}
	buf = binary.BigEndian.AppendUint16(buf, uint16(p.MaxSend))
	buf = binary.BigEndian.AppendUint16(buf, uint16(p.OptimumSend))
	return binary.BigEndian.AppendUint16(buf, uint16(p.MaxReceive))
}

// ParseTransportInfo decodes a transport info response body.
func ParseTransportInfo(data []byte) (transport.TransportParameters, error) {
	if len(data) < transportInfoSize {
		return transport.TransportParameters{}, fmt.Errorf("%w: transport info % X", ErrMalformedPDU, data)
	}
	return transport.TransportParameters{
		Version:     data[0],
		MaxSend:     int(binary.BigEndian.Uint16(data[1:3])),
		OptimumSend: int(binary.BigEndian.Uint16(data[3:5])),
		MaxReceive:  int(binary.BigEndian.Uint16(data[5:7])),
	}, nil
}

// frameOverhead is the codec header in front of a command body.
func frameOverhead(v session.ProtocolVersion) int {
	if v == session.VersionLegacy {
		return message.LegacyHeaderSize
	}
	return message.CurrentHeaderSize
}
