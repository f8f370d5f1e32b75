package discovery

import (
	"fmt"
	"strconv"
	"strings"
)

// TXT record keys of the accessory service.
const (
	// TXTKeyModel is the accessory model; it forms the stream identity.
	TXTKeyModel = "model"

	// TXTKeySerial is the primary serial number, if known.
	TXTKeySerial = "serial"

	// TXTKeyProtocol is the protocol major version the accessory speaks.
	TXTKeyProtocol = "proto"

	// TXTKeyName is a human readable name.
	TXTKeyName = "name"
)

// MaxTXTValueLength bounds a single TXT value. A TXT string is at most 255
// bytes including the key and '='.
const MaxTXTValueLength = 200

// AccessoryTXT holds the TXT records of _gaia._tcp.
type AccessoryTXT struct {
	// Model is required.
	Model string

	// Serial is optional; accessories that only learn it late leave it
	// empty and the session resolves it after connecting.
	Serial string

	// Protocol is the protocol major version (2 legacy, 3 current).
	// Zero omits the key.
	Protocol int

	Name string
}

// Encode returns the TXT records as key=value strings. Empty optional keys
// are omitted.
func (a *AccessoryTXT) Encode() []string {
	records := []string{TXTKeyModel + "=" + a.Model}
	if a.Serial != "" {
		records = append(records, TXTKeySerial+"="+a.Serial)
	}
	if a.Protocol != 0 {
		records = append(records, TXTKeyProtocol+"="+strconv.Itoa(a.Protocol))
	}
	if a.Name != "" {
		records = append(records, TXTKeyName+"="+a.Name)
	}
	return records
}

// Validate checks the TXT values.
func (a *AccessoryTXT) Validate() error {
	if strings.TrimSpace(a.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidTXTRecord)
	}
	for key, v := range map[string]string{TXTKeyModel: a.Model, TXTKeySerial: a.Serial, TXTKeyName: a.Name} {
		if len(v) > MaxTXTValueLength {
			return fmt.Errorf("%w: %s longer than %d bytes", ErrInvalidTXTRecord, key, MaxTXTValueLength)
		}
		if strings.ContainsRune(v, ':') && key != TXTKeyName {
			return fmt.Errorf("%w: %s must not contain ':'", ErrInvalidTXTRecord, key)
		}
	}
	if a.Protocol < 0 || a.Protocol > 255 {
		return fmt.Errorf("%w: protocol %d", ErrInvalidTXTRecord, a.Protocol)
	}
	return nil
}

// ParseTXT parses raw TXT record strings into a map.
func ParseTXT(records []string) map[string]string {
	result := make(map[string]string)
	for _, record := range records {
		if idx := strings.IndexByte(record, '='); idx > 0 {
			key := record[:idx]
			value := record[idx+1:]
			result[key] = value
		}
	}
	return result
}

// ParseAccessoryTXT parses raw TXT records into AccessoryTXT.
func ParseAccessoryTXT(records []string) (*AccessoryTXT, error) {
	m := ParseTXT(records)

	txt := &AccessoryTXT{
		Model:  m[TXTKeyModel],
		Serial: m[TXTKeySerial],
		Name:   m[TXTKeyName],
	}
	if v, ok := m[TXTKeyProtocol]; ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeyProtocol, v)
		}
		txt.Protocol = p
	}
	if err := txt.Validate(); err != nil {
		return nil, err
	}
	return txt, nil
}
