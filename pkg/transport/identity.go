package transport

import "strings"

// Identity is a stable key for a connection endpoint.
type Identity string

// Identity prefixes.
const (
	prefixGATT    = "gatt:"
	prefixStream  = "stream:"
	prefixAddress = "bt:"
	prefixSerial  = "serial:"
)

// GATTIdentity returns the identity of a GATT peripheral.
func GATTIdentity(peripheralID string) Identity {
	return Identity(prefixGATT + peripheralID)
}

// StreamIdentity returns the identity of an accessory stream endpoint. The
// serial may be empty until the accessory has been interrogated.
func StreamIdentity(model, serial string) Identity {
	return Identity(prefixStream + model + ":" + serial)
}

// AddressIdentity returns the identity derived from a Bluetooth address.
// Separators and case are normalized so "aa-bb-..." and "AA:BB:..." match.
func AddressIdentity(address string) Identity {
	return Identity(prefixAddress + NormalizeAddress(address))
}

// SerialIdentity returns the identity derived from a serial number.
func SerialIdentity(serial string) Identity {
	return Identity(prefixSerial + strings.TrimSpace(serial))
}

// NormalizeAddress canonicalises a Bluetooth address to "AA:BB:CC:DD:EE:FF".
// Inputs that are not 12 hex digits are returned upper-cased and trimmed.
func NormalizeAddress(address string) string {
	var hex []byte
	for i := 0; i < len(address); i++ {
		c := address[i]
		switch {
		case c >= '0' && c <= '9', c >= 'A' && c <= 'F':
			hex = append(hex, c)
		case c >= 'a' && c <= 'f':
			hex = append(hex, c-'a'+'A')
		case c == ':' || c == '-' || c == ' ':
		default:
			return strings.ToUpper(strings.TrimSpace(address))
		}
	}
	if len(hex) != 12 {
		return strings.ToUpper(strings.TrimSpace(address))
	}

	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.Write(hex[i : i+2])
	}
	return b.String()
}

// EquivalentSet builds the set of identities that refer to the same logical
// device as own, given the Bluetooth addresses and serial numbers learned
// during the handshake.
//
// Returns nil when neither addresses nor serials are known. A non-nil result
// always contains own as its first element.
func EquivalentSet(own Identity, addresses, serials []string) []Identity {
	set := []Identity{own}
	seen := map[Identity]bool{own: true}

	add := func(id Identity) {
		if !seen[id] {
			seen[id] = true
			set = append(set, id)
		}
	}

	for _, a := range addresses {
		if strings.TrimSpace(a) != "" {
			add(AddressIdentity(a))
		}
	}
	for _, s := range serials {
		if strings.TrimSpace(s) != "" {
			add(SerialIdentity(s))
		}
	}

	if len(set) == 1 {
		return nil
	}
	return set
}

// Contains returns true if id is a member of set.
func Contains(set []Identity, id Identity) bool {
	for _, s := range set {
		if s == id {
			return true
		}
	}
	return false
}

// Equivalent returns true if the two sets share at least one identity.
func Equivalent(a, b []Identity) bool {
	for _, x := range a {
		if Contains(b, x) {
			return true
		}
	}
	return false
}
