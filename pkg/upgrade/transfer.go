package upgrade

import (
	"encoding/binary"

	"github.com/backkem/gaia/pkg/transport"
	"golang.org/x/crypto/blake2b"
)

// Settings control how a transfer is carried out.
type Settings struct {
	// AutoCommit confirms the commit without waiting for Commit.
	AutoCommit bool

	// UseRWCP sends image bytes over RWCP when the connection is GATT.
	UseRWCP bool

	// InitialWindow and MaxWindow size the RWCP window. Zero selects the
	// RWCP defaults.
	InitialWindow int
	MaxWindow     int

	// ChunkSize caps the image bytes per DATA PDU. Zero means as large as
	// the connection allows.
	ChunkSize int
}

// Transfer is everything needed to start an update or resume it on a later
// session.
type Transfer struct {
	// Destination is the equivalent identity set of the target accessory.
	Destination []transport.Identity

	Settings Settings

	// File is the image.
	File []byte
}

// FileID is the image identity sent in SYNC_REQ: the first four bytes of
// the image's BLAKE2b-256 digest.
func (t Transfer) FileID() uint32 {
	return FileID(t.File)
}

// Digest returns the image's BLAKE2b-256 digest.
func (t Transfer) Digest() [blake2b.Size256]byte {
	return blake2b.Sum256(t.File)
}

// FileID computes the SYNC_REQ identity of an image.
func FileID(file []byte) uint32 {
	sum := blake2b.Sum256(file)
	return binary.BigEndian.Uint32(sum[:4])
}

func (t Transfer) clone() Transfer {
	t.Destination = append([]transport.Identity(nil), t.Destination...)
	t.File = append([]byte(nil), t.File...)
	return t
}
