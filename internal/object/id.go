package object

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/converge-vcs/converge/internal/converr"
)

// ID is the hex BLAKE3-256 digest of an object's canonical bytes.
type ID string

const idHexLen = 64

func (id ID) String() string { return string(id) }

// HashBytes computes the object id for raw bytes.
func HashBytes(b []byte) ID {
	sum := blake3.Sum256(b)
	return ID(hex.EncodeToString(sum[:]))
}

// ValidateID checks hex length and charset.
func ValidateID(id ID) error {
	if len(id) != idHexLen {
		return converr.New(converr.KindInvalidID,
			fmt.Errorf("object id must be %d hex chars, got %d", idHexLen, len(id)))
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return converr.New(converr.KindInvalidID,
				fmt.Errorf("object id has invalid char %q at %d", c, i))
		}
	}
	return nil
}
