package convkey

import (
	"fmt"
	"strings"
)

// Key prefix keeps 1:1 conversation keys apart from any future key space.
const dmPrefix = "dm:"

// IsValidID reports whether an identifier may participate in a key. User ids
// are opaque store keys; the ":" separator is reserved for the key itself.
func IsValidID(id string) bool {
	return id != "" && !strings.Contains(id, ":")
}

// Derive maps two participant ids to the canonical conversation key. The
// smaller id under lexicographic order goes first, so Derive(a, b) ==
// Derive(b, a) and both sides of a conversation land on the same feed path.
//
// Equal or invalid ids are a caller bug, not a runtime condition.
func Derive(selfID, peerID string) string {
	if !IsValidID(selfID) || !IsValidID(peerID) {
		panic(fmt.Sprintf("convkey: invalid participant id %q / %q", selfID, peerID))
	}
	if selfID == peerID {
		panic(fmt.Sprintf("convkey: participants must differ, got %q twice", selfID))
	}
	if selfID < peerID {
		return dmPrefix + selfID + ":" + peerID
	}
	return dmPrefix + peerID + ":" + selfID
}
