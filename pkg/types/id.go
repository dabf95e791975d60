package types

import (
	"encoding/base32"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Client order ids are the sole reconciliation key, so their shape is
// load-bearing:
//
//	client_order_id := pair "_" basket_id "_" side-letter "_" slot
//	slot            := level index (1..N) | TP1 | TP2 | TRAIL | EMERGENCY
//
// The venue caps client ids at 36 characters from [A-Za-z0-9_]. Basket ids
// are minted 13 characters long so the longest slot still fits any pair up
// to 10 characters.

// MaxClientOrderIDLen is the venue's client-id length cap.
const MaxClientOrderIDLen = 36

// BasketIDLen is the length of ids minted by NewBasketID.
const BasketIDLen = 13

// MaxPairLen keeps pair + basket id + the EMERGENCY slot within the cap.
const MaxPairLen = MaxClientOrderIDLen - BasketIDLen - len(SlotEmergency) - 4

// Sell-plan and emergency slots.
const (
	SlotTP1       = "TP1"
	SlotTP2       = "TP2"
	SlotTrail     = "TRAIL"
	SlotEmergency = "EMERGENCY"
)

// base32hex preserves byte order lexicographically, unlike standard base32,
// so encoded basket ids sort by creation time.
var basketEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// NewBasketID mints a 13-character, time-ordered basket id. The source is
// a UUIDv7: its first 8 bytes carry the unix-millisecond timestamp plus a
// monotonic sequence, which base32hex encoding keeps sortable.
func NewBasketID() string {
	return basketIDFrom(uuid.Must(uuid.NewV7()))
}

func basketIDFrom(u uuid.UUID) string {
	return basketEncoding.EncodeToString(u[:8])
}

// LevelSlot renders the slot for grid level index i (zero-based input,
// one-based slot per the id grammar).
func LevelSlot(i int) string {
	return strconv.Itoa(i + 1)
}

// BuildClientID assembles the deterministic client order id for one slot
// of one basket.
func BuildClientID(pair, basketID string, side Side, slot string) string {
	return pair + "_" + basketID + "_" + side.Letter() + "_" + slot
}

// ClientIDPrefix is the namespace shared by every order a basket owns.
func ClientIDPrefix(pair, basketID string) string {
	return pair + "_" + basketID + "_"
}

// OwnsClientID reports whether a venue-observed client id belongs to the
// given basket's namespace.
func OwnsClientID(clientID, pair, basketID string) bool {
	return strings.HasPrefix(clientID, ClientIDPrefix(pair, basketID))
}

// ValidClientID checks the venue's length and character constraints.
func ValidClientID(id string) bool {
	if id == "" || len(id) > MaxClientOrderIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return false
		}
	}
	return true
}
