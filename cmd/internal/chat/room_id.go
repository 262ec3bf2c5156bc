package chat

import (
	"regexp"
	"strings"
)

const (
	roomIDPrefix    = "chat_"
	maxProductIDLen = 64
)

var productIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateProductID checks the product id charset and length.
func ValidateProductID(p ProductID) error {
	s := string(p)
	if s == "" || len(s) > maxProductIDLen || !productIDPattern.MatchString(s) {
		return OpError{Op: "chat.ValidateProductID", Kind: ErrInvalidInput, Msg: "invalid product id"}
	}
	return nil
}

// DeriveRoomID returns the canonical room id chat_{buyer}_{seller}_{product}.
//
// Roles are not interchangeable: (1,2,p) and (2,1,p) are different rooms.
func DeriveRoomID(buyer, seller ActorID, product ProductID) (string, error) {
	const op = "chat.DeriveRoomID"
	if !buyer.Valid() || !seller.Valid() {
		return "", OpError{Op: op, Kind: ErrInvalidInput, Msg: "participant ids must be positive"}
	}
	if buyer == seller {
		return "", OpError{Op: op, Kind: ErrInvalidInput, Msg: "buyer and seller must differ"}
	}
	if err := ValidateProductID(product); err != nil {
		return "", err
	}
	return roomIDPrefix + buyer.String() + "_" + seller.String() + "_" + string(product), nil
}

// ParseRoomID is the inverse of DeriveRoomID. Only canonical ids parse.
func ParseRoomID(id string) (buyer, seller ActorID, product ProductID, err error) {
	bad := OpError{Op: "chat.ParseRoomID", Kind: ErrInvalidInput, Msg: "malformed room id"}

	rest, ok := strings.CutPrefix(id, roomIDPrefix)
	if !ok {
		return 0, 0, "", bad
	}
	parts := strings.SplitN(rest, "_", 3)
	if len(parts) != 3 {
		return 0, 0, "", bad
	}
	if buyer, err = ParseActorID(parts[0]); err != nil {
		return 0, 0, "", bad
	}
	if seller, err = ParseActorID(parts[1]); err != nil {
		return 0, 0, "", bad
	}
	product = ProductID(parts[2])

	// Reject non-canonical spellings such as leading zeros.
	canon, err := DeriveRoomID(buyer, seller, product)
	if err != nil || canon != id {
		return 0, 0, "", bad
	}
	return buyer, seller, product, nil
}
