package chat

// CanParticipate reports whether actor may read and post in room: exactly the buyer or the
// seller. Read and write share this rule.
func CanParticipate(actor ActorID, room Room) bool {
	return actor.Valid() && (actor == room.BuyerID || actor == room.SellerID)
}

// RoleOf returns the role actor plays in room.
func RoleOf(actor ActorID, room Room) (Role, bool) {
	switch {
	case !actor.Valid():
		return "", false
	case actor == room.BuyerID:
		return RoleBuyer, true
	case actor == room.SellerID:
		return RoleSeller, true
	}
	return "", false
}
