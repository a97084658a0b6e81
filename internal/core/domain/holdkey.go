package domain

import "fmt"

// HoldKey identifies the owner of an inventory hold. Holds taken on behalf
// of an authenticated shopper carry the user id; holds taken for an order
// arriving from another service carry the order's external reference.
type HoldKey struct {
	userID      int64
	externalRef string
}

func UserHold(userID int64) HoldKey {
	return HoldKey{userID: userID}
}

func ExternalHold(ref string) HoldKey {
	return HoldKey{externalRef: ref}
}

func (k HoldKey) IsZero() bool {
	return k.userID == 0 && k.externalRef == ""
}

func (k HoldKey) String() string {
	if k.externalRef != "" {
		return "ref:" + k.externalRef
	}
	return fmt.Sprintf("user:%d", k.userID)
}
