package types

import (
	"github.com/google/uuid"
)

type SessionID string
type ItemID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewItemID() ItemID {
	return ItemID(uuid.New().String())
}

// DeriveItemID returns a stable id for items synthesized from events that do
// not carry one, so replaying the same event produces the same item.
func DeriveItemID(prefix string, parts ...string) ItemID {
	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte(prefix))
	key := ""
	for _, p := range parts {
		key += p + "\x00"
	}
	return ItemID(prefix + "-" + uuid.NewSHA1(ns, []byte(key)).String())
}
