package models

import "time"

// Platform identifies the push transport a device token targets.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// DeviceToken is a push endpoint registered by a user's device. Token is
// globally unique and is the registry's primary key.
type DeviceToken struct {
	Token      string    `badgerholdKey:"Token" json:"token"`
	OwnerID    string    `badgerhold:"index" json:"ownerId"`
	Platform   Platform  `json:"platform"`
	Active     bool      `badgerhold:"index" json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}
