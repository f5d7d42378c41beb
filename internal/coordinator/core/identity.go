package core

import (
	"slices"
	"time"
)

// APIKeyPrefixLen is the number of leading key characters stored in clear
// and used to look an identity up before the hash is verified.
const APIKeyPrefixLen = 12

// Quota configures a caller's token bucket: Requests per Interval, with at
// most Burst tokens banked.
type Quota struct {
	Requests int
	Interval time.Duration
	Burst    int
}

// Identity is a caller allowed to submit jobs. It is managed outside the
// service; the core only reads it.
type Identity struct {
	ID        string
	Name      string
	KeyPrefix string
	KeyHash   string
	Scopes    []JobType
	Quota     Quota
	Active    bool
	ExpiresAt *time.Time
	CreatedAt time.Time
}

func (i *Identity) Allows(jobType JobType) bool {
	return slices.Contains(i.Scopes, jobType)
}

func (i *Identity) Usable(now time.Time) bool {
	if !i.Active {
		return false
	}
	return i.ExpiresAt == nil || now.Before(*i.ExpiresAt)
}
