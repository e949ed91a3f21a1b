package domain

import "time"

// FollowedAccount is one account the local user follows. The set is replaced
// wholesale each time the follow graph is fetched.
type FollowedAccount struct {
	DID          string
	Handle       string
	DisplayName  string
	Avatar       string
	ServerURL    string    // home server, empty until resolved
	LastSyncedAt time.Time // zero until the account has been checked once
}

// Label identifies the account in logs and error strings.
func (a FollowedAccount) Label() string {
	if a.Handle == "" {
		return a.DID
	}
	return a.Handle + " (" + a.DID + ")"
}
