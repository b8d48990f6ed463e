// Package auth defines the identity contract the persistence layer accepts
// when resolving users. The authentication/session middleware itself is out
// of scope for the gateway core (see spec Non-goals); this package only
// carries the shape that UserStore.FindOrCreate consumes.
package auth

// UserInfo is the normalized identity handed to UserStore.FindOrCreate,
// regardless of which upstream identity provider authenticated the caller.
type UserInfo struct {
	ID        string
	Provider  string
	Email     string
	Name      string
	AvatarURL string
}
