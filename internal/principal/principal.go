// Package principal maps transport-specific addresses (account handles, room
// handles, handle lists) to canonical internal identifiers and back.
package principal

import "strings"

// Principal is the canonical address of a remote party or group: either a
// bare room id or an ordered list of bare account ids. Exactly one of the two
// is set.
type Principal struct {
	Room     string
	Accounts []string
}

// Account builds a single-account principal.
func Account(id string) Principal {
	return Principal{Accounts: []string{id}}
}

// Room builds a room principal.
func Room(id string) Principal {
	return Principal{Room: id}
}

func (p Principal) IsRoom() bool {
	return p.Room != ""
}

// IsGroup reports whether the principal addresses more than one party.
func (p Principal) IsGroup() bool {
	return p.IsRoom() || len(p.Accounts) > 1
}

// IsZero reports an unaddressable principal.
func (p Principal) IsZero() bool {
	return p.Room == "" && len(p.Accounts) == 0
}

// Contains reports whether the account id is one of the principal's accounts.
// Always false for room principals; room eligibility is a live membership
// question for the transport, not an address property.
func (p Principal) Contains(account string) bool {
	for _, a := range p.Accounts {
		if a == account {
			return true
		}
	}
	return false
}

// Key returns a stable identity for use as a map key.
func (p Principal) Key() string {
	if p.IsRoom() {
		return "room/" + p.Room
	}
	return "acct/" + strings.Join(p.Accounts, ",")
}

// Normalizer strips configured transport prefixes off raw addresses.
// Normalization is pure: an address with no known prefix passes through
// unchanged as a single account id.
type Normalizer struct {
	AccountPrefix string
	RoomPrefix    string
}

// Normalize canonicalizes a scalar transport address.
func (n Normalizer) Normalize(raw string) Principal {
	if n.RoomPrefix != "" && strings.HasPrefix(raw, n.RoomPrefix) {
		return Room(strings.TrimPrefix(raw, n.RoomPrefix))
	}
	if n.AccountPrefix != "" && strings.HasPrefix(raw, n.AccountPrefix) {
		return Account(strings.TrimPrefix(raw, n.AccountPrefix))
	}
	return Account(raw)
}

// NormalizeList canonicalizes an ordered list of account addresses.
func (n Normalizer) NormalizeList(raw []string) Principal {
	accounts := make([]string, len(raw))
	for i, r := range raw {
		if n.AccountPrefix != "" && strings.HasPrefix(r, n.AccountPrefix) {
			accounts[i] = strings.TrimPrefix(r, n.AccountPrefix)
		} else {
			accounts[i] = r
		}
	}
	return Principal{Accounts: accounts}
}

// Display renders the principal with transport prefixes re-attached. Display
// form is for humans; it is not guaranteed byte-identical to the original
// transport address.
func (n Normalizer) Display(p Principal) string {
	if p.IsRoom() {
		return n.RoomPrefix + p.Room
	}
	parts := make([]string, len(p.Accounts))
	for i, a := range p.Accounts {
		parts[i] = n.AccountPrefix + a
	}
	return strings.Join(parts, ",")
}
