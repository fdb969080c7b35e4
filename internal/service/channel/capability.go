package channel

import "encoding/json"

// Operation is a provider operation a token may allow on a channel pattern.
type Operation string

const (
	Publish   Operation = "publish"
	Subscribe Operation = "subscribe"
)

// Capability maps channel patterns to the operations allowed on them.
type Capability map[string][]Operation

// JSON renders the capability the way the provider expects it in a token claim.
func (c Capability) JSON() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Allows reports whether op is granted on the exact pattern.
func (c Capability) Allows(pattern string, op Operation) bool {
	for _, granted := range c[pattern] {
		if granted == op {
			return true
		}
	}
	return false
}

// UserPatterns lists the channel patterns that cover every conversation of
// a user. The role's own pattern comes first: chat:*:<id> for consultants
// and chat:<id>:* for clients. Because names are sorted, the user may sit in
// either position, so the mirrored pattern is always included.
func UserPatterns(userID string, consultant bool) []string {
	leading := prefix + separator + userID + separator + wildcard
	trailing := prefix + separator + wildcard + separator + userID
	if consultant {
		return []string{trailing, leading}
	}
	return []string{leading, trailing}
}

// Grant builds the capability set for one user: publish and subscribe on
// the user's own channel patterns and nothing else. The result is a superset
// of the role pattern and always holds both entries from UserPatterns.
func Grant(userID string, consultant bool) Capability {
	capability := make(Capability, 2)
	for _, pattern := range UserPatterns(userID, consultant) {
		capability[pattern] = []Operation{Publish, Subscribe}
	}
	return capability
}
