package auth

import (
	"encoding/json"
	"sort"
	"strings"
)

// PermissionSet is an unordered set of permission keys.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from keys, ignoring blanks.
func NewPermissionSet(keys ...string) PermissionSet {
	set := make(PermissionSet, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		set[k] = struct{}{}
	}
	return set
}

// Has reports whether key is a member.
func (s PermissionSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Keys returns the members sorted.
func (s PermissionSet) Keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Keys())
}

func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	*s = NewPermissionSet(keys...)
	return nil
}

// Effective computes the union of permissions granted by roles.
func Effective(roles []Role) PermissionSet {
	set := make(PermissionSet)
	for _, r := range roles {
		for _, p := range r.Permissions {
			set[p] = struct{}{}
		}
	}
	return set
}

// Decision is the outcome of evaluating a required permission set.
type Decision struct {
	Granted  bool     `json:"authorized"`
	Required []string `json:"required_permissions"`
	Missing  []string `json:"missing_permissions"`
}

// Err returns nil for a granted decision and a *MissingPermissionsError otherwise.
func (d Decision) Err() error {
	if d.Granted {
		return nil
	}
	return &MissingPermissionsError{Missing: append([]string(nil), d.Missing...)}
}

// Authorize evaluates required against have. Missing keeps the order of
// required, without duplicates. Keys that are not in the catalog are simply
// missing. An empty requirement is always granted.
func Authorize(have PermissionSet, required []string) Decision {
	seen := make(map[string]struct{}, len(required))
	d := Decision{Required: make([]string, 0, len(required)), Missing: []string{}}
	for _, key := range required {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		d.Required = append(d.Required, key)
		if !have.Has(key) {
			d.Missing = append(d.Missing, key)
		}
	}
	d.Granted = len(d.Missing) == 0
	return d
}

// Require is Authorize returning the denial as an error.
func Require(id Identity, required ...string) error {
	return Authorize(id.Permissions, required).Err()
}
