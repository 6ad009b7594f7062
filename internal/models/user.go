package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
)

// AuthUser is the denormalized snapshot of the authenticated identity.
// Fields the backend sends that are not modelled here are kept in Extra
// and written back out unchanged. Numbers in Extra decode as json.Number.
type AuthUser struct {
	ID        *int64
	Email     string
	Username  string
	FirstName string
	LastName  string
	Role      string
	ProfileID *int64
	Extra     map[string]any
}

var knownUserKeys = map[string]struct{}{
	"id": {}, "email": {}, "username": {}, "first_name": {},
	"last_name": {}, "role": {}, "profile_id": {},
}

// NormalizedRole returns the lower-cased role or "" when absent.
func (u *AuthUser) NormalizedRole() string {
	if u == nil {
		return ""
	}
	return NormalizeRole(u.Role)
}

// Clone returns a copy that shares no mutable state with u.
func (u *AuthUser) Clone() *AuthUser {
	if u == nil {
		return nil
	}
	out := *u
	if u.ID != nil {
		id := *u.ID
		out.ID = &id
	}
	if u.ProfileID != nil {
		pid := *u.ProfileID
		out.ProfileID = &pid
	}
	if u.Extra != nil {
		out.Extra = maps.Clone(u.Extra)
	}
	return &out
}

// MarshalJSON flattens known fields and Extra into one object.
func (u AuthUser) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(u.Extra)+7)
	for k, v := range u.Extra {
		if _, known := knownUserKeys[k]; known {
			continue
		}
		out[k] = v
	}
	if u.ID != nil {
		out["id"] = *u.ID
	}
	if u.Email != "" {
		out["email"] = u.Email
	}
	if u.Username != "" {
		out["username"] = u.Username
	}
	if u.FirstName != "" {
		out["first_name"] = u.FirstName
	}
	if u.LastName != "" {
		out["last_name"] = u.LastName
	}
	if u.Role != "" {
		out["role"] = u.Role
	}
	if u.ProfileID != nil {
		out["profile_id"] = *u.ProfileID
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the backend's user object. A JSON null for id or
// profile_id leaves the field unset.
func (u *AuthUser) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("user payload is null")
	}

	var parsed AuthUser
	var err error
	if parsed.ID, err = optionalInt(raw["id"]); err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	if parsed.ProfileID, err = optionalInt(raw["profile_id"]); err != nil {
		return fmt.Errorf("user profile_id: %w", err)
	}
	for key, dst := range map[string]*string{
		"email":      &parsed.Email,
		"username":   &parsed.Username,
		"first_name": &parsed.FirstName,
		"last_name":  &parsed.LastName,
		"role":       &parsed.Role,
	} {
		if *dst, err = optionalString(raw[key]); err != nil {
			return fmt.Errorf("user %s: %w", key, err)
		}
	}

	for key, value := range raw {
		if _, known := knownUserKeys[key]; known {
			continue
		}
		// Numbers stay json.Number so large ids survive a round trip.
		dec := json.NewDecoder(bytes.NewReader(value))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("user %s: %w", key, err)
		}
		if parsed.Extra == nil {
			parsed.Extra = make(map[string]any)
		}
		parsed.Extra[key] = v
	}

	*u = parsed
	return nil
}

func optionalInt(raw json.RawMessage) (*int64, error) {
	if isNull(raw) {
		return nil, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func optionalString(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
