package models

// LoginRequest is the body of POST /users/auth/login/.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is an open, role-tagged registration form. Known fields are
// listed for convenience; Fields carries anything else and wins on conflict.
type RegisterRequest struct {
	Email     string
	Password  string
	Username  string
	FirstName string
	LastName  string
	Role      string
	Fields    map[string]any
}

// Payload flattens the request into the JSON object sent to the backend.
// Empty optional fields are omitted so the backend applies its own defaults.
func (r RegisterRequest) Payload() map[string]any {
	out := map[string]any{
		"email":    r.Email,
		"password": r.Password,
	}
	for key, value := range map[string]string{
		"username":   r.Username,
		"first_name": r.FirstName,
		"last_name":  r.LastName,
		"role":       r.Role,
	} {
		if value != "" {
			out[key] = value
		}
	}
	for k, v := range r.Fields {
		out[k] = v
	}
	return out
}

// AuthResponse is returned by login and register.
type AuthResponse struct {
	Access  string    `json:"access"`
	Refresh string    `json:"refresh"`
	User    *AuthUser `json:"user"`
}

// RefreshRequest is the body of POST /users/auth/refresh/.
type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

// RefreshResponse carries the newly minted access token.
type RefreshResponse struct {
	Access string `json:"access"`
}

// DetailResponse is the generic {"detail": "..."} body.
type DetailResponse struct {
	Detail string `json:"detail"`
}
