package models

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Email      string `json:"email"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Role       Role   `json:"user_type"`
	Password   string `json:"password"`
	RePassword string `json:"re_password"`
}

// UserUpdate is the body of PATCH /auth/me. Nil fields are omitted.
type UserUpdate struct {
	Email     *string  `json:"email,omitempty"`
	FirstName *string  `json:"first_name,omitempty"`
	LastName  *string  `json:"last_name,omitempty"`
	Role      *Role    `json:"user_type,omitempty"`
	Profile   *Profile `json:"profile,omitempty"`
}

// PasswordResetRequest is the body of POST /auth/password-reset.
type PasswordResetRequest struct {
	Email string `json:"email"`
}

// PasswordResetConfirm is the body of POST /auth/password-reset-confirm.
type PasswordResetConfirm struct {
	UID           string `json:"uid"`
	Token         string `json:"token"`
	NewPassword   string `json:"new_password"`
	ReNewPassword string `json:"re_new_password"`
}
