// Package models defines types shared across internal packages.
package models

import "strings"

// Role is the account type a marketplace user acts as.
type Role string

const (
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
)

// ParseRole accepts a role name in any case. The empty Role and false are
// returned for unknown names.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleBuyer:
		return RoleBuyer, true
	case RoleSeller:
		return RoleSeller, true
	}

	return "", false
}

// DashboardPath is the landing page for a role.
func (r Role) DashboardPath() string {
	switch r {
	case RoleBuyer:
		return "/dashboard/buyer"
	case RoleSeller:
		return "/dashboard/seller"
	}

	return "/dashboard"
}

// Profile is the optional profile block some user responses embed.
type Profile struct {
	ID             string         `json:"id"`
	Bio            string         `json:"bio,omitempty"`
	ProfilePicture string         `json:"profile_picture,omitempty"`
	PhoneNumber    string         `json:"phone_number,omitempty"`
	Rating         string         `json:"rating,omitempty"`
	TotalReviews   int            `json:"total_reviews,omitempty"`
	IsFeatured     bool           `json:"is_featured,omitempty"`
	Address        map[string]any `json:"address,omitempty"`
	SocialLinks    map[string]any `json:"social_links,omitempty"`
}

// User is the account record returned by the identity endpoints.
type User struct {
	ID                 string   `json:"id" yaml:"id"`
	Email              string   `json:"email" yaml:"email"`
	FirstName          string   `json:"first_name" yaml:"first_name"`
	LastName           string   `json:"last_name" yaml:"last_name"`
	Role               Role     `json:"user_type,omitempty" yaml:"role,omitempty"`
	VerificationStatus string   `json:"verification_status,omitempty" yaml:"verification_status,omitempty"`
	Profile            *Profile `json:"profile,omitempty" yaml:"-"`
}

// HasRole reports whether the account has been assigned a known role.
func (u *User) HasRole() bool {
	if u == nil {
		return false
	}

	_, ok := ParseRole(string(u.Role))

	return ok
}

// IsVerified reports whether the server marked the account verified.
func (u *User) IsVerified() bool {
	return u != nil && u.VerificationStatus == "VERIFIED"
}

// OAuthResult is the outcome of exchanging an authorization code.
// RoleAssigned is false for new accounts that still need a role.
type OAuthResult struct {
	User         *User
	RoleAssigned bool
}
