package auth

import "time"

type Role string

const (
	RoleClient     Role = "client"
	RoleAuditor    Role = "auditor"
	RoleArbitrator Role = "arbitrator"
)

// User is the domain representation of a marketplace identity.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID            string
	Email         string
	FullName      string
	PasswordHash  string
	Role          Role
	WalletAddress *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email         string  `json:"email"`
	Password      string  `json:"password"`
	FullName      string  `json:"full_name"`
	Role          Role    `json:"role"`
	WalletAddress *string `json:"wallet_address,omitempty"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
