package models

import "time"

// User roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	ID          int64      `json:"id" example:"1"`
	Email       string     `json:"email" example:"user@example.com"`
	FirstName   string     `json:"first_name" example:"John"`
	LastName    string     `json:"last_name" example:"Doe"`
	PhoneNumber string     `json:"phone_number" example:"+256701234567"`
	Role        string     `json:"role" example:"user"`
	LastLogin   *time.Time `json:"last_login,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
