package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Role represents user roles in the system
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleManager   Role = "manager"
	RoleInspector Role = "inspector"
	RoleOperator  Role = "operator"
	RoleViewer    Role = "viewer"
)

// Permission actions checked by the API and the odometer engine.
const (
	PermRecordOdometer  = "record_odometer"
	PermCorrectOdometer = "correct_odometer"
	PermViewOdometer    = "view_odometer"
	PermViewMaintenance = "view_maintenance"
	PermManageVehicles  = "manage_vehicles"
	PermManageUsers     = "manage_users"
)

// User represents a user in the system
type User struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Username  string             `bson:"username" json:"username"`
	Email     string             `bson:"email" json:"email"`
	Phone     string             `bson:"phone,omitempty" json:"phone,omitempty"`
	Role      Role               `bson:"role" json:"role"`
	FirstName string             `bson:"first_name" json:"first_name"`
	LastName  string             `bson:"last_name" json:"last_name"`
	IsActive  bool               `bson:"is_active" json:"is_active"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at" json:"updated_at"`
}

// Claims represents JWT claims
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
	Exp      int64  `json:"exp"`
}

// IsValidRole checks if a role is valid
func IsValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleManager, RoleInspector, RoleOperator, RoleViewer:
		return true
	default:
		return false
	}
}

// HasPermission checks if a user has permission for a specific action
func (u *User) HasPermission(action string) bool {
	return u.Role.Allows(action)
}

// Allows checks if the role grants a specific action
func (r Role) Allows(action string) bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleManager:
		return action != PermManageUsers && action != PermCorrectOdometer
	case RoleInspector:
		return action == PermCorrectOdometer || action == PermRecordOdometer ||
			action == PermViewOdometer || action == PermViewMaintenance
	case RoleOperator:
		return action == PermRecordOdometer || action == PermViewOdometer ||
			action == PermViewMaintenance
	case RoleViewer:
		return action == PermViewOdometer || action == PermViewMaintenance
	default:
		return false
	}
}

// Contact returns the address alerts are delivered to.
func (u *User) Contact() string {
	if u.Email != "" {
		return u.Email
	}
	return u.Phone
}
