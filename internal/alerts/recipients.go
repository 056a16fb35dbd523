package alerts

import (
	"context"
	"fmt"

	"github.com/ukydev/fleet-odometer/internal/db"
	"github.com/ukydev/fleet-odometer/internal/models"
)

// RecipientSource resolves who receives an alert about a vehicle.
type RecipientSource interface {
	Recipients(ctx context.Context, vehicleID string) ([]string, error)
}

// StaticRecipients is a fixed recipient list.
type StaticRecipients []string

func (s StaticRecipients) Recipients(ctx context.Context, vehicleID string) ([]string, error) {
	return append([]string(nil), s...), nil
}

// RoleRecipients resolves the contacts of active users holding one of Roles.
type RoleRecipients struct {
	Users db.UserCollection
	Roles []models.Role
	// Extra is always appended, e.g. a fleet desk address.
	Extra []string
}

func (r RoleRecipients) Recipients(ctx context.Context, vehicleID string) ([]string, error) {
	users, err := r.Users.FindUsersByRoles(ctx, r.Roles)
	if err != nil {
		return nil, fmt.Errorf("failed to find alert recipients: %w", err)
	}
	seen := make(map[string]bool)
	var out []string
	add := func(contact string) {
		if contact == "" || seen[contact] {
			return
		}
		seen[contact] = true
		out = append(out, contact)
	}
	for i := range users {
		if users[i].IsActive {
			add(users[i].Contact())
		}
	}
	for _, contact := range r.Extra {
		add(contact)
	}
	return out, nil
}
