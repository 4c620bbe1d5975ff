package tasks

import (
	"fmt"
	"strings"
)

// Role says which side of a task a stop serves.
type Role string

const (
	RoleSupply   Role = "supply"
	RoleDelivery Role = "delivery"
	RoleBoth     Role = "both"
)

type Stop struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

func (s Stop) Supplies() bool {
	return s.Role == RoleSupply || s.Role == RoleBoth
}

func (s Stop) Delivers() bool {
	return s.Role == RoleDelivery || s.Role == RoleBoth
}

func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return RoleBoth, nil
	case RoleSupply:
		return RoleSupply, nil
	case RoleDelivery:
		return RoleDelivery, nil
	case RoleBoth:
		return RoleBoth, nil
	default:
		return "", fmt.Errorf("unknown stop role %q", raw)
	}
}
