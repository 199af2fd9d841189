package entity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleStandard   Role = "standard"
	RolePrivileged Role = "privileged"
)

func (r Role) Valid() bool {
	return r == RoleStandard || r == RolePrivileged
}

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleStandard, RolePrivileged:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Principal is an authenticated requester. Quota is the remaining compute
// allowance in seconds and is only changed through the ledger.
type Principal struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	Quota     int64     `json:"quota"`
	CreatedAt time.Time `json:"created_at"`
}

func (p *Principal) Privileged() bool {
	return p != nil && p.Role == RolePrivileged
}
