package guard

import (
	"errors"
	"fmt"
	"strings"
)

type Role string

const (
	RolePatient          Role = "patient"
	RoleAdmin            Role = "admin"
	RoleGP               Role = "gp"
	RoleSpecialist       Role = "specialist"
	RolePharmacy         Role = "pharmacy"
	RoleDiagnosticCenter Role = "diagnostic-center"
)

var ErrInvalidRole = errors.New("invalid role")

var roles = []Role{RolePatient, RoleAdmin, RoleGP, RoleSpecialist, RolePharmacy, RoleDiagnosticCenter}

// Roles returns every known role in a stable order.
func Roles() []Role {
	out := make([]Role, len(roles))
	copy(out, roles)
	return out
}

func (r Role) Valid() bool {
	for _, known := range roles {
		if r == known {
			return true
		}
	}
	return false
}

func (r Role) String() string { return string(r) }

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}
