package auth

// Identity is the verified per-request identity every enforcement decision is
// made against. All per-frame logic is pure over this record.
type Identity struct {
	OrgID       string
	UserID      string
	Email       string
	Roles       []string
	Permissions []string
}

// HasPermission reports whether the identity carries a permission. A literal
// "*" grants everything; "events:*" grants every action in the events group.
func (id *Identity) HasPermission(perm string) bool {
	for _, p := range id.Permissions {
		if p == perm || p == "*" {
			return true
		}
		if n := len(p); n > 1 && p[n-1] == '*' && p[n-2] == ':' {
			if len(perm) >= n-1 && perm[:n-1] == p[:n-1] {
				return true
			}
		}
	}
	return false
}

// HasRole reports whether the identity carries a role.
func (id *Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}
