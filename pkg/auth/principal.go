package auth

// PrincipalType discriminates the Principal union
type PrincipalType string

const (
	PrincipalTypeUser    PrincipalType = "user"
	PrincipalTypeService PrincipalType = "service"
)

// Principal is the authenticated identity attached to a request. It is a
// sealed union: only User and Service implement it, so switches over the
// concrete type can be exhaustive.
type Principal interface {
	Type() PrincipalType
	// Subject is the log-friendly identity: user id or service name
	Subject() string

	isPrincipal()
}

// User is an end-user principal built from verified bearer-token claims
type User struct {
	ID       string
	Email    string
	Username string
	Roles    []string
	Scopes   []string
}

func (u *User) Type() PrincipalType { return PrincipalTypeUser }
func (u *User) Subject() string     { return u.ID }
func (u *User) isPrincipal()        {}

// HasRole reports whether the user carries the given role
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasScope reports whether the token granted the given scope
func (u *User) HasScope(scope string) bool {
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Service is an internal caller verified through a service token
type Service struct {
	Name string
}

func (s *Service) Type() PrincipalType { return PrincipalTypeService }
func (s *Service) Subject() string     { return s.Name }
func (s *Service) isPrincipal()        {}
