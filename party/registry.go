package party

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"sync"

	"golang.org/x/xerrors"
)

// Identity is the public identity of one role: its transport address, its
// signing key and the key shares are sealed under.
type Identity struct {
	Role    Role
	Address string
	PubKey  *ecdsa.PublicKey
	Account string // hex account derived from PubKey
	SealKey *rsa.PublicKey
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		identities: make(map[Role]*Identity),
		grants:     make(map[Role]map[Action]struct{}),
	}
}

// Registry is the identity and capability table of a run. Membership is fixed
// once the run starts; roles are registered during assembly only.
type Registry struct {
	sync.RWMutex

	identities map[Role]*Identity
	grants     map[Role]map[Action]struct{}
}

// Register adds a role identity with the default capability set of its kind.
func (r *Registry) Register(id *Identity) error {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.identities[id.Role]; ok {
		return xerrors.Errorf("role %s already registered", id.Role)
	}
	r.identities[id.Role] = id
	r.grants[id.Role] = defaultGrants(id.Role)
	return nil
}

// Identity returns the identity registered for the role.
func (r *Registry) Identity(role Role) (*Identity, bool) {
	r.RLock()
	defer r.RUnlock()

	id, ok := r.identities[role]
	return id, ok
}

// AddressOf returns the transport address of the role.
func (r *Registry) AddressOf(role Role) (string, bool) {
	r.RLock()
	defer r.RUnlock()

	id, ok := r.identities[role]
	if !ok {
		return "", false
	}
	return id.Address, true
}

// RoleOfAccount maps a signing account back to its role.
func (r *Registry) RoleOfAccount(account string) (Role, bool) {
	r.RLock()
	defer r.RUnlock()

	for role, id := range r.identities {
		if id.Account == account {
			return role, true
		}
	}
	return "", false
}

// Roles returns all registered roles.
func (r *Registry) Roles() []Role {
	r.RLock()
	defer r.RUnlock()

	roles := make([]Role, 0, len(r.identities))
	for role := range r.identities {
		roles = append(roles, role)
	}
	return roles
}

// Teachers returns the number of registered teacher roles.
func (r *Registry) Teachers() int {
	r.RLock()
	defer r.RUnlock()

	count := 0
	for role := range r.identities {
		if role.IsTeacher() {
			count++
		}
	}
	return count
}

// Check returns nil when the role's capabilities cover the action, and an
// error wrapping ErrUnauthorizedRole otherwise. Unknown roles hold no
// capabilities.
func (r *Registry) Check(role Role, action Action) error {
	r.RLock()
	defer r.RUnlock()

	grants, ok := r.grants[role]
	if !ok {
		return xerrors.Errorf("unknown role %s attempting %s: %w", role, action, ErrUnauthorizedRole)
	}
	if _, ok := grants[action]; !ok {
		return xerrors.Errorf("role %s attempting %s: %w", role, action, ErrUnauthorizedRole)
	}
	return nil
}
