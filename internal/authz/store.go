package authz

import (
	"context"
	"sync"
)

// MemoryIdentityStore is a mutex-guarded role and permission assignment
// table keyed by user id.
type MemoryIdentityStore struct {
	mu    sync.RWMutex
	roles map[string][]string
	perms map[string][]string
}

// NewMemoryIdentityStore constructs an empty assignment table.
func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{
		roles: map[string][]string{},
		perms: map[string][]string{},
	}
}

// AssignRoles replaces the role set for a user.
func (s *MemoryIdentityStore) AssignRoles(userID string, roles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[userID] = append([]string(nil), roles...)
}

// GrantPermissions replaces the direct permission set for a user.
func (s *MemoryIdentityStore) GrantPermissions(userID string, perms ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perms[userID] = append([]string(nil), perms...)
}

// Revoke removes all assignments for a user.
func (s *MemoryIdentityStore) Revoke(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles, userID)
	delete(s.perms, userID)
}

// Lookup implements IdentityStore. Unknown users resolve to empty sets,
// not an error; the engine's default policy decides for them.
func (s *MemoryIdentityStore) Lookup(_ context.Context, userID string) ([]string, []string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.roles[userID]...), append([]string(nil), s.perms[userID]...), nil
}
