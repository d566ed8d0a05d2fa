// Package membership supplies group membership and roles to the rest of
// the core. It is a collaborator boundary: the static in-memory provider
// here can be swapped for a real directory without touching callers.
package membership

import (
	"sort"
	"sync"

	"github.com/studycircle/chat-backend/internal/models"
)

// Provider answers role and membership questions per group.
type Provider interface {
	// Role returns the user's role in the group; models.RoleMember for a
	// member without an elevated role, empty for a non-member.
	Role(userID, groupID string) models.Role
	// IsMember reports whether the user belongs to the group.
	IsMember(userID, groupID string) bool
	// Members lists the user ids of a group, sorted.
	Members(groupID string) []string
	// MemberName returns the display name registered for a user.
	MemberName(userID string) string
}

type member struct {
	role models.Role
	name string
}

// StaticProvider is an in-memory Provider seeded at startup.
type StaticProvider struct {
	mu     sync.RWMutex
	groups map[string]map[string]member // groupID -> userID -> member
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{groups: make(map[string]map[string]member)}
}

// AddMember registers a user in a group with a role. An existing entry is
// overwritten.
func (p *StaticProvider) AddMember(groupID, userID, userName string, role models.Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.groups[groupID] == nil {
		p.groups[groupID] = make(map[string]member)
	}
	p.groups[groupID][userID] = member{role: role, name: userName}
}

// RemoveMember drops a user from a group; idempotent.
func (p *StaticProvider) RemoveMember(groupID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.groups[groupID], userID)
}

func (p *StaticProvider) Role(userID, groupID string) models.Role {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.groups[groupID][userID]
	if !ok {
		return ""
	}
	return m.role
}

func (p *StaticProvider) IsMember(userID, groupID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.groups[groupID][userID]
	return ok
}

func (p *StaticProvider) Members(groupID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.groups[groupID]))
	for userID := range p.groups[groupID] {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

func (p *StaticProvider) MemberName(userID string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, group := range p.groups {
		if m, ok := group[userID]; ok {
			return m.name
		}
	}
	return ""
}
