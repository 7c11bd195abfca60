// Package authz implements role- and ownership-based authorization. The
// evaluation order is fixed: role permissions, then default permissions
// granted to every authenticated user, then ownership, then deny.
package authz

import (
	"strings"

	"github.com/trybotster/webterm-hubd/internal/apierror"
)

// Permission is an action a caller may attempt against a session.
type Permission string

const (
	CreateSession    Permission = "create_session"
	ViewSession      Permission = "view_session"
	SendInput        Permission = "send_input"
	KillSession      Permission = "kill_session"
	ListAllSessions  Permission = "list_all_sessions"
	KillAnySession   Permission = "kill_any_session"
)

// Role is a named bundle of default permissions.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleUser     Role = "user"
	RoleReadOnly Role = "readonly"
)

// ParseRole normalizes a role string, matching case-insensitively.
func ParseRole(s string) Role {
	return Role(strings.ToLower(s))
}

// DefaultRolePermissions returns the built-in permission set for role.
func DefaultRolePermissions(role Role) []Permission {
	switch role {
	case RoleAdmin:
		return []Permission{CreateSession, ViewSession, SendInput, KillSession, ListAllSessions, KillAnySession}
	case RoleUser:
		return []Permission{CreateSession, ViewSession, SendInput, KillSession}
	case RoleReadOnly:
		return []Permission{ViewSession}
	default:
		return nil
	}
}

// OwnershipRules controls which permissions are additionally granted to
// the owner of a resource, independent of role.
type OwnershipRules struct {
	ViewOwn  bool
	KillOwn  bool
	InputOwn bool
}

// DefaultOwnershipRules matches the built-in defaults: an owner may always
// view, kill, and send input to their own sessions.
func DefaultOwnershipRules() OwnershipRules {
	return OwnershipRules{ViewOwn: true, KillOwn: true, InputOwn: true}
}

// Rules is the full, possibly config-overridden, permission table.
type Rules struct {
	RolePermissions    map[Role][]Permission
	DefaultPermissions []Permission
	Ownership          OwnershipRules
}

// DefaultRules builds the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		RolePermissions: map[Role][]Permission{
			RoleAdmin:    DefaultRolePermissions(RoleAdmin),
			RoleUser:     DefaultRolePermissions(RoleUser),
			RoleReadOnly: DefaultRolePermissions(RoleReadOnly),
		},
		DefaultPermissions: []Permission{CreateSession, ViewSession},
		Ownership:          DefaultOwnershipRules(),
	}
}

func contains(perms []Permission, p Permission) bool {
	for _, existing := range perms {
		if existing == p {
			return true
		}
	}
	return false
}

// Service evaluates permission checks against a fixed Rules table.
type Service struct {
	rules Rules
}

// NewService builds a Service from rules.
func NewService(rules Rules) *Service {
	return &Service{rules: rules}
}

// WithDefaults builds a Service using the built-in rule set.
func WithDefaults() *Service {
	return NewService(DefaultRules())
}

// RolePermissions returns the permission set for role, falling back to the
// default permissions granted to every authenticated user if the role is
// unrecognized.
func (s *Service) RolePermissions(role Role) []Permission {
	if perms, ok := s.rules.RolePermissions[role]; ok {
		return perms
	}
	return s.rules.DefaultPermissions
}

func (s *Service) ownershipGrants(perm Permission) bool {
	switch perm {
	case ViewSession:
		return s.rules.Ownership.ViewOwn
	case KillSession:
		return s.rules.Ownership.KillOwn
	case SendInput:
		return s.rules.Ownership.InputOwn
	default:
		return false
	}
}

// Check evaluates whether userID with role may perform perm against a
// resource owned by resourceOwner (nil if the action is not
// resource-scoped). Evaluation order: role permissions, then default
// permissions, then ownership, then deny.
func (s *Service) Check(userID string, role Role, perm Permission, resourceOwner *string) error {
	if contains(s.rules.RolePermissions[role], perm) {
		return nil
	}
	if contains(s.rules.DefaultPermissions, perm) {
		return nil
	}
	if resourceOwner != nil && *resourceOwner == userID && s.ownershipGrants(perm) {
		return nil
	}
	return apierror.Forbidden("permission denied: " + string(perm))
}

// AuthorizeSessionAction is a convenience wrapper for Check against a
// specific session owner.
func (s *Service) AuthorizeSessionAction(userID string, role Role, perm Permission, sessionOwner string) error {
	return s.Check(userID, role, perm, &sessionOwner)
}

// CheckSessionOwnership reports whether userID owns the resource.
func CheckSessionOwnership(userID, resourceOwner string) bool {
	return userID == resourceOwner
}
