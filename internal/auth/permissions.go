// Package auth provides authentication, JWT issuance, and RBAC permissions.
package auth

// Permission identifies one grantable action as "resource:action".
type Permission string

// All grantable permissions.
const (
	PermUserRead   Permission = "user:read"
	PermUserCreate Permission = "user:create"
	PermUserUpdate Permission = "user:update"
	PermUserDelete Permission = "user:delete"
	PermUserAdmin  Permission = "user:admin"

	PermChatRead   Permission = "chat:read"
	PermChatCreate Permission = "chat:create"
	PermChatUpdate Permission = "chat:update"
	PermChatDelete Permission = "chat:delete"
	PermChatAdmin  Permission = "chat:admin"

	PermAgentUse    Permission = "agent:use"
	PermAgentConfig Permission = "agent:config"
	PermAgentAdmin  Permission = "agent:admin"

	PermSystemConfig Permission = "system:config"
	PermSystemLogs   Permission = "system:logs"
	PermSystemAdmin  Permission = "system:admin"

	PermRoleRead   Permission = "role:read"
	PermRoleCreate Permission = "role:create"
	PermRoleUpdate Permission = "role:update"
	PermRoleDelete Permission = "role:delete"
)

// Built-in role names.
const (
	RoleGuest   = "guest"
	RoleUser    = "user"
	RolePremium = "premium"
	RoleAdmin   = "admin"
)

type roleDef struct {
	level       int
	description string
	permissions []Permission
}

// PermissionRegistry is the static role/permission lookup table. It is
// constructed once and injected into services that need authorization
// decisions; it holds no mutable state.
type PermissionRegistry struct {
	roles map[string]roleDef
}

// NewPermissionRegistry builds the registry with the built-in role
// hierarchy. The admin role carries every permission.
func NewPermissionRegistry() *PermissionRegistry {
	return &PermissionRegistry{
		roles: map[string]roleDef{
			RoleGuest: {
				level:       0,
				description: "Unauthenticated or trial access",
				permissions: []Permission{
					PermChatRead,
				},
			},
			RoleUser: {
				level:       1,
				description: "Standard registered user",
				permissions: []Permission{
					PermUserRead, PermUserUpdate,
					PermChatRead, PermChatCreate, PermChatUpdate, PermChatDelete,
					PermAgentUse,
				},
			},
			RolePremium: {
				level:       2,
				description: "Paid tier with agent configuration",
				permissions: []Permission{
					PermUserRead, PermUserUpdate,
					PermChatRead, PermChatCreate, PermChatUpdate, PermChatDelete,
					PermAgentUse, PermAgentConfig,
				},
			},
			RoleAdmin: {
				level:       3,
				description: "Full administrative access",
				permissions: allPermissions(),
			},
		},
	}
}

func allPermissions() []Permission {
	return []Permission{
		PermUserRead, PermUserCreate, PermUserUpdate, PermUserDelete, PermUserAdmin,
		PermChatRead, PermChatCreate, PermChatUpdate, PermChatDelete, PermChatAdmin,
		PermAgentUse, PermAgentConfig, PermAgentAdmin,
		PermSystemConfig, PermSystemLogs, PermSystemAdmin,
		PermRoleRead, PermRoleCreate, PermRoleUpdate, PermRoleDelete,
	}
}

// RolePermissions returns the permission set for a role name, or nil
// for an unknown role.
func (r *PermissionRegistry) RolePermissions(role string) []Permission {
	def, ok := r.roles[role]
	if !ok {
		return nil
	}
	out := make([]Permission, len(def.permissions))
	copy(out, def.permissions)
	return out
}

// HasPermission reports whether the named role grants the permission.
// Unknown roles grant nothing.
func (r *PermissionRegistry) HasPermission(role string, perm Permission) bool {
	def, ok := r.roles[role]
	if !ok {
		return false
	}
	for _, p := range def.permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// RoleLevel returns the privilege level for a role name, or -1 for an
// unknown role.
func (r *PermissionRegistry) RoleLevel(role string) int {
	def, ok := r.roles[role]
	if !ok {
		return -1
	}
	return def.level
}

// RoleDescription returns the human-readable description for a role.
func (r *PermissionRegistry) RoleDescription(role string) string {
	return r.roles[role].description
}

// RoleNames returns every built-in role name.
func (r *PermissionRegistry) RoleNames() []string {
	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	return names
}

// AllPermissions returns every grantable permission.
func (r *PermissionRegistry) AllPermissions() []Permission {
	return allPermissions()
}
