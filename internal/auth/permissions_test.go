package auth

import "testing"

func TestRoleLevelsAreOrdered(t *testing.T) {
	t.Parallel()

	registry := NewPermissionRegistry()
	order := []string{RoleGuest, RoleUser, RolePremium, RoleAdmin}
	for i := 1; i < len(order); i++ {
		lower := registry.RoleLevel(order[i-1])
		higher := registry.RoleLevel(order[i])
		if higher <= lower {
			t.Fatalf("%s (level %d) must outrank %s (level %d)", order[i], higher, order[i-1], lower)
		}
	}
}

func TestGuestIsReadOnly(t *testing.T) {
	t.Parallel()

	registry := NewPermissionRegistry()
	if !registry.HasPermission(RoleGuest, PermChatRead) {
		t.Fatal("guest must be able to read chats")
	}
	for _, denied := range []Permission{PermChatCreate, PermChatDelete, PermSystemAdmin} {
		if registry.HasPermission(RoleGuest, denied) {
			t.Fatalf("guest must not hold %s", denied)
		}
	}
}

func TestAdminHoldsEveryPermission(t *testing.T) {
	t.Parallel()

	registry := NewPermissionRegistry()
	for _, perm := range registry.AllPermissions() {
		if !registry.HasPermission(RoleAdmin, perm) {
			t.Fatalf("admin missing %s", perm)
		}
	}
}

func TestPremiumExtendsUser(t *testing.T) {
	t.Parallel()

	registry := NewPermissionRegistry()
	for _, perm := range registry.RolePermissions(RoleUser) {
		if !registry.HasPermission(RolePremium, perm) {
			t.Fatalf("premium missing user permission %s", perm)
		}
	}
	if !registry.HasPermission(RolePremium, PermAgentConfig) {
		t.Fatal("premium must hold agent:config")
	}
	if registry.HasPermission(RoleUser, PermAgentConfig) {
		t.Fatal("plain user must not hold agent:config")
	}
}

func TestUnknownRoleHasNothing(t *testing.T) {
	t.Parallel()

	registry := NewPermissionRegistry()
	if registry.HasPermission("superhero", PermChatRead) {
		t.Fatal("unknown role must hold no permissions")
	}
	if registry.RoleLevel("superhero") != -1 {
		t.Fatalf("unknown role level: %d", registry.RoleLevel("superhero"))
	}
}
