// Package rbac is the local authorization store: groups, roles and module-scoped permissions
// plus the edges between them.
package rbac

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

var (
	// ErrStore wraps every failure of the underlying store.
	ErrStore = errors.New("rbac: store error")
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrInvalid indicates rejected input.
	ErrInvalid = errors.New("rbac: invalid input")
)

// Group mirrors a directory group by display name.
type Group struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name" validate:"required,max=256"`
	Description string    `json:"description,omitempty" validate:"max=1024"`
	CreatedAt   time.Time `json:"created_at"`
}

// Role represents a named bundle of permissions.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name" validate:"required,max=128"`
	DisplayName string    `json:"display_name,omitempty" validate:"max=256"`
	CreatedAt   time.Time `json:"created_at"`
}

// Permission is an (module, action) capability.
type Permission struct {
	ID          int64  `json:"id"`
	Module      string `json:"module" validate:"required,slug"`
	Action      string `json:"action" validate:"required,slug"`
	Description string `json:"description,omitempty" validate:"max=1024"`
}

// Key returns the natural key of the permission.
func (p Permission) Key() PermissionKey {
	return PermissionKey{Module: p.Module, Action: p.Action}
}

// PermissionKey is the natural key of a permission.
type PermissionKey struct {
	Module string `json:"module" validate:"required,slug"`
	Action string `json:"action" validate:"required,slug"`
}

func (k PermissionKey) String() string {
	return k.Module + ":" + k.Action
}

// Normalize folds module and action into their stored form.
func (k PermissionKey) Normalize() PermissionKey {
	return PermissionKey{Module: NormalizeSlug(k.Module), Action: NormalizeSlug(k.Action)}
}

// Grants is what a set of groups confers, deduplicated.
type Grants struct {
	Roles       []Role       `json:"roles"`
	Permissions []Permission `json:"permissions"`
}

// NameKey returns the case-folded lookup key for group and role names.
func NameKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// NormalizeSlug returns the stored form of a module or action.
func NormalizeSlug(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

func trim(s string) string {
	return strings.TrimSpace(s)
}
