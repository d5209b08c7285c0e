package rbac

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"
)

// Seed describes a declarative authorization setup.
//
//	permissions:
//	  - {module: inspections, action: view, description: View inspections}
//	roles:
//	  - name: inspector
//	    display_name: Inspector
//	    permissions: ["inspections:view"]
//	groups:
//	  - name: Field Inspectors
//	    roles: [inspector]
//	    permissions: ["vault:view"]
type Seed struct {
	Permissions []SeedPermission `yaml:"permissions"`
	Roles       []SeedRole       `yaml:"roles"`
	Groups      []SeedGroup      `yaml:"groups"`
}

type SeedPermission struct {
	Module      string `yaml:"module"`
	Action      string `yaml:"action"`
	Description string `yaml:"description"`
}

type SeedRole struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	Permissions []string `yaml:"permissions"`
}

type SeedGroup struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Roles       []string `yaml:"roles"`
	Permissions []string `yaml:"permissions"`
}

// LoadSeed decodes a YAML seed, rejecting unknown keys.
func LoadSeed(r io.Reader) (Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		if errors.Is(err, io.EOF) {
			return Seed{}, nil
		}
		return Seed{}, fmt.Errorf("%w: decode seed: %v", ErrInvalid, err)
	}
	return seed, nil
}

// ParsePermissionKey parses "module:action".
func ParsePermissionKey(raw string) (PermissionKey, error) {
	module, action, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || strings.TrimSpace(module) == "" || strings.TrimSpace(action) == "" {
		return PermissionKey{}, fmt.Errorf("%w: permission %q must be module:action", ErrInvalid, raw)
	}
	return PermissionKey{Module: module, Action: action}.Normalize(), nil
}

// SeedResult counts what ApplySeed touched.
type SeedResult struct {
	Permissions int
	Roles       int
	Groups      int
	Links       int
}

// ApplySeed upserts everything in seed inside one transaction. Existing edges are kept, so
// applying the same seed twice is a no-op.
func (s *Service) ApplySeed(ctx context.Context, seed Seed) (SeedResult, error) {
	var result SeedResult
	err := s.repo.WithinTx(ctx, func(repo Repository) error {
		result = SeedResult{}
		for _, p := range seed.Permissions {
			if _, err := ensurePermission(ctx, s, repo, PermissionKey{Module: p.Module, Action: p.Action}, p.Description); err != nil {
				return fmt.Errorf("permission %s:%s: %w", p.Module, p.Action, err)
			}
			result.Permissions++
		}
		for _, r := range seed.Roles {
			if _, err := ensureRole(ctx, s, repo, r.Name, r.DisplayName); err != nil {
				return fmt.Errorf("role %q: %w", r.Name, err)
			}
			result.Roles++
			for _, raw := range r.Permissions {
				key, err := ParsePermissionKey(raw)
				if err != nil {
					return fmt.Errorf("role %q: %w", r.Name, err)
				}
				if _, err := ensurePermission(ctx, s, repo, key, ""); err != nil {
					return err
				}
				if err := repo.LinkRolePermission(ctx, NameKey(r.Name), key); err != nil {
					return asStoreErr("seed role permission", err)
				}
				result.Links++
			}
		}
		for _, g := range seed.Groups {
			if _, err := ensureGroup(ctx, s, repo, g.Name, g.Description); err != nil {
				return fmt.Errorf("group %q: %w", g.Name, err)
			}
			result.Groups++
			for _, roleName := range g.Roles {
				if _, err := ensureRole(ctx, s, repo, roleName, ""); err != nil {
					return fmt.Errorf("group %q: %w", g.Name, err)
				}
				if err := repo.LinkGroupRole(ctx, NameKey(g.Name), NameKey(roleName)); err != nil {
					return asStoreErr("seed group role", err)
				}
				result.Links++
			}
			for _, raw := range g.Permissions {
				key, err := ParsePermissionKey(raw)
				if err != nil {
					return fmt.Errorf("group %q: %w", g.Name, err)
				}
				if _, err := ensurePermission(ctx, s, repo, key, ""); err != nil {
					return err
				}
				if err := repo.LinkGroupPermission(ctx, NameKey(g.Name), key); err != nil {
					return asStoreErr("seed group permission", err)
				}
				result.Links++
			}
		}
		return nil
	})
	if err != nil {
		return SeedResult{}, err
	}
	s.logger.Info("rbac seed applied",
		slog.Int("permissions", result.Permissions),
		slog.Int("roles", result.Roles),
		slog.Int("groups", result.Groups),
		slog.Int("links", result.Links),
	)
	return result, nil
}
