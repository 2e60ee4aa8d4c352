package models

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/docucert/pkg/apperrors"
)

// PermissionName is a validated "resource.action" permission identifier.
// Values outside the catalog can only be produced by a direct conversion;
// use ParsePermissionName for anything coming from a request or the database.
type PermissionName string

// Well-known permission names referenced directly by code.
const (
	PermDocumentsUpload   PermissionName = "documents.upload"
	PermDocumentsView     PermissionName = "documents.view"
	PermDocumentsDownload PermissionName = "documents.download"
	PermDocumentsExport   PermissionName = "documents.export"
	PermProjectsCreate    PermissionName = "projects.create"
	PermProjectsView      PermissionName = "projects.view"
	PermProjectsUpdate    PermissionName = "projects.update"
	PermCompaniesCreate   PermissionName = "companies.create"
	PermCompaniesView     PermissionName = "companies.view"
	PermUsersView         PermissionName = "users.view"
	PermUsersCreate       PermissionName = "users.create"
	PermUsersManage       PermissionName = "users.manage"
	PermRolesView         PermissionName = "roles.view"
	PermRolesAssign       PermissionName = "roles.assign"
	PermRolesManage       PermissionName = "roles.manage"
	PermPresetsView       PermissionName = "presets.view"
	PermPresetsManage     PermissionName = "presets.manage"
	PermAdminAll          PermissionName = "admin.all"
)

// Resource returns the part before the dot.
func (p PermissionName) Resource() string {
	resource, _, _ := strings.Cut(string(p), ".")
	return resource
}

// Valid reports whether p is part of the catalog.
func (p PermissionName) Valid() bool {
	_, ok := catalog.byName[p]
	return ok
}

// Permission is one catalog entry.
type Permission struct {
	Name        PermissionName `json:"name" yaml:"name"`
	Resource    string         `json:"resource" yaml:"-"`
	Description string         `json:"description" yaml:"description"`
}

// PermissionGroup is the catalog's display grouping by resource.
type PermissionGroup struct {
	Resource    string       `json:"resource"`
	Permissions []Permission `json:"permissions"`
}

// ParsePermissionName validates s against the catalog.
func ParsePermissionName(s string) (PermissionName, error) {
	name := PermissionName(strings.TrimSpace(s))
	if !name.Valid() {
		return "", apperrors.Wrap(apperrors.ErrUnknownPermission, fmt.Sprintf("unknown permission %q", s))
	}
	return name, nil
}

// ParsePermissionNames validates every entry and returns a de-duplicated set.
func ParsePermissionNames(values []string) (PermissionSet, error) {
	set := make(PermissionSet, len(values))
	for _, v := range values {
		name, err := ParsePermissionName(v)
		if err != nil {
			return nil, err
		}
		set[name] = struct{}{}
	}
	return set, nil
}

// Catalog returns the permission catalog grouped by resource, in file order.
func Catalog() []PermissionGroup {
	groups := make([]PermissionGroup, len(catalog.groups))
	for i, g := range catalog.groups {
		groups[i] = PermissionGroup{
			Resource:    g.Resource,
			Permissions: append([]Permission(nil), g.Permissions...),
		}
	}
	return groups
}

// AllPermissions returns every permission name in the catalog.
func AllPermissions() PermissionSet {
	set := make(PermissionSet, len(catalog.byName))
	for name := range catalog.byName {
		set[name] = struct{}{}
	}
	return set
}

// PermissionSet is an unordered set of permission names.
type PermissionSet map[PermissionName]struct{}

// NewPermissionSet builds a set from names.
func NewPermissionSet(names ...PermissionName) PermissionSet {
	set := make(PermissionSet, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s PermissionSet) Has(name PermissionName) bool {
	_, ok := s[name]
	return ok
}

// Add inserts every name from other.
func (s PermissionSet) Add(other PermissionSet) {
	for n := range other {
		s[n] = struct{}{}
	}
}

// Sorted returns the names in lexical order.
func (s PermissionSet) Sorted() []PermissionName {
	names := make([]PermissionName, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Strings returns the sorted names as plain strings.
func (s PermissionSet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, n := range sorted {
		out[i] = string(n)
	}
	return out
}

// Expand returns a copy of s where admin.all is replaced by the whole catalog.
func (s PermissionSet) Expand() PermissionSet {
	out := make(PermissionSet, len(s))
	out.Add(s)
	if s.Has(PermAdminAll) {
		out.Add(AllPermissions())
	}
	return out
}

//go:embed catalog.yaml
var catalogYAML []byte

type catalogFile struct {
	Resources []struct {
		Name        string       `yaml:"name"`
		Permissions []Permission `yaml:"permissions"`
	} `yaml:"resources"`
	Roles []struct {
		Name        Role             `yaml:"name"`
		Rank        int              `yaml:"rank"`
		Description string           `yaml:"description"`
		Permissions []PermissionName `yaml:"permissions"`
	} `yaml:"roles"`
}

type loadedCatalog struct {
	groups []PermissionGroup
	byName map[PermissionName]Permission
	roles  map[Role]RoleDefinition
}

var catalog = mustLoadCatalog(catalogYAML)

func mustLoadCatalog(data []byte) *loadedCatalog {
	c, err := loadCatalog(data)
	if err != nil {
		panic(fmt.Sprintf("invalid embedded permission catalog: %v", err))
	}
	return c
}

func loadCatalog(data []byte) (*loadedCatalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := &loadedCatalog{
		byName: make(map[PermissionName]Permission),
		roles:  make(map[Role]RoleDefinition),
	}

	for _, r := range file.Resources {
		group := PermissionGroup{Resource: r.Name}
		for _, p := range r.Permissions {
			if p.Name.Resource() != r.Name {
				return nil, fmt.Errorf("permission %s listed under resource %s", p.Name, r.Name)
			}
			if _, dup := c.byName[p.Name]; dup {
				return nil, fmt.Errorf("duplicate permission %s", p.Name)
			}
			p.Resource = r.Name
			c.byName[p.Name] = p
			group.Permissions = append(group.Permissions, p)
		}
		c.groups = append(c.groups, group)
	}

	for _, r := range file.Roles {
		perms := make(PermissionSet, len(r.Permissions))
		for _, p := range r.Permissions {
			if _, ok := c.byName[p]; !ok {
				return nil, fmt.Errorf("role %s references unknown permission %s", r.Name, p)
			}
			perms[p] = struct{}{}
		}
		c.roles[r.Name] = RoleDefinition{
			Name:        r.Name,
			Rank:        r.Rank,
			Description: r.Description,
			Permissions: perms,
		}
	}

	for _, role := range ValidRoles {
		if _, ok := c.roles[role]; !ok {
			return nil, fmt.Errorf("built-in role %s missing from catalog", role)
		}
	}

	return c, nil
}
