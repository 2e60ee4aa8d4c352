package models

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/ekaya-inc/docucert/pkg/apperrors"
)

func TestParsePermissionName(t *testing.T) {
	name, err := ParsePermissionName(" documents.upload ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != PermDocumentsUpload {
		t.Errorf("expected %s, got %s", PermDocumentsUpload, name)
	}

	for _, bad := range []string{"", "documents", "documents.delete", "DOCUMENTS.UPLOAD", "admin:all"} {
		_, err := ParsePermissionName(bad)
		if !errors.Is(err, apperrors.ErrUnknownPermission) {
			t.Errorf("ParsePermissionName(%q): expected ErrUnknownPermission, got %v", bad, err)
		}
	}
}

func TestParsePermissionNames_Deduplicates(t *testing.T) {
	set, err := ParsePermissionNames([]string{"documents.view", "documents.view", "documents.upload"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(set) != 2 {
		t.Errorf("expected 2 permissions, got %d", len(set))
	}

	if _, err := ParsePermissionNames([]string{"documents.view", "nope.nope"}); err == nil {
		t.Error("expected error for unknown permission")
	}
}

func TestCatalog_GroupsMatchResources(t *testing.T) {
	groups := Catalog()
	if len(groups) == 0 {
		t.Fatal("expected a non-empty catalog")
	}
	total := 0
	for _, g := range groups {
		for _, p := range g.Permissions {
			total++
			if p.Resource != g.Resource || p.Name.Resource() != g.Resource {
				t.Errorf("permission %s grouped under %s", p.Name, g.Resource)
			}
			if p.Description == "" {
				t.Errorf("permission %s has no description", p.Name)
			}
		}
	}
	if total != len(AllPermissions()) {
		t.Errorf("catalog lists %d permissions, AllPermissions has %d", total, len(AllPermissions()))
	}

	// Mutating the returned slice must not affect the catalog.
	groups[0].Permissions[0].Description = "changed"
	if Catalog()[0].Permissions[0].Description == "changed" {
		t.Error("Catalog() leaked internal state")
	}
}

func TestRolePermissions(t *testing.T) {
	viewer := RoleViewer.Permissions()
	if viewer.Has(PermDocumentsUpload) {
		t.Error("viewer must not imply documents.upload")
	}
	if !viewer.Has(PermDocumentsView) || !viewer.Has(PermDocumentsDownload) {
		t.Error("viewer must imply documents.view and documents.download")
	}
	if !RoleUploader.Permissions().Has(PermDocumentsUpload) {
		t.Error("uploader must imply documents.upload")
	}

	admin := RoleAdmin.Permissions().Expand()
	for name := range AllPermissions() {
		if !admin.Has(name) {
			t.Errorf("admin must imply %s", name)
		}
	}

	if len(Role("owner").Permissions()) != 0 {
		t.Error("unknown role must imply nothing")
	}
}

func TestRoleRank(t *testing.T) {
	if !(RoleAdmin.Rank() > RoleManager.Rank() &&
		RoleManager.Rank() > RoleUploader.Rank() &&
		RoleUploader.Rank() > RoleViewer.Rank()) {
		t.Error("expected admin > manager > uploader > viewer")
	}
	if Role("owner").Rank() != 0 {
		t.Error("unknown role must rank 0")
	}
}

func TestLoadCatalog_RejectsInconsistentFiles(t *testing.T) {
	tests := map[string]string{
		"wrong resource": `
resources:
  - name: documents
    permissions:
      - name: projects.view
roles: []`,
		"unknown role permission": `
resources:
  - name: documents
    permissions:
      - name: documents.view
roles:
  - name: viewer
    permissions: [documents.nope]`,
		"missing built-in role": `
resources:
  - name: documents
    permissions:
      - name: documents.view
roles:
  - name: viewer
    permissions: [documents.view]`,
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := loadCatalog([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDefaultPresets(t *testing.T) {
	projectID := uuid.New()
	presets := DefaultPresets(projectID)
	if len(presets) != len(ValidRoles) {
		t.Fatalf("expected %d presets, got %d", len(ValidRoles), len(presets))
	}
	for _, p := range presets {
		if p.ProjectID != projectID {
			t.Errorf("preset %s has wrong project", p.Name)
		}
		if len(p.Permissions) == 0 {
			t.Errorf("preset %s is empty", p.Name)
		}
	}
}

func TestSerialHelpers(t *testing.T) {
	if got := FormatSerialCode("acme ", "1a2b3c4d", 7); got != "ACME-1A2B3C4D-0007" {
		t.Errorf("FormatSerialCode = %q", got)
	}
	if got := FormatSerialCode("ACME", "1A2B3C4D", 12345); got != "ACME-1A2B3C4D-12345" {
		t.Errorf("FormatSerialCode = %q", got)
	}
	if got := SafeFilename("Relatório final (v2).pdf"); got != "Relat_rio_final__v2_.pdf" {
		t.Errorf("SafeFilename = %q", got)
	}
	if got := SafeFilename(""); got != "document.pdf" {
		t.Errorf("SafeFilename empty = %q", got)
	}

	p := &Project{ID: uuid.MustParse("1a2b3c4d-0000-0000-0000-000000000000")}
	if p.ShortID() != "1A2B3C4D" {
		t.Errorf("ShortID = %q", p.ShortID())
	}
}

func TestProjectMember_Effective(t *testing.T) {
	role := RoleViewer
	m := &ProjectMember{Role: &role, DirectGrants: []PermissionName{PermDocumentsUpload}}
	eff := m.Effective()
	if !eff.Has(PermDocumentsUpload) || !eff.Has(PermDocumentsView) {
		t.Errorf("unexpected effective set %v", eff.Strings())
	}

	m = &ProjectMember{DirectGrants: []PermissionName{PermAdminAll}}
	if !m.Effective().Has(PermRolesManage) {
		t.Error("admin.all grant must expand to the catalog")
	}
}
