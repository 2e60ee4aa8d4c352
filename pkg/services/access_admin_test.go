package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/docucert/pkg/apperrors"
	"github.com/ekaya-inc/docucert/pkg/audit"
	"github.com/ekaya-inc/docucert/pkg/models"
)

type accessFixture struct {
	project uuid.UUID
	admin   uuid.UUID
	manager uuid.UUID
	viewer  uuid.UUID
	target  uuid.UUID
	grants  *mockGrantRepository
	presets *mockRolePresetRepository
	svc     AccessAdminService
	logs    *observer.ObservedLogs
}

func newAccessFixture(t *testing.T) *accessFixture {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	f := &accessFixture{
		project: uuid.New(),
		admin:   uuid.New(),
		manager: uuid.New(),
		viewer:  uuid.New(),
		target:  uuid.New(),
		grants:  newMockGrantRepository(),
		presets: newMockRolePresetRepository(),
		logs:    logs,
	}
	f.grants.setRole(f.project, f.admin, models.RoleAdmin)
	f.grants.setRole(f.project, f.manager, models.RoleManager)
	f.grants.setRole(f.project, f.viewer, models.RoleViewer)
	// Managers need a direct grant to edit grants.
	f.grants.addGrant(f.project, f.manager, models.PermRolesManage)

	auditor := audit.NewSecurityAuditor(logger)
	authz := NewAuthorizationService(f.grants, f.presets, auditor, nil, logger)
	f.svc = NewAccessAdminService(authz, f.grants, f.presets, auditor, logger)
	return f
}

func TestAccessAdmin_GrantPermission(t *testing.T) {
	f := newAccessFixture(t)

	got, err := f.svc.GrantPermission(context.Background(), f.manager, f.project, f.target, "documents.export")
	if err != nil {
		t.Fatalf("GrantPermission failed: %v", err)
	}
	if len(got.DirectGrants) != 1 || got.DirectGrants[0] != models.PermDocumentsExport {
		t.Errorf("unexpected direct grants %v", got.DirectGrants)
	}
	if f.grants.grantedBy == nil || *f.grants.grantedBy != f.manager {
		t.Error("grant must record the granting user")
	}
	if f.logs.FilterMessage("Permission grants changed").Len() != 1 {
		t.Error("expected a permission change audit entry")
	}
}

func TestAccessAdmin_GrantPermission_RequiresRolesManage(t *testing.T) {
	f := newAccessFixture(t)

	_, err := f.svc.GrantPermission(context.Background(), f.viewer, f.project, f.target, "documents.view")
	if !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAccessAdmin_GrantPermission_CannotDelegateUnheld(t *testing.T) {
	f := newAccessFixture(t)

	_, err := f.svc.GrantPermission(context.Background(), f.manager, f.project, f.target, "admin.all")
	if !errors.Is(err, apperrors.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if got, _ := f.grants.ListGrants(context.Background(), f.project, f.target); len(got) != 0 {
		t.Errorf("no grant expected, got %v", got)
	}
}

func TestAccessAdmin_GrantPermission_UnknownName(t *testing.T) {
	f := newAccessFixture(t)

	_, err := f.svc.GrantPermission(context.Background(), f.admin, f.project, f.target, "documents.shred")
	if !errors.Is(err, apperrors.ErrUnknownPermission) {
		t.Fatalf("expected ErrUnknownPermission, got %v", err)
	}
}

func TestAccessAdmin_RevokePermission(t *testing.T) {
	f := newAccessFixture(t)
	f.grants.addGrant(f.project, f.target, models.PermDocumentsExport, models.PermDocumentsView)

	got, err := f.svc.RevokePermission(context.Background(), f.admin, f.project, f.target, "documents.export")
	if err != nil {
		t.Fatalf("RevokePermission failed: %v", err)
	}
	if models.NewPermissionSet(got.EffectivePermissions...).Has(models.PermDocumentsExport) {
		t.Error("revoked permission still effective")
	}
}

func TestAccessAdmin_ReplaceUserPermissions(t *testing.T) {
	f := newAccessFixture(t)
	f.grants.addGrant(f.project, f.target, models.PermDocumentsView)

	got, err := f.svc.ReplaceUserPermissions(context.Background(), f.admin, f.project, f.target,
		[]string{"documents.upload", "documents.download", "documents.upload"})
	if err != nil {
		t.Fatalf("ReplaceUserPermissions failed: %v", err)
	}
	direct := models.NewPermissionSet(got.DirectGrants...)
	if len(direct) != 2 || !direct.Has(models.PermDocumentsUpload) || !direct.Has(models.PermDocumentsDownload) {
		t.Errorf("unexpected direct grants %v", got.DirectGrants)
	}
	if direct.Has(models.PermDocumentsView) {
		t.Error("replaced grant survived")
	}
}

func TestAccessAdmin_ReplaceUserPermissions_RemovingUnheldIsForbidden(t *testing.T) {
	f := newAccessFixture(t)
	f.grants.addGrant(f.project, f.target, models.PermAdminAll)

	_, err := f.svc.ReplaceUserPermissions(context.Background(), f.manager, f.project, f.target, []string{})
	if !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAccessAdmin_AssignRole_RankRules(t *testing.T) {
	f := newAccessFixture(t)
	ctx := context.Background()

	if _, err := f.svc.AssignRole(ctx, f.manager, f.project, f.target, "uploader"); err != nil {
		t.Fatalf("manager assigning uploader failed: %v", err)
	}
	if _, err := f.svc.AssignRole(ctx, f.manager, f.project, f.target, "admin"); !errors.Is(err, apperrors.ErrForbidden) {
		t.Errorf("manager assigning admin: expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.AssignRole(ctx, f.manager, f.project, f.admin, "viewer"); !errors.Is(err, apperrors.ErrForbidden) {
		t.Errorf("manager demoting admin: expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.AssignRole(ctx, f.admin, f.project, f.target, "admin"); err != nil {
		t.Errorf("admin assigning admin failed: %v", err)
	}
	if _, err := f.svc.AssignRole(ctx, f.admin, f.project, f.target, "superuser"); !errors.Is(err, apperrors.ErrInvalidRole) {
		t.Errorf("expected ErrInvalidRole, got %v", err)
	}
}

func TestAccessAdmin_RemoveRole_LastAdmin(t *testing.T) {
	f := newAccessFixture(t)

	_, err := f.svc.RemoveRole(context.Background(), f.admin, f.project, f.admin)
	if !errors.Is(err, apperrors.ErrLastAdmin) {
		t.Fatalf("expected ErrLastAdmin, got %v", err)
	}
}

func TestAccessAdmin_ApplyPreset(t *testing.T) {
	f := newAccessFixture(t)
	ctx := context.Background()
	_ = f.presets.Create(ctx, &models.RolePreset{
		ProjectID:   f.project,
		Name:        "exporter",
		Permissions: []models.PermissionName{models.PermDocumentsView, models.PermDocumentsExport},
	})

	got, err := f.svc.ApplyPreset(ctx, f.manager, f.project, f.target, "exporter")
	if err != nil {
		t.Fatalf("ApplyPreset failed: %v", err)
	}
	if len(got.DirectGrants) != 2 {
		t.Errorf("expected 2 direct grants, got %v", got.DirectGrants)
	}
	if f.logs.FilterMessage("Role preset applied").Len() != 1 {
		t.Error("expected preset audit entry")
	}

	if _, err := f.svc.ApplyPreset(ctx, f.manager, f.project, f.target, "missing"); !errors.Is(err, apperrors.ErrStaleState) {
		t.Errorf("expected ErrStaleState, got %v", err)
	}
}

func TestAccessAdmin_ApplyPreset_CannotDelegateUnheld(t *testing.T) {
	f := newAccessFixture(t)
	ctx := context.Background()
	_ = f.presets.Create(ctx, &models.RolePreset{
		ProjectID:   f.project,
		Name:        "everything",
		Permissions: []models.PermissionName{models.PermAdminAll},
	})

	if _, err := f.svc.ApplyPreset(ctx, f.manager, f.project, f.target, "everything"); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if f.grants.addGrantsCalls != 0 {
		t.Error("forbidden preset must not be applied")
	}
}

func TestAccessAdmin_GetUserPermissions(t *testing.T) {
	f := newAccessFixture(t)
	f.grants.setRole(f.project, f.target, models.RoleViewer)
	f.grants.addGrant(f.project, f.target, models.PermDocumentsExport)

	got, err := f.svc.GetUserPermissions(context.Background(), f.manager, f.project, f.target)
	if err != nil {
		t.Fatalf("GetUserPermissions failed: %v", err)
	}
	if got.Role == nil || *got.Role != models.RoleViewer {
		t.Errorf("expected viewer role, got %v", got.Role)
	}
	effective := models.NewPermissionSet(got.EffectivePermissions...)
	for _, p := range got.DirectGrants {
		if !effective.Has(p) {
			t.Errorf("effective set missing direct grant %s", p)
		}
	}
	if !effective.Has(models.PermDocumentsView) {
		t.Error("effective set missing role permission")
	}

	if _, err := f.svc.GetUserPermissions(context.Background(), f.viewer, f.project, f.target); !errors.Is(err, apperrors.ErrForbidden) {
		t.Errorf("viewer reading permissions: expected ErrForbidden, got %v", err)
	}
}

func TestAccessAdmin_ListMembersAndCatalog(t *testing.T) {
	f := newAccessFixture(t)
	ctx := context.Background()

	members, err := f.svc.ListMembers(ctx, f.manager, f.project)
	if err != nil {
		t.Fatalf("ListMembers failed: %v", err)
	}
	if len(members) != 3 {
		t.Errorf("expected 3 members, got %d", len(members))
	}

	catalog, err := f.svc.Catalog(ctx, f.manager, f.project)
	if err != nil {
		t.Fatalf("Catalog failed: %v", err)
	}
	if len(catalog) == 0 {
		t.Error("expected a non-empty catalog")
	}

	if _, err := f.svc.ListMembers(ctx, f.viewer, f.project); !errors.Is(err, apperrors.ErrForbidden) {
		t.Errorf("viewer listing members: expected ErrForbidden, got %v", err)
	}
}
