package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/apperrors"
	"github.com/ekaya-inc/docucert/pkg/models"
)

func newTestPresetService(t *testing.T) (RolePresetService, *mockGrantRepository, *mockRolePresetRepository, uuid.UUID) {
	t.Helper()
	grants := newMockGrantRepository()
	presets := newMockRolePresetRepository()
	pid := uuid.New()
	return NewRolePresetService(newTestAuthorization(grants, presets), presets, zap.NewNop()), grants, presets, pid
}

func TestRolePresetService_CreateValidatesCatalog(t *testing.T) {
	svc, grants, _, pid := newTestPresetService(t)
	manager := uuid.New()
	grants.setRole(pid, manager, models.RoleManager)
	ctx := context.Background()

	_, err := svc.Create(ctx, manager, pid, PresetInput{Name: "bad", Permissions: []string{"documents.shred"}})
	if !errors.Is(err, apperrors.ErrUnknownPermission) {
		t.Errorf("expected ErrUnknownPermission, got %v", err)
	}

	_, err = svc.Create(ctx, manager, pid, PresetInput{Name: "  ", Permissions: []string{"documents.view"}})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected ErrValidation for blank name, got %v", err)
	}

	preset, err := svc.Create(ctx, manager, pid, PresetInput{
		Name:        "auditor",
		Description: "Reads and exports",
		Permissions: []string{"documents.export", "documents.view", "documents.view"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(preset.Permissions) != 2 || preset.Permissions[0] != models.PermDocumentsExport {
		t.Errorf("expected sorted, de-duplicated permissions, got %v", preset.Permissions)
	}

	_, err = svc.Create(ctx, manager, pid, PresetInput{Name: "auditor", Permissions: []string{"documents.view"}})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate name, got %v", err)
	}
}

func TestRolePresetService_RequiresPresetsManage(t *testing.T) {
	svc, grants, _, pid := newTestPresetService(t)
	viewer := uuid.New()
	grants.setRole(pid, viewer, models.RoleViewer)
	ctx := context.Background()

	if _, err := svc.Create(ctx, viewer, pid, PresetInput{Name: "x"}); !errors.Is(err, apperrors.ErrForbidden) {
		t.Errorf("Create: expected ErrForbidden, got %v", err)
	}
	if err := svc.Delete(ctx, viewer, pid, "viewer"); !errors.Is(err, apperrors.ErrForbidden) {
		t.Errorf("Delete: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.List(ctx, viewer, pid); !errors.Is(err, apperrors.ErrForbidden) {
		t.Errorf("List: expected ErrForbidden, got %v", err)
	}
}

func TestRolePresetService_UpdateAndDelete(t *testing.T) {
	svc, grants, _, pid := newTestPresetService(t)
	admin := uuid.New()
	grants.setRole(pid, admin, models.RoleAdmin)
	ctx := context.Background()

	if err := svc.SeedDefaults(ctx, pid); err != nil {
		t.Fatalf("SeedDefaults failed: %v", err)
	}

	updated, err := svc.Update(ctx, admin, pid, "viewer", PresetInput{Permissions: []string{"documents.view"}})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(updated.Permissions) != 1 {
		t.Errorf("expected one permission, got %v", updated.Permissions)
	}

	if _, err := svc.Update(ctx, admin, pid, "viewer", PresetInput{Name: "reader"}); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("rename: expected ErrValidation, got %v", err)
	}
	if _, err := svc.Update(ctx, admin, pid, "ghost", PresetInput{}); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("missing preset: expected ErrNotFound, got %v", err)
	}

	if err := svc.Delete(ctx, admin, pid, "viewer"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := svc.Delete(ctx, admin, pid, "viewer"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("second Delete: expected ErrNotFound, got %v", err)
	}
}

func TestRolePresetService_SeedDefaultsIsIdempotent(t *testing.T) {
	svc, grants, _, pid := newTestPresetService(t)
	admin := uuid.New()
	grants.setRole(pid, admin, models.RoleAdmin)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := svc.SeedDefaults(ctx, pid); err != nil {
			t.Fatalf("SeedDefaults #%d failed: %v", i+1, err)
		}
	}

	presets, err := svc.List(ctx, admin, pid)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(presets) != len(models.ValidRoles) {
		t.Errorf("expected %d presets, got %d", len(models.ValidRoles), len(presets))
	}
}
