// Package audit provides security audit logging for SIEM consumption.
// It logs access-control and certification events in structured JSON format
// for easy parsing and integration with security information and event
// management systems.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ekaya-inc/docucert/pkg/auth"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventAuthorizationDenied is logged when a permission check rejects a request.
	EventAuthorizationDenied SecurityEventType = "authorization_denied"
	// EventPermissionChange is logged when direct grants are added, removed or replaced.
	EventPermissionChange SecurityEventType = "permission_change"
	// EventRoleChange is logged when a role is assigned or removed.
	EventRoleChange SecurityEventType = "role_change"
	// EventPresetApplied is logged when a role preset is copied into direct grants.
	EventPresetApplied SecurityEventType = "preset_applied"
	// EventCertificationVoided is logged when an allocated serial is voided
	// because its storage write failed.
	EventCertificationVoided SecurityEventType = "certification_voided"
	// EventVoidSerialVerified is logged when someone verifies a voided serial.
	EventVoidSerialVerified SecurityEventType = "void_serial_verified"
)

// SecurityEvent represents an auditable security event with all relevant context
// for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp    time.Time         `json:"timestamp"`
	EventType    SecurityEventType `json:"event_type"`
	ProjectID    uuid.UUID         `json:"project_id"`
	ActorID      string            `json:"actor_id,omitempty"`
	TargetUserID *uuid.UUID        `json:"target_user_id,omitempty"`
	Details      any               `json:"details"`
	Severity     string            `json:"severity"` // info, warning, critical
}

// PermissionChangeDetails describes a change to a user's direct grants.
type PermissionChangeDetails struct {
	Action      string   `json:"action"` // grant, revoke, replace
	Permissions []string `json:"permissions"`
}

// SecurityAuditor logs security events for SIEM consumption.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a new security auditor with a dedicated
// "security_audit" logger namespace.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogAuthorizationDenied records a rejected permission check at WARN level.
// userID is the user whose permissions were checked; the actor comes from ctx.
func (a *SecurityAuditor) LogAuthorizationDenied(ctx context.Context, projectID, userID uuid.UUID, permission string) {
	a.emit(ctx, zap.WarnLevel, "Authorization denied", SecurityEvent{
		EventType:    EventAuthorizationDenied,
		ProjectID:    projectID,
		TargetUserID: &userID,
		Details:      map[string]string{"permission": permission},
		Severity:     "warning",
	})
}

// LogPermissionChange records an addition, removal or replacement of direct grants.
func (a *SecurityAuditor) LogPermissionChange(ctx context.Context, projectID, userID uuid.UUID, details PermissionChangeDetails) {
	a.emit(ctx, zap.InfoLevel, "Permission grants changed", SecurityEvent{
		EventType:    EventPermissionChange,
		ProjectID:    projectID,
		TargetUserID: &userID,
		Details:      details,
		Severity:     "info",
	})
}

// LogRoleChange records a role assignment. An empty role means removal.
func (a *SecurityAuditor) LogRoleChange(ctx context.Context, projectID, userID uuid.UUID, role string) {
	a.emit(ctx, zap.InfoLevel, "Role changed", SecurityEvent{
		EventType:    EventRoleChange,
		ProjectID:    projectID,
		TargetUserID: &userID,
		Details:      map[string]string{"role": role},
		Severity:     "info",
	})
}

// LogPresetApplied records a preset flatten-copy into a user's direct grants.
func (a *SecurityAuditor) LogPresetApplied(ctx context.Context, projectID, userID uuid.UUID, presetName string, permissions []string) {
	a.emit(ctx, zap.InfoLevel, "Role preset applied", SecurityEvent{
		EventType:    EventPresetApplied,
		ProjectID:    projectID,
		TargetUserID: &userID,
		Details: map[string]any{
			"preset":      presetName,
			"permissions": permissions,
		},
		Severity: "info",
	})
}

// LogCertificationVoided records a serial that was allocated but never backed
// by a stored document. Logged at ERROR with "critical" severity.
func (a *SecurityAuditor) LogCertificationVoided(ctx context.Context, projectID, documentID uuid.UUID, serialCode, reason string) {
	a.emit(ctx, zap.ErrorLevel, "Certification voided", SecurityEvent{
		EventType: EventCertificationVoided,
		ProjectID: projectID,
		Details: map[string]string{
			"document_id": documentID.String(),
			"serial_code": serialCode,
			"reason":      reason,
		},
		Severity: "critical",
	})
}

// LogVoidSerialVerified records a public lookup that hit a void record.
func (a *SecurityAuditor) LogVoidSerialVerified(ctx context.Context, projectID uuid.UUID, serialCode string) {
	a.emit(ctx, zap.WarnLevel, "Void serial verified", SecurityEvent{
		EventType: EventVoidSerialVerified,
		ProjectID: projectID,
		Details:   map[string]string{"serial_code": serialCode},
		Severity:  "warning",
	})
}

func (a *SecurityAuditor) emit(ctx context.Context, level zapcore.Level, msg string, event SecurityEvent) {
	event.Timestamp = time.Now().UTC()
	event.ActorID = auth.GetUserIDFromContext(ctx)

	// Marshaling known types never fails.
	eventJSON, _ := json.Marshal(event)

	fields := []zap.Field{
		zap.String("event_json", string(eventJSON)),
		zap.String("event_type", string(event.EventType)),
		zap.String("project_id", event.ProjectID.String()),
		zap.String("actor_id", event.ActorID),
		zap.String("severity", event.Severity),
	}
	if event.TargetUserID != nil {
		fields = append(fields, zap.String("target_user_id", event.TargetUserID.String()))
	}

	if ce := a.logger.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}
