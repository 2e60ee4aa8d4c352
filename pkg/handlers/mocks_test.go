package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/auth"
	"github.com/ekaya-inc/docucert/pkg/models"
	"github.com/ekaya-inc/docucert/pkg/services"
)

// withCaller returns req carrying claims for userID, as the auth middleware would.
func withCaller(req *http.Request, userID uuid.UUID) *http.Request {
	claims := &auth.Claims{Email: "caller@example.com"}
	claims.Subject = userID.String()
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

// passthroughTenant stands in for the database tenant middleware.
func passthroughTenant(next http.HandlerFunc) http.HandlerFunc {
	return next
}

// mockAuthService authenticates every request with the configured claims.
type mockAuthService struct {
	claims *auth.Claims
	token  string
	err    error
}

func (m *mockAuthService) ValidateRequest(r *http.Request) (*auth.Claims, string, error) {
	if m.err != nil {
		return nil, "", m.err
	}
	return m.claims, m.token, nil
}

func newTestAuthMiddleware(userID uuid.UUID) *auth.Middleware {
	claims := &auth.Claims{Email: "caller@example.com"}
	claims.Subject = userID.String()
	return auth.NewMiddleware(&mockAuthService{claims: claims, token: "token"}, zap.NewNop())
}

type mockUserService struct {
	loginResult *services.LoginResult
	summary     *models.UserAccessSummary
	created     *models.User
	overview    []*models.UserAccessSummary
	err         error

	lastEmail  string
	lastCaller services.Caller
	lastCreate services.CreateUserInput
}

func (m *mockUserService) Login(ctx context.Context, email, password string) (*services.LoginResult, error) {
	m.lastEmail = email
	if m.err != nil {
		return nil, m.err
	}
	return m.loginResult, nil
}

func (m *mockUserService) Me(ctx context.Context, caller services.Caller) (*models.UserAccessSummary, error) {
	m.lastCaller = caller
	if m.err != nil {
		return nil, m.err
	}
	return m.summary, nil
}

func (m *mockUserService) Create(ctx context.Context, caller services.Caller, in services.CreateUserInput) (*models.User, error) {
	m.lastCaller = caller
	m.lastCreate = in
	if m.err != nil {
		return nil, m.err
	}
	return m.created, nil
}

func (m *mockUserService) AdminOverview(ctx context.Context, caller services.Caller) ([]*models.UserAccessSummary, error) {
	m.lastCaller = caller
	if m.err != nil {
		return nil, m.err
	}
	return m.overview, nil
}

type mockVerificationService struct {
	result  *models.VerificationResult
	err     error
	lastRaw string
}

func (m *mockVerificationService) Normalize(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func (m *mockVerificationService) Verify(ctx context.Context, raw string) (*models.VerificationResult, error) {
	m.lastRaw = raw
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type mockDocumentCertifier struct {
	result  *services.CertifyResult
	err     error
	lastReq services.CertifyRequest
	calls   int
}

func (m *mockDocumentCertifier) Certify(ctx context.Context, req services.CertifyRequest) (*services.CertifyResult, error) {
	m.calls++
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type mockDocumentService struct {
	page     *services.DocumentPage
	docs     []*models.DocumentRecord
	doc      *models.DocumentRecord
	link     *services.DownloadLink
	blob     string
	filename string
	export   string
	err      error

	lastLimit   int
	lastOffset  int
	lastToken   string
	lastProject uuid.UUID
}

func (m *mockDocumentService) List(ctx context.Context, caller services.Caller, projectID uuid.UUID, limit, offset int) (*services.DocumentPage, error) {
	m.lastLimit, m.lastOffset = limit, offset
	if m.err != nil {
		return nil, m.err
	}
	return m.page, nil
}

func (m *mockDocumentService) ListAccessible(ctx context.Context, caller services.Caller, limit int) ([]*models.DocumentRecord, error) {
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	return m.docs, nil
}

func (m *mockDocumentService) Get(ctx context.Context, caller services.Caller, documentID uuid.UUID) (*models.DocumentRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.doc, nil
}

func (m *mockDocumentService) DownloadLink(ctx context.Context, caller services.Caller, documentID uuid.UUID) (*services.DownloadLink, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.link, nil
}

func (m *mockDocumentService) Export(ctx context.Context, caller services.Caller, projectID uuid.UUID, w io.Writer) error {
	m.lastProject = projectID
	if m.err != nil {
		return m.err
	}
	_, err := io.WriteString(w, m.export)
	return err
}

func (m *mockDocumentService) OpenBlob(ctx context.Context, token string) (*services.Blob, error) {
	m.lastToken = token
	if m.err != nil {
		return nil, m.err
	}
	return &services.Blob{Body: io.NopCloser(strings.NewReader(m.blob)), Filename: m.filename}, nil
}

type mockProjectService struct {
	project  *models.Project
	projects []*models.Project
	err      error

	lastCreate services.CreateProjectInput
	lastOwner  uuid.UUID
}

func (m *mockProjectService) Create(ctx context.Context, caller services.Caller, in services.CreateProjectInput) (*models.Project, error) {
	m.lastCreate = in
	if m.err != nil {
		return nil, m.err
	}
	return m.project, nil
}

func (m *mockProjectService) Get(ctx context.Context, caller services.Caller, id uuid.UUID) (*models.Project, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.project, nil
}

func (m *mockProjectService) ListMine(ctx context.Context, caller services.Caller) ([]*models.Project, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.projects, nil
}

func (m *mockProjectService) UpdateOwner(ctx context.Context, caller services.Caller, id, ownerCompanyID uuid.UUID) (*models.Project, error) {
	m.lastOwner = ownerCompanyID
	if m.err != nil {
		return nil, m.err
	}
	return m.project, nil
}

type mockOwnerCompanyService struct {
	company   *models.OwnerCompany
	companies []*models.OwnerCompany
	err       error
	lastInput services.CreateCompanyInput
}

func (m *mockOwnerCompanyService) Create(ctx context.Context, caller services.Caller, in services.CreateCompanyInput) (*models.OwnerCompany, error) {
	m.lastInput = in
	if m.err != nil {
		return nil, m.err
	}
	return m.company, nil
}

func (m *mockOwnerCompanyService) List(ctx context.Context, caller services.Caller) ([]*models.OwnerCompany, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.companies, nil
}

// mockAccessAdminService records the last operation and its arguments.
type mockAccessAdminService struct {
	perms   *services.UserPermissions
	members []*models.ProjectMember
	groups  []models.PermissionGroup
	err     error

	lastOp      string
	lastCaller  uuid.UUID
	lastProject uuid.UUID
	lastUser    uuid.UUID
	lastArg     string
	lastPerms   []string
}

func (m *mockAccessAdminService) record(op string, caller, projectID, userID uuid.UUID, arg string) (*services.UserPermissions, error) {
	m.lastOp, m.lastCaller, m.lastProject, m.lastUser, m.lastArg = op, caller, projectID, userID, arg
	if m.err != nil {
		return nil, m.err
	}
	return m.perms, nil
}

func (m *mockAccessAdminService) Catalog(ctx context.Context, caller, projectID uuid.UUID) ([]models.PermissionGroup, error) {
	m.lastOp, m.lastCaller, m.lastProject = "catalog", caller, projectID
	if m.err != nil {
		return nil, m.err
	}
	return m.groups, nil
}

func (m *mockAccessAdminService) ListMembers(ctx context.Context, caller, projectID uuid.UUID) ([]*models.ProjectMember, error) {
	m.lastOp, m.lastCaller, m.lastProject = "members", caller, projectID
	if m.err != nil {
		return nil, m.err
	}
	return m.members, nil
}

func (m *mockAccessAdminService) GetUserPermissions(ctx context.Context, caller, projectID, userID uuid.UUID) (*services.UserPermissions, error) {
	return m.record("get", caller, projectID, userID, "")
}

func (m *mockAccessAdminService) ReplaceUserPermissions(ctx context.Context, caller, projectID, userID uuid.UUID, permissions []string) (*services.UserPermissions, error) {
	m.lastPerms = permissions
	return m.record("replace", caller, projectID, userID, "")
}

func (m *mockAccessAdminService) GrantPermission(ctx context.Context, caller, projectID, userID uuid.UUID, permission string) (*services.UserPermissions, error) {
	return m.record("grant", caller, projectID, userID, permission)
}

func (m *mockAccessAdminService) RevokePermission(ctx context.Context, caller, projectID, userID uuid.UUID, permission string) (*services.UserPermissions, error) {
	return m.record("revoke", caller, projectID, userID, permission)
}

func (m *mockAccessAdminService) AssignRole(ctx context.Context, caller, projectID, userID uuid.UUID, role string) (*services.UserPermissions, error) {
	return m.record("assign", caller, projectID, userID, role)
}

func (m *mockAccessAdminService) RemoveRole(ctx context.Context, caller, projectID, userID uuid.UUID) (*services.UserPermissions, error) {
	return m.record("remove", caller, projectID, userID, "")
}

func (m *mockAccessAdminService) ApplyPreset(ctx context.Context, caller, projectID, userID uuid.UUID, presetName string) (*services.UserPermissions, error) {
	return m.record("preset", caller, projectID, userID, presetName)
}

type mockRolePresetService struct {
	preset    *models.RolePreset
	presets   []*models.RolePreset
	err       error
	lastName  string
	lastInput services.PresetInput
	deleted   string
}

func (m *mockRolePresetService) List(ctx context.Context, caller, projectID uuid.UUID) ([]*models.RolePreset, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.presets, nil
}

func (m *mockRolePresetService) Create(ctx context.Context, caller, projectID uuid.UUID, in services.PresetInput) (*models.RolePreset, error) {
	m.lastInput = in
	if m.err != nil {
		return nil, m.err
	}
	return m.preset, nil
}

func (m *mockRolePresetService) Update(ctx context.Context, caller, projectID uuid.UUID, name string, in services.PresetInput) (*models.RolePreset, error) {
	m.lastName, m.lastInput = name, in
	if m.err != nil {
		return nil, m.err
	}
	return m.preset, nil
}

func (m *mockRolePresetService) Delete(ctx context.Context, caller, projectID uuid.UUID, name string) error {
	m.deleted = name
	return m.err
}

func (m *mockRolePresetService) SeedDefaults(ctx context.Context, projectID uuid.UUID) error {
	return m.err
}

var (
	_ auth.AuthService             = (*mockAuthService)(nil)
	_ services.UserService         = (*mockUserService)(nil)
	_ services.VerificationService = (*mockVerificationService)(nil)
	_ services.DocumentCertifier   = (*mockDocumentCertifier)(nil)
	_ services.DocumentService     = (*mockDocumentService)(nil)
	_ services.ProjectService      = (*mockProjectService)(nil)
	_ services.OwnerCompanyService = (*mockOwnerCompanyService)(nil)
	_ services.AccessAdminService  = (*mockAccessAdminService)(nil)
	_ services.RolePresetService   = (*mockRolePresetService)(nil)
)

func newRejectingMiddleware(svc *mockAuthService) *auth.Middleware {
	return auth.NewMiddleware(svc, zap.NewNop())
}
