package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/docucert/pkg/apperrors"
	"github.com/ekaya-inc/docucert/pkg/models"
	"github.com/ekaya-inc/docucert/pkg/repositories"
	"github.com/ekaya-inc/docucert/pkg/stamping"
)

type memberKey struct {
	project uuid.UUID
	user    uuid.UUID
}

// mockGrantRepository keeps roles and grants in memory.
type mockGrantRepository struct {
	mu     sync.Mutex
	roles  map[memberKey]models.Role
	grants map[memberKey]models.PermissionSet
	names  map[uuid.UUID]string

	getRoleErr    error
	listGrantsErr error
	addGrantsErr  error

	addGrantsCalls int
	grantedBy      *uuid.UUID
}

func newMockGrantRepository() *mockGrantRepository {
	return &mockGrantRepository{
		roles:  map[memberKey]models.Role{},
		grants: map[memberKey]models.PermissionSet{},
		names:  map[uuid.UUID]string{},
	}
}

func (m *mockGrantRepository) setProjectName(projectID uuid.UUID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[projectID] = name
}

func (m *mockGrantRepository) setRole(projectID, userID uuid.UUID, role models.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[memberKey{projectID, userID}] = role
}

func (m *mockGrantRepository) addGrant(projectID, userID uuid.UUID, perms ...models.PermissionName) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memberKey{projectID, userID}
	if m.grants[k] == nil {
		m.grants[k] = models.PermissionSet{}
	}
	m.grants[k].Add(models.NewPermissionSet(perms...))
}

func (m *mockGrantRepository) GetRole(ctx context.Context, projectID, userID uuid.UUID) (*models.Role, error) {
	if m.getRoleErr != nil {
		return nil, m.getRoleErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[memberKey{projectID, userID}]
	if !ok {
		return nil, nil
	}
	return &role, nil
}

func (m *mockGrantRepository) SetRole(ctx context.Context, projectID, userID uuid.UUID, role models.Role, assignedBy *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memberKey{projectID, userID}
	if m.roles[k] == models.RoleAdmin && role != models.RoleAdmin && m.countAdminsLocked(projectID) <= 1 {
		return apperrors.ErrLastAdmin
	}
	m.roles[k] = role
	return nil
}

func (m *mockGrantRepository) RemoveRole(ctx context.Context, projectID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memberKey{projectID, userID}
	if m.roles[k] == models.RoleAdmin && m.countAdminsLocked(projectID) <= 1 {
		return apperrors.ErrLastAdmin
	}
	delete(m.roles, k)
	return nil
}

func (m *mockGrantRepository) countAdminsLocked(projectID uuid.UUID) int {
	n := 0
	for k, r := range m.roles {
		if k.project == projectID && r == models.RoleAdmin {
			n++
		}
	}
	return n
}

func (m *mockGrantRepository) CountAdmins(ctx context.Context, projectID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countAdminsLocked(projectID), nil
}

func (m *mockGrantRepository) ListGrants(ctx context.Context, projectID, userID uuid.UUID) ([]models.PermissionName, error) {
	if m.listGrantsErr != nil {
		return nil, m.listGrantsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grants[memberKey{projectID, userID}].Sorted(), nil
}

func (m *mockGrantRepository) AddGrant(ctx context.Context, projectID, userID uuid.UUID, perm models.PermissionName, grantedBy *uuid.UUID) error {
	m.grantedBy = grantedBy
	m.addGrant(projectID, userID, perm)
	return nil
}

func (m *mockGrantRepository) AddGrants(ctx context.Context, projectID, userID uuid.UUID, perms []models.PermissionName, grantedBy *uuid.UUID) error {
	m.addGrantsCalls++
	if m.addGrantsErr != nil {
		return m.addGrantsErr
	}
	m.grantedBy = grantedBy
	m.addGrant(projectID, userID, perms...)
	return nil
}

func (m *mockGrantRepository) RemoveGrant(ctx context.Context, projectID, userID uuid.UUID, perm models.PermissionName) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants[memberKey{projectID, userID}], perm)
	return nil
}

func (m *mockGrantRepository) ReplaceGrants(ctx context.Context, projectID, userID uuid.UUID, perms []models.PermissionName, grantedBy *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grantedBy = grantedBy
	m.grants[memberKey{projectID, userID}] = models.NewPermissionSet(perms...)
	return nil
}

func (m *mockGrantRepository) members(match func(memberKey) bool) []*models.ProjectMember {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := map[memberKey]bool{}
	for k := range m.roles {
		keys[k] = true
	}
	for k, g := range m.grants {
		if len(g) > 0 {
			keys[k] = true
		}
	}
	var out []*models.ProjectMember
	for k := range keys {
		if !match(k) {
			continue
		}
		member := &models.ProjectMember{
			ProjectID:    k.project,
			ProjectName:  m.names[k.project],
			UserID:       k.user,
			DirectGrants: m.grants[k].Sorted(),
		}
		if r, ok := m.roles[k]; ok {
			member.Role = &r
		}
		out = append(out, member)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID.String() < out[j].ProjectID.String()
		}
		return out[i].UserID.String() < out[j].UserID.String()
	})
	return out
}

func (m *mockGrantRepository) ListProjectMembers(ctx context.Context, projectID uuid.UUID) ([]*models.ProjectMember, error) {
	return m.members(func(k memberKey) bool { return k.project == projectID }), nil
}

func (m *mockGrantRepository) ListUserMemberships(ctx context.Context, userID uuid.UUID) ([]*models.ProjectMember, error) {
	return m.members(func(k memberKey) bool { return k.user == userID }), nil
}

func (m *mockGrantRepository) ListAllAccess(ctx context.Context) ([]*models.ProjectMember, error) {
	return m.members(func(memberKey) bool { return true }), nil
}

// mockRolePresetRepository keeps presets in memory, keyed by project and name.
type mockRolePresetRepository struct {
	mu      sync.Mutex
	presets map[string]*models.RolePreset
}

func newMockRolePresetRepository() *mockRolePresetRepository {
	return &mockRolePresetRepository{presets: map[string]*models.RolePreset{}}
}

func presetKey(projectID uuid.UUID, name string) string {
	return projectID.String() + "/" + name
}

func copyPreset(p *models.RolePreset) *models.RolePreset {
	c := *p
	c.Permissions = append([]models.PermissionName(nil), p.Permissions...)
	return &c
}

func (m *mockRolePresetRepository) Create(ctx context.Context, preset *models.RolePreset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := presetKey(preset.ProjectID, preset.Name)
	if _, ok := m.presets[k]; ok {
		return apperrors.Wrap(apperrors.ErrConflict, "preset exists")
	}
	if preset.ID == uuid.Nil {
		preset.ID = uuid.New()
	}
	m.presets[k] = copyPreset(preset)
	return nil
}

func (m *mockRolePresetRepository) CreateMany(ctx context.Context, presets []*models.RolePreset) error {
	for _, p := range presets {
		if err := m.Create(ctx, p); err != nil && !errors.Is(err, apperrors.ErrConflict) {
			return err
		}
	}
	return nil
}

func (m *mockRolePresetRepository) Get(ctx context.Context, projectID uuid.UUID, name string) (*models.RolePreset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presets[presetKey(projectID, name)]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "preset not found")
	}
	return copyPreset(p), nil
}

func (m *mockRolePresetRepository) List(ctx context.Context, projectID uuid.UUID) ([]*models.RolePreset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.RolePreset
	for _, p := range m.presets {
		if p.ProjectID == projectID {
			out = append(out, copyPreset(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockRolePresetRepository) Update(ctx context.Context, preset *models.RolePreset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := presetKey(preset.ProjectID, preset.Name)
	if _, ok := m.presets[k]; !ok {
		return apperrors.Wrap(apperrors.ErrNotFound, "preset not found")
	}
	m.presets[k] = copyPreset(preset)
	return nil
}

func (m *mockRolePresetRepository) Delete(ctx context.Context, projectID uuid.UUID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := presetKey(projectID, name)
	if _, ok := m.presets[k]; !ok {
		return apperrors.Wrap(apperrors.ErrNotFound, "preset not found")
	}
	delete(m.presets, k)
	return nil
}

// mockSerialCounterRepository increments per-project counters under a mutex.
// failures makes the first N calls return failErr.
type mockSerialCounterRepository struct {
	mu       sync.Mutex
	counters map[uuid.UUID]models.SerialNumber
	failures int
	failErr  error
	calls    int
}

func newMockSerialCounterRepository() *mockSerialCounterRepository {
	return &mockSerialCounterRepository{counters: map[uuid.UUID]models.SerialNumber{}}
}

func (m *mockSerialCounterRepository) Next(ctx context.Context, projectID uuid.UUID) (models.SerialNumber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return 0, m.failErr
	}
	m.counters[projectID]++
	return m.counters[projectID], nil
}

func (m *mockSerialCounterRepository) Current(ctx context.Context, projectID uuid.UUID) (models.SerialNumber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[projectID], nil
}

func (m *mockSerialCounterRepository) current(projectID uuid.UUID) models.SerialNumber {
	v, _ := m.Current(context.Background(), projectID)
	return v
}

// mockDocumentRepository stores records in insertion order.
type mockDocumentRepository struct {
	mu        sync.Mutex
	docs      []*models.DocumentRecord
	insertErr error
	getErr    error
	inserted  []*models.DocumentRecord
}

func (m *mockDocumentRepository) Insert(ctx context.Context, doc *models.DocumentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted = append(m.inserted, doc)
	if m.insertErr != nil && doc.Status == models.DocumentStatusCertified {
		return m.insertErr
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now()
	}
	c := *doc
	m.docs = append(m.docs, &c)
	return nil
}

func (m *mockDocumentRepository) find(match func(*models.DocumentRecord) bool) []*models.DocumentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DocumentRecord
	for _, d := range m.docs {
		if match(d) {
			c := *d
			out = append(out, &c)
		}
	}
	return out
}

func (m *mockDocumentRepository) one(match func(*models.DocumentRecord) bool) (*models.DocumentRecord, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	found := m.find(match)
	if len(found) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "document not found")
	}
	return found[0], nil
}

func (m *mockDocumentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.DocumentRecord, error) {
	return m.one(func(d *models.DocumentRecord) bool { return d.ID == id })
}

func (m *mockDocumentRepository) GetBySerialCode(ctx context.Context, code string) (*models.DocumentRecord, error) {
	return m.one(func(d *models.DocumentRecord) bool { return d.SerialCode == code })
}

func (m *mockDocumentRepository) FindBySerial(ctx context.Context, serial models.SerialNumber) ([]*models.DocumentRecord, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.find(func(d *models.DocumentRecord) bool { return d.Serial == serial }), nil
}

func (m *mockDocumentRepository) ListByProject(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]*models.DocumentRecord, error) {
	docs := m.find(func(d *models.DocumentRecord) bool { return d.ProjectID == projectID })
	sort.Slice(docs, func(i, j int) bool { return docs[i].Serial > docs[j].Serial })
	if offset >= len(docs) {
		return nil, nil
	}
	docs = docs[offset:]
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (m *mockDocumentRepository) CountByProject(ctx context.Context, projectID uuid.UUID) (int, error) {
	return len(m.find(func(d *models.DocumentRecord) bool { return d.ProjectID == projectID })), nil
}

// mockProjectRepository holds projects by id.
type mockProjectRepository struct {
	mu       sync.Mutex
	projects map[uuid.UUID]*models.Project
	created  []*models.Project
}

func newMockProjectRepository(projects ...*models.Project) *mockProjectRepository {
	m := &mockProjectRepository{projects: map[uuid.UUID]*models.Project{}}
	for _, p := range projects {
		m.projects[p.ID] = p
	}
	return m
}

func (m *mockProjectRepository) Create(ctx context.Context, project *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	m.projects[project.ID] = project
	m.created = append(m.created, project)
	return nil
}

func (m *mockProjectRepository) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "project not found")
	}
	return p, nil
}

func (m *mockProjectRepository) UpdateOwner(ctx context.Context, id, ownerCompanyID uuid.UUID) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "project not found")
	}
	p.OwnerCompanyID = ownerCompanyID
	return p, nil
}

func (m *mockProjectRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Project, error) {
	return nil, nil
}

func (m *mockProjectRepository) ListAll(ctx context.Context) ([]*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Project
	for _, p := range m.projects {
		out = append(out, p)
	}
	return out, nil
}

// mockOwnerCompanyRepository holds companies by id.
type mockOwnerCompanyRepository struct {
	companies map[uuid.UUID]*models.OwnerCompany
	created   *models.OwnerCompany
}

func newMockOwnerCompanyRepository(companies ...*models.OwnerCompany) *mockOwnerCompanyRepository {
	m := &mockOwnerCompanyRepository{companies: map[uuid.UUID]*models.OwnerCompany{}}
	for _, c := range companies {
		m.companies[c.ID] = c
	}
	return m
}

func (m *mockOwnerCompanyRepository) Create(ctx context.Context, company *models.OwnerCompany) error {
	for _, c := range m.companies {
		if c.Code == company.Code {
			return apperrors.Wrap(apperrors.ErrConflict, "code taken")
		}
	}
	company.ID = uuid.New()
	m.companies[company.ID] = company
	m.created = company
	return nil
}

func (m *mockOwnerCompanyRepository) Get(ctx context.Context, id uuid.UUID) (*models.OwnerCompany, error) {
	c, ok := m.companies[id]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "company not found")
	}
	return c, nil
}

func (m *mockOwnerCompanyRepository) GetByCode(ctx context.Context, code string) (*models.OwnerCompany, error) {
	for _, c := range m.companies {
		if c.Code == code {
			return c, nil
		}
	}
	return nil, apperrors.Wrap(apperrors.ErrNotFound, "company not found")
}

func (m *mockOwnerCompanyRepository) List(ctx context.Context) ([]*models.OwnerCompany, error) {
	var out []*models.OwnerCompany
	for _, c := range m.companies {
		out = append(out, c)
	}
	return out, nil
}

// mockUserRepository holds users by id.
type mockUserRepository struct {
	users map[uuid.UUID]*models.User
}

func newMockUserRepository(users ...*models.User) *mockUserRepository {
	m := &mockUserRepository{users: map[uuid.UUID]*models.User{}}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *mockUserRepository) Create(ctx context.Context, user *models.User) error {
	for _, u := range m.users {
		if u.Email == user.Email {
			return apperrors.Wrap(apperrors.ErrConflict, "a user with this email already exists")
		}
	}
	user.ID = uuid.New()
	m.users[user.ID] = user
	return nil
}

func (m *mockUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "user not found")
	}
	return u, nil
}

func (m *mockUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	email = models.NormalizeEmail(email)
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, apperrors.Wrap(apperrors.ErrNotFound, "user not found")
}

func (m *mockUserRepository) List(ctx context.Context) ([]*models.User, error) {
	var out []*models.User
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// mockStamper appends a marker instead of rendering.
type mockStamper struct {
	err        error
	inspectErr error
	inspected  int
	payloads   []stamping.Payload
}

func (m *mockStamper) Inspect(pdf []byte) error {
	m.inspected++
	return m.inspectErr
}

func (m *mockStamper) Stamp(ctx context.Context, pdf []byte, payload stamping.Payload) ([]byte, error) {
	m.payloads = append(m.payloads, payload)
	if m.err != nil {
		return nil, m.err
	}
	return append(append([]byte(nil), pdf...), []byte(fmt.Sprintf("\n%% %s\n", payload.SerialCode))...), nil
}

var (
	_ repositories.GrantRepository         = (*mockGrantRepository)(nil)
	_ repositories.RolePresetRepository    = (*mockRolePresetRepository)(nil)
	_ repositories.SerialCounterRepository = (*mockSerialCounterRepository)(nil)
	_ repositories.DocumentRepository      = (*mockDocumentRepository)(nil)
	_ repositories.ProjectRepository       = (*mockProjectRepository)(nil)
	_ repositories.OwnerCompanyRepository  = (*mockOwnerCompanyRepository)(nil)
	_ repositories.UserRepository          = (*mockUserRepository)(nil)
	_ stamping.Stamper                     = (*mockStamper)(nil)
)

func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
