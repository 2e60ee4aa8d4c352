package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/apperrors"
	"github.com/ekaya-inc/docucert/pkg/audit"
	"github.com/ekaya-inc/docucert/pkg/models"
	"github.com/ekaya-inc/docucert/pkg/storage"
)

var samplePDF = []byte("%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\ntrailer << /Root 1 0 R >>\n%%EOF\n")

// failingStore wraps a MemoryStore and fails every Put.
type failingStore struct {
	*storage.MemoryStore
	putErr  error
	deleted []string
}

func (f *failingStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if f.putErr != nil {
		return f.putErr
	}
	return f.MemoryStore.Put(ctx, key, r, size, contentType)
}

func (f *failingStore) Delete(ctx context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return f.MemoryStore.Delete(ctx, key)
}

type certifierFixture struct {
	project   *models.Project
	uploader  uuid.UUID
	viewer    uuid.UUID
	grants    *mockGrantRepository
	counters  *mockSerialCounterRepository
	documents *mockDocumentRepository
	stamper   *mockStamper
	store     *failingStore
	certifier DocumentCertifier
}

func newCertifierFixture(t *testing.T) *certifierFixture {
	t.Helper()
	f := &certifierFixture{
		project: &models.Project{
			ID:        uuid.MustParse("1a2b3c4d-0000-4000-8000-000000000001"),
			Name:      "Quality Docs",
			OwnerCode: "ACME",
		},
		uploader:  uuid.New(),
		viewer:    uuid.New(),
		grants:    newMockGrantRepository(),
		counters:  newMockSerialCounterRepository(),
		documents: &mockDocumentRepository{},
		stamper:   &mockStamper{},
		store:     &failingStore{MemoryStore: storage.NewMemoryStore()},
	}
	f.grants.setRole(f.project.ID, f.uploader, models.RoleUploader)
	f.grants.setRole(f.project.ID, f.viewer, models.RoleViewer)

	logger := zap.NewNop()
	authz := newTestAuthorization(f.grants, newMockRolePresetRepository())
	f.certifier = NewDocumentCertifier(
		authz,
		newMockProjectRepository(f.project),
		NewSerialAllocator(f.counters, 0, nil, logger),
		f.documents,
		f.stamper,
		f.store,
		audit.NewSecurityAuditor(logger),
		nil,
		CertifierConfig{
			BaseURL:        "https://certs.example.com/",
			MaxUploadBytes: 1024,
			StampTimeout:   time.Second,
		},
		logger,
	)
	return f
}

func (f *certifierFixture) request(user uuid.UUID) CertifyRequest {
	return CertifyRequest{
		ProjectID:   f.project.ID,
		UserID:      user,
		Filename:    "Report Q1.pdf",
		ContentType: "application/pdf",
		Data:        samplePDF,
	}
}

func TestCertifier_Certify_Success(t *testing.T) {
	f := newCertifierFixture(t)

	res, err := f.certifier.Certify(context.Background(), f.request(f.uploader))
	require.NoError(t, err)

	assert.Equal(t, "ACME-1A2B3C4D-0001", res.Document.SerialCode)
	assert.Equal(t, "https://certs.example.com/verify/ACME-1A2B3C4D-0001", res.VerificationURL)
	assert.Equal(t, models.DocumentStatusCertified, res.Document.Status)
	assert.True(t, strings.HasSuffix(res.Document.StorageKey, "ACME-1A2B3C4D-0001_Report_Q1.pdf"), res.Document.StorageKey)

	ok, err := f.store.Exists(context.Background(), res.Document.StorageKey)
	require.NoError(t, err)
	assert.True(t, ok, "stamped document was not stored")

	require.Len(t, f.documents.docs, 1)
	require.Len(t, f.stamper.payloads, 1)
	assert.Equal(t, res.VerificationURL, f.stamper.payloads[0].URL)
	assert.Equal(t, 1, f.stamper.inspected)
}

func TestCertifier_Certify_SequentialSerials(t *testing.T) {
	f := newCertifierFixture(t)
	ctx := context.Background()

	first, err := f.certifier.Certify(ctx, f.request(f.uploader))
	require.NoError(t, err)
	second, err := f.certifier.Certify(ctx, f.request(f.uploader))
	require.NoError(t, err)

	assert.Equal(t, models.SerialNumber(1), first.Document.Serial)
	assert.Equal(t, models.SerialNumber(2), second.Document.Serial)
}

func TestCertifier_Certify_ViewerRejectedWithoutConsumingSerial(t *testing.T) {
	f := newCertifierFixture(t)

	_, err := f.certifier.Certify(context.Background(), f.request(f.viewer))
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	assert.Equal(t, models.SerialNumber(0), f.counters.current(f.project.ID), "rejected upload consumed a serial")
	assert.Equal(t, 0, f.store.Len())
	assert.Empty(t, f.documents.inserted)
}

func TestCertifier_Certify_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CertifyRequest)
	}{
		{"wrong extension", func(r *CertifyRequest) { r.Filename = "report.docx" }},
		{"missing filename", func(r *CertifyRequest) { r.Filename = "  " }},
		{"wrong content type", func(r *CertifyRequest) { r.ContentType = "image/png" }},
		{"not a pdf", func(r *CertifyRequest) { r.Data = []byte("PK\x03\x04 zip file") }},
		{"empty", func(r *CertifyRequest) { r.Data = nil }},
		{"too large", func(r *CertifyRequest) { r.Data = append([]byte("%PDF-"), make([]byte, 2048)...) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCertifierFixture(t)
			req := f.request(f.uploader)
			tt.mutate(&req)

			_, err := f.certifier.Certify(context.Background(), req)
			require.ErrorIs(t, err, apperrors.ErrValidation)
			assert.Zero(t, f.counters.calls, "invalid upload reached serial allocation")
		})
	}
}

func TestCertifier_Certify_UnreadablePDFRejectedBeforeAllocation(t *testing.T) {
	f := newCertifierFixture(t)
	f.stamper.inspectErr = errors.New("malformed xref table")

	_, err := f.certifier.Certify(context.Background(), f.request(f.uploader))
	require.ErrorIs(t, err, apperrors.ErrValidation)

	assert.Zero(t, f.counters.calls, "unreadable pdf consumed a serial")
	assert.Empty(t, f.stamper.payloads)
	assert.Empty(t, f.documents.docs)
}

func TestCertifier_Certify_AcceptsContentTypeVariants(t *testing.T) {
	for _, ct := range []string{"", "application/pdf; charset=binary", "application/x-pdf", "application/octet-stream", "APPLICATION/PDF"} {
		f := newCertifierFixture(t)
		req := f.request(f.uploader)
		req.ContentType = ct
		req.Filename = "REPORT.PDF"
		_, err := f.certifier.Certify(context.Background(), req)
		assert.NoError(t, err, "content type %q rejected", ct)
	}
}

func TestCertifier_Certify_StorageFailureVoidsSerial(t *testing.T) {
	f := newCertifierFixture(t)
	f.store.putErr = &storage.TransientError{Op: "put", Err: errors.New("disk unavailable")}
	ctx := context.Background()

	_, err := f.certifier.Certify(ctx, f.request(f.uploader))
	require.ErrorIs(t, err, apperrors.ErrStorage)

	require.Len(t, f.documents.docs, 1)
	void := f.documents.docs[0]
	assert.Equal(t, models.DocumentStatusVoid, void.Status)
	assert.Equal(t, models.SerialNumber(1), void.Serial)

	// The voided serial is never reused.
	f.store.putErr = nil
	res, err := f.certifier.Certify(ctx, f.request(f.uploader))
	require.NoError(t, err)
	assert.Equal(t, models.SerialNumber(2), res.Document.Serial)
}

func TestCertifier_Certify_CancelledStorageStillVoids(t *testing.T) {
	f := newCertifierFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.store.putErr = context.Canceled
	cancel()

	_, err := f.certifier.Certify(ctx, f.request(f.uploader))
	require.Error(t, err)
	for _, d := range f.documents.docs {
		assert.NotEqual(t, models.DocumentStatusCertified, d.Status, "cancelled upload produced a certified record")
	}
}

func TestCertifier_Certify_RecordFailureRemovesBlob(t *testing.T) {
	f := newCertifierFixture(t)
	f.documents.insertErr = errors.New("connection reset by peer")

	_, err := f.certifier.Certify(context.Background(), f.request(f.uploader))
	require.Error(t, err)

	assert.Len(t, f.store.deleted, 1, "expected orphan blob deletion")
	assert.Equal(t, 0, f.store.Len(), "orphaned blob still stored")
}

func TestCertifier_Certify_StampFailureIsServerError(t *testing.T) {
	f := newCertifierFixture(t)
	f.stamper.err = errors.New("font table missing")

	_, err := f.certifier.Certify(context.Background(), f.request(f.uploader))
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, "internal_error", apperrors.Code(err))

	assert.Equal(t, 0, f.store.Len())
	assert.Empty(t, f.documents.docs, "failed stamp left a record behind")
}
