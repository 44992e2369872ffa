package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"docvault/internal/codec"
	"docvault/internal/journal"
	journalMocks "docvault/internal/journal/mocks"
	"docvault/internal/keyring"
	"docvault/internal/links"
	"docvault/internal/logging"
	"docvault/internal/model"
	"docvault/internal/repository"
	repoMocks "docvault/internal/repository/mocks"
	"docvault/internal/storage"
	storeMocks "docvault/internal/storage/mocks"
)

var (
	admin   = model.Identity{UserID: "admin-1", Role: model.RoleAdmin}
	client1 = model.Identity{UserID: "c1", Role: model.RoleClient}
	client2 = model.Identity{UserID: "c2", Role: model.RoleClient}
)

// blobStore backs a MockStorage with a map so ciphertext written by Put
// can be read back by Get.
type blobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (b *blobStore) put(args mock.Arguments) {
	data, _ := io.ReadAll(args.Get(2).(io.Reader))
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[args.String(1)] = data
}

func (b *blobStore) get(_ context.Context, key string) io.ReadCloser {
	b.mu.Lock()
	defer b.mu.Unlock()
	return io.NopCloser(bytes.NewReader(b.blobs[key]))
}

func (b *blobStore) only(t *testing.T) (string, []byte) {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.blobs, 1)
	for k, v := range b.blobs {
		return k, v
	}
	return "", nil
}

type fixture struct {
	store   *storeMocks.MockStorage
	repo    *repoMocks.MockDocumentRepository
	journal *journal.Badger
	keyring *keyring.SecretBox
	links   *links.Signer
	blobs   *blobStore
	svc     *documentService
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	j, err := journal.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	kr, err := keyring.NewSecretBox(map[string][]byte{"k1": bytes.Repeat([]byte{7}, 32)}, "k1")
	require.NoError(t, err)

	signer, err := links.NewSigner(strings.Repeat("s", 32), time.Hour)
	require.NoError(t, err)

	f := &fixture{
		store:   new(storeMocks.MockStorage),
		repo:    new(repoMocks.MockDocumentRepository),
		journal: j,
		keyring: kr,
		links:   signer,
		blobs:   &blobStore{blobs: map[string][]byte{}},
	}
	f.svc, err = newDocumentService(Deps{
		Store:   f.store,
		Repo:    f.repo,
		Keyring: kr,
		Journal: j,
		Links:   signer,
		Log:     logging.Discard(),
	}, opts)
	require.NoError(t, err)
	return f
}

func (f *fixture) expectPut() {
	f.store.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(f.blobs.put).
		Return(func(_ context.Context, key string, _ io.Reader, opt storage.PutObjectOptions) storage.ObjectInfo {
			return storage.ObjectInfo{Key: key, Size: opt.Size}
		}, nil).Once()
}

// expectKeyFree answers the storage key reservation lookup.
func (f *fixture) expectKeyFree() {
	f.repo.On("ExistsByStorageKey", mock.Anything, mock.Anything).Return(false, nil).Once()
}

func (f *fixture) expectCreate() *mock.Call {
	return f.repo.On("Create", mock.Anything, mock.AnythingOfType("*model.Document")).
		Return(func(_ context.Context, d *model.Document) *model.Document { return d }, nil).Once()
}

func (f *fixture) pending(t *testing.T) []journal.Intent {
	t.Helper()
	in, err := f.journal.Pending(context.Background(), 0)
	require.NoError(t, err)
	return in
}

func uploadInput(body string) UploadInput {
	return UploadInput{
		OwnerID:     "c1",
		Month:       "07",
		Year:        "2023",
		Filename:    "invoice.pdf",
		ContentType: "application/pdf",
		Size:        int64(len(body)),
		Body:        strings.NewReader(body),
	}
}

func TestDocumentService_UploadAndOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	var created *model.Document
	f.expectKeyFree()
	f.expectPut()
	f.expectCreate().Run(func(args mock.Arguments) { created = args.Get(1).(*model.Document) })

	view, err := f.svc.Upload(ctx, admin, uploadInput("x"))
	require.NoError(t, err)
	require.NotNil(t, created)

	assert.Equal(t, int64(1), view.Size)
	assert.Equal(t, "c1", view.OwnerID)
	assert.Equal(t, "07", view.Month)
	assert.Equal(t, "2023", view.Year)
	assert.Equal(t, "invoice.pdf", view.Name)
	assert.Empty(t, f.pending(t), "intent must be committed")

	key, blob := f.blobs.only(t)
	assert.True(t, strings.HasPrefix(key, "c1/2023/07/"), key)
	assert.True(t, strings.HasSuffix(key, "-invoice.pdf"), key)
	assert.Equal(t, f.svc.codec.CiphertextSize(1), int64(len(blob)))

	assert.Equal(t, "k1", created.KeyID)
	assert.Len(t, created.IV, 16)
	assert.NotEmpty(t, created.WrappedKey)
	assert.Equal(t, string(codec.AES256GCM), created.Algorithm)
	assert.Equal(t, admin.UserID, created.UploadedBy)

	f.repo.On("FindByID", mock.Anything, created.ID).Return(created, nil)
	f.store.On("Get", mock.Anything, key).Return(f.blobs.get, storage.ObjectInfo{}, nil)

	content, err := f.svc.Open(ctx, client1, created.ID)
	require.NoError(t, err)
	defer content.Body.Close()
	got, err := io.ReadAll(content.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
	assert.Equal(t, int64(1), content.Size)

	f.store.AssertExpectations(t)
	f.repo.AssertExpectations(t)
}

func TestDocumentService_UploadStreamsLargeFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{BufferThreshold: 1024})

	body := strings.Repeat("0123456789", 20_000)
	var created *model.Document
	f.expectKeyFree()
	f.expectPut()
	f.expectCreate().Run(func(args mock.Arguments) { created = args.Get(1).(*model.Document) })

	_, err := f.svc.Upload(ctx, admin, uploadInput(body))
	require.NoError(t, err)

	key, blob := f.blobs.only(t)
	assert.Equal(t, f.svc.codec.CiphertextSize(int64(len(body))), int64(len(blob)))

	f.repo.On("FindByID", mock.Anything, created.ID).Return(created, nil)
	f.store.On("Get", mock.Anything, key).Return(f.blobs.get, storage.ObjectInfo{}, nil)

	content, err := f.svc.Open(ctx, admin, created.ID)
	require.NoError(t, err)
	got, err := io.ReadAll(content.Body)
	require.NoError(t, err)
	require.NoError(t, content.Body.Close())
	assert.Equal(t, body, string(got))
}

func TestDocumentService_UploadValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		who     model.Identity
		mutate  func(in *UploadInput)
		wantErr error
	}{
		{name: "client may not upload", who: client1, wantErr: ErrUnauthorized},
		{name: "unknown role", who: model.Identity{UserID: "x", Role: "auditor"}, wantErr: ErrUnauthorized},
		{name: "missing owner", who: admin, mutate: func(in *UploadInput) { in.OwnerID = "" }, wantErr: ErrValidation},
		{name: "owner with slash", who: admin, mutate: func(in *UploadInput) { in.OwnerID = "c1/../c2" }, wantErr: ErrValidation},
		{name: "month 13", who: admin, mutate: func(in *UploadInput) { in.Month = "13" }, wantErr: ErrValidation},
		{name: "month not padded", who: admin, mutate: func(in *UploadInput) { in.Month = "7" }, wantErr: ErrValidation},
		{name: "year too short", who: admin, mutate: func(in *UploadInput) { in.Year = "23" }, wantErr: ErrValidation},
		{name: "empty file", who: admin, mutate: func(in *UploadInput) { in.Size = 0 }, wantErr: ErrValidation},
		{name: "too large", who: admin, mutate: func(in *UploadInput) { in.Size = 65 << 20 }, wantErr: ErrValidation},
		{name: "nil body", who: admin, mutate: func(in *UploadInput) { in.Body = nil }, wantErr: ErrValidation},
		{name: "no filename", who: admin, mutate: func(in *UploadInput) { in.Filename = "../" }, wantErr: ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			in := uploadInput("hello")
			if tt.mutate != nil {
				tt.mutate(&in)
			}

			view, err := f.svc.Upload(ctx, tt.who, in)

			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, view)
			f.store.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			f.repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		})
	}
}

func TestDocumentService_UploadSanitizesInput(t *testing.T) {
	f := newFixture(t, Options{})
	var created *model.Document
	f.expectKeyFree()
	f.expectPut()
	f.expectCreate().Run(func(args mock.Arguments) { created = args.Get(1).(*model.Document) })

	in := uploadInput("hello")
	in.Filename = `..\..\etc/report.txt`
	in.ContentType = ""
	_, err := f.svc.Upload(context.Background(), admin, in)
	require.NoError(t, err)

	assert.Equal(t, "report.txt", created.OriginalName)
	assert.True(t, strings.HasPrefix(created.MimeType, "text/plain"), created.MimeType)
	assert.NotContains(t, created.StorageKey, "..")
}

func TestDocumentService_UploadSizeMismatch(t *testing.T) {
	f := newFixture(t, Options{})
	f.expectKeyFree()
	in := uploadInput("hello")
	in.Size = 10

	_, err := f.svc.Upload(context.Background(), admin, in)

	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, f.pending(t))
}

func TestDocumentService_UploadStoreFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.expectKeyFree()
	f.store.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(storage.ObjectInfo{}, storage.ErrUnavailable)

	_, err := f.svc.Upload(context.Background(), admin, uploadInput("hello"))

	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.True(t, Retryable(err))
	assert.Empty(t, f.pending(t))
	f.repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestDocumentService_UploadCompensation(t *testing.T) {
	tests := []struct {
		name        string
		deleteErr   error
		wantPending int
	}{
		{name: "blob removed", deleteErr: nil, wantPending: 0},
		{name: "blob already gone", deleteErr: storage.ErrNotFound, wantPending: 0},
		{name: "blob orphaned", deleteErr: errors.New("connection reset"), wantPending: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			var storedKey string
			f.store.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
				Run(func(args mock.Arguments) { storedKey = args.String(1) }).
				Return(storage.ObjectInfo{}, nil)
			f.repo.On("Create", mock.Anything, mock.Anything).Return(nil, errors.New("db fail"))
			f.repo.On("ExistsByStorageKey", mock.Anything, mock.Anything).Return(false, nil)
			f.store.On("Delete", mock.Anything, mock.Anything).Return(tt.deleteErr)

			view, err := f.svc.Upload(context.Background(), admin, uploadInput("hello"))

			assert.Nil(t, view)
			assert.ErrorIs(t, err, ErrCatalogWrite)
			f.store.AssertCalled(t, "Delete", mock.Anything, storedKey)
			assert.Len(t, f.pending(t), tt.wantPending)
			assert.Equal(t, float64(tt.wantPending), testutil.ToFloat64(f.svc.metrics.OrphanBlobs))
		})
	}
}

func TestDocumentService_UploadClientDisconnect(t *testing.T) {
	f := newFixture(t, Options{})
	f.expectKeyFree()
	ctx, cancel := context.WithCancel(context.Background())

	var storedKey string
	f.store.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			storedKey = args.String(1)
			cancel()
		}).
		Return(storage.ObjectInfo{}, nil)
	f.store.On("Delete", mock.MatchedBy(func(c context.Context) bool { return c.Err() == nil }), mock.Anything).
		Return(nil)

	_, err := f.svc.Upload(ctx, admin, uploadInput("hello"))

	assert.ErrorIs(t, err, ErrClientDisconnected)
	f.store.AssertCalled(t, "Delete", mock.Anything, storedKey)
	f.repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	assert.Empty(t, f.pending(t))
}

func TestDocumentService_UploadCatalogOutcomeUnknown(t *testing.T) {
	tests := []struct {
		name        string
		cancel      bool
		exists      bool
		existsErr   error
		wantErr     error
		wantPending int
	}{
		{name: "record committed despite error", exists: true},
		{name: "record committed then client left", cancel: true, exists: true, wantErr: ErrClientDisconnected},
		{name: "catalog unreachable", existsErr: errors.New("connection refused"), wantErr: ErrCatalogWrite, wantPending: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			f.expectKeyFree()
			f.expectPut()
			f.repo.On("Create", mock.Anything, mock.Anything).
				Run(func(mock.Arguments) {
					if tt.cancel {
						cancel()
					}
				}).
				Return(nil, errors.New("driver: bad connection")).Once()
			f.repo.On("ExistsByStorageKey", mock.MatchedBy(func(c context.Context) bool { return c.Err() == nil }), mock.Anything).
				Return(tt.exists, tt.existsErr).Once()

			view, err := f.svc.Upload(ctx, admin, uploadInput("hello"))

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, int64(5), view.Size)
			}
			f.store.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
			assert.Len(t, f.pending(t), tt.wantPending)
			f.blobs.only(t)
			f.repo.AssertExpectations(t)
		})
	}
}

func TestDocumentService_UploadKeyCollision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	now := time.Date(2023, 7, 14, 9, 30, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }

	keyAt := func(ms int64) string {
		return fmt.Sprintf("c1/2023/07/%d-invoice.pdf", now.UnixMilli()+ms)
	}
	// one upload of the same name is in flight, another is already cataloged
	require.NoError(t, f.journal.Begin(ctx, journal.Intent{StorageKey: keyAt(0), DocumentID: "in-flight"}))
	f.repo.On("ExistsByStorageKey", mock.Anything, keyAt(1)).Return(true, nil).Once()
	f.repo.On("ExistsByStorageKey", mock.Anything, keyAt(2)).Return(false, nil).Once()
	f.expectPut()
	f.expectCreate()

	_, err := f.svc.Upload(ctx, admin, uploadInput("hello"))
	require.NoError(t, err)

	key, _ := f.blobs.only(t)
	assert.Equal(t, keyAt(2), key)
	pending := f.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, "in-flight", pending[0].DocumentID)
	f.repo.AssertExpectations(t)
}

func TestDocumentService_UploadKeyLookupFails(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.On("ExistsByStorageKey", mock.Anything, mock.Anything).Return(false, errors.New("connection refused"))

	_, err := f.svc.Upload(context.Background(), admin, uploadInput("hello"))

	assert.ErrorIs(t, err, ErrCatalogUnavailable)
	assert.True(t, Retryable(err))
	assert.Empty(t, f.pending(t))
	f.store.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// sizedPut mimics an object store that reads exactly the declared size.
func (f *fixture) sizedPut(err error) {
	f.store.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			opt := args.Get(3).(storage.PutObjectOptions)
			data, _ := io.ReadAll(io.LimitReader(args.Get(2).(io.Reader), opt.Size))
			if err == nil {
				f.blobs.mu.Lock()
				f.blobs.blobs[args.String(1)] = data
				f.blobs.mu.Unlock()
			}
		}).
		Return(storage.ObjectInfo{}, err).Once()
}

func TestDocumentService_UploadStreamedCleanup(t *testing.T) {
	tests := []struct {
		name        string
		bodyLen     int
		putErr      error
		deleteErr   error
		wantErr     error
		wantPending int
		wantOrphans float64
	}{
		{name: "oversized body removed", bodyLen: 200_000, wantErr: ErrValidation},
		{name: "oversized body cleanup fails", bodyLen: 200_000, deleteErr: errors.New("connection reset"), wantErr: ErrValidation, wantPending: 1, wantOrphans: 1},
		{name: "failed put cleaned", bodyLen: 100_000, putErr: storage.ErrUnavailable, deleteErr: storage.ErrNotFound, wantErr: ErrStoreUnavailable},
		{name: "failed put cleanup fails", bodyLen: 100_000, putErr: storage.ErrUnavailable, deleteErr: errors.New("connection reset"), wantErr: ErrStoreUnavailable, wantPending: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{BufferThreshold: 1024})
			f.expectKeyFree()
			f.sizedPut(tt.putErr)
			f.store.On("Delete", mock.MatchedBy(func(c context.Context) bool { return c.Err() == nil }), mock.Anything).
				Return(tt.deleteErr).Once()

			in := uploadInput(strings.Repeat("a", tt.bodyLen))
			in.Size = 100_000

			_, err := f.svc.Upload(context.Background(), admin, in)

			assert.ErrorIs(t, err, tt.wantErr)
			f.repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
			f.store.AssertExpectations(t)
			assert.Len(t, f.pending(t), tt.wantPending)
			assert.Equal(t, tt.wantOrphans, testutil.ToFloat64(f.svc.metrics.OrphanBlobs))
		})
	}
}

func TestDocumentService_UploadJournalFailure(t *testing.T) {
	j := new(journalMocks.MockJournal)
	j.On("Begin", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	kr, err := keyring.NewSecretBox(map[string][]byte{"k1": bytes.Repeat([]byte{1}, 32)}, "k1")
	require.NoError(t, err)
	store := new(storeMocks.MockStorage)

	svc, err := NewDocumentService(Deps{Store: store, Repo: new(repoMocks.MockDocumentRepository), Keyring: kr, Journal: j}, Options{})
	require.NoError(t, err)

	_, err = svc.Upload(context.Background(), admin, uploadInput("hello"))

	assert.Error(t, err)
	store.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func sealedDocument(t *testing.T, f *fixture, id, owner string, plain []byte) *model.Document {
	t.Helper()
	mat, err := f.svc.keys.Generate()
	require.NoError(t, err)
	keyID, wrapped, err := f.keyring.Wrap(context.Background(), mat.Key)
	require.NoError(t, err)
	ct, err := f.svc.codec.Encrypt(plain, mat.Key, mat.IV)
	require.NoError(t, err)

	key := owner + "/2023/07/" + id
	f.blobs.blobs[key] = ct
	return &model.Document{
		ID:           id,
		OwnerID:      owner,
		StorageKey:   key,
		WrappedKey:   wrapped,
		KeyID:        keyID,
		IV:           mat.IV,
		Algorithm:    string(f.svc.codec.Algorithm()),
		OriginalName: id + ".pdf",
		MimeType:     "application/pdf",
		SizeBytes:    int64(len(plain)),
		Month:        "07",
		Year:         "2023",
	}
}

func TestDocumentService_OpenAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	doc := sealedDocument(t, f, "doc-1", "c1", []byte("secret"))

	f.repo.On("FindByID", mock.Anything, "doc-1").Return(doc, nil)
	f.repo.On("FindByID", mock.Anything, "missing").Return(nil, repository.ErrNotFound)
	f.store.On("Get", mock.Anything, doc.StorageKey).Return(f.blobs.get, storage.ObjectInfo{}, nil)

	_, errOther := f.svc.Open(ctx, client2, "doc-1")
	_, errMissing := f.svc.Open(ctx, client2, "missing")

	require.Error(t, errOther)
	require.Error(t, errMissing)
	assert.ErrorIs(t, errOther, ErrNotFound)
	assert.ErrorIs(t, errMissing, ErrNotFound)
	assert.Equal(t, errMissing.Error(), errOther.Error())
	assert.Equal(t, StatusClass(errMissing), StatusClass(errOther))
	f.store.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)

	for _, who := range []model.Identity{client1, admin} {
		c, err := f.svc.Open(ctx, who, "doc-1")
		require.NoError(t, err)
		b, err := io.ReadAll(c.Body)
		require.NoError(t, err)
		assert.Equal(t, "secret", string(b))
	}
}

func TestDocumentService_OpenTampered(t *testing.T) {
	tests := []struct {
		name      string
		threshold int64
		tamper    func(doc *model.Document, blob []byte) []byte
	}{
		{
			name:   "flipped ciphertext byte",
			tamper: func(_ *model.Document, b []byte) []byte { b[3] ^= 0x01; return b },
		},
		{
			name:   "truncated blob",
			tamper: func(_ *model.Document, b []byte) []byte { return b[:len(b)-1] },
		},
		{
			name:   "wrong iv",
			tamper: func(d *model.Document, b []byte) []byte { d.IV[0] ^= 0xff; return b },
		},
		{
			name:   "catalog size lies",
			tamper: func(d *model.Document, b []byte) []byte { d.SizeBytes++; return b },
		},
		{
			name:   "wrapped key altered",
			tamper: func(d *model.Document, b []byte) []byte { d.WrappedKey[len(d.WrappedKey)-1] ^= 1; return b },
		},
		{
			name:   "unknown master key",
			tamper: func(d *model.Document, b []byte) []byte { d.KeyID = "retired"; return b },
		},
		{
			name:      "streamed flipped byte",
			threshold: 8,
			tamper:    func(_ *model.Document, b []byte) []byte { b[len(b)-20] ^= 0x80; return b },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{BufferThreshold: tt.threshold})
			doc := sealedDocument(t, f, "doc-1", "c1", []byte(strings.Repeat("payload ", 8)))
			f.blobs.blobs[doc.StorageKey] = tt.tamper(doc, f.blobs.blobs[doc.StorageKey])

			f.repo.On("FindByID", mock.Anything, "doc-1").Return(doc, nil)
			f.store.On("Get", mock.Anything, doc.StorageKey).Return(f.blobs.get, storage.ObjectInfo{}, nil).Maybe()

			c, err := f.svc.Open(context.Background(), admin, "doc-1")
			if err == nil {
				_, err = io.ReadAll(c.Body)
			}
			assert.ErrorIs(t, err, ErrCodec)
			assert.Equal(t, 500, StatusClass(err))
		})
	}
}

func TestDocumentService_OpenStoreErrors(t *testing.T) {
	tests := []struct {
		name    string
		getErr  error
		wantErr error
	}{
		{name: "blob missing", getErr: storage.ErrNotFound, wantErr: ErrNotFound},
		{name: "store down", getErr: storage.ErrUnavailable, wantErr: ErrStoreUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			doc := sealedDocument(t, f, "doc-1", "c1", []byte("x"))
			f.repo.On("FindByID", mock.Anything, "doc-1").Return(doc, nil)
			f.store.On("Get", mock.Anything, doc.StorageKey).Return(nil, storage.ObjectInfo{}, tt.getErr)

			_, err := f.svc.Open(context.Background(), client1, "doc-1")

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

type kmsStub struct {
	kmsiface.KMSAPI
	err error
}

func (k kmsStub) DecryptWithContext(aws.Context, *kms.DecryptInput, ...request.Option) (*kms.DecryptOutput, error) {
	return nil, k.err
}

func TestDocumentService_OpenKeyringErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantErr    error
		wantStatus int
		retryable  bool
	}{
		{
			name:       "kms unreachable",
			err:        awserr.New(request.ErrCodeRequestError, "send request failed", errors.New("dial tcp: i/o timeout")),
			wantErr:    ErrKeyringUnavailable,
			wantStatus: 503,
			retryable:  true,
		},
		{
			name:       "kms throttled",
			err:        awserr.New(kms.ErrCodeLimitExceededException, "rate exceeded", nil),
			wantErr:    ErrKeyringUnavailable,
			wantStatus: 503,
			retryable:  true,
		},
		{
			name:       "kms rejects wrapped key",
			err:        awserr.New(kms.ErrCodeInvalidCiphertextException, "", nil),
			wantErr:    ErrCodec,
			wantStatus: 500,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			doc := sealedDocument(t, f, "doc-1", "c1", []byte("x"))
			f.svc.keyring = keyring.NewKMS(kmsStub{err: tt.err}, "alias/docvault")
			f.repo.On("FindByID", mock.Anything, "doc-1").Return(doc, nil)

			_, err := f.svc.Open(context.Background(), admin, "doc-1")

			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantStatus, StatusClass(err))
			assert.Equal(t, tt.retryable, Retryable(err))
			f.store.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
		})
	}
}

func TestDocumentService_Get(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		who        model.Identity
		id         string
		setupMocks func(mRepo *repoMocks.MockDocumentRepository)
		wantErr    error
	}{
		{
			name: "owner reads",
			who:  client1,
			id:   "valid-id",
			setupMocks: func(mRepo *repoMocks.MockDocumentRepository) {
				mRepo.On("FindByID", mock.Anything, "valid-id").Return(&model.Document{ID: "valid-id", OwnerID: "c1"}, nil)
			},
		},
		{
			name:       "validation - empty id",
			who:        admin,
			id:         " ",
			setupMocks: func(mRepo *repoMocks.MockDocumentRepository) {},
			wantErr:    ErrValidation,
		},
		{
			name: "not found",
			who:  admin,
			id:   "missing-id",
			setupMocks: func(mRepo *repoMocks.MockDocumentRepository) {
				mRepo.On("FindByID", mock.Anything, "missing-id").Return(nil, repository.ErrNotFound)
			},
			wantErr: ErrNotFound,
		},
		{
			name: "other client",
			who:  client2,
			id:   "valid-id",
			setupMocks: func(mRepo *repoMocks.MockDocumentRepository) {
				mRepo.On("FindByID", mock.Anything, "valid-id").Return(&model.Document{ID: "valid-id", OwnerID: "c1"}, nil)
			},
			wantErr: ErrNotFound,
		},
		{
			name: "catalog down",
			who:  admin,
			id:   "error-id",
			setupMocks: func(mRepo *repoMocks.MockDocumentRepository) {
				mRepo.On("FindByID", mock.Anything, "error-id").Return(nil, errors.New("db fail"))
			},
			wantErr: ErrCatalogUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			tt.setupMocks(f.repo)

			doc, err := f.svc.Get(ctx, tt.who, tt.id)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, doc)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.id, doc.ID)
			}
			f.repo.AssertExpectations(t)
		})
	}
}

func TestDocumentService_List(t *testing.T) {
	ctx := context.Background()
	newer := time.Date(2023, 7, 2, 0, 0, 0, 0, time.UTC)
	older := time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC)
	page := &repository.PageResult[model.Document]{
		Items: []model.Document{
			{ID: "2", OwnerID: "c1", Year: "2023", UploadedAt: newer},
			{ID: "1", OwnerID: "c1", Year: "2023", UploadedAt: older},
		},
		Total: 2,
	}

	tests := []struct {
		name       string
		who        model.Identity
		query      ListQuery
		setupMocks func(mRepo *repoMocks.MockDocumentRepository)
		wantErr    error
		checkRes   func(t *testing.T, res *DocumentListResult)
	}{
		{
			name:  "client defaults to own documents",
			who:   client1,
			query: ListQuery{Year: "2023"},
			setupMocks: func(mRepo *repoMocks.MockDocumentRepository) {
				mRepo.On("FindByOwner", mock.Anything, "c1",
					model.Filter{OwnerID: "c1", Year: "2023"},
					repository.PageQuery{Limit: 20}).Return(page, nil)
			},
			checkRes: func(t *testing.T, res *DocumentListResult) {
				require.Len(t, res.Items, 2)
				assert.Equal(t, 2, res.Total)
				assert.Equal(t, "2", res.Items[0].ID)
				assert.True(t, res.Items[0].UploadedAt.After(res.Items[1].UploadedAt))
			},
		},
		{
			name:    "client may not list others",
			who:     client2,
			query:   ListQuery{OwnerID: "c1"},
			wantErr: ErrUnauthorized,
		},
		{
			name:  "admin lists everyone",
			who:   admin,
			query: ListQuery{Month: "07", Search: " inv ", Limit: 500, Offset: 5},
			setupMocks: func(mRepo *repoMocks.MockDocumentRepository) {
				mRepo.On("FindAll", mock.Anything,
					model.Filter{Month: "07", NamePattern: "inv"},
					repository.PageQuery{Limit: 100, Offset: 5}).Return(page, nil)
			},
		},
		{
			name:  "admin narrows to owner",
			who:   admin,
			query: ListQuery{OwnerID: "c1"},
			setupMocks: func(mRepo *repoMocks.MockDocumentRepository) {
				mRepo.On("FindByOwner", mock.Anything, "c1", model.Filter{OwnerID: "c1"}, repository.PageQuery{Limit: 20}).
					Return(&repository.PageResult[model.Document]{}, nil)
			},
			checkRes: func(t *testing.T, res *DocumentListResult) {
				assert.NotNil(t, res.Items)
				assert.Empty(t, res.Items)
			},
		},
		{
			name:    "bad month",
			who:     admin,
			query:   ListQuery{Month: "00"},
			wantErr: ErrValidation,
		},
		{
			name:    "negative offset",
			who:     admin,
			query:   ListQuery{Offset: -1},
			wantErr: ErrValidation,
		},
		{
			name:  "repository error",
			who:   admin,
			query: ListQuery{},
			setupMocks: func(mRepo *repoMocks.MockDocumentRepository) {
				mRepo.On("FindAll", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("db fail"))
			},
			wantErr: ErrCatalogUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			if tt.setupMocks != nil {
				tt.setupMocks(f.repo)
			}

			res, err := f.svc.List(ctx, tt.who, tt.query)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				if tt.checkRes != nil {
					tt.checkRes(t, res)
				}
			}
			f.repo.AssertExpectations(t)
		})
	}
}

func TestDocumentService_Delete(t *testing.T) {
	ctx := context.Background()
	doc := &model.Document{ID: "valid-id", OwnerID: "c1", StorageKey: "c1/2023/07/1-a.pdf"}

	tests := []struct {
		name       string
		who        model.Identity
		setupMocks func(mStore *storeMocks.MockStorage, mRepo *repoMocks.MockDocumentRepository)
		wantErr    error
	}{
		{
			name: "happy path",
			who:  admin,
			setupMocks: func(mStore *storeMocks.MockStorage, mRepo *repoMocks.MockDocumentRepository) {
				mRepo.On("FindByID", mock.Anything, "valid-id").Return(doc, nil)
				mRepo.On("MarkDeleted", mock.Anything, "valid-id", mock.AnythingOfType("time.Time")).Return(nil)
				mStore.On("Delete", mock.Anything, doc.StorageKey).Return(nil)
				mRepo.On("Delete", mock.Anything, "valid-id").Return(nil)
			},
		},
		{
			name: "client may not delete",
			who:  client1,
			setupMocks: func(mStore *storeMocks.MockStorage, mRepo *repoMocks.MockDocumentRepository) {
				mRepo.On("FindByID", mock.Anything, "valid-id").Return(doc, nil)
			},
			wantErr: ErrNotFound,
		},
		{
			name: "lost the mark race",
			who:  admin,
			setupMocks: func(mStore *storeMocks.MockStorage, mRepo *repoMocks.MockDocumentRepository) {
				mRepo.On("FindByID", mock.Anything, "valid-id").Return(doc, nil)
				mRepo.On("MarkDeleted", mock.Anything, "valid-id", mock.Anything).Return(repository.ErrNotFound)
			},
			wantErr: ErrNotFound,
		},
		{
			name: "storage failure is left to the sweeper",
			who:  admin,
			setupMocks: func(mStore *storeMocks.MockStorage, mRepo *repoMocks.MockDocumentRepository) {
				mRepo.On("FindByID", mock.Anything, "valid-id").Return(doc, nil)
				mRepo.On("MarkDeleted", mock.Anything, "valid-id", mock.Anything).Return(nil)
				mStore.On("Delete", mock.Anything, doc.StorageKey).Return(errors.New("storage fail"))
			},
		},
		{
			name: "purge failure is left to the sweeper",
			who:  admin,
			setupMocks: func(mStore *storeMocks.MockStorage, mRepo *repoMocks.MockDocumentRepository) {
				mRepo.On("FindByID", mock.Anything, "valid-id").Return(doc, nil)
				mRepo.On("MarkDeleted", mock.Anything, "valid-id", mock.Anything).Return(nil)
				mStore.On("Delete", mock.Anything, doc.StorageKey).Return(storage.ErrNotFound)
				mRepo.On("Delete", mock.Anything, "valid-id").Return(errors.New("db fail"))
			},
		},
		{
			name: "catalog down",
			who:  admin,
			setupMocks: func(mStore *storeMocks.MockStorage, mRepo *repoMocks.MockDocumentRepository) {
				mRepo.On("FindByID", mock.Anything, "valid-id").Return(doc, nil)
				mRepo.On("MarkDeleted", mock.Anything, "valid-id", mock.Anything).Return(errors.New("conn refused"))
			},
			wantErr: ErrCatalogUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			tt.setupMocks(f.store, f.repo)

			err := f.svc.Delete(ctx, tt.who, "valid-id")

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			f.store.AssertExpectations(t)
			f.repo.AssertExpectations(t)
		})
	}
}

func TestDocumentService_DeleteTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	doc := &model.Document{ID: "d1", OwnerID: "c1", StorageKey: "c1/2023/07/1-a.pdf"}

	f.repo.On("FindByID", mock.Anything, "d1").Return(doc, nil).Once()
	f.repo.On("MarkDeleted", mock.Anything, "d1", mock.Anything).Return(nil).Once()
	f.store.On("Delete", mock.Anything, doc.StorageKey).Return(nil).Once()
	f.repo.On("Delete", mock.Anything, "d1").Return(nil).Once()
	f.repo.On("FindByID", mock.Anything, "d1").Return(nil, repository.ErrNotFound).Once()

	require.NoError(t, f.svc.Delete(ctx, admin, "d1"))
	assert.ErrorIs(t, f.svc.Delete(ctx, admin, "d1"), ErrNotFound)
	f.repo.AssertExpectations(t)
}

func TestDocumentService_Links(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{LinkBaseURL: "https://vault.example.com/"})
	doc := sealedDocument(t, f, "doc-1", "c1", []byte("linked"))
	f.repo.On("FindByID", mock.Anything, "doc-1").Return(doc, nil)
	f.store.On("Get", mock.Anything, doc.StorageKey).Return(f.blobs.get, storage.ObjectInfo{}, nil)

	_, err := f.svc.IssueLink(ctx, client2, "doc-1")
	assert.ErrorIs(t, err, ErrNotFound)

	link, err := f.svc.IssueLink(ctx, client1, "doc-1")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(link.URL, "https://vault.example.com/downloads/"), link.URL)
	assert.False(t, link.ExpiresAt.IsZero())

	token := strings.TrimPrefix(link.URL, "https://vault.example.com/downloads/")
	c, err := f.svc.OpenLink(ctx, token)
	require.NoError(t, err)
	b, err := io.ReadAll(c.Body)
	require.NoError(t, err)
	assert.Equal(t, "linked", string(b))

	_, err = f.svc.OpenLink(ctx, token+"x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDocumentService_OpenLinkExpired(t *testing.T) {
	f := newFixture(t, Options{})
	short, err := links.NewSigner(strings.Repeat("s", 32), time.Millisecond)
	require.NoError(t, err)
	tok, _, err := short.Issue("doc-1", "c1")
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	_, err = f.svc.OpenLink(context.Background(), tok)

	assert.ErrorIs(t, err, ErrLinkExpired)
	assert.Equal(t, 410, StatusClass(err))
}

func TestDocumentService_CiphertextURL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{PresignTTL: 30 * time.Minute})
	doc := &model.Document{ID: "d1", OwnerID: "c1", StorageKey: "c1/2023/07/1-a.pdf"}
	f.repo.On("FindByID", mock.Anything, "d1").Return(doc, nil)
	f.store.On("PresignGet", mock.Anything, doc.StorageKey, 30*time.Minute).Return("https://minio/signed", nil)

	u, err := f.svc.CiphertextURL(ctx, admin, "d1", 0)
	require.NoError(t, err)
	assert.Equal(t, "https://minio/signed", u.URL)

	_, err = f.svc.CiphertextURL(ctx, client1, "d1", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDocumentService_Sweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{SweepGrace: time.Nanosecond})

	for _, k := range []string{"c1/cataloged", "c1/orphan", "c1/stuck"} {
		require.NoError(t, f.journal.Begin(ctx, journal.Intent{StorageKey: k, StartedAt: time.Now().Add(-time.Hour)}))
	}
	f.repo.On("ExistsByStorageKey", mock.Anything, "c1/cataloged").Return(true, nil)
	f.repo.On("ExistsByStorageKey", mock.Anything, "c1/orphan").Return(false, nil)
	f.repo.On("ExistsByStorageKey", mock.Anything, "c1/stuck").Return(false, nil)
	f.store.On("Delete", mock.Anything, "c1/orphan").Return(storage.ErrNotFound)
	f.store.On("Delete", mock.Anything, "c1/stuck").Return(storage.ErrUnavailable)

	f.repo.On("FindMarked", mock.Anything, 100).Return([]model.Document{
		{ID: "m1", StorageKey: "c1/marked-1"},
		{ID: "m2", StorageKey: "c1/marked-2"},
	}, nil)
	f.store.On("Delete", mock.Anything, "c1/marked-1").Return(nil)
	f.repo.On("Delete", mock.Anything, "m1").Return(nil)
	f.store.On("Delete", mock.Anything, "c1/marked-2").Return(errors.New("boom"))

	rep, err := f.svc.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, SweepReport{IntentsCommitted: 2, OrphansDeleted: 1, Purged: 1, Failures: 2}, rep)
	left := f.pending(t)
	require.Len(t, left, 1)
	assert.Equal(t, "c1/stuck", left[0].StorageKey)
	f.repo.AssertNotCalled(t, "Delete", mock.Anything, "m2")
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 200},
		{validation("bad"), 400},
		{ErrNotFound, 404},
		{ErrUnauthorized, 404},
		{ErrLinkExpired, 410},
		{wrap(ErrStoreUnavailable, errors.New("x")), 503},
		{ErrCatalogUnavailable, 503},
		{ErrKeyringUnavailable, 503},
		{ErrCodec, 500},
		{ErrCatalogWrite, 500},
		{ErrClientDisconnected, 499},
		{errors.New("other"), 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusClass(tt.err), "%v", tt.err)
	}
}

func TestUploadState_String(t *testing.T) {
	assert.Equal(t, "received", StateReceived.String())
	assert.Equal(t, "done", StateDone.String())
	assert.Equal(t, "state(42)", UploadState(42).String())
}
