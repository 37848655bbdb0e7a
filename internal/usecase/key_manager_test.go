package usecase

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"hr-key-management/internal/domain"
	"hr-key-management/internal/primitive"
)

// fakeKeyRecordRepository はテスト用のインメモリ鍵レコードストア。
// 楽観ロック（LockVersion）と主体ごとの有効レコード1件の制約を再現する。
type fakeKeyRecordRepository struct {
	mu      sync.Mutex
	records []domain.KeyRecord
	nextID  int

	findErr error
	saveErr error
}

func newFakeKeyRecordRepository() *fakeKeyRecordRepository {
	return &fakeKeyRecordRepository{}
}

func (f *fakeKeyRecordRepository) Create(ctx context.Context, rec domain.KeyRecord) (domain.KeyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.Subject == rec.Subject && r.Status.Active {
			return domain.KeyRecord{}, domain.ErrAlreadyExists
		}
	}
	f.nextID++
	rec.ID = fmt.Sprintf("rec-%d", f.nextID)
	rec.LockVersion = 1
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	f.records = append(f.records, rec)
	return rec, nil
}

func (f *fakeKeyRecordRepository) FindActive(ctx context.Context, subject domain.Subject) (*domain.KeyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	for i := len(f.records) - 1; i >= 0; i-- {
		if r := f.records[i]; r.Subject == subject && r.Status.Active {
			return &r, nil
		}
	}
	return nil, nil
}

func (f *fakeKeyRecordRepository) FindLatest(ctx context.Context, subject domain.Subject) (*domain.KeyRecord, error) {
	if rec, err := f.FindActive(ctx, subject); rec != nil || err != nil {
		return rec, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.records) - 1; i >= 0; i-- {
		if r := f.records[i]; r.Subject == subject {
			return &r, nil
		}
	}
	return nil, nil
}

func (f *fakeKeyRecordRepository) Save(ctx context.Context, rec domain.KeyRecord) (domain.KeyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return domain.KeyRecord{}, f.saveErr
	}
	for i, r := range f.records {
		if r.ID != rec.ID {
			continue
		}
		if r.LockVersion != rec.LockVersion {
			return domain.KeyRecord{}, domain.ErrConflict
		}
		rec.LockVersion++
		rec.UpdatedAt = time.Now()
		f.records[i] = rec
		return rec, nil
	}
	return domain.KeyRecord{}, domain.ErrNotFound
}

func (f *fakeKeyRecordRepository) RecordUsage(ctx context.Context, id string, encrypts, decrypts uint64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.records {
		if f.records[i].ID == id {
			f.records[i].UsageStats.EncryptCount += encrypts
			f.records[i].UsageStats.DecryptCount += decrypts
			f.records[i].UsageStats.LastUsedAt = &at
			return nil
		}
	}
	return domain.ErrNotFound
}

// active はテストから直接レコードを参照する。
func (f *fakeKeyRecordRepository) active(t *testing.T, subject domain.Subject) domain.KeyRecord {
	t.Helper()
	rec, err := f.FindActive(context.Background(), subject)
	if err != nil || rec == nil {
		t.Fatalf("active record for %s not found: %v", subject, err)
	}
	return *rec
}

func newTestProvider(t *testing.T) *primitive.Provider {
	t.Helper()
	params := primitive.DefaultParams()
	params.Iterations = primitive.MinIterations
	p, err := primitive.New(params)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	return p
}

func newTestKeyManager(t *testing.T, sealKey []byte) (*KeyManager, *fakeKeyRecordRepository, *primitive.Provider) {
	t.Helper()
	repo := newFakeKeyRecordRepository()
	crypto := newTestProvider(t)
	return NewKeyManager(repo, crypto, NewRecordSealer(crypto, sealKey), 3), repo, crypto
}

func employee(t *testing.T, id string) domain.Subject {
	t.Helper()
	s, err := domain.NewSubject(id, domain.SubjectClassEmployee)
	if err != nil {
		t.Fatalf("invalid subject: %v", err)
	}
	return s
}

func TestKeyManager_Initialize_Success(t *testing.T) {
	mgr, repo, _ := newTestKeyManager(t, nil)
	subject := employee(t, "1")

	view, err := mgr.Initialize(context.Background(), subject, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Version != 1 {
		t.Errorf("want version 1, got %d", view.Version)
	}
	if view.Strength != domain.StrengthWeak {
		t.Errorf("want strength %s for 10000 iterations, got %s", domain.StrengthWeak, view.Strength)
	}

	block, _ := pem.Decode([]byte(view.PublicKey))
	if block == nil || block.Type != "PUBLIC KEY" {
		t.Fatalf("want PKIX PEM public key, got %q", view.PublicKey)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		t.Fatalf("failed to parse public key: %v", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		t.Fatalf("want *rsa.PublicKey, got %T", parsed)
	}
	if pub.N.BitLen() != 2048 {
		t.Errorf("want 2048-bit modulus, got %d", pub.N.BitLen())
	}

	rec := repo.active(t, subject)
	if !rec.Status.Active || rec.Status.Compromised {
		t.Errorf("want active record, got %+v", rec.Status)
	}
	if len(rec.Backups) != 0 {
		t.Errorf("want no backups, got %d", len(rec.Backups))
	}
	if len(rec.MasterKeyEnvelope.Tag) != 16 || len(rec.MasterKeyEnvelope.IV) != 12 {
		t.Errorf("unexpected master envelope shape: iv=%d tag=%d", len(rec.MasterKeyEnvelope.IV), len(rec.MasterKeyEnvelope.Tag))
	}
	if rec.KeyDerivation.Iterations != primitive.MinIterations {
		t.Errorf("want %d iterations recorded, got %d", primitive.MinIterations, rec.KeyDerivation.Iterations)
	}
}

func TestKeyManager_Initialize_AlreadyInitialized(t *testing.T) {
	mgr, _, _ := newTestKeyManager(t, nil)
	subject := employee(t, "1")

	if _, err := mgr.Initialize(context.Background(), subject, "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := mgr.Initialize(context.Background(), subject, "p2")
	if !errors.Is(err, domain.ErrAlreadyInitialized) {
		t.Errorf("want ErrAlreadyInitialized, got %v", err)
	}
}

func TestKeyManager_Initialize_Validation(t *testing.T) {
	mgr, _, _ := newTestKeyManager(t, nil)

	tests := []struct {
		name     string
		subject  domain.Subject
		password string
	}{
		{"empty password", domain.Subject{ID: "1", Class: domain.SubjectClassEmployee}, ""},
		{"empty id", domain.Subject{ID: "", Class: domain.SubjectClassEmployee}, "p1"},
		{"bad id", domain.Subject{ID: "a b", Class: domain.SubjectClassEmployee}, "p1"},
		{"unknown class", domain.Subject{ID: "1"}, "p1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.Initialize(context.Background(), tt.subject, tt.password)
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("want ErrValidation, got %v", err)
			}
		})
	}
}

func TestKeyManager_Rotate_Success(t *testing.T) {
	mgr, repo, _ := newTestKeyManager(t, nil)
	ctx := context.Background()
	subject := employee(t, "1")

	v1, err := mgr.Initialize(ctx, subject, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v2, err := mgr.Rotate(ctx, subject, "p1", "p2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v3, err := mgr.Rotate(ctx, subject, "p2", "p3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v2.Version != 2 || v3.Version != 3 {
		t.Errorf("want versions 2 and 3, got %d and %d", v2.Version, v3.Version)
	}
	if v1.PublicKey == v2.PublicKey || v2.PublicKey == v3.PublicKey || v1.PublicKey == v3.PublicKey {
		t.Error("want distinct public keys after each rotation")
	}

	rec := repo.active(t, subject)
	if len(rec.Backups) != 2 {
		t.Fatalf("want 2 backups, got %d", len(rec.Backups))
	}
	if rec.Backups[0].Version != 1 || rec.Backups[1].Version != 2 {
		t.Errorf("want backups for versions 1 and 2, got %d and %d", rec.Backups[0].Version, rec.Backups[1].Version)
	}
	if rec.Backups[1].PublicKey != v2.PublicKey {
		t.Error("want backup to hold the superseded public key")
	}

	// 新しいパスワードのみが有効
	report, err := mgr.VerifyIntegrity(ctx, subject, "p3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.IsValid {
		t.Errorf("want valid report, got reason %q", report.Reason)
	}
	report, err = mgr.VerifyIntegrity(ctx, subject, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.IsValid {
		t.Error("want old password to be rejected after rotation")
	}
}

func TestKeyManager_Rotate_TrimsBackups(t *testing.T) {
	mgr, repo, _ := newTestKeyManager(t, nil)
	ctx := context.Background()
	subject := employee(t, "1")

	if _, err := mgr.Initialize(ctx, subject, "p0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := mgr.Rotate(ctx, subject, fmt.Sprintf("p%d", i), fmt.Sprintf("p%d", i+1)); err != nil {
			t.Fatalf("rotation %d: unexpected error: %v", i, err)
		}
	}

	rec := repo.active(t, subject)
	if rec.Version != 6 {
		t.Errorf("want version 6, got %d", rec.Version)
	}
	if len(rec.Backups) != 3 {
		t.Fatalf("want backups trimmed to 3, got %d", len(rec.Backups))
	}
	if rec.Backups[0].Version != 3 {
		t.Errorf("want oldest retained backup version 3, got %d", rec.Backups[0].Version)
	}
}

func TestKeyManager_Rotate_WrongPassword(t *testing.T) {
	mgr, repo, _ := newTestKeyManager(t, nil)
	ctx := context.Background()
	subject := employee(t, "1")

	if _, err := mgr.Initialize(ctx, subject, "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := repo.active(t, subject)

	_, err := mgr.Rotate(ctx, subject, "wrong", "p2")
	if !errors.Is(err, domain.ErrAuthentication) {
		t.Fatalf("want ErrAuthentication, got %v", err)
	}

	after := repo.active(t, subject)
	if after.Version != before.Version || after.PublicKey != before.PublicKey || after.LockVersion != before.LockVersion {
		t.Error("want record unchanged after failed rotation")
	}
}

func TestKeyManager_Rotate_NotFound(t *testing.T) {
	mgr, _, _ := newTestKeyManager(t, nil)

	_, err := mgr.Rotate(context.Background(), employee(t, "404"), "p1", "p2")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestKeyManager_Rotate_Conflict(t *testing.T) {
	mgr, repo, _ := newTestKeyManager(t, nil)
	ctx := context.Background()
	subject := employee(t, "1")

	if _, err := mgr.Initialize(ctx, subject, "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	repo.saveErr = domain.ErrConflict

	_, err := mgr.Rotate(ctx, subject, "p1", "p2")
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("want ErrConflict, got %v", err)
	}
}

func TestKeyManager_MarkCompromised(t *testing.T) {
	mgr, repo, _ := newTestKeyManager(t, nil)
	ctx := context.Background()
	subject := employee(t, "1")

	if err := mgr.MarkCompromised(ctx, subject); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("want ErrNotFound before initialization, got %v", err)
	}

	if _, err := mgr.Initialize(ctx, subject, "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mgr.MarkCompromised(ctx, subject); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	status, err := mgr.GetStatus(ctx, subject)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Active || !status.Compromised || status.CompromisedAt == nil {
		t.Errorf("want compromised status, got %+v", status)
	}
	first := *status.CompromisedAt

	// 2回目は何もしない
	if err := mgr.MarkCompromised(ctx, subject); err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	status, err = mgr.GetStatus(ctx, subject)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.CompromisedAt.Equal(first) {
		t.Error("want compromisedAt unchanged by repeated call")
	}
	if len(repo.records) != 1 {
		t.Errorf("want 1 record, got %d", len(repo.records))
	}

	if _, err := mgr.GetPublicKey(ctx, subject); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("want compromised key withheld from GetPublicKey, got %v", err)
	}
	if _, err := mgr.Rotate(ctx, subject, "p1", "p2"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("want rotation refused for compromised key, got %v", err)
	}
}

func TestKeyManager_Initialize_AfterCompromise(t *testing.T) {
	mgr, repo, _ := newTestKeyManager(t, nil)
	ctx := context.Background()
	subject := employee(t, "1")

	if _, err := mgr.Initialize(ctx, subject, "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mgr.MarkCompromised(ctx, subject); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	view, err := mgr.Initialize(ctx, subject, "p2")
	if err != nil {
		t.Fatalf("want re-enrollment after compromise, got %v", err)
	}
	if view.Version != 1 {
		t.Errorf("want fresh record at version 1, got %d", view.Version)
	}
	if len(repo.records) != 2 {
		t.Errorf("want compromised record kept as history, got %d records", len(repo.records))
	}
	status, err := mgr.GetStatus(ctx, subject)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.Active {
		t.Error("want status to report the new active record")
	}
}

func TestKeyManager_VerifyIntegrity(t *testing.T) {
	mgr, _, _ := newTestKeyManager(t, []byte("seal-key-for-tests"))
	ctx := context.Background()
	subject := employee(t, "1")

	if _, err := mgr.Initialize(ctx, subject, "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	report, err := mgr.VerifyIntegrity(ctx, subject, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.IsValid || report.Version != 1 {
		t.Errorf("want valid report at version 1, got %+v", report)
	}

	report, err = mgr.VerifyIntegrity(ctx, subject, "wrong")
	if err != nil {
		t.Fatalf("want wrong password reported, not returned as error: %v", err)
	}
	if report.IsValid {
		t.Error("want invalid report for wrong password")
	}

	if _, err := mgr.VerifyIntegrity(ctx, employee(t, "404"), "p1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestKeyManager_VerifyIntegrity_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(*domain.KeyRecord)
	}{
		{"seal", func(r *domain.KeyRecord) { r.Version = 7 }},
		{"public key", func(r *domain.KeyRecord) { r.PublicKey = r.PublicKey + " " }},
		{"private key envelope", func(r *domain.KeyRecord) {
			ct := bytes.Clone(r.PrivateKeyEnvelope.Ciphertext)
			ct[0] ^= 0x01
			r.PrivateKeyEnvelope.Ciphertext = ct
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealKey := []byte("seal-key-for-tests")
			if tt.name != "seal" {
				sealKey = nil
			}
			mgr, repo, _ := newTestKeyManager(t, sealKey)
			ctx := context.Background()
			subject := employee(t, "1")

			if _, err := mgr.Initialize(ctx, subject, "p1"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.tamper(&repo.records[0])

			report, err := mgr.VerifyIntegrity(ctx, subject, "p1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if report.IsValid {
				t.Error("want tampering detected")
			}
			if report.Reason == "" {
				t.Error("want a reason for the failed check")
			}
		})
	}
}

func TestKeyManager_GetPublicKeyAndStatus(t *testing.T) {
	mgr, _, _ := newTestKeyManager(t, nil)
	ctx := context.Background()
	subject := employee(t, "1")

	if _, err := mgr.GetStatus(ctx, subject); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}

	created, err := mgr.Initialize(ctx, subject, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pub, err := mgr.GetPublicKey(ctx, subject)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pub.PublicKey != created.PublicKey || pub.Version != 1 {
		t.Errorf("want published key of version 1, got version %d", pub.Version)
	}

	status, err := mgr.GetStatus(ctx, subject)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Subject != subject || status.BackupCount != 0 || !status.Active {
		t.Errorf("unexpected status: %+v", status)
	}
	if status.UsageStats.EncryptCount != 1 {
		t.Errorf("want encrypt count 1, got %d", status.UsageStats.EncryptCount)
	}
}

func TestKeyManager_RecoverConversationKey(t *testing.T) {
	mgr, repo, crypto := newTestKeyManager(t, nil)
	ctx := context.Background()
	subject := employee(t, "1")

	v1, err := mgr.Initialize(ctx, subject, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	convKey, err := crypto.GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wrappedV1, err := crypto.WrapKey(ctx, convKey, v1.PublicKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := mgr.RecoverConversationKey(ctx, subject, "p1", wrappedV1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, convKey) {
		t.Error("want recovered key to equal the distributed key")
	}
	if rec := repo.active(t, subject); rec.UsageStats.DecryptCount != 1 {
		t.Errorf("want decrypt count 1, got %d", rec.UsageStats.DecryptCount)
	}

	if _, err := mgr.RecoverConversationKey(ctx, subject, "wrong", wrappedV1, 0); !errors.Is(err, domain.ErrAuthentication) {
		t.Errorf("want ErrAuthentication, got %v", err)
	}

	// ローテーション後は旧バージョンをバックアップから旧パスワードで開く
	if _, err := mgr.Rotate(ctx, subject, "p1", "p2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err = mgr.RecoverConversationKey(ctx, subject, "p1", wrappedV1, 1)
	if err != nil {
		t.Fatalf("unexpected error recovering from backup: %v", err)
	}
	if !bytes.Equal(got, convKey) {
		t.Error("want key recovered through backup to match")
	}

	if _, err := mgr.RecoverConversationKey(ctx, subject, "p2", wrappedV1, 0); !errors.Is(err, domain.ErrIntegrity) {
		t.Errorf("want ErrIntegrity for key wrapped to superseded public key, got %v", err)
	}
	if _, err := mgr.RecoverConversationKey(ctx, subject, "p2", wrappedV1, 9); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("want ErrNotFound for unknown version, got %v", err)
	}
	if _, err := mgr.RecoverConversationKey(ctx, subject, "p2", nil, 0); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("want ErrValidation, got %v", err)
	}
}

func TestKeyManager_RepositoryError(t *testing.T) {
	mgr, repo, _ := newTestKeyManager(t, nil)
	repo.findErr = errors.New("connection refused")

	_, err := mgr.Initialize(context.Background(), employee(t, "1"), "p1")
	if err == nil {
		t.Fatal("want error, got nil")
	}
	if errors.Is(err, domain.ErrAlreadyInitialized) || errors.Is(err, domain.ErrValidation) {
		t.Errorf("want storage error passed through, got %v", err)
	}
}

// cancelingProvider は Decrypt の直前に呼び出し元のコンテキストをキャンセルする。
// 鍵導出が終わった後にクライアントが切断した状況を再現する。
type cancelingProvider struct {
	*primitive.Provider
	cancel context.CancelFunc
}

func (p *cancelingProvider) Decrypt(ctx context.Context, s *primitive.Sealed, key []byte) ([]byte, error) {
	p.cancel()
	return p.Provider.Decrypt(ctx, s, key)
}

func TestKeyManager_CanceledIsNotAuthenticationFailure(t *testing.T) {
	mgr, repo, crypto := newTestKeyManager(t, nil)
	subject := employee(t, "1")
	if _, err := mgr.Initialize(context.Background(), subject, "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	t.Run("rotate with canceled context", func(t *testing.T) {
		_, err := mgr.Rotate(canceled, subject, "p1", "p2")
		if !errors.Is(err, domain.ErrCrypto) || errors.Is(err, domain.ErrAuthentication) {
			t.Errorf("want ErrCrypto, got %v", err)
		}
	})

	t.Run("verify with canceled context", func(t *testing.T) {
		report, err := mgr.VerifyIntegrity(canceled, subject, "p1")
		if !errors.Is(err, domain.ErrCrypto) {
			t.Errorf("want ErrCrypto, got report=%+v err=%v", report, err)
		}
	})

	t.Run("canceled while unwrapping master key", func(t *testing.T) {
		tests := []struct {
			name string
			call func(ctx context.Context, m *KeyManager) error
		}{
			{"rotate", func(ctx context.Context, m *KeyManager) error {
				_, err := m.Rotate(ctx, subject, "p1", "p2")
				return err
			}},
			{"verify", func(ctx context.Context, m *KeyManager) error {
				_, err := m.VerifyIntegrity(ctx, subject, "p1")
				return err
			}},
			{"recover", func(ctx context.Context, m *KeyManager) error {
				_, err := m.RecoverConversationKey(ctx, subject, "p1", []byte("wrapped"), 0)
				return err
			}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				m := NewKeyManager(repo, &cancelingProvider{Provider: crypto, cancel: cancel}, NewRecordSealer(crypto, nil), 3)

				err := tt.call(ctx, m)
				if !errors.Is(err, domain.ErrCrypto) {
					t.Errorf("want ErrCrypto, got %v", err)
				}
				if errors.Is(err, domain.ErrAuthentication) {
					t.Errorf("canceled call reported as wrong password: %v", err)
				}
			})
		}
	})

	rec := repo.active(t, subject)
	if rec.Version != 1 {
		t.Errorf("want record untouched at version 1, got %d", rec.Version)
	}
}
