package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/awnumar/memguard"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"hr-key-management/internal/domain"
	"hr-key-management/internal/primitive"
)

const (
	// privateKeyInfo はマスター鍵から秘密鍵保護用の鍵を導出する際のHKDF info。
	privateKeyInfo = "hr-key-management/private-key-wrap/v1"
	// integrityProbe は整合性検証で往復させる固定文字列。
	integrityProbe = "hr-key-management/integrity-probe"
)

// KeyManager は鍵レコードのライフサイクル（初期化・ローテーション・漏洩・検証）を管理する。
// 状態遷移は主体ごとに uninitialized → active → compromised で、compromised は終端。
type KeyManager struct {
	repo       KeyRecordRepository
	crypto     CryptoProvider
	sealer     *RecordSealer
	maxBackups int
	now        func() time.Time
}

// NewKeyManager は新しいKeyManagerを生成する。
func NewKeyManager(repo KeyRecordRepository, crypto CryptoProvider, sealer *RecordSealer, maxBackups int) *KeyManager {
	return &KeyManager{
		repo:       repo,
		crypto:     crypto,
		sealer:     sealer,
		maxBackups: maxBackups,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func cryptoError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrCrypto, op, err)
}

func startSpan(ctx context.Context, name string, subject domain.Subject) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("subject.class", subject.Class.String()),
		attribute.String("subject.id", subject.ID),
	))
}

func toSealed(env domain.Envelope) *primitive.Sealed {
	return &primitive.Sealed{
		Ciphertext: env.Ciphertext,
		IV:         env.IV,
		Tag:        env.Tag,
		Algorithm:  env.Algorithm,
	}
}

// generateMaterial はマスター鍵・鍵ペアを新規生成し、保護済みの鍵素材を返す。
// 平文のマスター鍵と秘密鍵は戻る前に消去する。
func (m *KeyManager) generateMaterial(ctx context.Context, password []byte) (domain.KeyMaterial, error) {
	params := m.crypto.Params()

	masterKey, err := m.crypto.GenerateSymmetricKey()
	if err != nil {
		return domain.KeyMaterial{}, cryptoError("generating master key", err)
	}
	defer memguard.WipeBytes(masterKey)

	salt, err := m.crypto.GenerateSalt()
	if err != nil {
		return domain.KeyMaterial{}, cryptoError("generating salt", err)
	}
	kek, err := m.crypto.DeriveKey(ctx, password, salt, params.Iterations)
	if err != nil {
		return domain.KeyMaterial{}, cryptoError("deriving key", err)
	}
	defer memguard.WipeBytes(kek)

	masterSealed, err := m.crypto.Encrypt(ctx, masterKey, kek)
	if err != nil {
		return domain.KeyMaterial{}, cryptoError("wrapping master key", err)
	}

	kp, err := m.crypto.GenerateKeyPair(ctx)
	if err != nil {
		return domain.KeyMaterial{}, cryptoError("generating key pair", err)
	}
	defer memguard.WipeBytes(kp.PrivateKeyDER)

	privSalt, err := m.crypto.GenerateSalt()
	if err != nil {
		return domain.KeyMaterial{}, cryptoError("generating salt", err)
	}
	privKey, err := m.crypto.DeriveSubKey(masterKey, privSalt, privateKeyInfo)
	if err != nil {
		return domain.KeyMaterial{}, cryptoError("deriving private key wrapping key", err)
	}
	defer memguard.WipeBytes(privKey)

	privSealed, err := m.crypto.Encrypt(ctx, kp.PrivateKeyDER, privKey)
	if err != nil {
		return domain.KeyMaterial{}, cryptoError("wrapping private key", err)
	}

	return domain.KeyMaterial{
		MasterKeyEnvelope: domain.Envelope{
			Ciphertext:    masterSealed.Ciphertext,
			IV:            masterSealed.IV,
			Tag:           masterSealed.Tag,
			Salt:          salt,
			Algorithm:     masterSealed.Algorithm,
			KDFIterations: params.Iterations,
		},
		PrivateKeyEnvelope: domain.Envelope{
			Ciphertext: privSealed.Ciphertext,
			IV:         privSealed.IV,
			Tag:        privSealed.Tag,
			Salt:       privSalt,
			Algorithm:  privSealed.Algorithm,
		},
		PublicKey: kp.PublicKeyPEM,
		KeyDerivation: domain.KeyDerivation{
			Algorithm:  primitive.KDFAlgorithm,
			Salt:       salt,
			Iterations: params.Iterations,
			KeyLength:  params.KeyLength,
		},
		Strength: domain.ClassifyStrength(kp.Bits, params.Iterations),
	}, nil
}

// openMasterKey はパスワードからマスター鍵を復号する。
// 中断以外で復号できない場合はパスワード不一致として ErrAuthentication を返す。
func (m *KeyManager) openMasterKey(ctx context.Context, env domain.Envelope, salt []byte, iterations int, password []byte) ([]byte, error) {
	kek, err := m.crypto.DeriveKey(ctx, password, salt, iterations)
	if err != nil {
		return nil, cryptoError("deriving key", err)
	}
	defer memguard.WipeBytes(kek)

	masterKey, err := m.crypto.Decrypt(ctx, toSealed(env), kek)
	if err != nil {
		if primitive.Interrupted(err) {
			return nil, cryptoError("unwrapping master key", err)
		}
		return nil, domain.ErrAuthentication
	}
	return masterKey, nil
}

// openPrivateKey はマスター鍵で秘密鍵（PKCS#8 DER）を復号する。
func (m *KeyManager) openPrivateKey(ctx context.Context, env domain.Envelope, masterKey []byte) ([]byte, error) {
	privKey, err := m.crypto.DeriveSubKey(masterKey, env.Salt, privateKeyInfo)
	if err != nil {
		return nil, cryptoError("deriving private key wrapping key", err)
	}
	defer memguard.WipeBytes(privKey)

	priv, err := m.crypto.Decrypt(ctx, toSealed(env), privKey)
	if err != nil {
		if primitive.Interrupted(err) {
			return nil, cryptoError("unwrapping private key", err)
		}
		return nil, fmt.Errorf("%w: private key envelope", domain.ErrIntegrity)
	}
	return priv, nil
}

func validateInput(subject domain.Subject, passwords ...string) error {
	if err := subject.Validate(); err != nil {
		return err
	}
	for _, p := range passwords {
		if p == "" {
			return fmt.Errorf("%w: password is required", domain.ErrValidation)
		}
	}
	return nil
}

func publicKeyView(rec domain.KeyRecord) *domain.PublicKeyView {
	return &domain.PublicKeyView{
		PublicKey: rec.PublicKey,
		Version:   rec.Version,
		Strength:  rec.Strength,
	}
}

// Initialize は主体の鍵レコードを新規作成し、公開鍵を返す。
func (m *KeyManager) Initialize(ctx context.Context, subject domain.Subject, password string) (_ *domain.PublicKeyView, err error) {
	ctx, span := startSpan(ctx, "KeyManager.Initialize", subject)
	defer func() { finishSpan(span, err) }()

	if err := validateInput(subject, password); err != nil {
		return nil, err
	}

	existing, err := m.repo.FindActive(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("finding active key record: %w", err)
	}
	if existing != nil {
		return nil, domain.ErrAlreadyInitialized
	}

	material, err := m.generateMaterial(ctx, []byte(password))
	if err != nil {
		return nil, err
	}

	rec := m.sealer.Seal(domain.NewKeyRecord(subject, material, m.now()))
	created, err := m.repo.Create(ctx, rec)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, domain.ErrAlreadyInitialized
		}
		return nil, fmt.Errorf("creating key record: %w", err)
	}

	return publicKeyView(created), nil
}

// Rotate は現在のパスワードで本人確認した上で鍵素材を一新する。
// 旧エンベロープはバックアップに退避され、version は1つ増える。
// 永続化（Save）が唯一のコミットポイントで、失敗時はレコードを変更しない。
func (m *KeyManager) Rotate(ctx context.Context, subject domain.Subject, currentPassword, newPassword string) (_ *domain.PublicKeyView, err error) {
	ctx, span := startSpan(ctx, "KeyManager.Rotate", subject)
	defer func() { finishSpan(span, err) }()

	if err := validateInput(subject, currentPassword, newPassword); err != nil {
		return nil, err
	}

	rec, err := m.repo.FindActive(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("finding active key record: %w", err)
	}
	if rec == nil {
		return nil, domain.ErrNotFound
	}

	masterKey, err := m.openMasterKey(ctx, rec.MasterKeyEnvelope, rec.KeyDerivation.Salt, rec.KeyDerivation.Iterations, []byte(currentPassword))
	if err != nil {
		return nil, err
	}
	memguard.WipeBytes(masterKey)

	material, err := m.generateMaterial(ctx, []byte(newPassword))
	if err != nil {
		return nil, err
	}

	next := m.sealer.Seal(rec.Rotated(material, m.now(), m.maxBackups))
	saved, err := m.repo.Save(ctx, next)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("saving key record: %w", err)
	}

	span.SetAttributes(attribute.Int("key.version", int(saved.Version)))
	return publicKeyView(saved), nil
}

// MarkCompromised は主体の鍵を漏洩済みにする。既に漏洩済みなら何もせず成功する。
func (m *KeyManager) MarkCompromised(ctx context.Context, subject domain.Subject) (err error) {
	ctx, span := startSpan(ctx, "KeyManager.MarkCompromised", subject)
	defer func() { finishSpan(span, err) }()

	if err := subject.Validate(); err != nil {
		return err
	}

	rec, err := m.repo.FindLatest(ctx, subject)
	if err != nil {
		return fmt.Errorf("finding key record: %w", err)
	}
	if rec == nil {
		return domain.ErrNotFound
	}
	if rec.Status.Compromised {
		return nil
	}

	saved, err := m.repo.Save(ctx, m.sealer.Seal(rec.Compromised(m.now())))
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return err
		}
		return fmt.Errorf("saving key record: %w", err)
	}

	slog.WarnContext(ctx, "key record marked compromised",
		"operation", "mark_compromised",
		"subject", subject.Key(),
		"version", saved.Version,
	)
	return nil
}

// VerifyIntegrity はパスワードでマスター鍵を開けるか、開いた鍵で暗号化・復号が往復するかを検証する。
// パスワード不一致はエラーではなく IsValid=false として返す。レコードは変更しない。
func (m *KeyManager) VerifyIntegrity(ctx context.Context, subject domain.Subject, password string) (_ *domain.IntegrityReport, err error) {
	ctx, span := startSpan(ctx, "KeyManager.VerifyIntegrity", subject)
	defer func() { finishSpan(span, err) }()

	if err := validateInput(subject, password); err != nil {
		return nil, err
	}

	rec, err := m.repo.FindActive(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("finding active key record: %w", err)
	}
	if rec == nil {
		return nil, domain.ErrNotFound
	}

	report := &domain.IntegrityReport{
		Version:       rec.Version,
		LastRotatedAt: rec.LastRotatedAt,
	}

	if !m.sealer.Verify(*rec) {
		report.Reason = "record seal mismatch"
		return report, nil
	}

	masterKey, err := m.openMasterKey(ctx, rec.MasterKeyEnvelope, rec.KeyDerivation.Salt, rec.KeyDerivation.Iterations, []byte(password))
	if err != nil {
		if errors.Is(err, domain.ErrAuthentication) {
			report.Reason = "password does not unlock the master key"
			return report, nil
		}
		return nil, err
	}
	defer memguard.WipeBytes(masterKey)

	sealed, err := m.crypto.Encrypt(ctx, []byte(integrityProbe), masterKey)
	if err != nil {
		return nil, cryptoError("encrypting probe", err)
	}
	probe, err := m.crypto.Decrypt(ctx, sealed, masterKey)
	if primitive.Interrupted(err) {
		return nil, cryptoError("decrypting probe", err)
	}
	if err != nil || !bytes.Equal(probe, []byte(integrityProbe)) {
		report.Reason = "master key round trip failed"
		return report, nil
	}

	priv, err := m.openPrivateKey(ctx, rec.PrivateKeyEnvelope, masterKey)
	if err != nil {
		if errors.Is(err, domain.ErrIntegrity) {
			report.Reason = "private key envelope does not open"
			return report, nil
		}
		return nil, err
	}
	defer memguard.WipeBytes(priv)

	pub, err := m.crypto.PublicKeyFromPrivate(priv)
	if err != nil || pub != rec.PublicKey {
		report.Reason = "private key does not match the published public key"
		return report, nil
	}

	report.IsValid = true
	return report, nil
}

// GetPublicKey は有効な鍵レコードの公開鍵を返す。
func (m *KeyManager) GetPublicKey(ctx context.Context, subject domain.Subject) (*domain.PublicKeyView, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}
	rec, err := m.repo.FindActive(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("finding active key record: %w", err)
	}
	if rec == nil {
		return nil, domain.ErrNotFound
	}
	return publicKeyView(*rec), nil
}

// GetStatus は主体の最新の鍵レコードの状態を返す。鍵素材は含めない。
func (m *KeyManager) GetStatus(ctx context.Context, subject domain.Subject) (*domain.KeyStatusView, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}
	rec, err := m.repo.FindLatest(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("finding key record: %w", err)
	}
	if rec == nil {
		return nil, domain.ErrNotFound
	}
	return &domain.KeyStatusView{
		Subject:       rec.Subject,
		Version:       rec.Version,
		Strength:      rec.Strength,
		Active:        rec.Status.Active,
		Compromised:   rec.Status.Compromised,
		LastRotatedAt: rec.LastRotatedAt,
		CompromisedAt: rec.CompromisedAt,
		BackupCount:   len(rec.Backups),
		UsageStats:    rec.UsageStats,
	}, nil
}

// RecoverConversationKey は主体の秘密鍵でラップされた会話鍵を取り出す。
// keyVersion が 0 または現在の version なら現在の鍵を使い、
// それ以外はバックアップから該当 version を、その version を保護していたパスワードで開く。
func (m *KeyManager) RecoverConversationKey(ctx context.Context, subject domain.Subject, password string, wrappedKey []byte, keyVersion uint) (_ []byte, err error) {
	ctx, span := startSpan(ctx, "KeyManager.RecoverConversationKey", subject)
	defer func() { finishSpan(span, err) }()

	if err := validateInput(subject, password); err != nil {
		return nil, err
	}
	if len(wrappedKey) == 0 {
		return nil, fmt.Errorf("%w: wrapped key is required", domain.ErrValidation)
	}

	rec, err := m.repo.FindActive(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("finding active key record: %w", err)
	}
	if rec == nil {
		return nil, domain.ErrNotFound
	}

	current := keyVersion == 0 || keyVersion == rec.Version
	masterEnv, privEnv := rec.MasterKeyEnvelope, rec.PrivateKeyEnvelope
	salt, iterations := rec.KeyDerivation.Salt, rec.KeyDerivation.Iterations
	if !current {
		backup, ok := rec.BackupForVersion(keyVersion)
		if !ok {
			return nil, fmt.Errorf("%w: key version %d", domain.ErrNotFound, keyVersion)
		}
		masterEnv, privEnv = backup.MasterKeyEnvelope, backup.PrivateKeyEnvelope
		salt, iterations = backup.MasterKeyEnvelope.Salt, backup.MasterKeyEnvelope.KDFIterations
	}

	masterKey, err := m.openMasterKey(ctx, masterEnv, salt, iterations, []byte(password))
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(masterKey)

	priv, err := m.openPrivateKey(ctx, privEnv, masterKey)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(priv)

	key, err := m.crypto.UnwrapKey(ctx, wrappedKey, priv)
	if err != nil {
		if primitive.Interrupted(err) {
			return nil, cryptoError("unwrapping conversation key", err)
		}
		return nil, fmt.Errorf("%w: wrapped conversation key", domain.ErrIntegrity)
	}

	if current {
		if err := m.repo.RecordUsage(ctx, rec.ID, 0, 1, m.now()); err != nil {
			slog.WarnContext(ctx, "failed to record key usage",
				"operation", "recover_conversation_key",
				"subject", subject.Key(),
				"error", err,
			)
		}
	}
	return key, nil
}
