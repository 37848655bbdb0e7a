// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"hr-key-management/internal/domain"
)

// KeyRecordModel はgorm用のモデル定義。
// ActiveKey は有効なレコードでのみ "区分:ID" を持ち、漏洩済みになると NULL になる。
// ユニーク制約により主体ごとの有効レコードは高々1件に保たれる。
type KeyRecordModel struct {
	ID                 string         `gorm:"type:char(36);primaryKey"`
	SubjectID          string         `gorm:"type:varchar(64);not null;index:idx_subject"`
	SubjectClass       string         `gorm:"type:varchar(16);not null;index:idx_subject"`
	ActiveKey          *string        `gorm:"type:varchar(96);uniqueIndex:uk_active_key"`
	PublicKey          string         `gorm:"type:text;not null"`
	MasterKeyEnvelope  datatypes.JSON `gorm:"not null"`
	PrivateKeyEnvelope datatypes.JSON `gorm:"not null"`
	KeyDerivation      datatypes.JSON `gorm:"not null"`
	Version            uint           `gorm:"not null"`
	Active             bool           `gorm:"not null"`
	Compromised        bool           `gorm:"not null"`
	Strength           string         `gorm:"type:varchar(16);not null"`
	EncryptCount       uint64         `gorm:"not null;default:0"`
	DecryptCount       uint64         `gorm:"not null;default:0"`
	LastUsedAt         *time.Time     `gorm:"type:datetime(6)"`
	Seal               []byte         `gorm:"type:varbinary(64)"`
	LockVersion        uint           `gorm:"not null"`
	LastRotatedAt      time.Time      `gorm:"type:datetime(6);not null"`
	CompromisedAt      *time.Time     `gorm:"type:datetime(6)"`
	CreatedAt          time.Time      `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt          time.Time      `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (KeyRecordModel) TableName() string {
	return "key_records"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *KeyRecordModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// KeyBackupModel はローテーションで退役したエンベロープのモデル。
type KeyBackupModel struct {
	ID                 string         `gorm:"type:char(36);primaryKey"`
	KeyRecordID        string         `gorm:"type:char(36);not null;index:idx_key_record_version"`
	Version            uint           `gorm:"not null;index:idx_key_record_version"`
	MasterKeyEnvelope  datatypes.JSON `gorm:"not null"`
	PrivateKeyEnvelope datatypes.JSON `gorm:"not null"`
	PublicKey          string         `gorm:"type:text;not null"`
	IsActive           bool           `gorm:"not null;default:false"`
	CreatedAt          time.Time      `gorm:"type:datetime(6);not null"`
}

// TableName はテーブル名を返す。
func (KeyBackupModel) TableName() string {
	return "key_backups"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *KeyBackupModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func marshalJSON(v any) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func activeKey(rec domain.KeyRecord) *string {
	if !rec.Status.Active {
		return nil
	}
	k := rec.Subject.Key()
	return &k
}

// toModel はドメインエンティティをモデルに変換する。
func toModel(rec domain.KeyRecord) (*KeyRecordModel, error) {
	master, err := marshalJSON(rec.MasterKeyEnvelope)
	if err != nil {
		return nil, fmt.Errorf("encoding master key envelope: %w", err)
	}
	private, err := marshalJSON(rec.PrivateKeyEnvelope)
	if err != nil {
		return nil, fmt.Errorf("encoding private key envelope: %w", err)
	}
	kdf, err := marshalJSON(rec.KeyDerivation)
	if err != nil {
		return nil, fmt.Errorf("encoding key derivation: %w", err)
	}
	return &KeyRecordModel{
		ID:                 rec.ID,
		SubjectID:          rec.Subject.ID,
		SubjectClass:       rec.Subject.Class.String(),
		ActiveKey:          activeKey(rec),
		PublicKey:          rec.PublicKey,
		MasterKeyEnvelope:  master,
		PrivateKeyEnvelope: private,
		KeyDerivation:      kdf,
		Version:            rec.Version,
		Active:             rec.Status.Active,
		Compromised:        rec.Status.Compromised,
		Strength:           string(rec.Strength),
		EncryptCount:       rec.UsageStats.EncryptCount,
		DecryptCount:       rec.UsageStats.DecryptCount,
		LastUsedAt:         rec.UsageStats.LastUsedAt,
		Seal:               rec.Seal,
		LockVersion:        rec.LockVersion,
		LastRotatedAt:      rec.LastRotatedAt,
		CompromisedAt:      rec.CompromisedAt,
	}, nil
}

func toBackupModel(recordID string, b domain.KeyBackup) (*KeyBackupModel, error) {
	master, err := marshalJSON(b.MasterKeyEnvelope)
	if err != nil {
		return nil, fmt.Errorf("encoding backup master key envelope: %w", err)
	}
	private, err := marshalJSON(b.PrivateKeyEnvelope)
	if err != nil {
		return nil, fmt.Errorf("encoding backup private key envelope: %w", err)
	}
	return &KeyBackupModel{
		ID:                 b.ID,
		KeyRecordID:        recordID,
		Version:            b.Version,
		MasterKeyEnvelope:  master,
		PrivateKeyEnvelope: private,
		PublicKey:          b.PublicKey,
		IsActive:           b.IsActive,
		CreatedAt:          b.CreatedAt,
	}, nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *KeyRecordModel) toDomain(backups []KeyBackupModel) (domain.KeyRecord, error) {
	class, err := domain.ParseSubjectClass(m.SubjectClass)
	if err != nil {
		return domain.KeyRecord{}, err
	}
	rec := domain.KeyRecord{
		ID:            m.ID,
		Subject:       domain.Subject{ID: m.SubjectID, Class: class},
		PublicKey:     m.PublicKey,
		Version:       m.Version,
		Status:        domain.KeyStatus{Active: m.Active, Compromised: m.Compromised},
		Strength:      domain.Strength(m.Strength),
		Seal:          m.Seal,
		LockVersion:   m.LockVersion,
		LastRotatedAt: m.LastRotatedAt,
		CompromisedAt: m.CompromisedAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		UsageStats: domain.UsageStats{
			EncryptCount: m.EncryptCount,
			DecryptCount: m.DecryptCount,
			LastUsedAt:   m.LastUsedAt,
		},
	}
	if err := json.Unmarshal(m.MasterKeyEnvelope, &rec.MasterKeyEnvelope); err != nil {
		return domain.KeyRecord{}, fmt.Errorf("decoding master key envelope: %w", err)
	}
	if err := json.Unmarshal(m.PrivateKeyEnvelope, &rec.PrivateKeyEnvelope); err != nil {
		return domain.KeyRecord{}, fmt.Errorf("decoding private key envelope: %w", err)
	}
	if err := json.Unmarshal(m.KeyDerivation, &rec.KeyDerivation); err != nil {
		return domain.KeyRecord{}, fmt.Errorf("decoding key derivation: %w", err)
	}
	for _, b := range backups {
		backup := domain.KeyBackup{
			ID:        b.ID,
			Version:   b.Version,
			PublicKey: b.PublicKey,
			IsActive:  b.IsActive,
			CreatedAt: b.CreatedAt,
		}
		if err := json.Unmarshal(b.MasterKeyEnvelope, &backup.MasterKeyEnvelope); err != nil {
			return domain.KeyRecord{}, fmt.Errorf("decoding backup master key envelope: %w", err)
		}
		if err := json.Unmarshal(b.PrivateKeyEnvelope, &backup.PrivateKeyEnvelope); err != nil {
			return domain.KeyRecord{}, fmt.Errorf("decoding backup private key envelope: %w", err)
		}
		rec.Backups = append(rec.Backups, backup)
	}
	return rec, nil
}

// KeyRecordRepository は鍵レコードの永続化を提供する。削除操作は持たない。
type KeyRecordRepository struct {
	db *gorm.DB
}

// NewKeyRecordRepository は新しいKeyRecordRepositoryを生成する。
func NewKeyRecordRepository(db *gorm.DB) *KeyRecordRepository {
	return &KeyRecordRepository{db: db}
}

// Create は新しい鍵レコードを保存する。主体に有効なレコードがあれば ErrAlreadyExists を返す。
func (r *KeyRecordRepository) Create(ctx context.Context, rec domain.KeyRecord) (domain.KeyRecord, error) {
	model, err := toModel(rec)
	if err != nil {
		return domain.KeyRecord{}, err
	}
	model.LockVersion = 1

	var created domain.KeyRecord
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&KeyRecordModel{}).
			Where("subject_id = ? AND subject_class = ? AND active = ?", model.SubjectID, model.SubjectClass, true).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return domain.ErrAlreadyExists
		}
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		for _, b := range rec.Backups {
			bm, err := toBackupModel(model.ID, b)
			if err != nil {
				return err
			}
			if err := tx.Create(bm).Error; err != nil {
				return err
			}
		}
		created, err = r.findByID(tx, model.ID)
		return err
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			err = domain.ErrAlreadyExists
		}
		if !errors.Is(err, domain.ErrAlreadyExists) {
			slog.ErrorContext(ctx, "failed to create key record",
				"operation", "create",
				"subject", rec.Subject.Key(),
				"error", err,
			)
		}
		return domain.KeyRecord{}, err
	}
	return created, nil
}

// FindActive は主体の有効な鍵レコードを取得する。存在しなければ nil を返す。
func (r *KeyRecordRepository) FindActive(ctx context.Context, subject domain.Subject) (*domain.KeyRecord, error) {
	return r.findOne(ctx, "find_active",
		r.db.WithContext(ctx).
			Where("subject_id = ? AND subject_class = ? AND active = ?", subject.ID, subject.Class.String(), true),
		subject)
}

// FindLatest は状態を問わず主体の最新の鍵レコードを取得する。存在しなければ nil を返す。
func (r *KeyRecordRepository) FindLatest(ctx context.Context, subject domain.Subject) (*domain.KeyRecord, error) {
	return r.findOne(ctx, "find_latest",
		r.db.WithContext(ctx).
			Where("subject_id = ? AND subject_class = ?", subject.ID, subject.Class.String()).
			Order("active DESC").
			Order("created_at DESC"),
		subject)
}

func (r *KeyRecordRepository) findOne(ctx context.Context, operation string, query *gorm.DB, subject domain.Subject) (*domain.KeyRecord, error) {
	var model KeyRecordModel
	if err := query.First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key record",
			"operation", operation,
			"subject", subject.Key(),
			"error", err,
		)
		return nil, err
	}
	rec, err := r.withBackups(r.db.WithContext(ctx), &model)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load key record",
			"operation", operation,
			"subject", subject.Key(),
			"error", err,
		)
		return nil, err
	}
	return &rec, nil
}

func (r *KeyRecordRepository) findByID(tx *gorm.DB, id string) (domain.KeyRecord, error) {
	var model KeyRecordModel
	if err := tx.Where("id = ?", id).First(&model).Error; err != nil {
		return domain.KeyRecord{}, err
	}
	return r.withBackups(tx, &model)
}

func (r *KeyRecordRepository) withBackups(tx *gorm.DB, model *KeyRecordModel) (domain.KeyRecord, error) {
	var backups []KeyBackupModel
	if err := tx.Where("key_record_id = ?", model.ID).Order("version ASC").Find(&backups).Error; err != nil {
		return domain.KeyRecord{}, err
	}
	return model.toDomain(backups)
}

// Save は鍵レコードを楽観ロックで更新する。
// rec.LockVersion は読み込み時の値でなければならず、他者が先に更新していれば ErrConflict を返す。
// レコード本体とバックアップの同期は単一トランザクションで行う。
func (r *KeyRecordRepository) Save(ctx context.Context, rec domain.KeyRecord) (domain.KeyRecord, error) {
	model, err := toModel(rec)
	if err != nil {
		return domain.KeyRecord{}, err
	}

	var saved domain.KeyRecord
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&KeyRecordModel{}).
			Where("id = ? AND lock_version = ?", rec.ID, rec.LockVersion).
			Updates(map[string]interface{}{
				"active_key":           model.ActiveKey,
				"public_key":           model.PublicKey,
				"master_key_envelope":  model.MasterKeyEnvelope,
				"private_key_envelope": model.PrivateKeyEnvelope,
				"key_derivation":       model.KeyDerivation,
				"version":              model.Version,
				"active":               model.Active,
				"compromised":          model.Compromised,
				"strength":             model.Strength,
				"encrypt_count":        model.EncryptCount,
				"decrypt_count":        model.DecryptCount,
				"last_used_at":         model.LastUsedAt,
				"seal":                 model.Seal,
				"lock_version":         rec.LockVersion + 1,
				"last_rotated_at":      model.LastRotatedAt,
				"compromised_at":       model.CompromisedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrConflict
		}

		if err := syncBackups(tx, rec); err != nil {
			return err
		}

		saved, err = r.findByID(tx, rec.ID)
		return err
	})
	if err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			slog.ErrorContext(ctx, "failed to save key record",
				"operation", "save",
				"subject", rec.Subject.Key(),
				"version", rec.Version,
				"error", err,
			)
		}
		return domain.KeyRecord{}, err
	}
	return saved, nil
}

// syncBackups は保持期間外になったバックアップを削除し、未保存のバックアップを追加する。
func syncBackups(tx *gorm.DB, rec domain.KeyRecord) error {
	kept := make([]string, 0, len(rec.Backups))
	for _, b := range rec.Backups {
		if b.ID != "" {
			kept = append(kept, b.ID)
		}
	}
	del := tx.Where("key_record_id = ?", rec.ID)
	if len(kept) > 0 {
		del = del.Where("id NOT IN ?", kept)
	}
	if err := del.Delete(&KeyBackupModel{}).Error; err != nil {
		return err
	}

	for _, b := range rec.Backups {
		if b.ID != "" {
			continue
		}
		bm, err := toBackupModel(rec.ID, b)
		if err != nil {
			return err
		}
		if err := tx.Create(bm).Error; err != nil {
			return err
		}
	}
	return nil
}

// RecordUsage は利用統計を加算する。楽観ロックの対象外。
func (r *KeyRecordRepository) RecordUsage(ctx context.Context, id string, encrypts, decrypts uint64, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&KeyRecordModel{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"encrypt_count": gorm.Expr("encrypt_count + ?", encrypts),
			"decrypt_count": gorm.Expr("decrypt_count + ?", decrypts),
			"last_used_at":  at,
		}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to record key usage",
			"operation", "record_usage",
			"id", id,
			"error", err,
		)
		return err
	}
	return nil
}
