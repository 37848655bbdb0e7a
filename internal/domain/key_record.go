// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"encoding/json"
	"time"
)

// Strength は鍵生成パラメータから導かれる強度ラベル。参考情報のみ。
type Strength string

const (
	StrengthWeak       Strength = "weak"
	StrengthMedium     Strength = "medium"
	StrengthStrong     Strength = "strong"
	StrengthVeryStrong Strength = "very-strong"
)

// ClassifyStrength はRSA鍵長とPBKDF2反復回数から強度を判定する。
func ClassifyStrength(rsaBits, iterations int) Strength {
	switch {
	case rsaBits >= 4096 && iterations >= 600_000:
		return StrengthVeryStrong
	case rsaBits >= 2048 && iterations >= 100_000:
		return StrengthStrong
	case rsaBits >= 2048 && iterations >= 50_000:
		return StrengthMedium
	default:
		return StrengthWeak
	}
}

// Envelope は鍵で暗号化された鍵素材（AEAD）を表す。
type Envelope struct {
	Ciphertext    []byte `json:"ciphertext"`
	IV            []byte `json:"iv"`
	Tag           []byte `json:"tag"`
	Salt          []byte `json:"salt"`
	Algorithm     string `json:"algorithm"`
	KDFIterations int    `json:"kdf_iterations,omitempty"`
}

// KeyDerivation はパスワードからマスター鍵保護用の鍵を導出するパラメータ。
type KeyDerivation struct {
	Algorithm  string `json:"algorithm"`
	Salt       []byte `json:"salt"`
	Iterations int    `json:"iterations"`
	KeyLength  int    `json:"key_length"`
}

// KeyStatus は鍵レコードの状態フラグ。Compromised=true なら Active は常に false。
type KeyStatus struct {
	Active      bool
	Compromised bool
}

// KeyBackup はローテーションで退役したマスター鍵エンベロープ。
// IsActive は参照互換のために保持しているだけで、通常運用で true になることはない。
type KeyBackup struct {
	ID                 string
	Version            uint
	MasterKeyEnvelope  Envelope
	PrivateKeyEnvelope Envelope
	PublicKey          string
	IsActive           bool
	CreatedAt          time.Time
}

// UsageStats は現在のマスター鍵での暗号化・復号回数。正しさには影響しない。
type UsageStats struct {
	EncryptCount uint64
	DecryptCount uint64
	LastUsedAt   *time.Time
}

// KeyMaterial は初期化・ローテーションで生成される鍵素材一式（平文の秘密を含まない）。
type KeyMaterial struct {
	MasterKeyEnvelope  Envelope
	PrivateKeyEnvelope Envelope
	PublicKey          string
	KeyDerivation      KeyDerivation
	Strength           Strength
}

// KeyRecord は主体ごとの鍵レコード。値型として扱い、状態遷移は新しい値を返す。
type KeyRecord struct {
	ID                 string
	Subject            Subject
	MasterKeyEnvelope  Envelope
	PrivateKeyEnvelope Envelope
	PublicKey          string
	KeyDerivation      KeyDerivation
	Version            uint
	Status             KeyStatus
	Strength           Strength
	Backups            []KeyBackup
	UsageStats         UsageStats
	Seal               []byte
	LockVersion        uint
	LastRotatedAt      time.Time
	CompromisedAt      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewKeyRecord は初期化直後（version=1）の鍵レコードを生成する。
func NewKeyRecord(subject Subject, m KeyMaterial, now time.Time) KeyRecord {
	return KeyRecord{
		Subject:            subject,
		MasterKeyEnvelope:  m.MasterKeyEnvelope,
		PrivateKeyEnvelope: m.PrivateKeyEnvelope,
		PublicKey:          m.PublicKey,
		KeyDerivation:      m.KeyDerivation,
		Version:            1,
		Status:             KeyStatus{Active: true},
		Strength:           m.Strength,
		// 秘密鍵のラップでマスター鍵を1回使用している
		UsageStats:    UsageStats{EncryptCount: 1, LastUsedAt: &now},
		LastRotatedAt: now,
	}
}

// Rotated は新しい鍵素材に差し替えたレコードを返す。
// 旧エンベロープは backups の末尾に追加され、maxBackups を超えた分は古い順に破棄される。
func (r KeyRecord) Rotated(m KeyMaterial, now time.Time, maxBackups int) KeyRecord {
	backups := make([]KeyBackup, 0, len(r.Backups)+1)
	backups = append(backups, r.Backups...)
	backups = append(backups, KeyBackup{
		Version:            r.Version,
		MasterKeyEnvelope:  r.MasterKeyEnvelope,
		PrivateKeyEnvelope: r.PrivateKeyEnvelope,
		PublicKey:          r.PublicKey,
		IsActive:           false,
		CreatedAt:          now,
	})
	if maxBackups > 0 && len(backups) > maxBackups {
		backups = backups[len(backups)-maxBackups:]
	}

	next := r
	next.MasterKeyEnvelope = m.MasterKeyEnvelope
	next.PrivateKeyEnvelope = m.PrivateKeyEnvelope
	next.PublicKey = m.PublicKey
	next.KeyDerivation = m.KeyDerivation
	next.Strength = m.Strength
	next.Version = r.Version + 1
	next.Backups = backups
	next.UsageStats = UsageStats{EncryptCount: 1, LastUsedAt: &now}
	next.LastRotatedAt = now
	next.Seal = nil
	return next
}

// Compromised は漏洩済みとしたレコードを返す。既に漏洩済みなら変更しない。
func (r KeyRecord) Compromised(now time.Time) KeyRecord {
	if r.Status.Compromised {
		return r
	}
	next := r
	next.Status = KeyStatus{Active: false, Compromised: true}
	next.CompromisedAt = &now
	next.Seal = nil
	return next
}

// WithSeal は改ざん検知用の封印値を設定したレコードを返す。
func (r KeyRecord) WithSeal(seal []byte) KeyRecord {
	next := r
	next.Seal = seal
	return next
}

// BackupForVersion は指定バージョンのバックアップを返す。
func (r KeyRecord) BackupForVersion(version uint) (KeyBackup, bool) {
	for _, b := range r.Backups {
		if b.Version == version {
			return b, true
		}
	}
	return KeyBackup{}, false
}

type sealedBackup struct {
	Version            uint     `json:"version"`
	MasterKeyEnvelope  Envelope `json:"master_key_envelope"`
	PrivateKeyEnvelope Envelope `json:"private_key_envelope"`
	PublicKey          string   `json:"public_key"`
}

type sealedFields struct {
	Subject            string         `json:"subject"`
	Version            uint           `json:"version"`
	PublicKey          string         `json:"public_key"`
	MasterKeyEnvelope  Envelope       `json:"master_key_envelope"`
	PrivateKeyEnvelope Envelope       `json:"private_key_envelope"`
	KeyDerivation      KeyDerivation  `json:"key_derivation"`
	Active             bool           `json:"active"`
	Compromised        bool           `json:"compromised"`
	Strength           Strength       `json:"strength"`
	Backups            []sealedBackup `json:"backups"`
}

// SealPayload は封印（HMAC）の対象となる正規化バイト列を返す。
// 利用統計・タイムスタンプ・楽観ロック用の値は含めない。
func (r KeyRecord) SealPayload() []byte {
	f := sealedFields{
		Subject:            r.Subject.Key(),
		Version:            r.Version,
		PublicKey:          r.PublicKey,
		MasterKeyEnvelope:  r.MasterKeyEnvelope,
		PrivateKeyEnvelope: r.PrivateKeyEnvelope,
		KeyDerivation:      r.KeyDerivation,
		Active:             r.Status.Active,
		Compromised:        r.Status.Compromised,
		Strength:           r.Strength,
		Backups:            make([]sealedBackup, len(r.Backups)),
	}
	for i, b := range r.Backups {
		f.Backups[i] = sealedBackup{
			Version:            b.Version,
			MasterKeyEnvelope:  b.MasterKeyEnvelope,
			PrivateKeyEnvelope: b.PrivateKeyEnvelope,
			PublicKey:          b.PublicKey,
		}
	}
	// 構造体のみで構成されているためエラーにならない
	payload, _ := json.Marshal(f)
	return payload
}

// KeyStatusView は GetStatus の結果。鍵素材は含めない。
type KeyStatusView struct {
	Subject       Subject
	Version       uint
	Strength      Strength
	Active        bool
	Compromised   bool
	LastRotatedAt time.Time
	CompromisedAt *time.Time
	BackupCount   int
	UsageStats    UsageStats
}

// PublicKeyView は GetPublicKey の結果。
type PublicKeyView struct {
	PublicKey string
	Version   uint
	Strength  Strength
}

// IntegrityReport は VerifyIntegrity の結果。
type IntegrityReport struct {
	IsValid       bool
	Version       uint
	LastRotatedAt time.Time
	Reason        string
}
