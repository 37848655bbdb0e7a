package domain

import "time"

// MigrationStatus はスキーマ変更の適用状態。
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// Migration は鍵レコードストアに対するスキーマ変更1件。
// FilePath はマイグレーション用ファイルシステム内のパス。
type Migration struct {
	Version   string
	Name      string
	AppliedAt *time.Time
	FilePath  string
	Status    MigrationStatus
}

// IsApplied は適用済みかどうかを返す。
func (m *Migration) IsApplied() bool {
	return m.Status == MigrationStatusApplied
}
