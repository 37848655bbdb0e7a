package usecase

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"hr-key-management/internal/domain"
	"hr-key-management/migrations"
)

// mockMigrationRepository はテスト用のモック。
type mockMigrationRepository struct {
	appliedMigrations map[string]*domain.Migration
	ensureErr         error
}

func newMockMigrationRepository() *mockMigrationRepository {
	return &mockMigrationRepository{
		appliedMigrations: make(map[string]*domain.Migration),
	}
}

func (m *mockMigrationRepository) EnsureTable(ctx context.Context) error {
	return m.ensureErr
}

func (m *mockMigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var result []*domain.Migration
	for _, migration := range m.appliedMigrations {
		result = append(result, migration)
	}
	return result, nil
}

func (m *mockMigrationRepository) IsMigrationApplied(ctx context.Context, version string) (bool, error) {
	_, exists := m.appliedMigrations[version]
	return exists, nil
}

func (m *mockMigrationRepository) markApplied(versions ...string) {
	now := time.Now()
	for _, v := range versions {
		m.appliedMigrations[v] = &domain.Migration{
			Version:   v,
			AppliedAt: &now,
			Status:    domain.MigrationStatusApplied,
		}
	}
}

// testMigrationFiles はテスト用のマイグレーションファイル群を返す。
func testMigrationFiles() fstest.MapFS {
	return fstest.MapFS{
		"001_create_key_records.sql": {Data: []byte("CREATE TABLE key_records (id TEXT PRIMARY KEY);")},
		"002_create_key_backups.sql": {Data: []byte("CREATE TABLE key_backups (id TEXT PRIMARY KEY);")},
		"003_create_audit.sql":       {Data: []byte("CREATE TABLE audit (id TEXT PRIMARY KEY);")},
		"README.md":                  {Data: []byte("ignored")},
	}
}

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("CREATE TABLE schema_migrations (version VARCHAR(14) PRIMARY KEY, applied_at DATETIME)").Error; err != nil {
		t.Fatalf("failed to create schema_migrations table: %v", err)
	}

	return db
}

func tableExists(t *testing.T, db *gorm.DB, table string) bool {
	t.Helper()
	var count int64
	if err := db.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count).Error; err != nil {
		t.Fatalf("failed to check table %s: %v", table, err)
	}
	return count == 1
}

func TestMigrationService_ApplyMigrations(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	service := NewMigrationService(newMockMigrationRepository(), db, testMigrationFiles())

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 migrations applied, got %d", count)
	}

	for _, table := range []string{"key_records", "key_backups", "audit"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s was not created", table)
		}
	}

	var recorded int64
	if err := db.Raw("SELECT COUNT(*) FROM schema_migrations").Scan(&recorded).Error; err != nil {
		t.Fatalf("failed to count history: %v", err)
	}
	if recorded != 3 {
		t.Errorf("expected 3 history rows, got %d", recorded)
	}
}

func TestMigrationService_ApplyMigrations_AlreadyApplied(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := newMockMigrationRepository()
	repo.markApplied("001", "002")

	service := NewMigrationService(repo, db, testMigrationFiles())

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 migration applied, got %d", count)
	}
	if tableExists(t, db, "key_records") {
		t.Error("applied migration 001 should not run again")
	}
}

func TestMigrationService_ApplyMigrations_Error(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	files := testMigrationFiles()
	files["004_invalid.sql"] = &fstest.MapFile{Data: []byte("INVALID SQL SYNTAX;")}

	service := NewMigrationService(newMockMigrationRepository(), db, files)

	count, err := service.ApplyMigrations(ctx)
	if !errors.Is(err, domain.ErrMigrationFailed) {
		t.Errorf("expected ErrMigrationFailed, got %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 migrations applied before failure, got %d", count)
	}
}

func TestMigrationService_ApplyMigrations_InvalidFileName(t *testing.T) {
	files := fstest.MapFS{"create_tables.sql": {Data: []byte("SELECT 1;")}}
	service := NewMigrationService(newMockMigrationRepository(), setupTestDB(t), files)

	_, err := service.ApplyMigrations(context.Background())
	if !errors.Is(err, domain.ErrInvalidMigrationFile) {
		t.Errorf("expected ErrInvalidMigrationFile, got %v", err)
	}
}

func TestMigrationService_GetMigrationStatus(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()
	repo.markApplied("001")

	service := NewMigrationService(repo, setupTestDB(t), testMigrationFiles())

	migrations, err := service.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if len(migrations) != 3 {
		t.Errorf("expected 3 migrations, got %d", len(migrations))
	}

	expectedStatuses := map[string]domain.MigrationStatus{
		"001": domain.MigrationStatusApplied,
		"002": domain.MigrationStatusPending,
		"003": domain.MigrationStatusPending,
	}
	for _, migration := range migrations {
		expectedStatus, exists := expectedStatuses[migration.Version]
		if !exists {
			t.Errorf("unexpected migration version: %s", migration.Version)
			continue
		}
		if migration.Status != expectedStatus {
			t.Errorf("migration %s: expected status %s, got %s", migration.Version, expectedStatus, migration.Status)
		}
	}
}

func TestMigrationService_EmbeddedFiles(t *testing.T) {
	service := NewMigrationService(newMockMigrationRepository(), nil, migrations.FS)

	files, err := service.scanMigrationFiles()
	if err != nil {
		t.Fatalf("scanMigrationFiles failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 embedded migrations, got %d", len(files))
	}
	if files[0].Name != "create_key_records" || files[1].Name != "create_key_backups" {
		t.Errorf("unexpected migration order: %s, %s", files[0].Name, files[1].Name)
	}
}

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{"single", "CREATE TABLE a (id INT);", []string{"CREATE TABLE a (id INT)"}},
		{"multi line", "CREATE TABLE a (\n  id INT\n);\n", []string{"CREATE TABLE a (\n  id INT\n)"}},
		{"two with comment", "-- tables\nCREATE TABLE a (id INT);\n\nCREATE INDEX i ON a(id);", []string{"CREATE TABLE a (id INT)", "CREATE INDEX i ON a(id)"}},
		{"no trailing semicolon", "SELECT 1", []string{"SELECT 1"}},
		{"comments only", "-- nothing\n\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitStatements(tt.sql)
			if len(got) != len(tt.want) {
				t.Fatalf("want %d statements, got %d: %q", len(tt.want), len(got), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("statement %d: want %q, got %q", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestMigrationService_ApplyMigrations_MultiStatement(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	files := fstest.MapFS{
		"001_records_with_index.sql": {Data: []byte("-- records\nCREATE TABLE key_records (id TEXT PRIMARY KEY, subject_id TEXT);\nCREATE INDEX idx_subject ON key_records(subject_id);\n")},
	}
	service := NewMigrationService(newMockMigrationRepository(), db, files)

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 migration applied, got %d", count)
	}

	var indexes int64
	if err := db.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='idx_subject'").Scan(&indexes).Error; err != nil {
		t.Fatalf("failed to check index: %v", err)
	}
	if indexes != 1 {
		t.Error("index idx_subject was not created")
	}
}

func TestMigrationService_PendingMigrations(t *testing.T) {
	repo := newMockMigrationRepository()
	repo.markApplied("002")
	service := NewMigrationService(repo, setupTestDB(t), testMigrationFiles())

	pending, err := service.PendingMigrations(context.Background())
	if err != nil {
		t.Fatalf("PendingMigrations failed: %v", err)
	}
	if len(pending) != 2 || pending[0].Version != "001" || pending[1].Version != "003" {
		t.Errorf("unexpected pending migrations: %+v", pending)
	}
}
