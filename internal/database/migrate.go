// Package database はPostgreSQL接続とスキーママイグレーションを提供する。
package database

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SchemaStatus はDBに適用済みのスキーマとバイナリに埋め込まれたスキーマの比較結果。
type SchemaStatus struct {
	// Applied は適用済みのバージョン。未適用の場合は0。
	Applied uint
	// Latest は埋め込まれたマイグレーションの最新バージョン。
	Latest uint
	// Dirty は前回のマイグレーションが途中で失敗したことを示す。
	Dirty bool
}

// UpToDate は最新のスキーマが正常に適用されている場合にtrueを返す。
func (s SchemaStatus) UpToDate() bool {
	return !s.Dirty && s.Applied == s.Latest
}

func newSource() (source.Driver, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	return src, nil
}

func newMigrator(databaseURL string) (*migrate.Migrate, error) {
	src, err := newSource()
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

// LatestVersion は埋め込まれたマイグレーションの最新バージョンを返す。
func LatestVersion() (uint, error) {
	src, err := newSource()
	if err != nil {
		return 0, err
	}
	defer src.Close()

	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("no embedded migrations: %w", err)
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to scan embedded migrations: %w", err)
		}
		v = next
	}
}

// Status は適用済みのスキーマと埋め込まれたスキーマを比較する。
func Status(databaseURL string) (SchemaStatus, error) {
	latest, err := LatestVersion()
	if err != nil {
		return SchemaStatus{}, err
	}

	m, err := newMigrator(databaseURL)
	if err != nil {
		return SchemaStatus{}, err
	}
	defer m.Close()

	applied, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return SchemaStatus{}, fmt.Errorf("failed to read schema version: %w", err)
	}
	return SchemaStatus{Applied: applied, Latest: latest, Dirty: dirty}, nil
}

// RunMigrations は未適用のマイグレーションをすべて適用し、適用後の状態を返す。
// すでに最新の場合は何もしない。
func RunMigrations(databaseURL string) (SchemaStatus, error) {
	m, err := newMigrator(databaseURL)
	if err != nil {
		return SchemaStatus{}, err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return SchemaStatus{}, fmt.Errorf("failed to run migrations: %w", err)
	}
	return Status(databaseURL)
}

// RollbackAll はすべてのマイグレーションを取り消す。テストとローカル環境の初期化に使う。
func RollbackAll(databaseURL string) error {
	m, err := newMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	return nil
}
