package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"schoolhub/internal/database"
	dbconfig "schoolhub/pkg/database"
	"schoolhub/pkg/types"
)

// NewDatabase opens a migrated SQLite database under t.TempDir
func NewDatabase(t *testing.T) *database.Manager {
	t.Helper()
	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "schoolhub.db")

	manager, err := database.NewManager(config)
	if err != nil {
		t.Fatalf("Failed to create database manager: %v", err)
	}
	if _, err := manager.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

// SeedUsers saves users into the directory
func SeedUsers(t *testing.T, dir interface {
	SaveUser(ctx context.Context, u *types.User) error
}, users ...*types.User) {
	t.Helper()
	for _, u := range users {
		if err := dir.SaveUser(context.Background(), u); err != nil {
			t.Fatalf("SaveUser(%s) error = %v", u.ID, err)
		}
	}
}

// Classroom users shared by the use case tests
var (
	Admin    = &types.User{ID: "admin1", Name: "Ada Admin", Email: "admin@school.test", Role: types.RoleAdmin}
	Teacher  = &types.User{ID: "teacher1", Name: "Tess Teacher", Email: "tess@school.test", Role: types.RoleTeacher}
	Teacher2 = &types.User{ID: "teacher2", Name: "Tom Teacher", Email: "tom@school.test", Role: types.RoleTeacher}
	StudentA = &types.User{ID: "studentA", Name: "Amy Student", Email: "amy@school.test", Role: types.RoleStudent}
	StudentB = &types.User{ID: "studentB", Name: "Ben Student", Email: "ben@school.test", Role: types.RoleStudent}
	StudentC = &types.User{ID: "studentC", Name: "Cal Student", Email: "cal@school.test", Role: types.RoleStudent}
)

// IdentityOf returns the identity for a directory user
func IdentityOf(u *types.User) types.Identity {
	return types.Identity{UserID: u.ID, Role: u.Role}
}
