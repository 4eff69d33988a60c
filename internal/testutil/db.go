// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/weiawesome/wes-chat/internal/domain"
	"github.com/weiawesome/wes-chat/pkg/database"
)

var dbSeq atomic.Int64

// NewDB opens a migrated in-memory sqlite database private to the test.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.New(&database.Config{
		Driver:       "sqlite",
		FilePath:     fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1)),
		MaxOpenConns: 1,
		LogLevel:     "silent",
	})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db, domain.Models()...))

	t.Cleanup(func() {
		database.Close(db)
	})
	return db
}

// CreateUser inserts a user with a unique email.
func CreateUser(t *testing.T, db *gorm.DB, username string) *domain.User {
	t.Helper()

	u := &domain.UserModel{
		ID:       uuid.New().String(),
		Email:    username + "@example.com",
		Username: username,
		Avatar:   "https://example.com/" + username + ".png",
	}
	require.NoError(t, db.WithContext(context.Background()).Create(u).Error)
	return u.ToDomain()
}
