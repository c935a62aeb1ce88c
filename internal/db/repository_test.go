package db

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB, PreferSimpleProtocol: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}
	return NewRepository(gdb), mock
}

// Pagination cursors are exclusive everywhere: a page before id N never
// contains row N again.

func TestListWall_CursorIsExclusive(t *testing.T) {
	repo, mock := newMockRepository(t)
	posts := NewPostRepository(repo)

	mock.ExpectQuery(`SELECT \* FROM "arbor_posts" WHERE .*id < \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := posts.ListWall(context.Background(), 1, false, 50, 0, 25, false); err != nil {
		t.Fatalf("ListWall() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestListForViewer_CursorIsExclusive(t *testing.T) {
	repo, mock := newMockRepository(t)
	news := NewNewsfeedRepository(repo)

	mock.ExpectQuery(`SELECT \* FROM "arbor_newsfeed" WHERE .*id < \$4`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := news.ListForViewer(context.Background(), 1, 50, 0, 20); err != nil {
		t.Fatalf("ListForViewer() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestListByReplyKey_CursorIsExclusive(t *testing.T) {
	repo, mock := newMockRepository(t)
	posts := NewPostRepository(repo)

	mock.ExpectQuery(`SELECT \* FROM "arbor_posts" WHERE .*id < \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := posts.ListByReplyKey(context.Background(), nil, 50, 20); err != nil {
		t.Fatalf("ListByReplyKey() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
