package activity

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(delta time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(delta)
	c.mu.Unlock()
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "activity.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate activity schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, clock *manualClock) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Store: NewGormStore(db),
		Clock: clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func seedRecord(t *testing.T, db *gorm.DB, userID string, status Status, lastSeen time.Time) {
	t.Helper()
	record := Record{
		UserID:    userID,
		Status:    status,
		LastSeen:  lastSeen.UTC(),
		CreatedAt: lastSeen.UTC(),
		UpdatedAt: lastSeen.UTC(),
	}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("failed to seed record %s: %v", userID, err)
	}
}

func loadRecord(t *testing.T, db *gorm.DB, userID string) Record {
	t.Helper()
	var record Record
	if err := db.Where("user_id = ?", userID).Take(&record).Error; err != nil {
		t.Fatalf("failed to load record %s: %v", userID, err)
	}
	return record
}
