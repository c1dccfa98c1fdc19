package profiles

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/oxdn/community/internal/errs"
	"github.com/oxdn/community/internal/realtime"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func openProfilesDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "profiles.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Profile{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	for _, profile := range []Profile{
		NewProfile("id-ana", "ana", "ana@example.com", testNow),
		NewProfile("id-bo", "bo_the_great", "bo@example.com", testNow),
	} {
		if err := db.Create(&profile).Error; err != nil {
			t.Fatalf("failed to seed profile: %v", err)
		}
	}
	return db
}

func newProfilesService(t *testing.T, publisher realtime.Publisher) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:  openProfilesDatabase(t),
		Publisher: publisher,
		Clock:     func() time.Time { return testNow.Add(time.Minute) },
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func stringPointer(value string) *string {
	return &value
}

func TestGetProfile(t *testing.T) {
	service := newProfilesService(t, nil)

	profile, err := service.Get(context.Background(), "id-ana")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if profile.Username != "ana" || profile.Role != RoleMember {
		t.Fatalf("unexpected profile %#v", profile)
	}

	_, err = service.Get(context.Background(), "missing")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateProfileAppliesOnlyProvidedFields(t *testing.T) {
	service := newProfilesService(t, nil)
	games := []string{" Valorant ", "valorant", "", "Dota 2"}

	profile, err := service.Update(context.Background(), "id-ana", Update{
		DiscordID:     stringPointer("ana#0001"),
		FavoriteGames: &games,
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if profile.DiscordID != "ana#0001" || profile.Username != "ana" {
		t.Fatalf("unexpected profile %#v", profile)
	}
	if len(profile.FavoriteGames) != 2 || profile.FavoriteGames[0] != "Valorant" || profile.FavoriteGames[1] != "Dota 2" {
		t.Fatalf("unexpected favorite games %#v", profile.FavoriteGames)
	}
	if !profile.UpdatedAt.Equal(testNow.Add(time.Minute)) {
		t.Fatalf("expected updated at to advance, got %v", profile.UpdatedAt)
	}
}

func TestUpdateProfileValidation(t *testing.T) {
	service := newProfilesService(t, nil)

	testCases := []struct {
		name   string
		update Update
		kind   error
	}{
		{name: "empty", update: Update{}, kind: errs.ErrInvalidArgument},
		{name: "short-username", update: Update{Username: stringPointer("ab")}, kind: errs.ErrInvalidArgument},
		{name: "symbol-username", update: Update{Username: stringPointer("ana!")}, kind: errs.ErrInvalidArgument},
		{name: "bad-avatar", update: Update{AvatarURL: stringPointer("ftp://example.com/a.png")}, kind: errs.ErrInvalidArgument},
		{name: "taken-username", update: Update{Username: stringPointer("bo_the_great")}, kind: errs.ErrConflict},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.Update(context.Background(), "id-ana", testCase.update)
			if !errors.Is(err, testCase.kind) {
				t.Fatalf("expected %v, got %v", testCase.kind, err)
			}
		})
	}

	if _, err := service.Update(context.Background(), "ghost", Update{DiscordID: stringPointer("x")}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found for unknown profile, got %v", err)
	}
}

func TestUpdateAvatarAndGamingInfo(t *testing.T) {
	dispatcher := realtime.NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	subscription, err := dispatcher.Subscribe(ctx, realtime.Filter{Table: TableName, UserID: "id-bo"})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	service := newProfilesService(t, dispatcher)

	profile, err := service.UpdateAvatar(ctx, "id-bo", "https://cdn.example.com/bo.png")
	if err != nil {
		t.Fatalf("update avatar failed: %v", err)
	}
	if profile.AvatarURL != "https://cdn.example.com/bo.png" {
		t.Fatalf("unexpected avatar %q", profile.AvatarURL)
	}

	profile, err = service.UpdateGamingInfo(ctx, "id-bo", GamingInfo{
		DiscordID:     "bo#42",
		SteamID:       "7656119",
		FavoriteGames: []string{"Rocket League"},
	})
	if err != nil {
		t.Fatalf("update gaming info failed: %v", err)
	}
	if profile.SteamID != "7656119" || len(profile.FavoriteGames) != 1 {
		t.Fatalf("unexpected profile %#v", profile)
	}

	for i := 0; i < 2; i++ {
		select {
		case event := <-subscription.Events():
			if event.Table != TableName || event.UserID != "id-bo" {
				t.Fatalf("unexpected event %#v", event)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected profile change event %d", i+1)
		}
	}
}

func TestSummaries(t *testing.T) {
	service := newProfilesService(t, nil)

	summaries, err := service.Summaries(context.Background(), []string{"id-ana", "id-bo", "ghost"})
	if err != nil {
		t.Fatalf("summaries failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected two summaries, got %#v", summaries)
	}
	if summaries["id-bo"].Username != "bo_the_great" || summaries["id-bo"].Role != RoleMember {
		t.Fatalf("unexpected summary %#v", summaries["id-bo"])
	}
}
