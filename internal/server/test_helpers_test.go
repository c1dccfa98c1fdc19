package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/oxdn/community/internal/accounts"
	"github.com/oxdn/community/internal/activity"
	"github.com/oxdn/community/internal/auth"
	"github.com/oxdn/community/internal/database"
	"github.com/oxdn/community/internal/presence"
	"github.com/oxdn/community/internal/profiles"
	"github.com/oxdn/community/internal/realtime"
	"github.com/oxdn/community/internal/stats"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "oxdn_session"
	testPassword      = "s3cret!pw"
)

type serverFixture struct {
	server     *httptest.Server
	dispatcher *realtime.Dispatcher
	activity   *activity.Service
	accounts   *accounts.Service
}

func newServerFixture(t *testing.T, staticRoot string) serverFixture {
	t.Helper()
	return newServerFixtureWithOrigins(t, staticRoot, nil)
}

func newServerFixtureWithOrigins(t *testing.T, staticRoot string, allowedOrigins []string) serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	dispatcher := realtime.NewDispatcher()
	activityService, err := activity.NewService(activity.ServiceConfig{Store: activity.NewGormStore(db), Publisher: dispatcher})
	if err != nil {
		t.Fatalf("failed to create activity service: %v", err)
	}
	statsService, err := stats.NewService(stats.ServiceConfig{Database: db, Publisher: dispatcher})
	if err != nil {
		t.Fatalf("failed to create stats service: %v", err)
	}
	profileService, err := profiles.NewService(profiles.ServiceConfig{Database: db, Publisher: dispatcher})
	if err != nil {
		t.Fatalf("failed to create profiles service: %v", err)
	}
	presenceService, err := presence.NewService(presence.ServiceConfig{Activity: activityService, Profiles: profileService})
	if err != nil {
		t.Fatalf("failed to create presence service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        auth.DefaultSessionIssuer,
		Audience:      auth.DefaultSessionAudience,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to create session validator: %v", err)
	}
	accountService, err := accounts.NewService(accounts.ServiceConfig{
		Database:     db,
		Activity:     activityService,
		Stats:        statsService,
		Tokens:       issuer,
		PasswordCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("failed to create accounts service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:          validator,
		Accounts:          accountService,
		Activity:          activityService,
		Presence:          presenceService,
		Profiles:          profileService,
		Stats:             statsService,
		Feed:              dispatcher,
		StaticRoot:        staticRoot,
		AllowedOrigins:    allowedOrigins,
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return serverFixture{server: server, dispatcher: dispatcher, activity: activityService, accounts: accountService}
}

// signUpAndIn registers an account over HTTP and returns its session.
func (f serverFixture) signUpAndIn(t *testing.T, email, username string) accounts.Session {
	t.Helper()
	response := f.do(t, http.MethodPost, "/auth/signup", "", `{"email":"`+email+`","password":"`+testPassword+`","username":"`+username+`"}`)
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("sign-up failed with status %d: %s", response.StatusCode, readBody(t, response))
	}
	_ = response.Body.Close()

	response = f.do(t, http.MethodPost, "/auth/signin", "", `{"email":"`+email+`","password":"`+testPassword+`"}`)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("sign-in failed with status %d: %s", response.StatusCode, readBody(t, response))
	}
	var session accounts.Session
	decodeBody(t, response, &session)
	return session
}

func (f serverFixture) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return response
}

func waitForSubscribers(t *testing.T, dispatcher *realtime.Dispatcher, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for dispatcher.SubscriberCount() < want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d realtime subscribers, got %d", want, dispatcher.SubscriberCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func decodeBody(t *testing.T, response *http.Response, target any) {
	t.Helper()
	defer response.Body.Close()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func readBody(t *testing.T, response *http.Response) string {
	t.Helper()
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return string(data)
}

type serverSentEvent struct {
	name string
	data string
}

// readServerSentEvent returns the next named event, skipping comments.
func readServerSentEvent(t *testing.T, ctx context.Context, reader *bufio.Reader) serverSentEvent {
	t.Helper()
	type readResult struct {
		event serverSentEvent
		err   error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		var current serverSentEvent
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				resultCh <- readResult{err: err}
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				if current.name != "" {
					resultCh <- readResult{event: current}
					return
				}
			case strings.HasPrefix(line, "event:"):
				current.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				current.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}()
	select {
	case <-ctx.Done():
		t.Fatal("timed out waiting for server-sent event")
	case result := <-resultCh:
		if result.err != nil {
			t.Fatalf("failed to read stream: %v", result.err)
		}
		return result.event
	}
	return serverSentEvent{}
}
