package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/audit"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/auth"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/config"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/handler"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/hybrid"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/logger"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/model"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/queue"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/records"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/validation"
)

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs(" 3, 5,,9 ")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5, 9}, ids)

	ids, err = parseIDs("")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = parseIDs("3,x")
	assert.Error(t, err)
	_, err = parseIDs("-1")
	assert.Error(t, err)
}

func TestNewAppBackends(t *testing.T) {
	cfg := config.App{LocalBackend: "memory", QueueBackend: "memory", AuditCap: 10}
	a, err := NewApp(cfg)
	require.NoError(t, err)
	assert.IsType(t, &queue.InMemory{}, a.queue)
	require.NoError(t, a.Close())

	cfg = config.App{LocalBackend: "sqlite", LocalPath: filepath.Join(t.TempDir(), "local.db"), QueueBackend: "store"}
	a, err = NewApp(cfg)
	require.NoError(t, err)
	assert.IsType(t, &queue.StoreQueue{}, a.queue)
	require.NoError(t, a.Close())

	_, err = NewApp(config.App{LocalBackend: "floppy"})
	assert.Error(t, err)
	_, err = NewApp(config.App{LocalBackend: "memory", QueueBackend: "carrier-pigeon"})
	assert.Error(t, err)
}

func offlineEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LOCAL_BACKEND", "sqlite")
	t.Setenv("LOCAL_PATH", filepath.Join(t.TempDir(), "local.db"))
	t.Setenv("QUEUE_BACKEND", "store")
	t.Setenv("API_BASE_URL", "http://127.0.0.1:1")
	t.Setenv("API_TOKEN", "")
	t.Setenv("REMOTE_TIMEOUT", "200ms")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("STAFF_ID", "tester")
}

func execute(t *testing.T, args ...string) []byte {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute(), errOut.String())
	return out.Bytes()
}

func TestOfflineCommandsQueueWrites(t *testing.T) {
	offlineEnv(t)

	out := execute(t, "holiday", "declare", "--date", "2026-01-26", "--name", "Republic Day")
	assert.Contains(t, string(out), "Republic Day")

	var items []queue.Item
	require.NoError(t, json.Unmarshal(execute(t, "queue"), &items))
	require.Len(t, items, 1)
	assert.Equal(t, hybrid.ActionSaveHoliday, items[0].Action)

	var res validation.Result
	require.NoError(t, json.Unmarshal(execute(t, "holiday", "check", "--date", "2026-01-26"), &res))
	assert.False(t, res.Valid)

	var entries []audit.Entry
	require.NoError(t, json.Unmarshal(execute(t, "audit"), &entries))
	require.NotEmpty(t, entries)
	assert.Equal(t, "tester", entries[len(entries)-1].UserID)
}

func TestSyncFailsWhileOffline(t *testing.T) {
	offlineEnv(t)
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"sync"})
	assert.Error(t, cmd.Execute())
}

func apiRouter(accessTTL time.Duration) http.Handler {
	gin.SetMode(gin.TestMode)
	signer := auth.NewSigner("darul-irshad", "secret", accessTTL, time.Hour)
	r := gin.New()
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	handler.New(records.NewService(records.NewMemory(), logger.Nop()), signer, logger.Nop()).Register(r)
	return r
}

func onlineConfig(baseURL string) config.App {
	return config.App{
		LocalBackend:  "memory",
		QueueBackend:  "memory",
		APIBaseURL:    baseURL,
		DeviceID:      "tablet-1",
		RemoteTimeout: 2 * time.Second,
		SyncInterval:  50 * time.Millisecond,
		AuditCap:      10,
	}
}

var pu1Science = model.Student{Name: "Ayaan", RollNo: "1", CourseType: model.CoursePU, CourseDivision: model.DivisionScience, Year: 1, Batch: "A"}

func TestExpiredTokenIsRenewed(t *testing.T) {
	srv := httptest.NewServer(apiRouter(time.Second))
	t.Cleanup(srv.Close)
	ctx := context.Background()

	a, err := NewApp(onlineConfig(srv.URL))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	a.Connect(ctx)
	require.True(t, a.storage.Online())

	time.Sleep(2100 * time.Millisecond)

	st, err := a.storage.SaveStudent(ctx, pu1Science)
	require.NoError(t, err)
	assert.NotZero(t, st.ID, "write reached the api with a fresh token")
	n, err := a.storage.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAgentRecoversWhenRegistrationFailedAtStartup(t *testing.T) {
	srv := httptest.NewUnstartedServer(apiRouter(time.Hour))
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := onlineConfig("http://" + srv.Listener.Addr().String())
	cfg.RemoteTimeout = 300 * time.Millisecond
	a, err := NewApp(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	a.Connect(ctx)
	require.False(t, a.storage.Online())
	require.False(t, a.api.HasToken())

	_, err = a.storage.SaveStudent(ctx, pu1Science)
	require.NoError(t, err)

	srv.Start()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.storage.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		n, err := a.storage.PendingCount(ctx)
		return err == nil && n == 0 && a.storage.Online()
	}, 5*time.Second, 50*time.Millisecond)
	assert.True(t, a.api.HasToken())

	cancel()
	<-done
}
