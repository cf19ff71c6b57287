package requestlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()
	repo, err := OpenRepo(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func entry(service string, i int, base time.Time) *types.RequestLog {
	return &types.RequestLog{
		ID:             fmt.Sprintf("%s-%d", service, i),
		ServiceName:    service,
		Port:           4000,
		Method:         "GET",
		Path:           fmt.Sprintf("/item/%d", i),
		Target:         "http://upstream",
		StatusCode:     200,
		Duration:       time.Duration(i) * time.Millisecond,
		RequestHeaders: map[string]string{"Accept": "application/json"},
		ResponseBody:   "ok",
		Timestamp:      base.Add(time.Duration(i) * time.Second),
	}
}

func TestRepoInsertAndList(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	var batch []*types.RequestLog
	for i := 0; i < 3; i++ {
		batch = append(batch, entry("api", i, base))
	}
	batch = append(batch, entry("web", 0, base))

	n, err := repo.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// duplicates are ignored
	n, err = repo.InsertBatch(ctx, batch[:1])
	require.NoError(t, err)
	assert.Zero(t, n)

	logs, err := repo.List(ctx, "api", 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "api-2", logs[0].ID)
	assert.Equal(t, "api-1", logs[1].ID)
	assert.Equal(t, "/item/2", logs[0].Path)
	assert.Equal(t, 2*time.Millisecond, logs[0].Duration)
	assert.True(t, logs[0].Timestamp.Equal(base.Add(2*time.Second)))
	assert.Equal(t, "application/json", logs[0].RequestHeaders["Accept"])
	assert.Equal(t, "ok", logs[0].ResponseBody)
}

func TestRepoPruneAndDelete(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Now()

	var batch []*types.RequestLog
	for i := 0; i < 5; i++ {
		batch = append(batch, entry("api", i, base), entry("web", i, base))
	}
	_, err := repo.InsertBatch(ctx, batch)
	require.NoError(t, err)

	removed, err := repo.Prune(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 6, removed)

	logs, err := repo.List(ctx, "api", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "api-4", logs[0].ID)

	deleted, err := repo.DeleteService(ctx, "web")
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)
	count, err := repo.Count(ctx, "web")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	repo, err := OpenRepo(dir)
	require.NoError(t, err)
	_, err = repo.InsertBatch(context.Background(), []*types.RequestLog{entry("api", 1, time.Now())})
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	repo, err = OpenRepo(dir)
	require.NoError(t, err)
	defer repo.Close()
	count, err := repo.Count(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestServiceListFlushesQueue(t *testing.T) {
	repo := openTestRepo(t)
	svc := NewService(repo, ServiceConfig{QueueSize: 8, FlushBatch: 1000, FlushInterval: time.Hour})
	svc.Start()
	t.Cleanup(svc.Stop)

	svc.Record(entry("api", 1, time.Now()))
	svc.Record(&types.RequestLog{ServiceName: "api", Timestamp: time.Now()})

	logs, err := svc.List(context.Background(), "api", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	require.NoError(t, svc.DeleteService(context.Background(), "api"))
	logs, err = svc.List(context.Background(), "api", 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestServiceStopDrains(t *testing.T) {
	repo := openTestRepo(t)
	svc := NewService(repo, ServiceConfig{FlushBatch: 1000, FlushInterval: time.Hour})
	svc.Start()
	svc.Record(entry("api", 1, time.Now()))
	svc.Stop()

	count, err := repo.Count(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
