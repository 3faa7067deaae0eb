package llm

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlocus/locus/internal/config"
	"github.com/openlocus/locus/internal/domain/models"
	"github.com/openlocus/locus/internal/ports"
)

type fakeRunner struct {
	mu       sync.Mutex
	running  map[string]int
	nextPort int
	starts   []string
	stops    []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{running: map[string]int{}, nextPort: 20000}
}

func (f *fakeRunner) Start(ctx context.Context, cfg ports.RunnerConfig) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, cfg.ModelKey)
	if port, ok := f.running[cfg.ModelKey]; ok {
		return port, nil
	}
	f.nextPort++
	f.running[cfg.ModelKey] = f.nextPort
	return f.nextPort, nil
}

func (f *fakeRunner) Stop(modelKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, modelKey)
	delete(f.running, modelKey)
	return nil
}

func (f *fakeRunner) IsRunning(modelKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[modelKey]
	return ok
}

func (f *fakeRunner) GetPort(modelKey string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	port, ok := f.running[modelKey]
	return port, ok
}

func (f *fakeRunner) GetStatus(modelKey string) models.RunnerStatus {
	port, ok := f.GetPort(modelKey)
	return models.RunnerStatus{IsRunning: ok, Port: port}
}

func (f *fakeRunner) CountTokens(ctx context.Context, text, modelKey string) int {
	return (len(text) + 3) / 4
}

func (f *fakeRunner) Cleanup() {}

type fakeResolver struct {
	byRole map[string]*models.ModelInfo
}

func (r *fakeResolver) ResolveRole(roleKey string, pool models.ModelPool) (*models.ModelInfo, error) {
	info, ok := r.byRole[roleKey]
	if !ok {
		return nil, fmt.Errorf("no model for %s", roleKey)
	}
	return info, nil
}

func (r *fakeResolver) Get(modelID string) (*models.ModelInfo, error) {
	return &models.ModelInfo{ID: modelID, Pool: models.PoolText, Path: "/models/" + modelID}, nil
}

func testService(t *testing.T, cacheSize int) (*Service, *fakeRunner) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.App.ClientCacheSize = cacheSize
	runner := newFakeRunner()
	resolver := &fakeResolver{byRole: map[string]*models.ModelInfo{
		"character_model":          {ID: "char-7b", Pool: models.PoolText, Path: "/models/char-7b.gguf"},
		"executor_model:default":   {ID: "exec-3b", Pool: models.PoolText, Path: "/models/exec-3b.gguf"},
		"executor_model:summarize": {ID: "exec-1b", Pool: models.PoolText, Path: "/models/exec-1b.gguf"},
		"embedding_model":          {ID: "embed-s", Pool: models.PoolEmbedding, Path: "/models/embed-s.gguf"},
	}}
	return NewService(cfg, runner, resolver), runner
}

func TestRoleKey(t *testing.T) {
	assert.Equal(t, "character_model", RoleKey(ports.RoleCharacter, ""))
	assert.Equal(t, "executor_model:default", RoleKey(ports.RoleExecutor, ""))
	assert.Equal(t, "executor_model:summarize", RoleKey(ports.RoleExecutor, "summarize"))
	assert.Equal(t, "embedding_model", RoleKey(ports.RoleEmbedding, ""))
}

func TestGetClientReusesRunningBackend(t *testing.T) {
	svc, runner := testService(t, 3)
	ctx := context.Background()

	c1, err := svc.GetClient(ctx, ports.RoleCharacter, "", "")
	require.NoError(t, err)
	c2, err := svc.GetClient(ctx, ports.RoleCharacter, "", "")
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	// Second call hits the cache without another runner start.
	assert.Equal(t, []string{"char-7b"}, runner.starts)
}

func TestGetClientEvictsLRU(t *testing.T) {
	svc, runner := testService(t, 2)
	ctx := context.Background()

	_, err := svc.GetClient(ctx, ports.RoleCharacter, "", "")
	require.NoError(t, err)
	_, err = svc.GetClient(ctx, ports.RoleExecutor, "", "")
	require.NoError(t, err)

	// Touch character so executor becomes LRU.
	_, err = svc.GetClient(ctx, ports.RoleCharacter, "", "")
	require.NoError(t, err)

	_, err = svc.GetClient(ctx, ports.RoleExecutor, "summarize", "")
	require.NoError(t, err)

	assert.Equal(t, []string{"exec-3b"}, runner.stops)
	assert.True(t, runner.IsRunning("char-7b"))
	assert.True(t, runner.IsRunning("exec-1b"))
	assert.False(t, runner.IsRunning("exec-3b"))
}

func TestGetClientModelIDOverride(t *testing.T) {
	svc, runner := testService(t, 3)

	_, err := svc.GetClient(context.Background(), ports.RoleExecutor, "default", "custom-13b")
	require.NoError(t, err)
	assert.True(t, runner.IsRunning("custom-13b"))
}

func TestGetClientConcurrentStartsShareBackend(t *testing.T) {
	svc, runner := testService(t, 3)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.GetClient(context.Background(), ports.RoleCharacter, "", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	port, ok := runner.GetPort("char-7b")
	assert.True(t, ok)
	assert.NotZero(t, port)
}

func TestCountTokensSumsMessages(t *testing.T) {
	svc, _ := testService(t, 3)

	n, err := svc.CountTokens(context.Background(), []models.Message{
		models.NewHumanMessage("abcdefgh"), // 2 tokens at len/4
		models.NewAIMessage("abcd"),        // 1 token
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestGetEmbeddingClientSharedInstance(t *testing.T) {
	svc, runner := testService(t, 3)
	ctx := context.Background()

	e1, err := svc.GetEmbeddingClient(ctx)
	require.NoError(t, err)
	e2, err := svc.GetEmbeddingClient(ctx)
	require.NoError(t, err)

	assert.Same(t, e1, e2)
	assert.True(t, runner.IsRunning("embed-s"))
}

func TestCleanupStopsAllBackends(t *testing.T) {
	svc, runner := testService(t, 3)
	ctx := context.Background()

	_, err := svc.GetClient(ctx, ports.RoleCharacter, "", "")
	require.NoError(t, err)
	_, err = svc.GetClient(ctx, ports.RoleExecutor, "", "")
	require.NoError(t, err)

	svc.Cleanup()
	assert.False(t, runner.IsRunning("char-7b"))
	assert.False(t, runner.IsRunning("exec-3b"))
}
