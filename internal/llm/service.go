package llm

import (
	"container/list"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/openlocus/locus/internal/adapters/metrics"
	"github.com/openlocus/locus/internal/config"
	"github.com/openlocus/locus/internal/domain/models"
	"github.com/openlocus/locus/internal/ports"
)

// ModelResolver maps a role key to a catalog record. Satisfied by the
// registry; kept narrow so tests can stub it.
type ModelResolver interface {
	ResolveRole(roleKey string, pool models.ModelPool) (*models.ModelInfo, error)
	Get(modelID string) (*models.ModelInfo, error)
}

type cacheEntry struct {
	modelKey string
	client   *Client
	port     int
}

// Service hands out chat and embedding clients per role. Clients are cached
// in a bounded LRU keyed by model key; evicting an entry stops its backend.
type Service struct {
	cfg      *config.Config
	runner   ports.ProcessRunner
	resolver ModelResolver

	mu    sync.Mutex
	cache map[string]*list.Element
	order *list.List // front = most recently used

	startMu sync.Mutex
	starts  map[string]*sync.Mutex

	embMu     sync.Mutex
	embedding *EmbeddingClient
}

func NewService(cfg *config.Config, runner ports.ProcessRunner, resolver ModelResolver) *Service {
	return &Service{
		cfg:      cfg,
		runner:   runner,
		resolver: resolver,
		cache:    make(map[string]*list.Element),
		order:    list.New(),
		starts:   make(map[string]*sync.Mutex),
	}
}

// RoleKey builds the registry assignment key for a role and task type.
func RoleKey(role ports.Role, taskType string) string {
	switch role {
	case ports.RoleCharacter:
		return "character_model"
	case ports.RoleExecutor:
		if taskType == "" {
			taskType = "default"
		}
		return fmt.Sprintf("executor_model:%s", taskType)
	case ports.RoleEmbedding:
		return "embedding_model"
	}
	return string(role)
}

// GetClient resolves the model for a role, ensures its backend is running,
// and returns a cached chat client. When modelID is set it overrides the
// role assignment.
func (s *Service) GetClient(ctx context.Context, role ports.Role, taskType string, modelID string) (ports.ChatClient, error) {
	start := time.Now()
	client, err := s.getClient(ctx, role, taskType, modelID)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.LLMRequestsTotal.WithLabelValues(string(role), status).Inc()
	metrics.LLMRequestDuration.WithLabelValues(string(role)).Observe(time.Since(start).Seconds())
	return client, err
}

func (s *Service) getClient(ctx context.Context, role ports.Role, taskType string, modelID string) (*Client, error) {
	info, err := s.resolve(role, taskType, modelID)
	if err != nil {
		return nil, err
	}
	modelKey := info.ID

	// Serialize starts per model key so concurrent callers share one launch.
	s.startMu.Lock()
	keyMu, ok := s.starts[modelKey]
	if !ok {
		keyMu = &sync.Mutex{}
		s.starts[modelKey] = keyMu
	}
	s.startMu.Unlock()

	keyMu.Lock()
	defer keyMu.Unlock()

	s.mu.Lock()
	if elem, ok := s.cache[modelKey]; ok && s.runner.IsRunning(modelKey) {
		s.order.MoveToFront(elem)
		client := elem.Value.(*cacheEntry).client
		s.mu.Unlock()
		return client, nil
	}
	s.mu.Unlock()

	port, err := s.runner.Start(ctx, ports.RunnerConfig{
		ModelKey:    modelKey,
		ModelPath:   info.Path,
		ModelConfig: s.modelConfig(info),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start backend for %s: %w", modelKey, err)
	}

	client := NewClient(fmt.Sprintf("http://127.0.0.1:%d", port), modelKey)

	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.cache[modelKey]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.client = client
		entry.port = port
		s.order.MoveToFront(elem)
		return client, nil
	}
	elem := s.order.PushFront(&cacheEntry{modelKey: modelKey, client: client, port: port})
	s.cache[modelKey] = elem
	s.evictLocked()
	return client, nil
}

// evictLocked drops least recently used entries past the cache bound and
// stops their backends. Callers hold s.mu.
func (s *Service) evictLocked() {
	for s.order.Len() > s.cfg.App.ClientCacheSize {
		oldest := s.order.Back()
		if oldest == nil {
			return
		}
		entry := oldest.Value.(*cacheEntry)
		s.order.Remove(oldest)
		delete(s.cache, entry.modelKey)
		log.Printf("[LLMService] Evicting client for %s, stopping backend", entry.modelKey)
		if err := s.runner.Stop(entry.modelKey); err != nil {
			log.Printf("[LLMService] Failed to stop backend %s: %v", entry.modelKey, err)
		}
	}
}

func (s *Service) resolve(role ports.Role, taskType string, modelID string) (*models.ModelInfo, error) {
	if modelID != "" {
		return s.resolver.Get(modelID)
	}
	pool := models.PoolText
	if role == ports.RoleEmbedding {
		pool = models.PoolEmbedding
	}
	info, err := s.resolver.ResolveRole(RoleKey(role, taskType), pool)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve model for role %s: %w", role, err)
	}
	return info, nil
}

func (s *Service) modelConfig(info *models.ModelInfo) models.ModelConfig {
	if s.cfg.Sampling != nil {
		if mc, ok := s.cfg.Sampling[info.ID]; ok {
			return mc
		}
	}
	return models.ModelConfig{Embedding: info.Pool == models.PoolEmbedding}
}

// GetEmbeddingClient ensures the embedding backend is running and returns a
// shared breaker-guarded client.
func (s *Service) GetEmbeddingClient(ctx context.Context) (ports.EmbeddingClient, error) {
	info, err := s.resolve(ports.RoleEmbedding, "", "")
	if err != nil {
		return nil, err
	}

	mc := s.modelConfig(info)
	mc.Embedding = true
	port, err := s.runner.Start(ctx, ports.RunnerConfig{
		ModelKey:    info.ID,
		ModelPath:   info.Path,
		ModelConfig: mc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start embedding backend: %w", err)
	}

	s.embMu.Lock()
	defer s.embMu.Unlock()
	if s.embedding == nil {
		s.embedding = NewEmbeddingClient(fmt.Sprintf("http://127.0.0.1:%d", port), info.ID, s.cfg.Models.EmbeddingDims)
	}
	return s.embedding, nil
}

// CountTokens sums the token cost of every message, using the character
// model's tokenizer. Falls back to the length estimate when no backend is
// reachable.
func (s *Service) CountTokens(ctx context.Context, messages []models.Message) (int, error) {
	info, err := s.resolve(ports.RoleCharacter, "", "")
	if err != nil {
		return 0, err
	}

	total := 0
	for _, m := range messages {
		total += s.runner.CountTokens(ctx, m.Content, info.ID)
	}
	return total, nil
}

// Counter returns a per-text token counter bound to the character model.
func (s *Service) Counter() ports.TokenCounter {
	return func(ctx context.Context, text string) (int, error) {
		info, err := s.resolve(ports.RoleCharacter, "", "")
		if err != nil {
			return 0, err
		}
		return s.runner.CountTokens(ctx, text, info.ID), nil
	}
}

// Cleanup drops all cached clients and stops their backends.
func (s *Service) Cleanup() {
	s.mu.Lock()
	var keys []string
	for key := range s.cache {
		keys = append(keys, key)
	}
	s.cache = make(map[string]*list.Element)
	s.order.Init()
	s.mu.Unlock()

	for _, key := range keys {
		if err := s.runner.Stop(key); err != nil {
			log.Printf("[LLMService] Failed to stop backend %s: %v", key, err)
		}
	}
	s.runner.Cleanup()
}
