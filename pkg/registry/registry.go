// Package registry maintains the tool catalog: it loads an OpenAPI document
// from a file or URL, turns every operation into a callable tool with an
// embedding, and answers semantic relevance queries from the agent loop.
//
// The catalog is an immutable snapshot behind an atomic pointer. Reloads
// build a complete replacement and swap it in one step, so readers never
// observe a half-updated catalog.
package registry

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mobilityone/whatsagent/pkg/config"
	"github.com/mobilityone/whatsagent/pkg/llm"
)

const (
	// toolEmbedPrefix keys persistent per-operation embedding caches. The
	// digest of the description is part of the key, so a changed description
	// naturally misses the cache.
	toolEmbedPrefix = "tool_embed:"
	// queryEmbedPrefix keys short-lived user query embedding caches.
	queryEmbedPrefix = "query_embed:"

	queryEmbedTTL = time.Hour

	minTopK = 3
	maxTopK = 5
)

// Embedder turns text into a unit vector. *llm.Client satisfies it.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Tool is one executable operation from the catalog.
type Tool struct {
	ID          string
	Method      string
	Path        string
	Description string
	Definition  llm.ToolDefinition
}

// snapshot is one immutable generation of the catalog.
type snapshot struct {
	byID      map[string]Tool
	ordered   []Tool
	vectors   [][]float32
	validator string // ETag or Last-Modified of the source document
	docHash   string // md5 of the raw document body
}

// Registry loads and serves the tool catalog.
type Registry struct {
	kv       *redis.Client
	embedder Embedder
	http     *http.Client
	cfg      config.RegistryConfig
	logger   *slog.Logger
	snap     atomic.Pointer[snapshot]
}

// New builds an empty registry. Load must succeed at least once before
// FindRelevantTools returns anything.
func New(kv *redis.Client, embedder Embedder, cfg config.RegistryConfig) *Registry {
	return &Registry{
		kv:       kv,
		embedder: embedder,
		http:     &http.Client{Timeout: 10 * time.Second},
		cfg:      cfg,
		logger:   slog.Default().With("component", "tool_registry"),
	}
}

// Ready reports whether at least one catalog load has completed.
func (r *Registry) Ready() bool {
	return r.snap.Load() != nil
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	snap := r.snap.Load()
	if snap == nil {
		return 0
	}
	return len(snap.ordered)
}

// Lookup resolves a tool by operation id.
func (r *Registry) Lookup(name string) (Tool, bool) {
	snap := r.snap.Load()
	if snap == nil {
		return Tool{}, false
	}
	tool, ok := snap.byID[name]
	return tool, ok
}

// Load reads the OpenAPI document from source (a URL or a local path),
// rebuilds the catalog and swaps it in. The previous catalog stays live
// until the replacement is complete.
func (r *Registry) Load(ctx context.Context, source string) error {
	r.logger.Info("Loading tools definition", "source", source)

	var (
		body      []byte
		validator string
		err       error
	)
	if strings.HasPrefix(source, "http") {
		body, validator, err = r.fetch(ctx, source)
	} else {
		body, err = os.ReadFile(source)
	}
	if err != nil {
		if !r.Ready() {
			r.logger.Error("Starting without tools due to catalog error", "error", err)
		}
		return fmt.Errorf("load tool catalog: %w", err)
	}
	return r.loadBytes(ctx, body, validator)
}

func (r *Registry) loadBytes(ctx context.Context, body []byte, validator string) error {
	ops, err := parseDocument(body)
	if err != nil {
		return fmt.Errorf("load tool catalog: %w", err)
	}

	next := &snapshot{
		byID:      make(map[string]Tool, len(ops)),
		validator: validator,
		docHash:   md5hex(body),
	}
	for _, op := range ops {
		key := toolEmbedPrefix + op.ID + ":" + md5hex([]byte(op.Description))
		vec, err := r.cachedEmbedding(ctx, key, 0, op.Description)
		if err != nil {
			// A tool without a vector is unreachable to relevance search,
			// so it is not registered at all.
			r.logger.Error("Embedding generation failed, skipping tool",
				"tool", op.ID, "error", err)
			continue
		}
		tool := Tool{
			ID:          op.ID,
			Method:      op.Method,
			Path:        op.Path,
			Description: op.Description,
			Definition:  op.Definition,
		}
		next.byID[op.ID] = tool
		next.ordered = append(next.ordered, tool)
		next.vectors = append(next.vectors, vec)
	}

	r.snap.Store(next)
	r.logger.Info("Tools loaded successfully", "count", len(next.ordered))
	return nil
}

// FindRelevantTools embeds the query and returns the model-facing schemas of
// the best-scoring tools. topK is clamped to [3,5]; candidates scoring at or
// below the relevance threshold are dropped. Any failure degrades to an
// empty result so the agent can still answer from conversation alone.
func (r *Registry) FindRelevantTools(ctx context.Context, query string, topK int) []llm.ToolDefinition {
	snap := r.snap.Load()
	if snap == nil || len(snap.vectors) == 0 {
		return nil
	}
	if topK < minTopK {
		topK = minTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	key := queryEmbedPrefix + md5hex([]byte(query))
	queryVec, err := r.cachedEmbedding(ctx, key, queryEmbedTTL, query)
	if err != nil {
		r.logger.Error("Tool search error", "error", err)
		return nil
	}

	scores := make([]float64, len(snap.vectors))
	for i, vec := range snap.vectors {
		scores[i] = dot(vec, queryVec)
	}
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	results := make([]llm.ToolDefinition, 0, topK)
	for _, i := range idx[:min(topK, len(idx))] {
		if scores[i] > r.cfg.RelevanceThreshold {
			results = append(results, snap.ordered[i].Definition)
		}
	}
	return results
}

func (r *Registry) fetch(ctx context.Context, source string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("fetch catalog: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return body, headerValidator(resp.Header), nil
}

func headerValidator(h http.Header) string {
	if v := h.Get("ETag"); v != "" {
		return v
	}
	return h.Get("Last-Modified")
}

func md5hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
