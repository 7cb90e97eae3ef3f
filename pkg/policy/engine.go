package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"
)

// EngineOptions control OPA engine construction and runtime behaviour.
type EngineOptions struct {
	// Entrypoint is the decision path inside the module tree. Defaults to
	// "sandbox/decision".
	Entrypoint string
	// Modules overrides the built-in sandbox module set, keyed by filename.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
}

const (
	defaultEntrypoint    = "sandbox/decision"
	defaultCacheCapacity = 1024
)

// Engine answers permission questions using an embedded OPA instance.
// Prepared queries and decisions are cached; the module set is immutable after
// construction.
type Engine struct {
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	cache         *lru.Cache[string, Decision]
	queries       map[string]*rego.PreparedEvalQuery
	mu            sync.RWMutex
}

// NewEngine constructs an Engine for the supplied options, loading the
// built-in sandbox module when none are provided.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}

	modules := opts.Modules
	if len(modules) == 0 {
		modules = map[string]string{"sandbox.rego": sandboxModule}
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	var cache *lru.Cache[string, Decision]
	if maxEntries > 0 {
		var err error
		cache, err = lru.New[string, Decision](maxEntries)
		if err != nil {
			return nil, fmt.Errorf("decision cache: %w", err)
		}
	}

	moduleOrder := make([]string, 0, len(modules))
	for name := range modules {
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsedModules := make(map[string]*ast.Module, len(modules))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsedModules[name] = module
	}

	engine := &Engine{
		moduleOrder:   moduleOrder,
		parsedModules: parsedModules,
		entrypoint:    entry,
		cache:         cache,
		queries:       make(map[string]*rego.PreparedEvalQuery),
	}

	// Warm the default entrypoint to surface syntax errors early.
	if _, err := engine.getPreparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	return engine, nil
}

// Evaluate poses one permission question and converts the rego result.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	key := e.cacheKey(input)
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			return cached, nil
		}
	}

	prepared, err := e.getPreparedQuery(ctx, e.entrypoint)
	if err != nil {
		return Decision{}, fmt.Errorf("prepare query: %w", err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(input.payload()))
	if err != nil {
		return Decision{}, fmt.Errorf("policy decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{}, errors.New("policy decision: empty result set")
	}

	payload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("policy decision: unexpected result type %T", results[0].Expressions[0].Value)
	}

	allow, _ := payload["allow"].(bool)
	reason, _ := payload["reason"].(string)
	decision := Decision{Allow: allow, Reason: reason}

	if e.cache != nil {
		e.cache.Add(key, decision)
	}
	return decision, nil
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Purge()
	}
}

func (e *Engine) getPreparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	if prepared, ok := e.queries[entry]; ok {
		e.mu.RUnlock()
		return prepared, nil
	}
	e.mu.RUnlock()

	query := "data." + strings.ReplaceAll(entry, "/", ".")

	opts := make([]func(*rego.Rego), 0, len(e.parsedModules)+1)
	opts = append(opts, rego.Query(query))
	for _, name := range e.moduleOrder {
		opts = append(opts, rego.ParsedModule(e.parsedModules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// A racing goroutine may have prepared the same query; keep the first.
	if existing, ok := e.queries[entry]; ok {
		return existing, nil
	}
	e.queries[entry] = &prepared
	return &prepared, nil
}

// cacheKey hashes the question and the policy fields that influence the
// answer. Two inputs with the same key always produce the same decision.
func (e *Engine) cacheKey(in Input) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	write(string(in.Kind), in.Host, strconv.Itoa(in.Port), in.Path, strconv.FormatBool(in.Write))
	write(in.Policy.Name,
		strconv.FormatBool(in.Policy.AllowNetworkAccess),
		strconv.FormatBool(in.Policy.AllowFileSystemAccess),
		strconv.FormatBool(in.Policy.AllowReflection))
	write(in.Policy.AllowedHosts...)
	write(in.Policy.BlockedIPs...)
	write(in.Policy.AllowedPaths...)
	write(in.Policy.BlockedPaths...)
	write(in.Policy.ReadOnlyPaths...)
	for _, p := range in.Policy.AllowedPorts {
		write(strconv.Itoa(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
