package results

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/taskforge/taskforge/core"
)

// Record is one persisted result.
type Record struct {
	WorkflowID string                 `json:"workflow_id"`
	TaskID     string                 `json:"task_id,omitempty"`
	SchemaID   string                 `json:"schema_id"`
	Payload    map[string]interface{} `json:"payload"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Transformer converts a payload from one schema's shape to another's.
type Transformer func(payload map[string]interface{}) (map[string]interface{}, error)

// StoreConfig configures the result store.
type StoreConfig struct {
	// ResultDir is where result files live. Empty disables disk
	// persistence (cache only).
	ResultDir string

	// CacheSize bounds the in-memory LRU. Default: 100.
	CacheSize int

	// Logger is an optional logger.
	Logger core.Logger
}

// DefaultStoreConfig returns default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{CacheSize: 100}
}

// Store validates, caches and persists workflow results.
// Per-key write serialization comes from the store mutex.
type Store struct {
	mu           sync.Mutex
	schemas      map[string]*Schema
	transformers map[string]Transformer
	cache        *lruCache

	resultDir string
	logger    core.Logger
}

// NewStore creates a result store with the built-in schemas registered.
func NewStore(config *StoreConfig) (*Store, error) {
	if config == nil {
		defaultConfig := DefaultStoreConfig()
		config = &defaultConfig
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 100
	}

	s := &Store{
		schemas:      builtinSchemas(),
		transformers: make(map[string]Transformer),
		cache:        newLRUCache(config.CacheSize),
		resultDir:    config.ResultDir,
		logger:       core.EnsureLogger(config.Logger),
	}
	if s.resultDir != "" {
		if err := os.MkdirAll(s.resultDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating result dir: %w", err)
		}
	}
	return s, nil
}

// ResultKey derives the addressing key for a workflow result.
func ResultKey(workflowID, taskID string) string {
	if taskID == "" {
		return workflowID
	}
	return workflowID + "_" + taskID
}

func (s *Store) resultPath(key string) string {
	sum := md5.Sum([]byte(key))
	return filepath.Join(s.resultDir, hex.EncodeToString(sum[:])+".json")
}

// RegisterSchema adds or replaces a result schema.
func (s *Store) RegisterSchema(schema *Schema) error {
	if schema == nil || schema.ID == "" {
		return &core.EngineError{Op: "results.RegisterSchema", Code: core.CodeInvalidParams,
			Err: fmt.Errorf("schema id is required: %w", core.ErrInvalidParams)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[schema.ID] = schema
	return nil
}

// RegisterTransformer registers a named source-to-target schema transformer.
func (s *Store) RegisterTransformer(sourceSchema, targetSchema string, fn Transformer) error {
	if sourceSchema == "" || targetSchema == "" || fn == nil {
		return &core.EngineError{Op: "results.RegisterTransformer", Code: core.CodeInvalidParams,
			Err: fmt.Errorf("source, target and function are required: %w", core.ErrInvalidParams)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transformers[sourceSchema+"->"+targetSchema] = fn
	return nil
}

// Transform applies the registered transformer and validates the output
// against the target schema.
func (s *Store) Transform(sourceSchema, targetSchema string, payload map[string]interface{}) (map[string]interface{}, error) {
	s.mu.Lock()
	fn, exists := s.transformers[sourceSchema+"->"+targetSchema]
	target, targetExists := s.schemas[targetSchema]
	s.mu.Unlock()

	if !exists {
		return nil, &core.EngineError{Op: "results.Transform", Code: core.CodeInvalidParams,
			Err: fmt.Errorf("no transformer from %s to %s: %w", sourceSchema, targetSchema, core.ErrInvalidParams)}
	}
	if !targetExists {
		return nil, &core.EngineError{Op: "results.Transform", Code: core.CodeInvalidParams, ID: targetSchema,
			Err: fmt.Errorf("unknown target schema: %w", core.ErrInvalidParams)}
	}
	out, err := fn(payload)
	if err != nil {
		return nil, fmt.Errorf("transforming %s to %s: %w", sourceSchema, targetSchema, err)
	}
	return target.ValidateAndNormalize(out)
}

// StoreResult validates and normalizes the result against the named schema,
// caches it and writes it to disk. Returns the result key.
func (s *Store) StoreResult(ctx context.Context, workflowID string, result map[string]interface{}, taskID, schemaID string) (string, error) {
	if workflowID == "" {
		return "", &core.EngineError{Op: "results.StoreResult", Code: core.CodeInvalidParams,
			Err: fmt.Errorf("workflow_id is required: %w", core.ErrInvalidParams)}
	}
	if schemaID == "" {
		schemaID = SchemaGeneric
	}

	s.mu.Lock()
	schema, exists := s.schemas[schemaID]
	s.mu.Unlock()
	if !exists {
		return "", &core.EngineError{Op: "results.StoreResult", Code: core.CodeInvalidParams, ID: schemaID,
			Err: fmt.Errorf("unknown schema: %w", core.ErrInvalidParams)}
	}

	normalized, err := schema.ValidateAndNormalize(result)
	if err != nil {
		return "", err
	}

	key := ResultKey(workflowID, taskID)
	record := &Record{
		WorkflowID: workflowID,
		TaskID:     taskID,
		SchemaID:   schemaID,
		Payload:    normalized,
		Timestamp:  time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.put(key, record)
	if s.resultDir != "" {
		if err := s.writeRecordLocked(key, record); err != nil {
			s.logger.ErrorWithContext(ctx, "Failed to persist result", map[string]interface{}{
				"result_key": key,
				"error":      err.Error(),
			})
		}
	}

	s.logger.DebugWithContext(ctx, "Result stored", map[string]interface{}{
		"workflow_id": workflowID,
		"result_key":  key,
		"schema_id":   schemaID,
	})
	return key, nil
}

// GetResult returns the stored payload for (workflow_id, task_id),
// consulting the cache first and falling back to disk. A disk hit
// repopulates the cache.
func (s *Store) GetResult(ctx context.Context, workflowID, taskID string) (map[string]interface{}, error) {
	key := ResultKey(workflowID, taskID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if record, found := s.cache.get(key); found {
		return record.Payload, nil
	}
	if s.resultDir == "" {
		return nil, &core.EngineError{Op: "results.GetResult", Code: core.CodeExecutionNotFound, ID: key,
			Err: fmt.Errorf("result not found: %w", core.ErrExecutionNotFound)}
	}

	data, err := os.ReadFile(s.resultPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &core.EngineError{Op: "results.GetResult", Code: core.CodeExecutionNotFound, ID: key,
				Err: fmt.Errorf("result not found: %w", core.ErrExecutionNotFound)}
		}
		return nil, fmt.Errorf("reading result file: %w", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decoding result file: %w", err)
	}
	s.cache.put(key, &record)
	return record.Payload, nil
}

// DeleteResult removes the result from cache and disk.
func (s *Store) DeleteResult(ctx context.Context, workflowID, taskID string) error {
	key := ResultKey(workflowID, taskID)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.remove(key)
	if s.resultDir == "" {
		return nil
	}
	if err := os.Remove(s.resultPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing result file: %w", err)
	}
	return nil
}

func (s *Store) writeRecordLocked(key string, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("serializing result: %w", err)
	}
	path := s.resultPath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing result file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing result file: %w", err)
	}
	return nil
}
