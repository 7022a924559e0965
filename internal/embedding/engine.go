// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package embedding provides an ONNX-based embedding service for semantic
// rule matching. It loads a MiniLM model once per process and produces
// 384-dimensional L2-normalized vectors. When the model cannot be loaded the
// engine reports ErrUnavailable and callers degrade to keyword-only
// detection.
package embedding

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	// DefaultModelName is the default embedding model to use.
	DefaultModelName = "all-MiniLM-L6-v2"

	// Dimension is the output dimension of the MiniLM model.
	Dimension = 384

	// MaxSequenceLength is the maximum model input sequence length.
	MaxSequenceLength = 256

	// DefaultTokenBudget caps how many tokens of input text are embedded.
	// Longer inputs are truncated before tokenization for the model.
	DefaultTokenBudget = 512
)

// ErrUnavailable is returned when the embedding model cannot be loaded or
// the engine has been shut down. It is a recoverable condition: the rule
// evaluator falls back to keyword and dog-whistle detection.
var ErrUnavailable = errors.New("embedding service unavailable")

// Service produces embedding vectors for arbitrary text. The routing
// pipeline depends on this interface rather than the concrete engine so
// tests can substitute a fixture.
type Service interface {
	// Embed computes the embedding vector for a text, truncating input
	// beyond maxTokens (<= 0 selects DefaultTokenBudget).
	Embed(text string, maxTokens int) ([]float32, error)

	// Ready reports whether the engine can serve embeddings without
	// attempting initialization.
	Ready() bool
}

// Config holds configuration for the embedding engine.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// VocabPath is the path to the WordPiece vocabulary file.
	VocabPath string

	// SharedLibraryPath is the path to the ONNX runtime shared library.
	SharedLibraryPath string
}

// Engine runs embedding inference through the ONNX runtime. Initialization
// is lazy and idempotent: the first Embed call loads the model, concurrent
// callers block on the same in-flight load, and the load result (success or
// failure) is observed by all of them.
type Engine struct {
	cfg       Config
	dimension int

	initOnce sync.Once
	initErr  error

	mu        sync.RWMutex
	session   *ort.DynamicAdvancedSession
	wordpiece *WordPieceTokenizer
	budget    *TokenBudget
	enabled   bool
}

// NewEngine creates an embedding engine. The model is not loaded until the
// first Embed call or an explicit Initialize.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model path is required")
	}
	return &Engine{cfg: cfg, dimension: Dimension}, nil
}

// Initialize loads the ONNX model and prepares the engine for inference.
// It is safe to call from multiple goroutines; only the first call performs
// the load and every caller observes the same outcome.
func (e *Engine) Initialize() error {
	e.initOnce.Do(func() {
		e.initErr = e.load()
	})
	if e.initErr != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, e.initErr)
	}
	return nil
}

func (e *Engine) load() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := os.Stat(e.cfg.ModelPath); os.IsNotExist(err) {
		return fmt.Errorf("model file not found: %s", e.cfg.ModelPath)
	}

	if e.cfg.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(e.cfg.SharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		e.cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		options,
	)
	if err != nil {
		return fmt.Errorf("failed to load ONNX model: %w", err)
	}

	wordpiece, err := NewWordPieceTokenizer(e.cfg.VocabPath)
	if err != nil {
		session.Destroy()
		return fmt.Errorf("failed to initialize tokenizer: %w", err)
	}

	budget, err := NewTokenBudget()
	if err != nil {
		session.Destroy()
		return fmt.Errorf("failed to initialize token budget: %w", err)
	}

	e.session = session
	e.wordpiece = wordpiece
	e.budget = budget
	e.enabled = true
	log.Infof("Embedding engine initialized with model: %s", filepath.Base(e.cfg.ModelPath))
	return nil
}

// Ready reports whether the engine has been initialized successfully.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// Embed computes the embedding vector for a single text, initializing the
// engine on first use. Input beyond maxTokens is truncated before
// tokenization; maxTokens <= 0 selects DefaultTokenBudget.
func (e *Engine) Embed(text string, maxTokens int) ([]float32, error) {
	if err := e.Initialize(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.enabled {
		return nil, ErrUnavailable
	}

	if maxTokens <= 0 {
		maxTokens = DefaultTokenBudget
	}
	text, err := e.budget.Truncate(text, maxTokens)
	if err != nil {
		return nil, fmt.Errorf("token budget: %w", err)
	}

	tokens, err := e.wordpiece.Tokenize(text, MaxSequenceLength)
	if err != nil {
		return nil, fmt.Errorf("tokenization failed: %w", err)
	}

	vector, err := e.runInference(tokens)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return vector, nil
}

// runInference executes the ONNX model with the given tokens.
// Must be called with read lock held.
func (e *Engine) runInference(tokens *TokenizedInput) ([]float32, error) {
	seqLen := int64(len(tokens.InputIDs))

	inputIDsTensor, err := ort.NewTensor(ort.NewShape(1, seqLen), tokens.InputIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer inputIDsTensor.Destroy()

	attentionMaskTensor, err := ort.NewTensor(ort.NewShape(1, seqLen), tokens.AttentionMask)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	defer attentionMaskTensor.Destroy()

	tokenTypeIDsTensor, err := ort.NewTensor(ort.NewShape(1, seqLen), tokens.TokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
	}
	defer tokenTypeIDsTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, seqLen, int64(e.dimension)))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	err = e.session.Run(
		[]ort.ArbitraryTensor{inputIDsTensor, attentionMaskTensor, tokenTypeIDsTensor},
		[]ort.ArbitraryTensor{outputTensor},
	)
	if err != nil {
		return nil, fmt.Errorf("ONNX inference failed: %w", err)
	}

	output := outputTensor.GetData()
	vector := e.meanPooling(output, tokens.AttentionMask, int(seqLen))
	return Normalize(vector), nil
}

// meanPooling averages the token embeddings over the sequence dimension,
// weighted by the attention mask.
func (e *Engine) meanPooling(output []float32, attentionMask []int64, seqLen int) []float32 {
	vector := make([]float32, e.dimension)
	var totalWeight float32

	for i := 0; i < seqLen; i++ {
		if attentionMask[i] == 1 {
			for j := 0; j < e.dimension; j++ {
				vector[j] += output[i*e.dimension+j]
			}
			totalWeight++
		}
	}

	if totalWeight > 0 {
		for j := 0; j < e.dimension; j++ {
			vector[j] /= totalWeight
		}
	}

	return vector
}

// Shutdown releases all resources held by the ONNX runtime. Subsequent
// Embed calls return ErrUnavailable.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return nil
	}

	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}

	e.enabled = false
	log.Info("Embedding engine shut down")
	return nil
}

// Normalize applies L2 normalization to a vector in place and returns it.
func Normalize(vector []float32) []float32 {
	var norm float32
	for _, v := range vector {
		norm += v * v
	}
	norm = float32(math.Sqrt(float64(norm)))

	if norm > 0 {
		for i := range vector {
			vector[i] /= norm
		}
	}
	return vector
}

// Cosine computes the cosine similarity between two vectors. It returns 0
// when either vector is empty or their dimensions mismatch.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dotProduct float64
	var normA, normB float64

	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	normA = math.Sqrt(normA)
	normB = math.Sqrt(normB)

	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dotProduct / (normA * normB)
}
