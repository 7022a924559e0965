// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rules

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/biasrouter/internal/embedding"
)

const (
	// topicSampleSize is how many topic terms feed a rule's embedding.
	topicSampleSize = 5

	// dogWhistleSampleSize is how many dog-whistle terms feed it.
	dogWhistleSampleSize = 3

	// defaultPrecomputeDelay spaces out embedding calls during the startup
	// batch so the model service is not hammered.
	defaultPrecomputeDelay = 50 * time.Millisecond
)

// PrecomputeEmbeddings computes an embedding for every rule that carries
// trigger keywords. The input database is never mutated: loaded databases
// are shared read-only between concurrent requests, so the vectors are
// attached to a copy of the rules and the embedded copy is returned for the
// caller to swap in. Cancellable through ctx; on cancellation the copy
// keeps the vectors computed so far and the remaining rules fall back to
// keyword-only detection.
//
// It returns the embedded copy and the number of rules embedded.
func PrecomputeEmbeddings(ctx context.Context, db *Database, svc embedding.Service, delay time.Duration) (*Database, int) {
	if delay <= 0 {
		delay = defaultPrecomputeDelay
	}

	out := db.withClonedRules()
	embedded := 0
	for _, rule := range out.RoutingRules {
		select {
		case <-ctx.Done():
			log.Warnf("Rule embedding precompute cancelled after %d of %d rules", embedded, len(out.RoutingRules))
			return out, embedded
		default:
		}

		terms := sampleTerms(rule)
		if len(terms) == 0 {
			continue
		}

		vector, err := averageEmbedding(terms, svc)
		if err != nil {
			if errors.Is(err, embedding.ErrUnavailable) {
				log.Warnf("Embedding service unavailable, %d rules fall back to keyword detection", len(out.RoutingRules)-embedded)
				return out, embedded
			}
			log.Warnf("Failed to embed rule %s: %v", rule.ID, err)
			continue
		}

		rule.Embedding = vector
		embedded++

		select {
		case <-ctx.Done():
			log.Warnf("Rule embedding precompute cancelled after %d of %d rules", embedded, len(out.RoutingRules))
			return out, embedded
		case <-time.After(delay):
		}
	}

	log.Infof("Precomputed embeddings for %d of %d rules", embedded, len(out.RoutingRules))
	return out, embedded
}

// withClonedRules returns a copy of the database whose rules are fresh
// values. Trigger slices and engine profiles stay shared; they are never
// written after load.
func (db *Database) withClonedRules() *Database {
	clone := *db
	clone.RoutingRules = make([]*Rule, len(db.RoutingRules))
	for i, rule := range db.RoutingRules {
		r := *rule
		clone.RoutingRules[i] = &r
	}
	return &clone
}

// sampleTerms picks the representative trigger terms for a rule: the first
// few topics plus the first few dog whistles.
func sampleTerms(rule *Rule) []string {
	var terms []string
	for i, kw := range rule.Triggers.Topics {
		if i >= topicSampleSize {
			break
		}
		terms = append(terms, kw.Word)
	}
	for i, kw := range rule.Triggers.DogWhistles {
		if i >= dogWhistleSampleSize {
			break
		}
		terms = append(terms, kw.Word)
	}
	return terms
}

// averageEmbedding embeds each term and averages the vectors, then
// re-normalizes so cosine scores stay comparable.
func averageEmbedding(terms []string, svc embedding.Service) ([]float32, error) {
	var sum []float32
	count := 0

	for _, term := range terms {
		vector, err := svc.Embed(term, 0)
		if err != nil {
			if errors.Is(err, embedding.ErrUnavailable) {
				return nil, err
			}
			continue
		}
		if sum == nil {
			sum = make([]float32, len(vector))
		}
		if len(vector) != len(sum) {
			continue
		}
		for i, v := range vector {
			sum[i] += v
		}
		count++
	}

	if count == 0 {
		return nil, errors.New("no terms could be embedded")
	}
	for i := range sum {
		sum[i] /= float32(count)
	}
	return embedding.Normalize(sum), nil
}
