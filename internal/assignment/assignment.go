// Package assignment buckets users into experiment variants.
//
// Bucketing hashes "{user_id}:{experiment_id}" with MD5, reduces the digest
// to a percentile in [0, 100) with two-decimal resolution and walks the
// variants' cumulative allocations. The first computed variant is stored in
// the repository and never changes afterwards; an LRU cache keeps hot
// assignments off the repository.
package assignment

import (
	"context"
	"crypto/md5"
	"fmt"
	"math/big"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/overhuman/abengine/internal/experiment"
	"github.com/overhuman/abengine/internal/observability"
	"github.com/overhuman/abengine/internal/storage"
)

// DefaultCacheSize is used when New receives a non-positive size.
const DefaultCacheSize = 10000

var bucketModulus = big.NewInt(10000)

// Bucket returns the percentile of a (user, experiment) pair in [0, 100).
func Bucket(userID, experimentID string) float64 {
	sum := md5.Sum([]byte(userID + ":" + experimentID))
	n := new(big.Int).SetBytes(sum[:])
	n.Mod(n, bucketModulus)
	return float64(n.Int64()) / 100
}

// Pick walks variants in order and returns the first whose cumulative
// allocation reaches percentile. Falls back to the control variant.
func Pick(variants []experiment.Variant, percentile float64) string {
	cumulative := 0.0
	for _, v := range variants {
		cumulative += v.AllocationPercentage
		if percentile <= cumulative {
			return v.ID
		}
	}
	for _, v := range variants {
		if v.IsControl {
			return v.ID
		}
	}
	if len(variants) > 0 {
		return variants[0].ID
	}
	return ""
}

type cacheKey struct {
	experimentID string
	userID       string
}

// Assigner returns sticky variant assignments.
type Assigner struct {
	repo  storage.Repository
	cache *lru.Cache[cacheKey, string]
	now   func() time.Time
	log   *observability.Logger
}

// New creates an Assigner over repo. now and log may be nil.
func New(repo storage.Repository, cacheSize int, now func() time.Time, log *observability.Logger) (*Assigner, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("assignment cache: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = observability.Nop()
	}
	return &Assigner{repo: repo, cache: cache, now: now, log: log}, nil
}

// Assign returns the user's variant, computing and storing it on first use.
// fresh is true when this call created the assignment. Repository failures
// are logged and the computed variant is still returned.
func (a *Assigner) Assign(ctx context.Context, exp *experiment.Experiment, userID string) (variantID string, fresh bool) {
	key := cacheKey{experimentID: exp.ID, userID: userID}
	if v, ok := a.cache.Get(key); ok {
		return v, false
	}

	v, ok, err := a.repo.GetAssignment(ctx, exp.ID, userID)
	if err != nil {
		a.log.Warn("assignment lookup failed", "experiment_id", exp.ID, "user_id", userID, "error", err)
	}
	if ok {
		a.cache.Add(key, v)
		return v, false
	}

	computed := Pick(exp.Variants, Bucket(userID, exp.ID))
	if computed == "" {
		return "", false
	}
	assignedAt := a.now()
	stored, err := a.repo.SaveAssignment(ctx, experiment.Assignment{
		ExperimentID: exp.ID,
		UserID:       userID,
		VariantID:    computed,
		AssignedAt:   assignedAt,
	})
	if err != nil {
		a.log.Error("assignment save failed", "experiment_id", exp.ID, "user_id", userID, "error", err)
		return computed, false
	}
	a.cache.Add(key, stored.VariantID)
	// A concurrent writer may have stored first; its row wins.
	return stored.VariantID, stored.AssignedAt.Equal(assignedAt)
}

// Lookup returns an existing assignment without creating one.
func (a *Assigner) Lookup(ctx context.Context, experimentID, userID string) (string, bool) {
	key := cacheKey{experimentID: experimentID, userID: userID}
	if v, ok := a.cache.Get(key); ok {
		return v, true
	}
	v, ok, err := a.repo.GetAssignment(ctx, experimentID, userID)
	if err != nil {
		a.log.Warn("assignment lookup failed", "experiment_id", experimentID, "user_id", userID, "error", err)
		return "", false
	}
	if ok {
		a.cache.Add(key, v)
	}
	return v, ok
}

// Len returns the number of cached assignments.
func (a *Assigner) Len() int {
	return a.cache.Len()
}
