// Package cluster groups evidence signals into themed clusters.
//
// Clusters are never stored. Their ids are derived from the sorted member id
// set, so recomputing the same membership yields the same id and any change
// in membership yields a new one.
package cluster

import (
	"context"
	"errors"
	"iter"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

// SuggestNewInitiative is the suggested action for clusters of unlinked signals.
const SuggestNewInitiative = "new_initiative"

const (
	DefaultMaxDistance = 0.25
	DefaultMinMembers  = 2
)

var ErrConsumed = errors.New("cluster sequence already consumed")

var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("stageline:signal-cluster"))

// ID derives the cluster id from its members.
func ID(memberIDs []string) string {
	ids := append([]string(nil), memberIDs...)
	sort.Strings(ids)
	return uuid.NewSHA1(namespace, []byte(strings.Join(ids, "\n"))).String()
}

// Clusterer produces a finite, single-use sequence of clusters with at least
// minMembers members each.
type Clusterer interface {
	Clusters(ctx context.Context, workspaceID string, minMembers int) iter.Seq2[domain.SignalCluster, error]
}

// Greedy seeds clusters from the oldest unassigned signal and absorbs every
// unassigned signal within MaxDistance of the seed.
type Greedy struct {
	Repo        repo.Repo
	MaxDistance float64
}

func (g Greedy) Clusters(ctx context.Context, workspaceID string, minMembers int) iter.Seq2[domain.SignalCluster, error] {
	var used atomic.Bool
	return func(yield func(domain.SignalCluster, error) bool) {
		if used.Swap(true) {
			yield(domain.SignalCluster{}, ErrConsumed)
			return
		}
		signals, err := g.Repo.ListSignals(ctx, repo.SignalFilters{
			WorkspaceID: workspaceID,
			Statuses:    []domain.SignalStatus{domain.SignalNew, domain.SignalReviewed},
		})
		if err != nil {
			yield(domain.SignalCluster{}, err)
			return
		}
		for c := range Group(workspaceID, signals, g.maxDistance(), minMembers) {
			if err := ctx.Err(); err != nil {
				yield(domain.SignalCluster{}, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (g Greedy) maxDistance() float64 {
	if g.MaxDistance <= 0 {
		return DefaultMaxDistance
	}
	return g.MaxDistance
}

// Group clusters signals in input order. Signals without embeddings never join a cluster.
func Group(workspaceID string, signals []domain.EvidenceSignal, maxDistance float64, minMembers int) iter.Seq[domain.SignalCluster] {
	if minMembers < DefaultMinMembers {
		minMembers = DefaultMinMembers
	}
	return func(yield func(domain.SignalCluster) bool) {
		var usable []domain.EvidenceSignal
		for _, s := range signals {
			if len(s.Embedding) > 0 {
				usable = append(usable, s)
			}
		}
		vectors := make([][]float32, len(usable))
		for i, s := range usable {
			vectors[i] = s.Embedding
		}
		idx := NewIndex(vectors)
		assigned := make([]bool, len(usable))
		for seed := range usable {
			if assigned[seed] {
				continue
			}
			members := []int{seed}
			var simSum float64
			for _, n := range idx.Within(usable[seed].Embedding, maxDistance) {
				if n.Index == seed || assigned[n.Index] {
					continue
				}
				members = append(members, n.Index)
				simSum += n.Similarity
			}
			if len(members) < minMembers {
				continue
			}
			c := domain.SignalCluster{WorkspaceID: workspaceID, SuggestedAction: SuggestNewInitiative}
			var sevs []domain.Severity
			var texts []string
			for _, m := range members {
				assigned[m] = true
				c.MemberIDs = append(c.MemberIDs, usable[m].ID)
				sevs = append(sevs, usable[m].Severity)
				texts = append(texts, usable[m].Text)
			}
			sort.Strings(c.MemberIDs)
			c.ID = ID(c.MemberIDs)
			c.Severity = domain.MaxSeverity(sevs...)
			c.Confidence = clamp01(simSum / float64(len(members)-1))
			c.Theme = Theme(texts)
			if !yield(c) {
				return
			}
		}
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
