// Package ranking scores source content by engagement and turns the top
// candidates into repost queue entries.
package ranking

import (
	"sort"

	"github.com/roach88/recast/internal/model"
)

// DefaultTopK is the number of candidates marked eligible when none is
// configured.
const DefaultTopK = 50

// Engagement weights.
const (
	likeWeight    = 1.5
	commentWeight = 2.0
)

// Score computes the performance score views + likes*1.5 + comments*2.
func Score(views, likes, comments int64) float64 {
	return float64(views) + float64(likes)*likeWeight + float64(comments)*commentWeight
}

// Ranked is a content item with its recomputed ranking fields.
type Ranked struct {
	Item     model.ContentItem
	Score    float64
	Eligible bool
	Priority int // 1 is best; 0 means not ranked into the top K
}

// Rank orders items by score and marks the best topK eligible.
//
// Ties on score go to the more recently published item, then to the
// lexically smaller source id, so the order is total and repeatable. A
// non-positive topK selects DefaultTopK.
func Rank(items []model.ContentItem, topK int) []Ranked {
	if topK <= 0 {
		topK = DefaultTopK
	}

	ranked := make([]Ranked, len(items))
	for i, item := range items {
		ranked[i] = Ranked{
			Item:  item,
			Score: Score(item.Metrics.Views, item.Metrics.Likes, item.Metrics.Comments),
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Item.PublishedAt.Equal(b.Item.PublishedAt) {
			return a.Item.PublishedAt.After(b.Item.PublishedAt)
		}
		return a.Item.SourceID < b.Item.SourceID
	})

	for i := range ranked {
		if i < topK {
			ranked[i].Eligible = true
			ranked[i].Priority = i + 1
		}
	}
	return ranked
}

// QueuePriority clamps a repost priority into the queue's 1..50 range.
func QueuePriority(repostPriority int) int {
	if repostPriority < 1 {
		return 1
	}
	if repostPriority > model.MaxQueuePriority {
		return model.MaxQueuePriority
	}
	return repostPriority
}
