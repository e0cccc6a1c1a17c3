package retrieval

import (
	"sort"

	"bbgodb/features/article"
)

type candidate struct {
	hit   article.ChunkHit
	score float64
}

type fused struct {
	hit     article.ChunkHit
	rrf     float64
	dense   *float64
	lexical *float64
}

// fuse combines ranked candidate lists by Reciprocal Rank Fusion. A chunk at
// 1-based rank r in a list contributes 1/(kappa+r). Equal fused scores are
// ordered by dense similarity, then newer publish date, then chunk id, so the
// result is fully determined by its inputs. At most limit results are
// returned; limit <= 0 returns all.
func fuse(dense, lexical []candidate, kappa, limit int) []Result {
	if kappa < 0 {
		kappa = 0
	}
	byID := make(map[string]*fused, len(dense)+len(lexical))
	get := func(c candidate) *fused {
		f, ok := byID[c.hit.ChunkID]
		if !ok {
			f = &fused{hit: c.hit}
			byID[c.hit.ChunkID] = f
		}
		return f
	}

	for i, c := range dense {
		f := get(c)
		f.rrf += 1.0 / float64(kappa+i+1)
		score := c.score
		f.dense = &score
	}
	for i, c := range lexical {
		f := get(c)
		f.rrf += 1.0 / float64(kappa+i+1)
		score := c.score
		f.lexical = &score
	}

	all := make([]*fused, 0, len(byID))
	for _, f := range byID {
		all = append(all, f)
	}
	sort.Slice(all, func(i, j int) bool { return less(all[i], all[j]) })

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]Result, len(all))
	for i, f := range all {
		out[i] = Result{
			ChunkID:       f.hit.ChunkID,
			ArticleURL:    f.hit.ArticleURL,
			Title:         f.hit.Title,
			PublishedDate: f.hit.PublishedDate,
			ChunkIndex:    f.hit.ChunkIndex,
			Content:       f.hit.TextContent,
			Score:         f.rrf,
			DenseScore:    f.dense,
			LexicalScore:  f.lexical,
		}
	}
	return out
}

func less(a, b *fused) bool {
	if a.rrf != b.rrf {
		return a.rrf > b.rrf
	}
	da, db := denseOrMin(a), denseOrMin(b)
	if da != db {
		return da > db
	}
	pa, pb := a.hit.PublishedDate, b.hit.PublishedDate
	switch {
	case pa != nil && pb == nil:
		return true
	case pa == nil && pb != nil:
		return false
	case pa != nil && pb != nil && !pa.Equal(*pb):
		return pa.After(*pb)
	}
	return a.hit.ChunkID < b.hit.ChunkID
}

// denseOrMin ranks chunks missing from the dense list below any dense hit.
func denseOrMin(f *fused) float64 {
	if f.dense == nil {
		return -1
	}
	return *f.dense
}
