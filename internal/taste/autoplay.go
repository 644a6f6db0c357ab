package taste

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/listening-room-system/internal/catalog"
	"github.com/listening-room-system/pkg/models"
)

const (
	searchTimeout     = 5 * time.Second
	resultsPerQuery   = 20
	maxQueries        = 5
	candidatePoolSize = 12
)

// Engine selects autoplay continuations from noisy catalog search results,
// biased by the room's taste profile.
type Engine struct {
	search catalog.Searcher
	logger *log.Logger
}

func NewEngine(search catalog.Searcher, logger *log.Logger) *Engine {
	return &Engine{search: search, logger: logger.WithPrefix("autoplay")}
}

func clampVariety(v int) float64 {
	return float64(min(100, max(0, v)))
}

func clampHistorySize(n int) int {
	return min(60, max(5, n))
}

// BuildQueries assembles up to 5 distinct search queries from the seed
// track, the profile's top weights, and the variety knob. High variety
// leans exploratory, low variety leans familiar.
func BuildQueries(settings models.RoomSettings, p *models.TasteProfile, seed *models.QueueItem) []string {
	variety := clampVariety(settings.AutoplayVariety)
	topArtists := topKeys(p.ArtistWeights, 5)
	topTokens := topKeys(p.TokenWeights, 6)

	var seedArtists, seedTokens []string
	if seed != nil {
		seedArtists = SplitArtists(seed.Artist)
		seedTokens = Tokenize(seed.Title + " " + seed.Album)
		if len(seedTokens) > 4 {
			seedTokens = seedTokens[:4]
		}
	}

	var base []string
	if len(seedArtists) > 0 {
		base = append(base, seedArtists[0]+" radio")
	}
	if len(seedArtists) > 0 && len(topArtists) > 0 {
		base = append(base, seedArtists[0]+" "+topArtists[0]+" mix")
	}
	if len(topArtists) >= 2 {
		base = append(base, topArtists[0]+" "+topArtists[1]+" music mix")
	}
	if len(topArtists) > 0 && len(topTokens) > 0 {
		base = append(base, topArtists[0]+" "+topTokens[0]+" playlist")
	}
	if len(seedArtists) > 0 && len(seedTokens) > 0 {
		base = append(base, seedArtists[0]+" "+seedTokens[0])
	}
	if variety >= 60 && len(topTokens) > 0 {
		q := topTokens[0]
		if len(topTokens) > 1 {
			q += " " + topTokens[1]
		}
		base = append(base, q+" fresh music")
	}
	if variety < 60 && len(topArtists) > 0 {
		base = append(base, topArtists[0]+" similar songs")
	}
	base = append(base, "popular music mix")

	seen := make(map[string]struct{}, len(base))
	queries := make([]string, 0, maxQueries)
	for _, q := range base {
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		queries = append(queries, q)
		if len(queries) == maxQueries {
			break
		}
	}
	return queries
}

func score(track models.QueueItem, p *models.TasteProfile, recentArtists map[string]struct{}, variety float64) float64 {
	varietyBias := variety / 100

	artistAffinity := 0.0
	recentlyUsedArtist := false
	for _, a := range SplitArtists(track.Artist) {
		artistAffinity += p.ArtistWeights[a]
		if _, ok := recentArtists[a]; ok {
			recentlyUsedArtist = true
		}
	}

	tokenAffinity := 0.0
	for _, t := range Tokenize(track.Title + " " + track.Album) {
		tokenAffinity += p.TokenWeights[t]
	}

	var noveltyBoost, recentPenalty float64
	if recentlyUsedArtist {
		recentPenalty = 0.8 + varietyBias*1.4
	} else {
		noveltyBoost = 0.6 + varietyBias*1.2
	}

	jitter := rand.Float64() * 0.15
	return artistAffinity*1.8 + tokenAffinity*0.9 + noveltyBoost - recentPenalty + jitter
}

// FindCandidates returns up to limit scored candidates, best first. A track
// already in the queue, currently playing, in the recent-history window, or
// among the last autoplay picks is never a candidate; explicit tracks are
// dropped when the room disallows them. Individual query failures are
// skipped, not fatal.
func (e *Engine) FindCandidates(ctx context.Context, state *models.PlaybackState, settings models.RoomSettings, limit int) []models.QueueItem {
	if !settings.AutoplayEnabled {
		return nil
	}

	profile := &state.Taste
	Normalize(profile)
	historySize := clampHistorySize(settings.AutoplayHistorySize)

	excluded := make(map[string]struct{})
	for _, item := range state.Queue {
		excluded[item.TrackID] = struct{}{}
	}
	if state.CurrentItem != nil {
		excluded[state.CurrentItem.TrackID] = struct{}{}
	}
	for _, id := range tail(profile.RecentTrackIDs, historySize) {
		excluded[id] = struct{}{}
	}
	for _, id := range tail(profile.RecentAutoplayIDs, 25) {
		excluded[id] = struct{}{}
	}

	queries := BuildQueries(settings, profile, state.CurrentItem)
	candidates := make([]models.QueueItem, 0, 32)
	seen := make(map[string]struct{})

	for _, query := range queries {
		results, err := e.runQuery(ctx, query)
		if err != nil {
			e.logger.Warn("search query failed", "query", query, "err", err)
			continue
		}
		for _, track := range results {
			if track.TrackID == "" {
				continue
			}
			if _, skip := excluded[track.TrackID]; skip {
				continue
			}
			if track.IsExplicit && !settings.AutoplayAllowExplicit {
				continue
			}
			if _, dup := seen[track.TrackID]; dup {
				continue
			}
			seen[track.TrackID] = struct{}{}
			track.Origin = models.OriginAutoplay
			candidates = append(candidates, track)
		}
	}

	if len(candidates) == 0 {
		return nil
	}

	recentArtists := make(map[string]struct{})
	for _, a := range tail(profile.RecentArtists, max(8, historySize)) {
		recentArtists[a] = struct{}{}
	}

	variety := clampVariety(settings.AutoplayVariety)
	scores := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		scores[c.TrackID] = score(c, profile, recentArtists, variety)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return scores[candidates[i].TrackID] > scores[candidates[j].TrackID]
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// FindTrack picks one continuation: take the top-K pool (K grows with
// variety) and choose uniformly within it so repeated triggers don't replay
// the identical sequence.
func (e *Engine) FindTrack(ctx context.Context, state *models.PlaybackState, settings models.RoomSettings) *models.QueueItem {
	if !settings.AutoplayEnabled {
		return nil
	}

	candidates := e.FindCandidates(ctx, state, settings, candidatePoolSize)
	if len(candidates) == 0 {
		return nil
	}

	variety := clampVariety(settings.AutoplayVariety)
	poolSize := min(6, max(1, int(math.Round(1+variety/20))))
	if poolSize > len(candidates) {
		poolSize = len(candidates)
	}

	selected := candidates[rand.Intn(poolSize)]
	return &selected
}

func (e *Engine) runQuery(ctx context.Context, query string) ([]models.QueueItem, error) {
	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	results, err := e.search.Search(ctx, query, resultsPerQuery)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	return results, nil
}

func tail(list []string, n int) []string {
	if len(list) <= n {
		return list
	}
	return list[len(list)-n:]
}
