package taste

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/listening-room-system/pkg/models"
)

const (
	decayFactor  = 0.985
	pruneEpsilon = 0.1

	maxRecentTracks   = 120
	maxRecentArtists  = 80
	maxRecentAutoplay = 50

	// Autoplay picks nudge taste lightly to avoid the engine reinforcing
	// its own selections into a lock-in loop.
	autoplayLearnFactor = 0.25
)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "that": {},
	"this": {}, "feat": {}, "official": {}, "video": {}, "audio": {},
	"music": {}, "lyrics": {}, "remix": {}, "version": {}, "radio": {},
	"edit": {}, "live": {}, "session": {}, "mix": {}, "song": {}, "full": {},
}

var artistSplitRe = regexp.MustCompile(`,|&| x | feat\.?| ft\.?| and `)
var nonAlnumRe = regexp.MustCompile(`[^a-z0-9\s]`)

// SplitArtists breaks a display artist string into up to 4 normalized
// sub-artists.
func SplitArtists(artist string) []string {
	parts := artistSplitRe.Split(strings.ToLower(artist), -1)
	out := make([]string, 0, 4)
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
		if len(out) == 4 {
			break
		}
	}
	return out
}

// Tokenize extracts up to 10 lowercase alphanumeric keywords of at least 3
// characters, skipping stop words.
func Tokenize(text string) []string {
	cleaned := nonAlnumRe.ReplaceAllString(strings.ToLower(text), " ")
	out := make([]string, 0, 10)
	for _, t := range strings.Fields(cleaned) {
		if len(t) < 3 {
			continue
		}
		if _, stop := stopWords[t]; stop {
			continue
		}
		out = append(out, t)
		if len(out) == 10 {
			break
		}
	}
	return out
}

// Normalize ensures all profile collections are non-nil.
func Normalize(p *models.TasteProfile) {
	if p.ArtistWeights == nil {
		p.ArtistWeights = make(map[string]float64)
	}
	if p.TokenWeights == nil {
		p.TokenWeights = make(map[string]float64)
	}
	if p.RecentTrackIDs == nil {
		p.RecentTrackIDs = []string{}
	}
	if p.RecentArtists == nil {
		p.RecentArtists = []string{}
	}
	if p.RecentAutoplayIDs == nil {
		p.RecentAutoplayIDs = []string{}
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// decayWeights applies multiplicative decay and prunes entries that fall
// below the epsilon. A pruned key never reappears without new
// reinforcement.
func decayWeights(weights map[string]float64) {
	for k, v := range weights {
		next := round4(v * decayFactor)
		if next < pruneEpsilon {
			delete(weights, k)
			continue
		}
		weights[k] = next
	}
}

// LearnOptions controls one learning step.
type LearnOptions struct {
	Weight     float64
	IsAutoplay bool
}

// LearnFromTrack folds one played track into the profile: decay-then-add on
// both weight maps, then update the bounded recency lists.
func LearnFromTrack(p *models.TasteProfile, track models.QueueItem, opts LearnOptions) {
	if track.TrackID == "" {
		return
	}
	Normalize(p)

	// Negative weights carry disapproval through; only non-negative
	// weights get floored.
	weight := opts.Weight
	if weight >= 0 {
		weight = math.Max(0.1, weight)
	}
	if opts.IsAutoplay {
		weight *= autoplayLearnFactor
	}

	decayWeights(p.ArtistWeights)
	decayWeights(p.TokenWeights)

	artists := SplitArtists(track.Artist)
	for i, artist := range artists {
		p.ArtistWeights[artist] = round4(p.ArtistWeights[artist] + weight*(1-float64(i)*0.18))
	}

	tokens := Tokenize(track.Title + " " + track.Album)
	for i, token := range tokens {
		p.TokenWeights[token] = round4(p.TokenWeights[token] + weight*(0.7-float64(i)*0.05))
	}

	if opts.IsAutoplay {
		p.RecentAutoplayIDs = pushBounded(p.RecentAutoplayIDs, track.TrackID, maxRecentAutoplay, true)
	}
	p.RecentTrackIDs = pushBounded(p.RecentTrackIDs, track.TrackID, maxRecentTracks, true)
	for _, artist := range artists {
		p.RecentArtists = pushBounded(p.RecentArtists, artist, maxRecentArtists, false)
	}
	p.LastUpdatedAt = time.Now()
}

// pushBounded appends a value to a most-recent-last list, optionally
// dropping an earlier duplicate, and trims from the front past the limit.
func pushBounded(list []string, value string, limit int, dedupe bool) []string {
	if dedupe {
		filtered := list[:0]
		for _, v := range list {
			if v != value {
				filtered = append(filtered, v)
			}
		}
		list = filtered
	}
	list = append(list, value)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

// topKeys returns up to limit keys ordered by descending weight.
func topKeys(weights map[string]float64, limit int) []string {
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return weights[keys[i]] > weights[keys[j]]
	})
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}
