package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/you-humble/animalexplorer/core/kv"
)

const Version = "1.0"

const (
	infoSizeEstimate  = 2 << 10
	imageSizeEstimate = 150 << 10
	storageLimitMB    = 256
	statsScanLimit    = 10000
)

type TTLs struct {
	Info           time.Duration
	Image          time.Duration
	Popular        time.Duration
	Suggestions    time.Duration
	Analytics      time.Duration
	DailyAnalytics time.Duration
}

func DefaultTTLs() TTLs {
	return TTLs{
		Info:           7 * 24 * time.Hour,
		Image:          14 * 24 * time.Hour,
		Popular:        2 * time.Hour,
		Suggestions:    24 * time.Hour,
		Analytics:      30 * 24 * time.Hour,
		DailyAnalytics: 7 * 24 * time.Hour,
	}
}

type Entry struct {
	QueryNormalized string    `json:"query_normalized"`
	Payload         string    `json:"payload"`
	SecondaryName   string    `json:"secondary_name,omitempty"`
	CachedAt        time.Time `json:"cached_at"`
	Version         string    `json:"version"`
}

// Hit is a GetComplete result. Partial means only Info is present.
type Hit struct {
	Info          string
	Image         string
	SecondaryName string
	Partial       bool
	CachedAt      time.Time
}

type Rejection struct {
	QueryNormalized string    `json:"query_normalized"`
	Reason          string    `json:"reason"`
	Suggestions     []string  `json:"suggestions,omitempty"`
	CachedAt        time.Time `json:"cached_at"`
}

type Popularity struct {
	Animal   string `json:"animal"`
	Searches int64  `json:"searches"`
}

type Stats struct {
	Enabled           bool    `json:"cache_enabled"`
	Backend           string  `json:"backend"`
	InfoEntries       int64   `json:"info_entries"`
	ImageEntries      int64   `json:"image_entries"`
	RejectionEntries  int64   `json:"suggestion_entries"`
	TotalSearches     int64   `json:"total_searches"`
	UniqueAnimals     int64   `json:"unique_animals"`
	HitPotential      float64 `json:"hit_potential_percent"`
	EstimatedMB       float64 `json:"estimated_storage_mb"`
	StorageLimitMB    int64   `json:"storage_limit_mb"`
	StorageUsePercent float64 `json:"storage_use_percent"`
}

type cache struct {
	store  kv.Store
	ttl    TTLs
	logger *slog.Logger
	now    func() time.Time
}

func New(store kv.Store, ttl TTLs, logger *slog.Logger) *cache {
	def := DefaultTTLs()
	if ttl.Info <= 0 {
		ttl.Info = def.Info
	}
	if ttl.Image <= 0 {
		ttl.Image = def.Image
	}
	if ttl.Popular <= 0 {
		ttl.Popular = def.Popular
	}
	if ttl.Suggestions <= 0 {
		ttl.Suggestions = def.Suggestions
	}
	if ttl.Analytics <= 0 {
		ttl.Analytics = def.Analytics
	}
	if ttl.DailyAnalytics <= 0 {
		ttl.DailyAnalytics = def.DailyAnalytics
	}
	return &cache{store: store, ttl: ttl, logger: logger, now: time.Now}
}

func (c *cache) CacheInfo(ctx context.Context, query, info, secondaryName string) error {
	return c.putEntry(ctx, infoKey(query), query, info, secondaryName, c.ttl.Info)
}

func (c *cache) CacheImage(ctx context.Context, query, image, secondaryName string) error {
	return c.putEntry(ctx, imageKey(query), query, image, secondaryName, c.ttl.Image)
}

func (c *cache) GetInfo(ctx context.Context, query string) (Entry, bool) {
	return c.getEntry(ctx, infoKey(query))
}

func (c *cache) GetImage(ctx context.Context, query string) (Entry, bool) {
	return c.getEntry(ctx, imageKey(query))
}

// GetComplete returns a full hit when both entries exist and a partial hit
// when only the info entry does. An image without info is a miss.
func (c *cache) GetComplete(ctx context.Context, query string) (Hit, bool) {
	info, ok := c.GetInfo(ctx, query)
	if !ok {
		return Hit{}, false
	}

	hit := Hit{
		Info:          info.Payload,
		SecondaryName: info.SecondaryName,
		CachedAt:      info.CachedAt,
	}

	image, ok := c.GetImage(ctx, query)
	if !ok {
		hit.Partial = true
		return hit, true
	}

	hit.Image = image.Payload
	if hit.SecondaryName == "" {
		hit.SecondaryName = image.SecondaryName
	}
	return hit, true
}

func (c *cache) CacheRejection(ctx context.Context, query, reason string, suggestions []string) error {
	raw, err := json.Marshal(Rejection{
		QueryNormalized: Normalize(query),
		Reason:          reason,
		Suggestions:     suggestions,
		CachedAt:        c.now(),
	})
	if err != nil {
		return fmt.Errorf("cache encode rejection: %w", err)
	}
	if err := c.store.Set(ctx, rejectionKey(query), raw, c.ttl.Suggestions); err != nil {
		return fmt.Errorf("cache rejection: %w", err)
	}
	return nil
}

func (c *cache) GetRejection(ctx context.Context, query string) (Rejection, bool) {
	raw, ok := c.read(ctx, rejectionKey(query))
	if !ok {
		return Rejection{}, false
	}
	var r Rejection
	if err := json.Unmarshal(raw, &r); err != nil {
		c.logger.Warn("cache: corrupt rejection entry", slog.String("error", err.Error()))
		return Rejection{}, false
	}
	return r, true
}

// TrackSearch counts a query in the global and the daily ranking, hit or miss.
func (c *cache) TrackSearch(ctx context.Context, query string) error {
	q := Normalize(query)
	if q == "" {
		return nil
	}
	if _, err := c.store.ZIncr(ctx, searchesKey, q, c.ttl.Analytics); err != nil {
		return fmt.Errorf("track search: %w", err)
	}
	if _, err := c.store.ZIncr(ctx, dailyKey(c.now()), q, c.ttl.DailyAnalytics); err != nil {
		return fmt.Errorf("track daily search: %w", err)
	}
	return nil
}

// Popular lists the most searched animals. The ranking is memoized for the
// popular TTL, so fresh searches show up with a delay.
func (c *cache) Popular(ctx context.Context, limit int) ([]Popularity, error) {
	if limit <= 0 {
		limit = 10
	}
	memoKey := popularPrefix + strconv.Itoa(limit)

	if raw, ok := c.read(ctx, memoKey); ok {
		var out []Popularity
		if err := json.Unmarshal(raw, &out); err == nil {
			return out, nil
		}
	}

	top, err := c.store.ZTop(ctx, searchesKey, limit)
	if err != nil {
		return nil, fmt.Errorf("popular: %w", err)
	}

	out := make([]Popularity, 0, len(top))
	for _, s := range top {
		out = append(out, Popularity{Animal: s.Member, Searches: int64(s.Score)})
	}

	if raw, err := json.Marshal(out); err == nil {
		if err := c.store.Set(ctx, memoKey, raw, c.ttl.Popular); err != nil {
			c.logger.Warn("cache: store popular ranking", slog.String("error", err.Error()))
		}
	}
	return out, nil
}

func (c *cache) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		Enabled:        c.store.Durable(),
		Backend:        c.store.Backend(),
		StorageLimitMB: storageLimitMB,
	}

	var err error
	if st.InfoEntries, err = c.store.Count(ctx, infoPrefix); err != nil {
		return Stats{}, fmt.Errorf("stats info: %w", err)
	}
	if st.ImageEntries, err = c.store.Count(ctx, imagePrefix); err != nil {
		return Stats{}, fmt.Errorf("stats image: %w", err)
	}
	if st.RejectionEntries, err = c.store.Count(ctx, suggestionsPrefix); err != nil {
		return Stats{}, fmt.Errorf("stats suggestions: %w", err)
	}

	all, err := c.store.ZTop(ctx, searchesKey, statsScanLimit)
	if err != nil {
		return Stats{}, fmt.Errorf("stats searches: %w", err)
	}
	for _, s := range all {
		st.TotalSearches += int64(s.Score)
	}
	st.UniqueAnimals = int64(len(all))
	if st.TotalSearches > 0 {
		st.HitPotential = round2(float64(st.TotalSearches-st.UniqueAnimals) / float64(st.TotalSearches) * 100)
	}

	bytes := st.InfoEntries*infoSizeEstimate + st.ImageEntries*imageSizeEstimate
	st.EstimatedMB = round2(float64(bytes) / (1 << 20))
	st.StorageUsePercent = round2(st.EstimatedMB / storageLimitMB * 100)

	return st, nil
}

func (c *cache) putEntry(ctx context.Context, key, query, payload, secondaryName string, ttl time.Duration) error {
	raw, err := json.Marshal(Entry{
		QueryNormalized: Normalize(query),
		Payload:         payload,
		SecondaryName:   secondaryName,
		CachedAt:        c.now(),
		Version:         Version,
	})
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

func (c *cache) getEntry(ctx context.Context, key string) (Entry, bool) {
	raw, ok := c.read(ctx, key)
	if !ok {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warn("cache: corrupt entry",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return Entry{}, false
	}
	return e, true
}

func (c *cache) read(ctx context.Context, key string) ([]byte, bool) {
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			c.logger.Warn("cache: read failed, treating as miss",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	return raw, true
}

func dailyKey(now time.Time) string {
	return dailyPrefix + now.UTC().Format(time.DateOnly)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
