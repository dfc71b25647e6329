// Package simconfig loads and caches the simulation tuning file.
//
// The file is YAML, deep-merged over built-in defaults, cached by mtime,
// and fingerprinted so operators can tell at a glance whether two
// deployments run the same tuning.
package simconfig

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath     = "config/simulation.yaml"
	DefaultDeckPath = "config/oracle_deck.json"
)

// SchedulerSettings tunes the tick loop. Values are seconds except
// QueueBurst, which is a task count.
type SchedulerSettings struct {
	IntervalSeconds     int
	JitterSeconds       int
	StartupDelaySeconds int
	QueueBurst          int
}

// Cooldowns are per-action tick counts agents must wait between actions.
type Cooldowns struct {
	Thread int
	Reply  int
	Post   int
	DM     int
	Report int
}

// AllocationDefaults are the base per-tick action counts before energy and
// activity scaling.
type AllocationDefaults struct {
	Registrations    int
	Threads          int
	Replies          int
	PrivateMessages  int
	ModerationEvents int
}

// GenerationSettings caps how much provider work one tick may enqueue and
// how the queue batches it.
type GenerationSettings struct {
	TasksPerTick int
	MinDMQuota   int
	BatchSize    int
}

// OracleSettings carries the omen/seance tuning knobs plus the loaded card
// deck, passed through to the tick executor as-is.
type OracleSettings struct {
	ForumCapacity         int
	OmenProbability       float64
	SeanceThreshold       int
	SeanceProbability     float64
	SeanceReplyMultiplier float64
	SeancePMMultiplier    float64
	SeanceThreadFloor     int
	DeckPath              string
	Deck                  map[string]any
}

// Fingerprint identifies the effective configuration content.
type Fingerprint struct {
	Path    string `json:"path"`
	SHA1    string `json:"sha1"`
	Version int    `json:"version"`
}

// Snapshot is the compact diagnostics view served by the admin API.
type Snapshot struct {
	Path        string            `json:"path"`
	Version     int               `json:"version"`
	Fingerprint string            `json:"fingerprint"`
	Scheduler   SchedulerSettings `json:"scheduler"`
	Cooldowns   Cooldowns         `json:"cooldowns"`
}

// Cache reads the simulation config file at most once per mtime change.
type Cache struct {
	mu       sync.Mutex
	path     string
	cached   map[string]any
	mtime    time.Time
	hasMtime bool
	decks    map[string]map[string]any
}

func New(path string) *Cache {
	if path == "" {
		path = DefaultPath
	}
	return &Cache{
		path:  path,
		decks: make(map[string]map[string]any),
	}
}

func (c *Cache) Path() string { return c.path }

// Load returns the merged configuration, re-reading the file when forced or
// when its mtime changed since the last read. A missing file yields the
// built-in defaults.
func (c *Cache) Load(force bool) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(force)
}

func (c *Cache) loadLocked(force bool) (map[string]any, error) {
	reload := force || c.cached == nil
	if !reload {
		if info, err := os.Stat(c.path); err == nil {
			if !c.hasMtime || !info.ModTime().Equal(c.mtime) {
				reload = true
			}
		} else if c.hasMtime {
			// File existed before and is gone now.
			reload = true
		}
	}
	if !reload {
		return shallowCopy(c.cached), nil
	}

	merged := defaults()
	info, statErr := os.Stat(c.path)
	if statErr == nil {
		raw, err := os.ReadFile(c.path)
		if err != nil {
			return nil, fmt.Errorf("read sim config %s: %w", c.path, err)
		}
		var override map[string]any
		if err := yaml.Unmarshal(raw, &override); err != nil {
			return nil, fmt.Errorf("parse sim config %s: %w", c.path, err)
		}
		merged = deepMerge(merged, override)
		c.mtime = info.ModTime()
		c.hasMtime = true
	} else {
		c.hasMtime = false
	}

	c.attachDeck(merged)
	c.cached = merged
	return shallowCopy(merged), nil
}

// attachDeck resolves oracle.deck_path and inlines the deck payload under
// oracle.deck, mirroring how the tick executor consumes it.
func (c *Cache) attachDeck(cfg map[string]any) {
	oracle, _ := cfg["oracle"].(map[string]any)
	if oracle == nil {
		return
	}
	deckPath := asString(oracle["deck_path"], DefaultDeckPath)
	deck := c.loadDeck(deckPath)
	if deck == nil && deckPath != DefaultDeckPath {
		deck = c.loadDeck(DefaultDeckPath)
	}
	if deck != nil {
		oracle["deck"] = deck
	}
}

func (c *Cache) loadDeck(path string) map[string]any {
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if deck, ok := c.decks[abs]; ok {
		return deck
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var deck map[string]any
	if err := json.Unmarshal(raw, &deck); err != nil {
		return nil
	}
	c.decks[abs] = deck
	return deck
}

// Clear drops the cached config and deck payloads so the next access
// re-reads from disk.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
	c.hasMtime = false
	c.decks = make(map[string]map[string]any)
}

func (c *Cache) SchedulerSettings() (SchedulerSettings, error) {
	cfg, err := c.Load(false)
	if err != nil {
		return SchedulerSettings{}, err
	}
	section, _ := cfg["scheduler"].(map[string]any)
	return SchedulerSettings{
		IntervalSeconds:     asInt(section["interval_seconds"], 60),
		JitterSeconds:       asInt(section["jitter_seconds"], 12),
		StartupDelaySeconds: asInt(section["startup_delay_seconds"], 10),
		QueueBurst:          asInt(section["queue_burst"], 10),
	}, nil
}

func (c *Cache) Cooldowns() (Cooldowns, error) {
	cfg, err := c.Load(false)
	if err != nil {
		return Cooldowns{}, err
	}
	section, _ := cfg["cooldowns"].(map[string]any)
	return Cooldowns{
		Thread: asInt(section["thread"], 12),
		Reply:  asInt(section["reply"], 4),
		Post:   asInt(section["post"], 3),
		DM:     asInt(section["dm"], 6),
		Report: asInt(section["report"], 8),
	}, nil
}

func (c *Cache) Allocation() (AllocationDefaults, error) {
	cfg, err := c.Load(false)
	if err != nil {
		return AllocationDefaults{}, err
	}
	section, _ := cfg["allocation"].(map[string]any)
	return AllocationDefaults{
		Registrations:    asInt(section["registrations"], 2),
		Threads:          asInt(section["threads"], 1),
		Replies:          asInt(section["replies"], 8),
		PrivateMessages:  asInt(section["private_messages"], 3),
		ModerationEvents: asInt(section["moderation_events"], 1),
	}, nil
}

func (c *Cache) GenerationSettings() (GenerationSettings, error) {
	cfg, err := c.Load(false)
	if err != nil {
		return GenerationSettings{}, err
	}
	section, _ := cfg["generation"].(map[string]any)
	return GenerationSettings{
		TasksPerTick: asInt(section["tasks_per_tick"], 4),
		MinDMQuota:   asInt(section["min_dm_quota"], 1),
		BatchSize:    asInt(section["batch_size"], 3),
	}, nil
}

func (c *Cache) OracleSettings() (OracleSettings, error) {
	cfg, err := c.Load(false)
	if err != nil {
		return OracleSettings{}, err
	}
	section, _ := cfg["oracle"].(map[string]any)
	deck, _ := section["deck"].(map[string]any)
	return OracleSettings{
		ForumCapacity:         asInt(section["forum_capacity"], 10000),
		OmenProbability:       asFloat(section["omen_probability"], 0.01),
		SeanceThreshold:       asInt(section["seance_threshold"], 12),
		SeanceProbability:     asFloat(section["seance_probability"], 0.12),
		SeanceReplyMultiplier: asFloat(section["seance_reply_multiplier"], 2.0),
		SeancePMMultiplier:    asFloat(section["seance_pm_multiplier"], 1.6),
		SeanceThreadFloor:     asInt(section["seance_thread_floor"], 1),
		DeckPath:              asString(section["deck_path"], DefaultDeckPath),
		Deck:                  deck,
	}, nil
}

// Fingerprint hashes the canonical JSON serialization of the merged config.
// json.Marshal sorts map keys, so the hash is stable for equal content.
func (c *Cache) Fingerprint() (Fingerprint, error) {
	cfg, err := c.Load(false)
	if err != nil {
		return Fingerprint{}, err
	}
	serialized, err := json.Marshal(cfg)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("serialize sim config: %w", err)
	}
	sum := sha1.Sum(serialized)
	return Fingerprint{
		Path:    c.path,
		SHA1:    hex.EncodeToString(sum[:]),
		Version: asInt(cfg["version"], 0),
	}, nil
}

func (c *Cache) Snapshot() (Snapshot, error) {
	fp, err := c.Fingerprint()
	if err != nil {
		return Snapshot{}, err
	}
	sched, err := c.SchedulerSettings()
	if err != nil {
		return Snapshot{}, err
	}
	cds, err := c.Cooldowns()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Path:        c.path,
		Version:     fp.Version,
		Fingerprint: fp.SHA1,
		Scheduler:   sched,
		Cooldowns:   cds,
	}, nil
}

func defaults() map[string]any {
	return map[string]any{
		"version": 1,
		"scheduler": map[string]any{
			"interval_seconds":      60,
			"jitter_seconds":        12,
			"startup_delay_seconds": 10,
			"queue_burst":           10,
		},
		"cooldowns": map[string]any{
			"thread": 12,
			"reply":  4,
			"post":   3,
			"dm":     6,
			"report": 8,
		},
		"allocation": map[string]any{
			"registrations":     2,
			"threads":           1,
			"replies":           8,
			"private_messages":  3,
			"moderation_events": 1,
		},
		"generation": map[string]any{
			"tasks_per_tick": 4,
			"min_dm_quota":   1,
			"batch_size":     3,
		},
		"oracle": map[string]any{
			"forum_capacity":          10000,
			"omen_probability":        0.01,
			"seance_threshold":        12,
			"seance_probability":      0.12,
			"seance_reply_multiplier": 2.0,
			"seance_pm_multiplier":    1.6,
			"seance_thread_floor":     1,
			"deck_path":               DefaultDeckPath,
		},
	}
}

// deepMerge returns base with override applied; nested maps merge key by
// key, everything else is replaced wholesale.
func deepMerge(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, ov := range override {
		if bm, ok := result[k].(map[string]any); ok {
			if om, ok := ov.(map[string]any); ok {
				result[k] = deepMerge(bm, om)
				continue
			}
		}
		result[k] = ov
	}
	return result
}

func shallowCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func asInt(v any, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}

func asFloat(v any, fallback float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return fallback
	}
}

func asString(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}
