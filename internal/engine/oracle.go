package engine

import (
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/trexxak/ghostship-master-sub001/internal/simconfig"
)

// energyProfile is the oracle roll for one tick: the raw exploding-d6
// sequence, its sum, and the day-modulated value the allocator keys on.
type energyProfile struct {
	Rolls  []int
	Energy int
	Prime  int
}

// rollEnergy draws an exploding d6 (a six rolls again) and applies a daily
// sinusoidal modulation so night ticks run cooler than midday ones.
func rollEnergy(rng *rand.Rand, at time.Time) energyProfile {
	var rolls []int
	for {
		roll := rng.Intn(6) + 1
		rolls = append(rolls, roll)
		if roll < 6 {
			break
		}
	}
	energy := 0
	for _, r := range rolls {
		energy += r
	}
	hour := float64(at.Hour()) + float64(at.Minute())/60.0
	modulation := 1.0 + 0.3*math.Sin(2*math.Pi*hour/24.0)
	return energyProfile{
		Rolls:  rolls,
		Energy: energy,
		Prime:  int(math.Round(float64(energy) * modulation)),
	}
}

func describeRolls(rolls []int) string {
	parts := make([]string, len(rolls))
	for i, r := range rolls {
		parts[i] = strconv.Itoa(r)
	}
	return strings.Join(parts, "+")
}

// energyMultiplier maps the adjusted energy band to the discrete multiplier
// applied to the configured base counts.
func energyMultiplier(prime int) float64 {
	switch {
	case prime <= 2:
		return 0.2
	case prime <= 5:
		return 0.6
	case prime <= 9:
		return 1.0
	case prime <= 14:
		return 1.5
	default:
		return 2.5
	}
}

// oracleCard is one deck entry, kept as loose JSON so operators can retune
// the deck file without a schema change.
type oracleCard map[string]any

func (c oracleCard) slug() string { return c.str("slug") }

func (c oracleCard) label() string {
	if l := c.str("label"); l != "" {
		return l
	}
	return c.slug()
}

func (c oracleCard) str(key string) string {
	s, _ := c[key].(string)
	return strings.TrimSpace(s)
}

func (c oracleCard) factor(key string, fallback float64) float64 {
	switch v := c[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

func (c oracleCard) bonus(key string) int {
	switch v := c[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func (c oracleCard) noteList() []string {
	raw, _ := c["notes"].([]any)
	notes := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			notes = append(notes, s)
		}
	}
	return notes
}

// deckCards pulls a named pile ("omens" or "seances") out of the deck blob.
func deckCards(deck map[string]any, pile string) []oracleCard {
	raw, _ := deck[pile].([]any)
	cards := make([]oracleCard, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			cards = append(cards, oracleCard(m))
		}
	}
	return cards
}

func findCard(cards []oracleCard, slug string) oracleCard {
	for _, card := range cards {
		if strings.EqualFold(card.slug(), slug) {
			return card
		}
	}
	return nil
}

func pickCard(cards []oracleCard, rng *rand.Rand) oracleCard {
	if len(cards) == 0 {
		return nil
	}
	return cards[rng.Intn(len(cards))]
}

// specials holds the drawn omen/seance outcome for one tick. A side can fire
// with a nil card when the deck carries no matching pile.
type specials struct {
	Omen       bool
	Seance     bool
	OmenCard   oracleCard
	SeanceCard oracleCard
	Notes      []string
}

// drawSpecials resolves the tick's omen/seance outcome. A forced card slug
// wins over probability; an unknown slug records a note and draws nothing.
func drawSpecials(oracle simconfig.OracleSettings, prime int, forced string, rng *rand.Rand) specials {
	omens := deckCards(oracle.Deck, "omens")
	seances := deckCards(oracle.Deck, "seances")

	var sp specials
	if forced != "" {
		if card := findCard(omens, forced); card != nil {
			sp.Omen = true
			sp.OmenCard = card
			return sp
		}
		if card := findCard(seances, forced); card != nil {
			sp.Seance = true
			sp.SeanceCard = card
			return sp
		}
		sp.Notes = append(sp.Notes, "oracle:unknown card "+forced)
		return sp
	}

	if rng.Float64() < oracle.OmenProbability {
		sp.Omen = true
		sp.OmenCard = pickCard(omens, rng)
	}
	if prime >= oracle.SeanceThreshold && rng.Float64() < oracle.SeanceProbability {
		sp.Seance = true
		sp.SeanceCard = pickCard(seances, rng)
	}
	return sp
}
