// Package scoring turns enrichment attributes into a 0-100 lead score and tier.
package scoring

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/JakeFAU/outreach-daemon/internal/hash/sha256"
	"github.com/JakeFAU/outreach-daemon/internal/outreach"
)

// Scoring factors.
const (
	FactorLiquidity = "liquidity"
	FactorVolume    = "volume"
	FactorMarketCap = "market_cap"
	FactorFreshness = "freshness"
	FactorSocials   = "socials"
)

// Attribute keys read by the engine.
const (
	AttrLiquidityUSD = "liquidity_usd"
	AttrVolume24h    = "volume_24h"
	AttrMarketCap    = "market_cap"
	AttrAgeHours     = "age_hours"
	AttrTelegram     = "telegram"
	AttrTwitter      = "twitter"
	AttrWebsite      = "website"
)

const weightTolerance = 1e-6

var knownFactors = []string{FactorFreshness, FactorLiquidity, FactorMarketCap, FactorSocials, FactorVolume}

// Config sets the weight set and market-cap band.
type Config struct {
	Weights      map[string]float64
	MarketCapMin float64
	MarketCapMax float64
}

// DefaultConfig returns the stock weight set.
func DefaultConfig() Config {
	return Config{
		Weights: map[string]float64{
			FactorLiquidity: 0.30,
			FactorVolume:    0.25,
			FactorMarketCap: 0.15,
			FactorFreshness: 0.15,
			FactorSocials:   0.15,
		},
		MarketCapMin: 10_000,
		MarketCapMax: 10_000_000,
	}
}

// Result is a scored attribute set with its per-factor breakdown.
type Result struct {
	Score      float64            `json:"score"`
	Tier       outreach.Tier      `json:"tier"`
	Version    string             `json:"version"`
	Components map[string]float64 `json:"components"`
}

// Engine scores attributes with an immutable weight set.
type Engine struct {
	weights map[string]float64
	factors []string
	capMin  float64
	capMax  float64
	version string
}

// New validates cfg and builds an Engine.
func New(cfg Config) (*Engine, error) {
	if len(cfg.Weights) == 0 {
		return nil, fmt.Errorf("scoring weights are required")
	}
	total := 0.0
	factors := make([]string, 0, len(cfg.Weights))
	weights := make(map[string]float64, len(cfg.Weights))
	for name, w := range cfg.Weights {
		name = strings.ToLower(strings.TrimSpace(name))
		if !slices.Contains(knownFactors, name) {
			return nil, fmt.Errorf("unknown scoring factor %q", name)
		}
		if _, dup := weights[name]; dup {
			return nil, fmt.Errorf("scoring factor %q is configured more than once", name)
		}
		if w < 0 || math.IsNaN(w) {
			return nil, fmt.Errorf("weight for %s must be >= 0", name)
		}
		weights[name] = w
		factors = append(factors, name)
		total += w
	}
	if math.Abs(total-1) > weightTolerance {
		return nil, fmt.Errorf("scoring weights must sum to 1.0, got %.6f", total)
	}
	if cfg.MarketCapMin <= 0 || cfg.MarketCapMax <= cfg.MarketCapMin {
		return nil, fmt.Errorf("market cap band must satisfy 0 < min < max")
	}
	slices.Sort(factors)

	e := &Engine{
		weights: weights,
		factors: factors,
		capMin:  cfg.MarketCapMin,
		capMax:  cfg.MarketCapMax,
	}
	e.version = e.fingerprint()
	return e, nil
}

// Version identifies the weight set stamped on every score.
func (e *Engine) Version() string {
	return e.version
}

// Score implements outreach.Scorer.
func (e *Engine) Score(attrs outreach.Attributes) outreach.ScoreResult {
	res := e.Breakdown(attrs)
	return outreach.ScoreResult{Score: res.Score, Tier: res.Tier, Version: res.Version}
}

// Breakdown scores attrs and reports each clamped sub-score.
func (e *Engine) Breakdown(attrs outreach.Attributes) Result {
	components := make(map[string]float64, len(e.factors))
	total := 0.0
	for _, name := range e.factors {
		sub := clamp(e.subScore(name, attrs))
		components[name] = sub
		total += e.weights[name] * sub
	}
	score := math.Round(clamp(total)*100) / 100
	return Result{
		Score:      score,
		Tier:       outreach.TierFor(score),
		Version:    e.version,
		Components: components,
	}
}

func (e *Engine) subScore(name string, attrs outreach.Attributes) float64 {
	switch name {
	case FactorLiquidity:
		v, _ := attrs.Float(AttrLiquidityUSD)
		return logScale(v, 1_000, 1_000_000)
	case FactorVolume:
		v, _ := attrs.Float(AttrVolume24h)
		return logScale(v, 1_000, 10_000_000)
	case FactorMarketCap:
		v, ok := attrs.Float(AttrMarketCap)
		if !ok {
			return 0
		}
		return bandScore(v, e.capMin, e.capMax)
	case FactorFreshness:
		age, ok := attrs.Float(AttrAgeHours)
		if !ok {
			return 0
		}
		return freshness(age)
	case FactorSocials:
		n := 0
		for _, key := range []string{AttrTelegram, AttrTwitter, AttrWebsite} {
			if attrs.String(key) != "" {
				n++
			}
		}
		return float64(n) * 100 / 3
	default:
		return 0
	}
}

func (e *Engine) fingerprint() string {
	var b strings.Builder
	for _, name := range e.factors {
		fmt.Fprintf(&b, "%s=%s;", name, strconv.FormatFloat(e.weights[name], 'g', -1, 64))
	}
	fmt.Fprintf(&b, "cap=%s-%s",
		strconv.FormatFloat(e.capMin, 'g', -1, 64),
		strconv.FormatFloat(e.capMax, 'g', -1, 64),
	)
	return "w-" + sha256.New().Fingerprint([]byte(b.String()), 12)
}

func logScale(v, lo, hi float64) float64 {
	if v <= lo {
		return 0
	}
	return (math.Log10(v) - math.Log10(lo)) / (math.Log10(hi) - math.Log10(lo)) * 100
}

func bandScore(v, lo, hi float64) float64 {
	switch {
	case v <= 0:
		return 0
	case v < lo:
		return 100 * (1 - math.Log10(lo/v))
	case v > hi:
		return 100 * (1 - math.Log10(v/hi))
	default:
		return 100
	}
}

func freshness(ageHours float64) float64 {
	const fresh, stale = 24.0, 168.0
	switch {
	case ageHours < 0:
		return 0
	case ageHours <= fresh:
		return 100
	case ageHours >= stale:
		return 0
	default:
		return 100 * (stale - ageHours) / (stale - fresh)
	}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}
