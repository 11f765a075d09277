package dexscreener

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/scoring"
)

type pair struct {
	ChainID     string `json:"chainId"`
	DEXID       string `json:"dexId"`
	URL         string `json:"url"`
	PairAddress string `json:"pairAddress"`
	BaseToken   struct {
		Address string `json:"address"`
		Name    string `json:"name"`
		Symbol  string `json:"symbol"`
	} `json:"baseToken"`
	PriceUSD string `json:"priceUsd"`
	Volume   struct {
		H24 float64 `json:"h24"`
	} `json:"volume"`
	Liquidity *struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
	MarketCap     float64 `json:"marketCap"`
	FDV           float64 `json:"fdv"`
	PairCreatedAt int64   `json:"pairCreatedAt"`
	Info          *struct {
		Websites []link `json:"websites"`
		Socials  []link `json:"socials"`
	} `json:"info"`
}

func (p pair) liquidity() float64 {
	if p.Liquidity == nil {
		return 0
	}
	return p.Liquidity.USD
}

type tokensResponse struct {
	Pairs []pair `json:"pairs"`
}

// Enricher looks up the deepest trading pair of a token and applies the
// liquidity, volume and age filters.
type Enricher struct {
	client *Client
	cfg    Config
	clock  outreach.Clock
}

var _ outreach.Enricher = (*Enricher)(nil)

// NewEnricher wraps client. clock supplies the reference time for pair age.
func NewEnricher(client *Client, cfg Config, clock outreach.Clock) *Enricher {
	return &Enricher{client: client, cfg: cfg, clock: clock}
}

// Enrich implements outreach.Enricher. Filter rejections wrap
// outreach.ErrIneligible; throttling and upstream faults wrap
// outreach.ErrEnrichmentUnavailable.
func (en *Enricher) Enrich(ctx context.Context, e outreach.Entity) (outreach.Attributes, error) {
	address := e.Attributes.String(AttrAddress)
	if address == "" {
		address = e.ID
	}
	var body tokensResponse
	if err := en.client.getJSON(ctx, "/latest/dex/tokens/"+url.PathEscape(address), &body); err != nil {
		return nil, classify(err)
	}
	best, ok := en.deepest(body.Pairs)
	if !ok {
		return nil, fmt.Errorf("%w: no %s trading pairs", outreach.ErrIneligible, chainLabel(en.cfg.Chain))
	}
	attrs := pairAttributes(best, en.clock.Now())
	if err := en.filter(attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

func (en *Enricher) deepest(pairs []pair) (pair, bool) {
	var (
		best  pair
		found bool
	)
	for _, p := range pairs {
		if !sameChain(en.cfg.Chain, p.ChainID) {
			continue
		}
		if !found || p.liquidity() > best.liquidity() {
			best = p
			found = true
		}
	}
	return best, found
}

func (en *Enricher) filter(attrs outreach.Attributes) error {
	liq, _ := attrs.Float(scoring.AttrLiquidityUSD)
	if liq < en.cfg.MinLiquidity {
		return fmt.Errorf("%w: liquidity %.0f below %.0f", outreach.ErrIneligible, liq, en.cfg.MinLiquidity)
	}
	vol, _ := attrs.Float(scoring.AttrVolume24h)
	if vol < en.cfg.MinVolume24h {
		return fmt.Errorf("%w: 24h volume %.0f below %.0f", outreach.ErrIneligible, vol, en.cfg.MinVolume24h)
	}
	if en.cfg.MaxAgeHours > 0 {
		if age, ok := attrs.Float(scoring.AttrAgeHours); ok && age > en.cfg.MaxAgeHours {
			return fmt.Errorf("%w: pair age %.1fh above %.0fh", outreach.ErrIneligible, age, en.cfg.MaxAgeHours)
		}
	}
	return nil
}

func pairAttributes(p pair, now time.Time) outreach.Attributes {
	attrs := outreach.Attributes{
		scoring.AttrLiquidityUSD: p.liquidity(),
		scoring.AttrVolume24h:    p.Volume.H24,
		AttrChain:                p.ChainID,
		AttrDEX:                  p.DEXID,
		AttrPairAddress:          p.PairAddress,
	}
	mcap := p.MarketCap
	if mcap == 0 {
		mcap = p.FDV
	}
	if mcap > 0 {
		attrs[scoring.AttrMarketCap] = mcap
	}
	if p.PairCreatedAt > 0 {
		created := time.UnixMilli(p.PairCreatedAt)
		age := now.Sub(created).Hours()
		if age < 0 {
			age = 0
		}
		attrs[scoring.AttrAgeHours] = age
	}
	if p.BaseToken.Name != "" {
		attrs[AttrName] = p.BaseToken.Name
	}
	if p.BaseToken.Symbol != "" {
		attrs[AttrSymbol] = p.BaseToken.Symbol
	}
	if p.URL != "" {
		attrs[AttrURL] = p.URL
	}
	if price, err := strconv.ParseFloat(p.PriceUSD, 64); err == nil {
		attrs[AttrPriceUSD] = price
	}
	if p.Info != nil {
		for k, v := range socials(p.Info.Socials, p.Info.Websites) {
			attrs[k] = v
		}
	}
	return attrs
}

func classify(err error) error {
	var se *StatusError
	if errors.As(err, &se) && !se.Temporary() {
		return fmt.Errorf("%w: %w", outreach.ErrIneligible, err)
	}
	return fmt.Errorf("%w: %w", outreach.ErrEnrichmentUnavailable, err)
}

func chainLabel(chain string) string {
	if chain == "" {
		return "any-chain"
	}
	return chain
}
