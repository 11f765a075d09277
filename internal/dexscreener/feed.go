package dexscreener

import (
	"context"
	"iter"
	"strings"

	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/scoring"
)

// Attribute keys written by the feed and enricher besides the scoring inputs.
const (
	AttrAddress     = "address"
	AttrChain       = "chain"
	AttrURL         = "url"
	AttrDescription = "description"
	AttrName        = "name"
	AttrSymbol      = "symbol"
	AttrDEX         = "dex"
	AttrPairAddress = "pair_address"
	AttrPriceUSD    = "price_usd"
)

type link struct {
	Type  string `json:"type"`
	Label string `json:"label"`
	URL   string `json:"url"`
}

type tokenProfile struct {
	URL          string `json:"url"`
	ChainID      string `json:"chainId"`
	TokenAddress string `json:"tokenAddress"`
	Description  string `json:"description"`
	Links        []link `json:"links"`
}

// Feed yields newly profiled tokens from /token-profiles/latest/v1.
type Feed struct {
	client *Client
	chain  string
}

var _ outreach.Feed = (*Feed)(nil)

// NewFeed wraps client as a candidate feed restricted to chain.
func NewFeed(client *Client, chain string) *Feed {
	return &Feed{client: client, chain: chain}
}

// Candidates fetches the latest profiles once per call. A request failure is
// yielded as a single error.
func (f *Feed) Candidates(ctx context.Context) iter.Seq2[outreach.Candidate, error] {
	return func(yield func(outreach.Candidate, error) bool) {
		var profiles []tokenProfile
		if err := f.client.getJSON(ctx, "/token-profiles/latest/v1", &profiles); err != nil {
			yield(outreach.Candidate{}, err)
			return
		}
		seen := make(map[string]struct{}, len(profiles))
		for _, p := range profiles {
			if p.TokenAddress == "" || !sameChain(f.chain, p.ChainID) {
				continue
			}
			if _, dup := seen[p.TokenAddress]; dup {
				continue
			}
			seen[p.TokenAddress] = struct{}{}
			if !yield(profileCandidate(p), nil) {
				return
			}
		}
	}
}

func profileCandidate(p tokenProfile) outreach.Candidate {
	attrs := outreach.Attributes{
		AttrAddress: p.TokenAddress,
		AttrChain:   strings.ToLower(p.ChainID),
	}
	if p.URL != "" {
		attrs[AttrURL] = p.URL
	}
	if p.Description != "" {
		attrs[AttrDescription] = p.Description
	}
	for k, v := range socials(p.Links, nil) {
		attrs[k] = v
	}
	return outreach.Candidate{ID: p.TokenAddress, Attributes: attrs}
}

// socials maps telegram, twitter and website links to scoring attributes.
// The first link of each type wins.
func socials(links []link, websites []link) map[string]string {
	out := make(map[string]string, 3)
	set := func(key, u string) {
		if u == "" {
			return
		}
		if _, ok := out[key]; !ok {
			out[key] = u
		}
	}
	for _, l := range links {
		switch strings.ToLower(l.Type) {
		case "telegram":
			set(scoring.AttrTelegram, l.URL)
		case "twitter", "x":
			set(scoring.AttrTwitter, l.URL)
		case "":
			if strings.EqualFold(l.Label, "website") {
				set(scoring.AttrWebsite, l.URL)
			}
		}
	}
	for _, w := range websites {
		set(scoring.AttrWebsite, w.URL)
	}
	return out
}
