package processor

import (
	"fmt"
	"path"

	"cryptometrics/config"
)

// MarketFilter selects in-scope keys. Each field is a path.Match pattern
// applied to the matching key component; an empty pattern matches anything.
type MarketFilter struct {
	Market   string
	Exchange string
	Asset    string
}

// NewMarketFilter builds a filter from configuration and rejects malformed
// patterns up front so Match never has to report errors.
func NewMarketFilter(cfg config.FilterConfig) (MarketFilter, error) {
	f := MarketFilter{Market: cfg.Market, Exchange: cfg.Exchange, Asset: cfg.Asset}
	for _, p := range []string{f.Market, f.Exchange, f.Asset} {
		if p == "" {
			continue
		}
		if _, err := path.Match(p, ""); err != nil {
			return MarketFilter{}, fmt.Errorf("invalid filter pattern %q: %w", p, err)
		}
	}
	return f, nil
}

// Match reports whether the key is in scope.
func (f MarketFilter) Match(k Key) bool {
	return matchPattern(f.Market, k.Market) &&
		matchPattern(f.Exchange, k.Exchange) &&
		matchPattern(f.Asset, k.Asset)
}

func matchPattern(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}
