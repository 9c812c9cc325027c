package app

import (
	"fmt"

	"github.com/metalagman/anchor/internal/config"
	"github.com/metalagman/anchor/internal/ladder"
	"github.com/metalagman/anchor/internal/search"
	"github.com/rs/zerolog/log"
)

// Sources builds the ladder tiers per query kind.
//
// News: Brave news, then Brave web restricted to the past day, then
// DuckDuckGo. General: Brave web, then DuckDuckGo, then Brave web without a
// language filter. Providers that are not configured leave their tier empty.
func Sources(cfg config.LadderConfig) (map[ladder.QueryKind]ladder.Sources, error) {
	cache := func(s search.Searcher) search.Searcher {
		if cfg.Cache.Size <= 0 {
			return s
		}
		return search.NewCached(s, cfg.Cache.Size, cfg.Cache.TTL)
	}

	var ddg search.Searcher
	if cfg.DuckDuckGo.Enabled {
		ddg = cache(search.NewDuckDuckGo(search.DuckDuckGoConfig{
			BaseURL:    cfg.DuckDuckGo.BaseURL,
			MaxResults: cfg.MaxDocuments,
		}))
	}

	key := cfg.Brave.APIKey()
	if key == "" {
		log.Warn().Str("env", cfg.Brave.APIKeyEnv).Msg("brave api key not set, web search limited to duckduckgo")
		return map[ladder.QueryKind]ladder.Sources{
			ladder.KindNews:    {General: ddg},
			ladder.KindGeneral: {Alternative: ddg},
		}, nil
	}

	brave := func(endpoint, lang, freshness string) (search.Searcher, error) {
		b, err := search.NewBrave(search.BraveConfig{
			APIKey:    key,
			BaseURL:   cfg.Brave.BaseURL,
			Count:     cfg.Brave.Count,
			Lang:      lang,
			Freshness: freshness,
		}, endpoint)
		if err != nil {
			return nil, fmt.Errorf("init brave %s: %w", endpoint, err)
		}
		return cache(b), nil
	}
	news, err := brave(search.BraveNews, cfg.Brave.Lang, "")
	if err != nil {
		return nil, err
	}
	fresh, err := brave(search.BraveWeb, cfg.Brave.Lang, "pd")
	if err != nil {
		return nil, err
	}
	web, err := brave(search.BraveWeb, cfg.Brave.Lang, "")
	if err != nil {
		return nil, err
	}
	anyLang, err := brave(search.BraveWeb, "", "")
	if err != nil {
		return nil, err
	}

	general := ddg
	if general == nil {
		general = web
	}
	return map[ladder.QueryKind]ladder.Sources{
		ladder.KindNews:    {Primary: news, Alternative: fresh, General: general},
		ladder.KindGeneral: {Primary: web, Alternative: ddg, General: anyLang},
	}, nil
}
