package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"

	"mizan-engine/internal/config"
	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
	"mizan-engine/internal/pkg/resilience"
	"mizan-engine/internal/tools"
)

const (
	maxContentChars  = 8000
	maxBodyBytes     = 2 << 20
	defaultUserAgent = "Mizan-Engine/1.0 (+https://mizan.example.org/bot)"

	searchResultSelector  = ".result"
	searchTitleSelector   = ".result__a"
	searchSnippetSelector = ".result__snippet"
)

var (
	whitespace      = regexp.MustCompile(`\s+`)
	unwantedPhrases = regexp.MustCompile(`(?i)javascript:void\(0\)|advertisement|subscribe to.*?newsletter|follow us on|share this (?:article|fatwa)`)
)

// ScraperService reaches authority endpoints and sites, and backs the web search
// tool. Every authority gets its own rate limiter and circuit breaker.
type ScraperService struct {
	collector *colly.Collector
	client    *http.Client
	logger    *logger.Logger
	config    *config.ScraperConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*resilience.Breaker
}

type scrapedPage struct {
	URL     string
	Title   string
	Content string
	Status  int
}

func NewScraperService(cfg config.ScraperConfig, log *logger.Logger) (*ScraperService, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 20 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}

	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(maxBodyBytes),
	)
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
	}); err != nil {
		return nil, fmt.Errorf("configuring scraper limits: %w", err)
	}
	collector.SetRequestTimeout(cfg.RequestTimeout)

	service := &ScraperService{
		collector: collector,
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		logger:    log,
		config:    &cfg,
		limiters:  make(map[string]*rate.Limiter),
		breakers:  make(map[string]*resilience.Breaker),
	}

	log.Info("Scraper Service initialized successfully",
		"parallelism", cfg.Parallelism,
		"delay", cfg.Delay.String(),
		"timeout", cfg.RequestTimeout.String())

	return service, nil
}

// FetchRuling asks one authority for a ruling. A (nil, nil) return means the
// authority answered but had nothing for this question.
func (service *ScraperService) FetchRuling(ctx context.Context, authority config.Authority, question string) (*tools.Ruling, error) {
	startTime := time.Now()

	if err := service.wait(ctx, authority); err != nil {
		return nil, err
	}

	ruling, err := resilience.Execute(service.breaker(authority), func() (*tools.Ruling, error) {
		switch authority.Kind {
		case "api":
			return service.fetchAPI(ctx, authority, question)
		case "scrape":
			return service.scrapeAuthority(ctx, authority, question)
		default:
			return nil, models.NewValidationError("UNKNOWN_AUTHORITY_KIND", "unsupported authority kind").
				WithMetadata("kind", authority.Kind)
		}
	})

	found := ruling != nil
	service.logger.LogService("scraper", "fetch_ruling", time.Since(startTime), map[string]interface{}{
		"authority": authority.ID,
		"kind":      authority.Kind,
		"found":     found,
	}, err)

	return ruling, err
}

func (service *ScraperService) fetchAPI(ctx context.Context, authority config.Authority, question string) (*tools.Ruling, error) {
	endpoint, err := url.Parse(authority.Endpoint)
	if err != nil {
		return nil, models.NewValidationError("INVALID_AUTHORITY_ENDPOINT", "authority endpoint is not a URL").WithCause(err)
	}
	query := endpoint.Query()
	query.Set("q", question)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, models.NewValidationError("INVALID_AUTHORITY_REQUEST", "failed to build authority request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", service.config.UserAgent)

	resp, err := service.client.Do(req)
	if err != nil {
		return nil, models.WrapExternalError("AUTHORITY", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := statusError(authority.Name, resp.StatusCode); err != nil {
		return nil, err
	}

	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		return nil, models.NewValidationError("AUTHORITY_BAD_RESPONSE", "authority returned malformed JSON").WithCause(err)
	}

	record := body
	if results, ok := body["results"].([]any); ok {
		if len(results) == 0 {
			return nil, nil
		}
		first, ok := results[0].(map[string]any)
		if !ok {
			return nil, models.NewValidationError("AUTHORITY_BAD_RESPONSE", "authority result is not an object")
		}
		record = first
	}

	answer := cleanContent(stringField(record, authority.AnswerField, "answer"))
	if answer == "" {
		return nil, nil
	}
	return &tools.Ruling{
		Title:     stringField(record, authority.TitleField, "title"),
		Answer:    answer,
		URL:       stringField(record, authority.URLField, "url"),
		FetchedAt: time.Now(),
	}, nil
}

// scrapeAuthority runs the authority's site search and extracts the first result page.
func (service *ScraperService) scrapeAuthority(ctx context.Context, authority config.Authority, question string) (*tools.Ruling, error) {
	searchURL := authority.Endpoint
	if strings.Contains(searchURL, "%s") {
		searchURL = fmt.Sprintf(searchURL, url.QueryEscape(question))
	}

	var resultURL string
	c := service.clone(authority.AllowedDomains)
	c.OnHTML(authority.ResultSelector, func(e *colly.HTMLElement) {
		if resultURL == "" {
			resultURL = e.Request.AbsoluteURL(e.Attr("href"))
		}
	})

	status, err := service.visit(ctx, c, searchURL)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if resultURL == "" {
		service.logger.Debug("No search result on authority site", "authority", authority.ID, "url", searchURL)
		return nil, nil
	}

	page, err := service.extractPage(ctx, authority.AllowedDomains, resultURL, authority.ContentSelector)
	if err != nil {
		return nil, err
	}
	if page == nil || page.Content == "" {
		return nil, nil
	}
	return &tools.Ruling{
		Title:     page.Title,
		Answer:    page.Content,
		URL:       page.URL,
		FetchedAt: time.Now(),
	}, nil
}

// extractPage fetches target and pulls its main text, from selector when given and
// through readability otherwise.
func (service *ScraperService) extractPage(ctx context.Context, domains []string, target, selector string) (*scrapedPage, error) {
	page := &scrapedPage{URL: target}
	var body []byte

	c := service.clone(domains)
	c.OnResponse(func(r *colly.Response) {
		page.Status = r.StatusCode
		body = r.Body
		service.logger.Debug("Scraper response received",
			"url", r.Request.URL.String(),
			"status", r.StatusCode,
			"size", len(r.Body),
			"content_type", r.Headers.Get("Content-Type"))
	})

	status, err := service.visit(ctx, c, target)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if selector != "" {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return nil, models.NewValidationError("SCRAPE_PARSE_FAILED", "failed to parse page").WithCause(err)
		}
		var parts []string
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			if text := strings.TrimSpace(s.Text()); text != "" {
				parts = append(parts, text)
			}
		})
		page.Title = strings.TrimSpace(doc.Find("title").First().Text())
		page.Content = cleanContent(strings.Join(parts, "\n\n"))
		return page, nil
	}

	parsedURL, _ := url.Parse(target)
	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err != nil {
		service.logger.Debug("Readability extraction failed", "url", target, "error", err.Error())
		return page, nil
	}
	page.Title = strings.TrimSpace(article.Title)
	page.Content = cleanContent(article.TextContent)
	return page, nil
}

// Search implements tools.WebSearcher over an HTML search page.
func (service *ScraperService) Search(ctx context.Context, query string, limit int) ([]tools.SearchHit, error) {
	if service.config.SearchURL == "" {
		return nil, models.NewValidationError("SEARCH_NOT_CONFIGURED", "no search endpoint configured")
	}
	startTime := time.Now()
	searchURL := fmt.Sprintf(service.config.SearchURL, url.QueryEscape(query))

	var hits []tools.SearchHit
	c := service.clone(nil)
	c.OnHTML(searchResultSelector, func(e *colly.HTMLElement) {
		if limit > 0 && len(hits) >= limit {
			return
		}
		link := e.DOM.Find(searchTitleSelector).First()
		href, _ := link.Attr("href")
		hit := tools.SearchHit{
			Title:   strings.TrimSpace(link.Text()),
			URL:     resolveRedirect(e.Request.AbsoluteURL(href)),
			Snippet: strings.TrimSpace(e.DOM.Find(searchSnippetSelector).Text()),
		}
		if hit.URL != "" && hit.Title != "" {
			hits = append(hits, hit)
		}
	})

	_, err := resilience.Execute(service.breakerFor("web_search"), func() (int, error) {
		return service.visit(ctx, c, searchURL)
	})
	if err == nil && len(hits) > 0 {
		// Only the top hit is worth a second request.
		if page, pageErr := service.extractPage(ctx, nil, hits[0].URL, ""); pageErr == nil && page != nil {
			hits[0].Content = page.Content
		}
	}

	service.logger.LogService("scraper", "web_search", time.Since(startTime), map[string]interface{}{
		"query": safeTruncate(query, 80),
		"hits":  len(hits),
	}, err)

	if err != nil {
		return nil, err
	}
	return hits, nil
}

// BreakerStates reports the circuit state of every source touched so far.
func (service *ScraperService) BreakerStates() map[string]string {
	service.mu.Lock()
	defer service.mu.Unlock()

	states := make(map[string]string, len(service.breakers))
	for name, b := range service.breakers {
		states[name] = b.State()
	}
	return states
}

// HealthCheck fails only when every known source has an open circuit.
func (service *ScraperService) HealthCheck(ctx context.Context) error {
	states := service.BreakerStates()
	if len(states) == 0 {
		return nil
	}
	for _, state := range states {
		if state != "open" {
			return nil
		}
	}
	return fmt.Errorf("all %d scraper circuits are open", len(states))
}

func (service *ScraperService) clone(domains []string) *colly.Collector {
	c := service.collector.Clone()
	c.AllowedDomains = domains
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9,ar;q=0.8")
	})
	return c
}

// visit runs a blocking colly visit and gives up when ctx is done. The returned status
// is the response code when the server answered.
func (service *ScraperService) visit(ctx context.Context, c *colly.Collector, target string) (int, error) {
	var status int
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		service.logger.Warn("Scraping error",
			"url", target,
			"status", status,
			"error", err.Error())
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(target)
	}()

	select {
	case err := <-done:
		if err == nil {
			return status, nil
		}
		if status == http.StatusNotFound {
			return status, nil
		}
		if status > 0 {
			return status, statusError(target, status)
		}
		return status, models.WrapExternalError("SCRAPER", err)
	case <-ctx.Done():
		if ctx.Err() == context.Canceled {
			return 0, ctx.Err()
		}
		return 0, models.NewTimeoutError("SCRAPER_TIMEOUT", "scrape timed out").WithCause(ctx.Err())
	}
}

func (service *ScraperService) wait(ctx context.Context, authority config.Authority) error {
	service.mu.Lock()
	limiter, ok := service.limiters[authority.ID]
	if !ok {
		limit := rate.Inf
		if authority.RateLimit > 0 {
			limit = rate.Limit(authority.RateLimit)
		}
		burst := authority.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(limit, burst)
		service.limiters[authority.ID] = limiter
	}
	service.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		if ctx.Err() == context.Canceled {
			return ctx.Err()
		}
		return models.NewTimeoutError("AUTHORITY_RATE_LIMITED", "rate limit wait exceeds deadline").
			WithCause(err).
			WithMetadata("authority", authority.ID)
	}
	return nil
}

func (service *ScraperService) breaker(authority config.Authority) *resilience.Breaker {
	return service.breakerFor("authority:" + authority.ID)
}

func (service *ScraperService) breakerFor(name string) *resilience.Breaker {
	service.mu.Lock()
	defer service.mu.Unlock()

	b, ok := service.breakers[name]
	if !ok {
		b = resilience.NewBreaker(resilience.BreakerSettings{
			Name:             name,
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
		}, service.logger)
		service.breakers[name] = b
	}
	return b
}

// statusError maps an HTTP status to a retryable or permanent error.
func statusError(source string, status int) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return models.NewExternalError("SOURCE_UNAVAILABLE", fmt.Sprintf("%s returned %d", source, status)).
			WithMetadata("status", status)
	default:
		return models.NewValidationError("SOURCE_REJECTED", fmt.Sprintf("%s returned %d", source, status)).
			WithMetadata("status", status)
	}
}

func stringField(record map[string]any, field, fallback string) string {
	if field == "" {
		field = fallback
	}
	if value, ok := record[field].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

// resolveRedirect unwraps search-engine redirect links of the form /l/?uddg=<target>.
func resolveRedirect(link string) string {
	parsed, err := url.Parse(link)
	if err != nil {
		return link
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		return target
	}
	return link
}

func cleanContent(content string) string {
	if content == "" {
		return content
	}
	content = unwantedPhrases.ReplaceAllString(content, "")
	content = strings.TrimSpace(whitespace.ReplaceAllString(content, " "))
	if len(content) > maxContentChars {
		content = safeTruncate(content, maxContentChars)
	}
	return content
}

func safeTruncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	cut := length
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
