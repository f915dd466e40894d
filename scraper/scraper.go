// Package scraper fetches catalogue pages concurrently and extracts one
// record per listing.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bookscraper/config"
	"bookscraper/models"
	"bookscraper/pipeline"
	"bookscraper/ratelimit"

	"github.com/gocolly/colly/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

const recordCountKey = "record_count"

// Scraper wraps the colly collector, the shared rate limiter, and the retry
// logic for the catalogue target.
type Scraper struct {
	cfg       *config.Config
	collector *colly.Collector
	limiter   *ratelimit.IntervalLimiter
	retry     *retryManager
	Metrics   *Metrics

	requestCount int64
	pageCount    int64
	errorCount   int64

	mu           sync.Mutex
	failedPages  []int
	errorsByType map[string]int

	ctxMu sync.Mutex
	ctx   context.Context

	handlersOnce sync.Once
}

// NewScraper builds a scraper instance configured from cfg.
func NewScraper(cfg *config.Config) (*Scraper, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	collector := colly.NewCollector(
		colly.Async(true),
		colly.AllowedDomains(parsed.Host),
		colly.UserAgent(cfg.UserAgent),
		// Retries re-submit a URL the collector has already seen.
		colly.AllowURLRevisit(),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
	}); err != nil {
		return nil, fmt.Errorf("configure parallelism: %w", err)
	}

	s := &Scraper{
		cfg:          cfg,
		collector:    collector,
		limiter:      ratelimit.NewIntervalLimiter(cfg.RateLimit),
		errorsByType: make(map[string]int),
		Metrics:      NewMetrics(),
		ctx:          context.Background(),
	}
	retry, err := newRetryManager(collector, cfg, s.Metrics)
	if err != nil {
		return nil, err
	}
	s.retry = retry
	return s, nil
}

// Run fetches every page in [StartPage, EndPage], streams extracted records
// through the pipeline, and returns once each page has either completed or
// exhausted its retry budget. Per-page failures are recorded in the result
// and never abort sibling pages.
func (s *Scraper) Run(ctx context.Context, p *pipeline.Pipeline) (*models.ScrapeResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.setContext(ctx)
	s.retry.SetContext(ctx)
	s.configureHandlers(p)

	start := time.Now()
	slog.Info("starting batch",
		slog.Int("start_page", s.cfg.StartPage),
		slog.Int("end_page", s.cfg.EndPage),
		slog.Int("workers", s.cfg.Parallelism),
		slog.Duration("rate_limit", s.cfg.RateLimit),
	)

	for page := s.cfg.StartPage; page <= s.cfg.EndPage; page++ {
		if ctx.Err() != nil {
			slog.Warn("stopping page submissions", slog.Int("page", page), slog.Any("error", ctx.Err()))
			break
		}
		slog.Info("scraping page", slog.Int("page", page))
		if err := s.collector.Visit(s.cfg.PageURL(page)); err != nil {
			return nil, fmt.Errorf("submit page %d: %w", page, err)
		}
	}

	// A drained collector can still owe work to pending retry timers, and a
	// fired retry re-enters the collector. Alternate until both are idle.
	for {
		s.collector.Wait()
		if !s.retry.drainPending() {
			break
		}
	}
	s.retry.Stop()

	result := &models.ScrapeResult{
		StartTime:    start,
		EndTime:      time.Now(),
		ErrorCount:   int(atomic.LoadInt64(&s.errorCount)),
		FailedPages:  s.snapshotFailedPages(),
		ErrorsByType: s.snapshotErrors(),
		RetryCount:   s.retry.TotalRetries(),
		RequestCount: int(atomic.LoadInt64(&s.requestCount)),
		PageCount:    int(atomic.LoadInt64(&s.pageCount)),
	}

	if metrics := p.GetMetrics(); metrics != nil {
		if processed, ok := metrics["processed_books"].(int64); ok {
			result.TotalCount = int(processed)
		}
	}

	slog.Info("batch complete",
		slog.Int("pages", result.PageCount),
		slog.Int("records", result.TotalCount),
		slog.Int("failed_pages", len(result.FailedPages)),
		slog.Int("retries", result.RetryCount),
	)
	return result, nil
}

// Scrape is a compatibility wrapper for older callers.
func (s *Scraper) Scrape(p *pipeline.Pipeline) (*models.ScrapeResult, error) {
	return s.Run(context.Background(), p)
}

func (s *Scraper) configureHandlers(p *pipeline.Pipeline) {
	s.handlersOnce.Do(func() {
		s.collector.OnRequest(func(r *colly.Request) {
			if err := s.limiter.Acquire(s.currentContext()); err != nil {
				r.Abort()
				return
			}
			r.Ctx.Put("start", time.Now())
			atomic.AddInt64(&s.requestCount, 1)
			s.Metrics.IncRequest("started")
		})

		s.collector.OnResponse(func(r *colly.Response) {
			if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
				s.Metrics.ObserveDuration(time.Since(start))
			}
		})

		s.collector.OnError(func(r *colly.Response, err error) {
			s.handleError(r, err)
		})

		s.collector.OnHTML("article.product_pod", func(e *colly.HTMLElement) {
			page := pageFromURL(e.Request.URL.String())
			book, err := extractBook(e, page)
			if err != nil {
				s.Metrics.IncParseErrors()
				slog.Error("error parsing book",
					slog.Int("page", page),
					slog.Any("error", err),
				)
				return
			}

			count, _ := e.Request.Ctx.GetAny(recordCountKey).(int)
			e.Request.Ctx.Put(recordCountKey, count+1)

			s.Metrics.IncItems()
			if err := p.Process(book); err != nil && err != pipeline.ErrPipelineClosed {
				slog.Error("pipeline process error", slog.Any("error", err))
			}
		})

		s.collector.OnScraped(func(r *colly.Response) {
			page := pageFromURL(r.Request.URL.String())
			records, _ := r.Request.Ctx.GetAny(recordCountKey).(int)
			atomic.AddInt64(&s.pageCount, 1)
			s.Metrics.IncPage("ok")
			slog.Info("completed page",
				slog.Int("page", page),
				slog.Int("records", records),
			)
		})
	})
}

func (s *Scraper) handleError(r *colly.Response, err error) {
	atomic.AddInt64(&s.errorCount, 1)

	statusCode := 0
	pageURL := ""
	if r != nil {
		statusCode = r.StatusCode
		if r.Request != nil && r.Request.URL != nil {
			pageURL = r.Request.URL.String()
		}
	}
	page := pageFromURL(pageURL)

	classified := classifyError(err, statusCode)
	category := errorTypeLabel(classified)

	s.mu.Lock()
	s.errorsByType[category]++
	s.mu.Unlock()
	s.Metrics.IncError(category)

	if retryable(classified) && s.retry.Schedule(pageURL) {
		slog.Warn("retrying page",
			slog.Int("page", page),
			slog.Int("status", statusCode),
			slog.String("category", category),
		)
		return
	}

	fetchErr := &FetchError{Page: page, Err: classified}
	s.mu.Lock()
	s.failedPages = append(s.failedPages, page)
	s.mu.Unlock()
	s.Metrics.IncPage("failed")
	slog.Error("page fetch failed",
		slog.Int("page", page),
		slog.Int("status", statusCode),
		slog.String("category", category),
		slog.Any("error", fetchErr),
	)
}

func (s *Scraper) setContext(ctx context.Context) {
	s.ctxMu.Lock()
	s.ctx = ctx
	s.ctxMu.Unlock()
}

func (s *Scraper) currentContext() context.Context {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	return s.ctx
}

// extractBook pulls the five record fields out of one listing container.
// A missing required field fails the single listing, never the page.
func extractBook(e *colly.HTMLElement, page int) (*models.Book, error) {
	title := strings.TrimSpace(e.ChildAttr("h3 a", "title"))
	if title == "" {
		title = strings.TrimSpace(e.ChildText("h3 a"))
	}
	if title == "" {
		return nil, fmt.Errorf("listing missing title")
	}

	href := e.ChildAttr("h3 a", "href")
	if href == "" {
		return nil, fmt.Errorf("listing %q missing detail link", title)
	}

	price := strings.TrimSpace(e.ChildText("p.price_color"))
	if price == "" {
		return nil, fmt.Errorf("listing %q missing price", title)
	}

	ratingClass := e.ChildAttr("p.star-rating", "class")
	ratingText := ""
	if parts := strings.Fields(ratingClass); len(parts) > 1 {
		ratingText = parts[1]
	}
	if ratingText == "" {
		return nil, fmt.Errorf("listing %q missing rating", title)
	}

	availability := strings.TrimSpace(e.ChildText("p.instock.availability"))
	if availability == "" {
		availability = strings.TrimSpace(e.ChildText("p.availability"))
	}
	if availability == "" {
		return nil, fmt.Errorf("listing %q missing availability", title)
	}

	return &models.Book{
		Title:        title,
		Price:        price,
		Availability: availability,
		RatingText:   ratingText,
		URL:          e.Request.AbsoluteURL(href),
		ImageURL:     e.Request.AbsoluteURL(e.ChildAttr("img", "src")),
		Page:         page,
		ScrapedAt:    time.Now(),
	}, nil
}

func (s *Scraper) snapshotFailedPages() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.failedPages))
	copy(out, s.failedPages)
	return out
}

func (s *Scraper) snapshotErrors() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.errorsByType))
	for k, v := range s.errorsByType {
		out[k] = v
	}
	return out
}

// pageFromURL recovers the page number from a catalogue page URL.
func pageFromURL(raw string) int {
	idx := strings.LastIndex(raw, "page-")
	if idx < 0 {
		return 0
	}
	rest := raw[idx+len("page-"):]
	end := strings.IndexByte(rest, '.')
	if end <= 0 {
		return 0
	}
	page, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return page
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch statusCode {
		case http.StatusForbidden:
			return ErrForbidden{Err: wrapped}
		case http.StatusNotFound:
			return ErrNotFound{Err: wrapped}
		case http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		case http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return ErrServer{Status: statusCode, Err: wrapped}
		}
	}

	if err == nil {
		return nil
	}
	return err
}

// retryable reports whether a classified error is worth another attempt:
// transport-level failures plus statuses 429, 500, 502, 503, and 504.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return true
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return true
	}
	var rateLimited ErrRateLimited
	if errors.As(err, &rateLimited) {
		return true
	}
	var server ErrServer
	return errors.As(err, &server)
}

type retryManager struct {
	collector *colly.Collector
	cfg       *config.Config
	metrics   *Metrics
	ctx       context.Context

	mu              sync.Mutex
	fired           *sync.Cond
	attempts        *lru.Cache[string, int]
	timers          map[string]*time.Timer
	pending         int
	firedSinceDrain int
	totalRetries    int
	stopped         bool
}

func newRetryManager(collector *colly.Collector, cfg *config.Config, metrics *Metrics) (*retryManager, error) {
	size := cfg.RetryAttemptsCap
	if size <= 0 {
		size = 1024
	}
	attempts, err := lru.New[string, int](size)
	if err != nil {
		return nil, fmt.Errorf("create retry attempt cache: %w", err)
	}

	rm := &retryManager{
		collector: collector,
		cfg:       cfg,
		metrics:   metrics,
		attempts:  attempts,
		timers:    make(map[string]*time.Timer),
		ctx:       context.Background(),
	}
	rm.fired = sync.NewCond(&rm.mu)
	return rm, nil
}

// Schedule queues another attempt for url unless the retry budget is spent.
// It reports whether a retry was scheduled.
func (rm *retryManager) Schedule(url string) bool {
	if rm.cfg.MaxRetries == 0 {
		return false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.stopped {
		return false
	}
	if rm.ctx != nil && rm.ctx.Err() != nil {
		return false
	}

	attempt, _ := rm.attempts.Get(url)
	if attempt >= rm.cfg.MaxRetries {
		return false
	}

	attempt++
	rm.attempts.Add(url, attempt)
	rm.totalRetries++
	rm.metrics.IncRetries()

	rm.resetTimerLocked(url)
	rm.pending++
	rm.timers[url] = time.AfterFunc(rm.backoff(attempt), func() {
		rm.fireRetry(url)
	})
	return true
}

func (rm *retryManager) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := rm.cfg.RetryBackoff
	if base <= 0 {
		base = time.Second
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := rm.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func (rm *retryManager) resetTimerLocked(url string) {
	if timer, ok := rm.timers[url]; ok {
		if timer.Stop() {
			rm.settleLocked()
		}
		delete(rm.timers, url)
	}
}

func (rm *retryManager) fireRetry(url string) {
	rm.mu.Lock()
	delete(rm.timers, url)
	stopped := rm.stopped
	ctx := rm.ctx
	rm.mu.Unlock()

	if !stopped && (ctx == nil || ctx.Err() == nil) {
		if err := rm.collector.Visit(url); err != nil {
			slog.Debug("retry visit failed", slog.String("url", url), slog.Any("error", err))
		}
	}

	rm.mu.Lock()
	rm.firedSinceDrain++
	rm.settleLocked()
	rm.mu.Unlock()
}

// settleLocked retires one pending retry and wakes drainers.
func (rm *retryManager) settleLocked() {
	rm.pending--
	rm.fired.Broadcast()
}

// drainPending waits until every scheduled retry timer has fired and
// re-entered the collector. It reports whether any retry fired since the
// previous call, including timers that fired before drainPending acquired
// the lock; the caller must wait on the collector again whenever it returns
// true.
func (rm *retryManager) drainPending() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for rm.pending > 0 {
		rm.fired.Wait()
	}
	fired := rm.firedSinceDrain > 0
	rm.firedSinceDrain = 0
	return fired
}

func (rm *retryManager) Stop() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.stopped {
		return
	}

	rm.stopped = true
	for url, timer := range rm.timers {
		if timer.Stop() {
			rm.settleLocked()
		}
		delete(rm.timers, url)
	}
}

func (rm *retryManager) TotalRetries() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.totalRetries
}

func (rm *retryManager) SetContext(ctx context.Context) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if ctx == nil {
		rm.ctx = context.Background()
		return
	}
	rm.ctx = ctx
}
