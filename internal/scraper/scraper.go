// Package scraper fetches and parses QueueStatus queue pages over one
// browsing session. With credentials configured it logs in the way the
// site's own XHR form does and keeps the session alive across scrapes;
// without them it reads the public view.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"queuewatch/internal/metrics"
	"queuewatch/internal/queue"
)

const (
	loginPath = "/users/post_login"

	// probePath is any authenticated page. The site answers a logged-out
	// request for it with a redirect to the login form.
	probePath = "/users/any/edit"
)

// ErrLoginFailed reports that QueueStatus did not accept the configured
// credentials.
var ErrLoginFailed = errors.New("queuestatus rejected the login")

// Config controls the scraping session.
type Config struct {
	// BaseURL is the site root, without a trailing slash.
	BaseURL   string
	UserAgent string
	Timeout   time.Duration

	// Email and Password are optional. Both must be set to use the
	// authenticated queue view.
	Email    string
	Password string

	// Location is the zone the site renders clock times in.
	Location *time.Location

	// DumpDir, when set, receives a copy of any page that fails to parse.
	DumpDir string
}

// QueueStatusScraper maintains one browsing session against QueueStatus and
// turns queue pages into snapshots. It is not safe for concurrent use; the
// monitor drives it from a single goroutine.
type QueueStatusScraper struct {
	cfg    Config
	logger *zap.Logger

	// fetch follows redirects; probe stops at the first one so a login
	// bounce stays visible. Both share one cookie jar, so the session
	// belongs to the scraper, not to either collector.
	fetch *colly.Collector
	probe *colly.Collector

	loggedIn bool
	dirty    bool

	now func() time.Time
}

// New builds a scraper. The returned scraper has no session yet; the first
// EnsureSession call logs in when credentials are configured.
func New(cfg Config, logger *zap.Logger) (*QueueStatusScraper, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("scraper: invalid base url %q", cfg.BaseURL)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "queuewatch/1.0"
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("scraper: cookie jar: %w", err)
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	s := &QueueStatusScraper{cfg: cfg, logger: logger, now: time.Now}
	s.fetch = newCollector(cfg, jar, transport)
	s.probe = newCollector(cfg, jar, transport)
	s.probe.SetRedirectHandler(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	})
	return s, nil
}

func newCollector(cfg Config, jar *cookiejar.Jar, transport *http.Transport) *colly.Collector {
	c := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.Async(false),
	)
	// Error pages and redirects must reach the response callback, and the
	// same queue URL is fetched every tick.
	c.ParseHTTPErrorResponse = true
	c.AllowURLRevisit = true
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	c.SetCookieJar(jar)
	return c
}

// EnsureSession makes the session usable. Without credentials it is a no-op:
// the public queue view needs no session. With credentials it probes the
// current session and logs in again when the site no longer recognizes it.
func (s *QueueStatusScraper) EnsureSession(ctx context.Context) error {
	if !s.credentialed() {
		return nil
	}
	if s.loggedIn && !s.dirty {
		expired, err := s.sessionExpired(ctx)
		if err != nil {
			return fmt.Errorf("probe session: %w", err)
		}
		if !expired {
			return nil
		}
		s.logger.Info("queuestatus session expired")
	}
	if err := s.login(ctx); err != nil {
		return err
	}
	s.loggedIn, s.dirty = true, false
	return nil
}

// Invalidate flags the session for a fresh login before the next fetch. The
// monitor calls it after any fetch failure: from out here a silent logout is
// indistinguishable from a page change.
func (s *QueueStatusScraper) Invalidate() {
	s.dirty = true
}

// FetchQueue downloads and parses one queue page.
func (s *QueueStatusScraper) FetchQueue(ctx context.Context, queueID string) (queue.Snapshot, error) {
	res, err := s.get(ctx, s.fetch, s.cfg.BaseURL+"/queues/"+url.PathEscape(queueID)+"/queue")
	if err != nil {
		return queue.Snapshot{}, fmt.Errorf("fetch queue %s: %w", queueID, err)
	}
	if res.status != http.StatusOK {
		return queue.Snapshot{}, fmt.Errorf("fetch queue %s: unexpected status %d", queueID, res.status)
	}
	// A 200 that landed somewhere else is the site bouncing us to the login
	// form. Parsing that page would record a convincing empty queue.
	if res.finalURL != nil && res.finalURL.Path != "/queues/"+queueID+"/queue" {
		return queue.Snapshot{}, fmt.Errorf("fetch queue %s: redirected to %s", queueID, res.finalURL)
	}
	snap, err := ParseQueuePage(bytes.NewReader(res.body), queueID, s.now(), s.cfg.Location)
	if err != nil {
		s.dumpPage(queueID, res.body)
		return queue.Snapshot{}, fmt.Errorf("parse queue %s: %w", queueID, err)
	}
	return snap, nil
}

func (s *QueueStatusScraper) credentialed() bool {
	return s.cfg.Email != "" && s.cfg.Password != ""
}

// sessionExpired probes an authenticated page without following redirects.
// A 302 means the site wants us back at the login form.
func (s *QueueStatusScraper) sessionExpired(ctx context.Context) (bool, error) {
	res, err := s.get(ctx, s.probe, s.cfg.BaseURL+probePath)
	if err != nil {
		return false, err
	}
	return res.status == http.StatusFound, nil
}

// login lifts the CSRF token from the landing page and posts the credential
// form the way the site's own XHR does.
func (s *QueueStatusScraper) login(ctx context.Context) error {
	res, err := s.get(ctx, s.fetch, s.cfg.BaseURL+"/")
	if err != nil {
		return fmt.Errorf("fetch landing page: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.body))
	if err != nil {
		return fmt.Errorf("parse landing page: %w", err)
	}
	token, ok := doc.Find(`meta[name="csrf-token"]`).Attr("content")
	if !resOK(res.status) || !ok || token == "" {
		return fmt.Errorf("%w: landing page has no csrf token", ErrLoginFailed)
	}

	form := map[string]string{
		"utf8":     "✓",
		"email":    s.cfg.Email,
		"password": s.cfg.Password,
		"commit":   "Login",
	}
	headers := map[string]string{
		"X-CSRF-Token":     token,
		"X-Requested-With": "XMLHttpRequest",
	}
	res, err = s.postForm(ctx, s.cfg.BaseURL+loginPath, form, headers)
	if err != nil {
		return fmt.Errorf("post login: %w", err)
	}
	if !resOK(res.status) {
		return fmt.Errorf("%w: status %d", ErrLoginFailed, res.status)
	}

	metrics.ObserveLogin()
	s.logger.Info("logged into queuestatus", zap.String("email", s.cfg.Email))
	return nil
}

func resOK(status int) bool {
	return status >= http.StatusOK && status < http.StatusBadRequest
}

type pageResult struct {
	status   int
	body     []byte
	finalURL *url.URL
}

// get fetches one URL on a clone of the given collector. Cloning keeps the
// shared session while giving each request its own callbacks.
func (s *QueueStatusScraper) get(ctx context.Context, base *colly.Collector, pageURL string) (pageResult, error) {
	c := base.Clone()
	return s.run(ctx, c, func() error { return c.Visit(pageURL) })
}

func (s *QueueStatusScraper) postForm(ctx context.Context, pageURL string, form, headers map[string]string) (pageResult, error) {
	c := s.fetch.Clone()
	c.OnRequest(func(r *colly.Request) {
		for k, v := range headers {
			r.Headers.Set(k, v)
		}
	})
	return s.run(ctx, c, func() error { return c.Post(pageURL, form) })
}

func (s *QueueStatusScraper) run(ctx context.Context, c *colly.Collector, visit func() error) (pageResult, error) {
	var (
		res      pageResult
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		res.status = r.StatusCode
		res.body = append([]byte(nil), r.Body...)
		if r.Request != nil {
			res.finalURL = r.Request.URL
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			res.status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() { done <- visit() }()
	select {
	case <-ctx.Done():
		return pageResult{}, ctx.Err()
	case err := <-done:
		if err != nil {
			return pageResult{}, err
		}
	}
	if fetchErr != nil {
		return pageResult{}, fetchErr
	}
	return res, nil
}

// dumpPage saves a page that failed to parse, so a layout change can be
// diagnosed from the artifact instead of another scrape.
func (s *QueueStatusScraper) dumpPage(queueID string, body []byte) {
	if s.cfg.DumpDir == "" {
		return
	}
	if err := os.MkdirAll(s.cfg.DumpDir, 0o750); err != nil {
		s.logger.Warn("create dump dir", zap.Error(err))
		return
	}
	name := fmt.Sprintf("queue_%s_%s.html", url.PathEscape(queueID), s.now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(s.cfg.DumpDir, name)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		s.logger.Warn("write page dump", zap.String("path", path), zap.Error(err))
		return
	}
	s.logger.Info("saved unparseable page", zap.String("path", path))
}
