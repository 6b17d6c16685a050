// Package tianji provides a client for the Tianji (天机) agent platform.
//
// Tianji is a server-rendered PHP site: login sets a PHPSESSID cookie, the
// balance only exists inside an HTML page, and bill pages are AJAX form posts.
package tianji

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aristath/billsync/internal/classify"
	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/internal/normalize"
)

const (
	defaultBaseURL = "https://sys.szlaina.com"
	sessionCookie  = "PHPSESSID"
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
)

// Config configures a Client
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	Location        *time.Location
	RequestInterval time.Duration // Minimum spacing between requests, zero for none
}

// Client implements domain.Adapter for Tianji
type Client struct {
	baseURL *url.URL
	timeout time.Duration
	loc     *time.Location
	limiter *rate.Limiter
	rules   classify.RuleSet
	log     zerolog.Logger
}

// session owns the cookie jar for one account
type session struct {
	username string
	http     *http.Client
}

func (s *session) Platform() domain.Platform { return domain.PlatformTianji }
func (s *session) Username() string          { return s.username }

// NewClient creates a new Tianji client
func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	raw := cfg.BaseURL
	if raw == "" {
		raw = defaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid tianji base URL %q: %w", raw, err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestInterval > 0 {
		limit = rate.Every(cfg.RequestInterval)
	}
	rules, _ := classify.ForPlatform(domain.PlatformTianji)

	return &Client{
		baseURL: base,
		timeout: timeout,
		loc:     cfg.Location,
		limiter: rate.NewLimiter(limit, 1),
		rules:   rules,
		log:     log.With().Str("client", "tianji").Logger(),
	}, nil
}

// Platform returns the platform this client serves
func (c *Client) Platform() domain.Platform { return domain.PlatformTianji }

// Login posts the pre-encrypted password and confirms the session by loading
// a page that requires authentication.
func (c *Client) Login(ctx context.Context, username, secret string) (domain.Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, c.authError(username, fmt.Errorf("failed to create cookie jar: %w", err))
	}
	sess := &session{username: username, http: &http.Client{Timeout: c.timeout, Jar: jar}}

	if _, _, err := c.do(ctx, sess, http.MethodGet, "/Index/index", nil, false); err != nil {
		return nil, c.authError(username, err)
	}

	form := url.Values{"u_name": {username}, "pwd": {secret}, "encry": {"1"}}
	body, _, err := c.do(ctx, sess, http.MethodPost, "/Login/doLogin", form, false)
	if err != nil {
		return nil, c.authError(username, err)
	}
	if msg, rejected := loginRejected(body); rejected {
		return nil, c.authError(username, fmt.Errorf("login rejected: %s", msg))
	}
	if !c.hasSessionCookie(jar) {
		return nil, c.authError(username, fmt.Errorf("no %s cookie: %w", sessionCookie, domain.ErrSessionInvalid))
	}

	if err := c.whoami(ctx, sess); err != nil {
		return nil, c.authError(username, err)
	}

	c.log.Debug().Str("account", username).Msg("Logged in")
	return sess, nil
}

// FetchBalance scrapes the balance from the company profit page
func (c *Client) FetchBalance(ctx context.Context, s domain.Session) (float64, error) {
	sess, err := c.session(s)
	if err != nil {
		return 0, err
	}

	body, finalURL, err := c.do(ctx, sess, http.MethodGet, "/Profit/companyProfit", nil, false)
	if err != nil {
		return 0, c.balanceError(sess.username, err)
	}
	if isLoginPage(finalURL, body) {
		return 0, c.balanceError(sess.username, domain.ErrSessionInvalid)
	}

	balance, err := ExtractBalance(string(body))
	if err != nil {
		c.log.Warn().Str("account", sess.username).Int("page_bytes", len(body)).Msg("No balance pattern matched")
		return 0, c.balanceError(sess.username, err)
	}
	return balance, nil
}

// FetchBillPage posts the bill detail query for one page
func (c *Client) FetchBillPage(ctx context.Context, s domain.Session, page, pageSize int) ([]domain.RawRecord, bool, error) {
	sess, err := c.session(s)
	if err != nil {
		return nil, false, err
	}

	form := url.Values{
		"page":       {strconv.Itoa(page)},
		"limit":      {strconv.Itoa(pageSize)},
		"start_time": {""},
		"end_time":   {""},
		"type":       {""},
	}
	body, finalURL, err := c.do(ctx, sess, http.MethodPost, "/Profit/billDetail", form, true)
	if err != nil {
		return nil, false, err
	}
	if isLoginPage(finalURL, body) {
		return nil, false, fmt.Errorf("bill page: %w", domain.ErrSessionInvalid)
	}

	var resp struct {
		Status  interface{}        `json:"status"`
		Message string             `json:"message"`
		List    []domain.RawRecord `json:"list"`
	}
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return nil, false, fmt.Errorf("failed to decode bill page: %w", err)
	}
	if status, _ := normalize.Text(resp.Status); status != "1" {
		return nil, false, fmt.Errorf("bill page rejected: status=%v message=%s", resp.Status, resp.Message)
	}

	return resp.List, len(resp.List) == pageSize, nil
}

func (c *Client) whoami(ctx context.Context, sess *session) error {
	body, finalURL, err := c.do(ctx, sess, http.MethodGet, "/Profit/listProfit", nil, false)
	if err != nil {
		return fmt.Errorf("session probe failed: %w", err)
	}
	if isLoginPage(finalURL, body) {
		return fmt.Errorf("session probe redirected to login: %w", domain.ErrSessionInvalid)
	}
	return nil
}

func (c *Client) hasSessionCookie(jar http.CookieJar) bool {
	for _, cookie := range jar.Cookies(c.baseURL) {
		if cookie.Name == sessionCookie && cookie.Value != "" {
			return true
		}
	}
	return false
}

func (c *Client) do(ctx context.Context, sess *session, method, path string, form url.Values, ajax bool) ([]byte, *url.URL, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	}
	if ajax {
		req.Header.Set("Accept", "*/*")
		req.Header.Set("X-Requested-With", "XMLHttpRequest")
		req.Header.Set("Referer", c.baseURL.String()+"/Profit/listBillDetail")
	}

	resp, err := sess.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("%s %s returned status %d", method, path, resp.StatusCode)
	}
	return payload, resp.Request.URL, nil
}

func (c *Client) session(s domain.Session) (*session, error) {
	sess, ok := s.(*session)
	if !ok || sess == nil || sess.http == nil {
		return nil, fmt.Errorf("tianji: %w", domain.ErrSessionInvalid)
	}
	return sess, nil
}

func (c *Client) authError(username string, err error) error {
	return &domain.AuthenticationError{Platform: domain.PlatformTianji, Account: username, Err: err}
}

func (c *Client) balanceError(username string, err error) error {
	return &domain.BalanceExtractionError{Platform: domain.PlatformTianji, Account: username, Err: err}
}

// loginRejected reads the JSON reply doLogin sends on failure
func loginRejected(body []byte) (string, bool) {
	var reply struct {
		Status interface{} `json:"status"`
		Info   string      `json:"info"`
		Msg    string      `json:"msg"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return "", false
	}
	status, ok := normalize.Text(reply.Status)
	if !ok || status == "1" {
		return "", false
	}
	if reply.Info != "" {
		return reply.Info, true
	}
	return reply.Msg, true
}

func isLoginPage(finalURL *url.URL, body []byte) bool {
	if finalURL != nil && strings.Contains(strings.ToLower(finalURL.Path), "/login") {
		return true
	}
	return strings.Contains(string(body), `name="u_name"`)
}
