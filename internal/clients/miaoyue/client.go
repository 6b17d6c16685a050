// Package miaoyue provides a client for the MiaoYue (妙月) card platform.
package miaoyue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aristath/billsync/internal/classify"
	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/internal/normalize"
)

const defaultBaseURL = "https://sapi.musmoon.com"

// Config configures a Client
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	Location        *time.Location
	RequestInterval time.Duration
}

// Client implements domain.Adapter for MiaoYue
type Client struct {
	baseURL    string
	httpClient *http.Client
	loc        *time.Location
	limiter    *rate.Limiter
	rules      classify.RuleSet
	log        zerolog.Logger
}

type session struct {
	username string
	header   string // value of the x-token header
}

func (s *session) Platform() domain.Platform { return domain.PlatformMiaoYue }
func (s *session) Username() string          { return s.username }

// result is the envelope of every MiaoYue endpoint
type result struct {
	Success    bool            `json:"success"`
	StatusCode interface{}     `json:"statusCode"`
	Content    string          `json:"content"`
	Object     json.RawMessage `json:"object"`
}

func (r result) ok() bool {
	code, _ := normalize.Text(r.StatusCode)
	return r.Success && code == "0"
}

// Balance splits the account into its withdrawable and locked parts
type Balance struct {
	Withdrawable    float64
	NonWithdrawable float64
}

// Total is the full account balance
func (b Balance) Total() float64 {
	return normalize.Round2(b.Withdrawable + b.NonWithdrawable)
}

// NewClient creates a new MiaoYue client
func NewClient(cfg Config, log zerolog.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestInterval > 0 {
		limit = rate.Every(cfg.RequestInterval)
	}
	rules, _ := classify.ForPlatform(domain.PlatformMiaoYue)
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		loc:        cfg.Location,
		limiter:    rate.NewLimiter(limit, 1),
		rules:      rules,
		log:        log.With().Str("client", "miaoyue").Logger(),
	}
}

// Platform returns the platform this client serves
func (c *Client) Platform() domain.Platform { return domain.PlatformMiaoYue }

// Login sends the credentials as query parameters and wraps the token as JSON
func (c *Client) Login(ctx context.Context, username, secret string) (domain.Session, error) {
	query := url.Values{"username": {username}, "password": {secret}}

	res, err := c.do(ctx, http.MethodPost, "/card/user/password/login", query, "")
	if err != nil {
		return nil, c.authError(username, err)
	}
	if !res.ok() {
		return nil, c.authError(username, fmt.Errorf("login rejected: %s", res.Content))
	}

	var obj struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(res.Object, &obj); err != nil || obj.Token == "" {
		return nil, c.authError(username, fmt.Errorf("login response has no token: %w", domain.ErrSessionInvalid))
	}

	header, err := json.Marshal(map[string]string{"token": obj.Token})
	if err != nil {
		return nil, c.authError(username, err)
	}
	c.log.Debug().Str("account", username).Msg("Logged in")
	return &session{username: username, header: string(header)}, nil
}

// FetchBalance returns withdrawable plus non-withdrawable CNY
func (c *Client) FetchBalance(ctx context.Context, s domain.Session) (float64, error) {
	b, err := c.FetchBalanceDetail(ctx, s)
	if err != nil {
		return 0, err
	}
	return b.Total(), nil
}

// FetchBalanceDetail returns both parts of the CNY capital account
func (c *Client) FetchBalanceDetail(ctx context.Context, s domain.Session) (Balance, error) {
	sess, err := c.session(s)
	if err != nil {
		return Balance{}, err
	}

	res, err := c.do(ctx, http.MethodGet, "/card/proxy/company/capital/account/info",
		url.Values{"currencyType": {"CNY"}}, sess.header)
	if err != nil {
		return Balance{}, c.balanceError(sess.username, err)
	}
	if !res.ok() {
		return Balance{}, c.balanceError(sess.username, fmt.Errorf("balance rejected: %s", res.Content))
	}

	var info domain.RawRecord
	if err := decodeNumbers(res.Object, &info); err != nil || info == nil {
		return Balance{}, c.balanceError(sess.username, domain.ErrBalanceNotFound)
	}
	b, ok := balanceFrom(info)
	if !ok {
		return Balance{}, c.balanceError(sess.username, domain.ErrBalanceNotFound)
	}
	return b, nil
}

// balanceFrom prefers the explicit split, even when the locked part is zero,
// and falls back to balance minus the withdrawable part only when the locked
// amount is not reported.
func balanceFrom(info domain.RawRecord) (Balance, bool) {
	withdrawable := normalize.Money(info["withdrawAmount"])
	locked := normalize.Money(info["nonWithdrawAmount"])
	total := normalize.Money(info["balance"])

	switch {
	case withdrawable != nil && locked != nil:
		return Balance{Withdrawable: *withdrawable, NonWithdrawable: *locked}, true
	case withdrawable != nil && total != nil:
		return Balance{Withdrawable: *withdrawable, NonWithdrawable: normalize.Round2(*total - *withdrawable)}, true
	case withdrawable != nil:
		return Balance{Withdrawable: *withdrawable}, true
	case total != nil:
		return Balance{NonWithdrawable: *total}, true
	}
	return Balance{}, false
}

// FetchBillPage returns one page of bills ordered by createTime descending
func (c *Client) FetchBillPage(ctx context.Context, s domain.Session, page, pageSize int) ([]domain.RawRecord, bool, error) {
	sess, err := c.session(s)
	if err != nil {
		return nil, false, err
	}

	query := url.Values{
		"currency":         {"CNY"},
		"billType":         {""},
		"orderNo":          {""},
		"cardValue":        {""},
		"orders[0].column": {"createTime"},
		"orders[0].asc":    {"false"},
		"current":          {strconv.Itoa(page)},
		"size":             {strconv.Itoa(pageSize)},
	}
	res, err := c.do(ctx, http.MethodGet, "/card/proxy/user/bill/page", query, sess.header)
	if err != nil {
		return nil, false, err
	}
	if !res.ok() {
		return nil, false, fmt.Errorf("bill page rejected: %s", res.Content)
	}

	var obj struct {
		Records []domain.RawRecord `json:"records"`
		Total   interface{}        `json:"total"`
	}
	if len(res.Object) > 0 && string(res.Object) != "null" {
		if err := decodeNumbers(res.Object, &obj); err != nil {
			return nil, false, fmt.Errorf("failed to decode bill page: %w", err)
		}
	}

	hasMore := len(obj.Records) == pageSize
	if total, ok := normalize.Text(obj.Total); ok {
		if n, err := strconv.Atoi(total); err == nil {
			hasMore = page*pageSize < n
		}
	}
	return obj.Records, hasMore, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, token string) (result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return result{}, err
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("x-token", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return result{}, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return result{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return result{}, fmt.Errorf("%s %s: %w", method, path, domain.ErrSessionInvalid)
	}
	if resp.StatusCode != http.StatusOK {
		return result{}, fmt.Errorf("%s %s returned status %d", method, path, resp.StatusCode)
	}

	var res result
	if err := json.Unmarshal(payload, &res); err != nil {
		return result{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return res, nil
}

func (c *Client) session(s domain.Session) (*session, error) {
	sess, ok := s.(*session)
	if !ok || sess == nil || sess.header == "" {
		return nil, fmt.Errorf("miaoyue: %w", domain.ErrSessionInvalid)
	}
	return sess, nil
}

func decodeNumbers(data json.RawMessage, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

func (c *Client) authError(username string, err error) error {
	return &domain.AuthenticationError{Platform: domain.PlatformMiaoYue, Account: username, Err: err}
}

func (c *Client) balanceError(username string, err error) error {
	return &domain.BalanceExtractionError{Platform: domain.PlatformMiaoYue, Account: username, Err: err}
}
