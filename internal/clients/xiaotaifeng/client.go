// Package xiaotaifeng provides a client for the XiaoTaiFeng (小台风) commission platform.
// Login returns a token that is sent as X-Token on every later request.
package xiaotaifeng

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

const (
	defaultBaseURL = "http://123.56.58.202:8085"
	successCode    = "0"
)

// Config configures a Client
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	Location        *time.Location
	RequestInterval time.Duration
}

// Client implements domain.Adapter for XiaoTaiFeng
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
	token    string
}

func (s *session) Platform() domain.Platform { return domain.PlatformXiaoTaiFeng }
func (s *session) Username() string          { return s.username }

// envelope is the response wrapper shared by every endpoint
type envelope struct {
	Code    interface{}     `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e envelope) ok() bool {
	code, _ := normalize.Text(e.Code)
	return code == successCode
}

// NewClient creates a new XiaoTaiFeng client
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
	rules, _ := classify.ForPlatform(domain.PlatformXiaoTaiFeng)
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		loc:        cfg.Location,
		limiter:    rate.NewLimiter(limit, 1),
		rules:      rules,
		log:        log.With().Str("client", "xiaotaifeng").Logger(),
	}
}

// Platform returns the platform this client serves
func (c *Client) Platform() domain.Platform { return domain.PlatformXiaoTaiFeng }

// Login exchanges username and password for a token
func (c *Client) Login(ctx context.Context, username, secret string) (domain.Session, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": secret})
	if err != nil {
		return nil, c.authError(username, fmt.Errorf("failed to encode login request: %w", err))
	}

	var resp envelope
	if err := c.do(ctx, http.MethodPost, "/user/login", nil, bytes.NewReader(body), "", &resp); err != nil {
		return nil, c.authError(username, err)
	}
	if !resp.ok() {
		return nil, c.authError(username, fmt.Errorf("login rejected: %s", resp.Message))
	}

	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil || data.Token == "" {
		return nil, c.authError(username, fmt.Errorf("login response has no token: %w", domain.ErrSessionInvalid))
	}

	c.log.Debug().Str("account", username).Msg("Logged in")
	return &session{username: username, token: data.Token}, nil
}

// FetchBalance returns the withdrawable profit
func (c *Client) FetchBalance(ctx context.Context, s domain.Session) (float64, error) {
	sess, err := c.session(s)
	if err != nil {
		return 0, err
	}

	var resp envelope
	if err := c.do(ctx, http.MethodGet, "/profit/profitcanwithdraw", nil, nil, sess.token, &resp); err != nil {
		return 0, c.balanceError(sess.username, err)
	}
	if !resp.ok() {
		return 0, c.balanceError(sess.username, fmt.Errorf("balance rejected: %s", resp.Message))
	}

	var raw interface{}
	if err := decodeNumbers(resp.Data, &raw); err != nil {
		return 0, c.balanceError(sess.username, fmt.Errorf("%w: %v", domain.ErrBalanceNotFound, err))
	}
	balance := normalize.Money(raw)
	if balance == nil {
		return 0, c.balanceError(sess.username, domain.ErrBalanceNotFound)
	}
	return *balance, nil
}

// FetchBillPage returns one page of raw profit records, newest first
func (c *Client) FetchBillPage(ctx context.Context, s domain.Session, page, pageSize int) ([]domain.RawRecord, bool, error) {
	sess, err := c.session(s)
	if err != nil {
		return nil, false, err
	}

	query := url.Values{
		"paytype":   {""},
		"account":   {""},
		"productid": {""},
		"name":      {""},
		"page":      {strconv.Itoa(page)},
		"limit":     {strconv.Itoa(pageSize)},
		"sort":      {"-d.ID"},
	}
	var resp envelope
	if err := c.do(ctx, http.MethodGet, "/profit/list", query, nil, sess.token, &resp); err != nil {
		return nil, false, err
	}
	if !resp.ok() {
		return nil, false, fmt.Errorf("bill page rejected: %s", resp.Message)
	}

	var data struct {
		Items []domain.RawRecord `json:"items"`
		Total interface{}        `json:"total"`
	}
	if err := decodeNumbers(resp.Data, &data); err != nil {
		return nil, false, fmt.Errorf("failed to decode bill page: %w", err)
	}

	hasMore := len(data.Items) == pageSize
	if total, ok := normalize.Text(data.Total); ok {
		if n, err := strconv.Atoi(total); err == nil {
			hasMore = page*pageSize < n
		}
	}
	return data.Items, hasMore, nil
}

func (c *Client) session(s domain.Session) (*session, error) {
	sess, ok := s.(*session)
	if !ok || sess == nil || sess.token == "" {
		return nil, fmt.Errorf("xiaotaifeng: %w", domain.ErrSessionInvalid)
	}
	return sess, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, token string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	}
	if token != "" {
		req.Header.Set("X-Token", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s %s: %w", method, path, domain.ErrSessionInvalid)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s returned status %d", method, path, resp.StatusCode)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeNumbers(data json.RawMessage, out interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("empty data")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

func (c *Client) authError(username string, err error) error {
	return &domain.AuthenticationError{Platform: domain.PlatformXiaoTaiFeng, Account: username, Err: err}
}

func (c *Client) balanceError(username string, err error) error {
	return &domain.BalanceExtractionError{Platform: domain.PlatformXiaoTaiFeng, Account: username, Err: err}
}
