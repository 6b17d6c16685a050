package tianji

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/billsync/internal/domain"
)

var cst = time.FixedZone("CST", 8*3600)

// fakeTianji serves the login, probe, balance and bill endpoints
type fakeTianji struct {
	password    string
	setCookie   bool
	probeLogin  bool
	balanceHTML string
	bills       map[string][]map[string]interface{}
}

func (f *fakeTianji) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authed := false
		if c, err := r.Cookie(sessionCookie); err == nil && c.Value == "sess-ok" {
			authed = true
		}

		switch r.URL.Path {
		case "/Index/index":
			w.WriteHeader(http.StatusOK)
		case "/Login/doLogin":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "1", r.PostForm.Get("encry"))
			if r.PostForm.Get("pwd") != f.password {
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": 0, "info": "密码错误"})
				return
			}
			if f.setCookie {
				http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "sess-ok", Path: "/"})
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": 1, "info": "登录成功"})
		case "/Login/index":
			_, _ = w.Write([]byte(`<form><input name="u_name"></form>`))
		case "/Profit/listProfit", "/Profit/companyProfit":
			if !authed || f.probeLogin {
				http.Redirect(w, r, "/Login/index", http.StatusFound)
				return
			}
			_, _ = w.Write([]byte(f.balanceHTML))
		case "/Profit/billDetail":
			if !authed {
				http.Redirect(w, r, "/Login/index", http.StatusFound)
				return
			}
			assert.Equal(t, "XMLHttpRequest", r.Header.Get("X-Requested-With"))
			require.NoError(t, r.ParseForm())
			page := r.PostForm.Get("page")
			if page == "99" {
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": 0, "message": "失败"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": 1, "message": "成功", "list": f.bills[page]})
		default:
			http.NotFound(w, r)
		}
	}
}

func newTestClient(t *testing.T, fake *fakeTianji) *Client {
	t.Helper()
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)
	c, err := NewClient(Config{BaseURL: server.URL, Location: cst}, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(Config{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, defaultBaseURL, c.baseURL.String())
	assert.Equal(t, 30*time.Second, c.timeout)
}

func TestLogin_Success(t *testing.T) {
	c := newTestClient(t, &fakeTianji{password: "enc", setCookie: true, balanceHTML: "<p>ok</p>"})

	sess, err := c.Login(context.Background(), "alice", "enc")
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Username())
	assert.Equal(t, domain.PlatformTianji, sess.Platform())
}

func TestLogin_WrongPassword(t *testing.T) {
	c := newTestClient(t, &fakeTianji{password: "enc", setCookie: true})

	_, err := c.Login(context.Background(), "alice", "nope")
	var authErr *domain.AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Contains(t, err.Error(), "密码错误")
}

func TestLogin_NoCookie(t *testing.T) {
	c := newTestClient(t, &fakeTianji{password: "enc"})

	_, err := c.Login(context.Background(), "alice", "enc")
	assert.ErrorIs(t, err, domain.ErrSessionInvalid)
}

func TestLogin_ProbeRedirectsToLogin(t *testing.T) {
	c := newTestClient(t, &fakeTianji{password: "enc", setCookie: true, probeLogin: true})

	_, err := c.Login(context.Background(), "alice", "enc")
	var authErr *domain.AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.ErrorIs(t, err, domain.ErrSessionInvalid)
}

func TestFetchBalance(t *testing.T) {
	c := newTestClient(t, &fakeTianji{password: "enc", setCookie: true, balanceHTML: `<td>余额</td><td>256.30</td>`})
	sess, err := c.Login(context.Background(), "alice", "enc")
	require.NoError(t, err)

	balance, err := c.FetchBalance(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, 256.3, balance)
}

func TestFetchBalance_NotFound(t *testing.T) {
	c := newTestClient(t, &fakeTianji{password: "enc", setCookie: true, balanceHTML: `<p>welcome</p>`})
	sess, err := c.Login(context.Background(), "alice", "enc")
	require.NoError(t, err)

	_, err = c.FetchBalance(context.Background(), sess)
	var balErr *domain.BalanceExtractionError
	require.True(t, errors.As(err, &balErr))
	assert.ErrorIs(t, err, domain.ErrBalanceNotFound)
}

func TestFetchBillPage(t *testing.T) {
	fake := &fakeTianji{
		password:    "enc",
		setCookie:   true,
		balanceHTML: "<p>ok</p>",
		bills: map[string][]map[string]interface{}{
			"1": {{"order_no": "T1"}, {"order_no": "T2"}},
			"2": {{"order_no": "T3"}},
		},
	}
	c := newTestClient(t, fake)
	sess, err := c.Login(context.Background(), "alice", "enc")
	require.NoError(t, err)

	records, hasMore, err := c.FetchBillPage(context.Background(), sess, 1, 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.True(t, hasMore)

	records, hasMore, err = c.FetchBillPage(context.Background(), sess, 2, 2)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.False(t, hasMore)

	records, hasMore, err = c.FetchBillPage(context.Background(), sess, 3, 2)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.False(t, hasMore)

	_, _, err = c.FetchBillPage(context.Background(), sess, 99, 2)
	assert.ErrorContains(t, err, "rejected")
}

func TestFetchBillPage_ExpiredSession(t *testing.T) {
	c := newTestClient(t, &fakeTianji{})
	jarless := &session{username: "alice", http: &http.Client{}}

	_, _, err := c.FetchBillPage(context.Background(), jarless, 1, 10)
	assert.ErrorIs(t, err, domain.ErrSessionInvalid)
}

func TestNormalize(t *testing.T) {
	c, err := NewClient(Config{Location: cst}, zerolog.Nop())
	require.NoError(t, err)

	rec := c.Normalize(domain.RawRecord{
		"order_no":             "T100",
		"iccid":                "89860a",
		"trans_time_format":    "2024-03-01 12:00:00",
		"income_money":         "100.00",
		"cost_money":           "60.00",
		"profit":               "40.00",
		"company_name":         "某某科技",
		"order_name":           "电信流量卡",
		"second_operator_name": "中国电信",
		"remarks":              "套餐*续费",
		"cost_name":            "充值",
	}, "alice")

	assert.Equal(t, "T100", *rec.OrderNo)
	assert.Equal(t, "89860A", *rec.ICCID)
	assert.Nil(t, rec.CardNumber)
	assert.Equal(t, "2024-03-01 12:00:00", *rec.TransactionTime)
	assert.Equal(t, 100.0, *rec.SalePrice)
	assert.Equal(t, 60.0, *rec.CostPrice)
	assert.Equal(t, 40.0, *rec.Commission)
	assert.Equal(t, domain.OperatorCT, rec.Operator)
	assert.Equal(t, "套餐续费", *rec.Remark)
	assert.Equal(t, domain.IncomeRenewal, rec.IncomeType)
}

func TestNormalize_WithdrawalByBillKind(t *testing.T) {
	c, err := NewClient(Config{Location: cst}, zerolog.Nop())
	require.NoError(t, err)

	rec := c.Normalize(domain.RawRecord{
		"trans_time": "1709259630",
		"profit":     "-500",
		"remarks":    "",
		"cost_name":  "提现",
	}, "alice")

	assert.Equal(t, "2024-03-01 10:20:30", *rec.TransactionTime)
	assert.Equal(t, domain.IncomeWithdrawal, rec.IncomeType)
	assert.Nil(t, rec.Remark)
}

func TestNormalize_BillKindWithoutRemarkIsUntyped(t *testing.T) {
	c, err := NewClient(Config{Location: cst}, zerolog.Nop())
	require.NoError(t, err)

	rec := c.Normalize(domain.RawRecord{
		"trans_time_format": "2024-03-01 12:00:00",
		"profit":            "12.00",
		"cost_name":         "充值",
	}, "alice")

	assert.Equal(t, 12.0, *rec.Commission)
	assert.Nil(t, rec.Remark)
	assert.Equal(t, domain.IncomeNone, rec.IncomeType)
}

func TestNormalize_DerivesCommission(t *testing.T) {
	c, err := NewClient(Config{Location: cst}, zerolog.Nop())
	require.NoError(t, err)

	rec := c.Normalize(domain.RawRecord{"income_money": "10", "cost_money": "7.5"}, "alice")
	require.NotNil(t, rec.Commission)
	assert.Equal(t, 2.5, *rec.Commission)

	rec = c.Normalize(domain.RawRecord{"income_money": "10"}, "alice")
	assert.Nil(t, rec.Commission)
	assert.Equal(t, domain.IncomeNone, rec.IncomeType)
}
