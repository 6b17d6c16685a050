// Package domain provides the canonical record model shared by every platform adapter.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the canonical transaction time layout
const TimeLayout = "2006-01-02 15:04:05"

// Platform identifies one external billing service
type Platform string

const (
	// PlatformTianji is Adapter-A: cookie session, HTML balance page
	PlatformTianji Platform = "tianji"
	// PlatformXiaoTaiFeng is Adapter-B: JSON login with an X-Token header
	PlatformXiaoTaiFeng Platform = "xiaotaifeng"
	// PlatformMiaoYue is Adapter-C: query-string login with a JSON x-token header
	PlatformMiaoYue Platform = "miaoyue"
)

// Platforms lists every supported platform in declaration order.
// Merged results are always ordered by this slice.
var Platforms = []Platform{PlatformTianji, PlatformXiaoTaiFeng, PlatformMiaoYue}

var displayNames = map[Platform]string{
	PlatformTianji:      "天机",
	PlatformXiaoTaiFeng: "小台风",
	PlatformMiaoYue:     "妙月",
}

// ParsePlatform maps a configuration value to a Platform
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := displayNames[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, s)
	}
	return p, nil
}

// Valid reports whether p is a known platform
func (p Platform) Valid() bool {
	_, ok := displayNames[p]
	return ok
}

// DisplayName returns the operator-facing platform name
func (p Platform) DisplayName() string {
	if name, ok := displayNames[p]; ok {
		return name
	}
	return string(p)
}

// Order returns the declaration index of p, or len(Platforms) for unknown values
func (p Platform) Order() int {
	for i, known := range Platforms {
		if known == p {
			return i
		}
	}
	return len(Platforms)
}

// Operator is a canonical mobile carrier. The zero value means absent.
type Operator string

const (
	OperatorNone Operator = ""
	OperatorCM   Operator = "CM" // China Mobile
	OperatorCT   Operator = "CT" // China Telecom
	OperatorCU   Operator = "CU" // China Unicom
)

// IncomeType is the canonical transaction category. The zero value means absent,
// which is distinct from IncomeUnclassified.
type IncomeType string

const (
	IncomeNone         IncomeType = ""
	IncomeRenewal      IncomeType = "Renewal"
	IncomePackageSale  IncomeType = "PackageSale"
	IncomeWithdrawal   IncomeType = "Withdrawal"
	IncomeRefund       IncomeType = "Refund"
	IncomeOtherExpense IncomeType = "OtherExpense"
	IncomeUnclassified IncomeType = "Unclassified"
)

// Account identifies one credential set on one platform
type Account struct {
	Platform        Platform       `json:"platform"`
	Username        string         `json:"username"`
	Secret          string         `json:"-"`
	BaseURL         string         `json:"base_url,omitempty"` // Optional upstream override
	LastFetchedPage int            `json:"last_fetched_page"`
	CachedSummary   AccountSummary `json:"cached_summary"`
}

// Key returns the run-unique identity of the account
func (a Account) Key() string {
	return string(a.Platform) + "/" + a.Username
}

// BillRecord is one canonical transaction.
// Pointer fields are nil when the platform did not report a usable value.
type BillRecord struct {
	Platform        Platform   `json:"platform" msgpack:"platform"`
	Account         string     `json:"account" msgpack:"account"`
	OrderNo         *string    `json:"order_no,omitempty" msgpack:"order_no,omitempty"`
	ICCID           *string    `json:"iccid,omitempty" msgpack:"iccid,omitempty"`
	CardNumber      *string    `json:"card_number,omitempty" msgpack:"card_number,omitempty"`
	TransactionTime *string    `json:"transaction_time,omitempty" msgpack:"transaction_time,omitempty"`
	SalePrice       *float64   `json:"sale_price,omitempty" msgpack:"sale_price,omitempty"`
	CostPrice       *float64   `json:"cost_price,omitempty" msgpack:"cost_price,omitempty"`
	Commission      *float64   `json:"commission,omitempty" msgpack:"commission,omitempty"`
	CustomerName    *string    `json:"customer_name,omitempty" msgpack:"customer_name,omitempty"`
	ProductName     *string    `json:"product_name,omitempty" msgpack:"product_name,omitempty"`
	Operator        Operator   `json:"operator,omitempty" msgpack:"operator,omitempty"`
	IncomeType      IncomeType `json:"income_type,omitempty" msgpack:"income_type,omitempty"`
	Remark          *string    `json:"remark,omitempty" msgpack:"remark,omitempty"`

	// Ambiguities names the fields that were present upstream but could not be parsed
	Ambiguities []string `json:"ambiguities,omitempty" msgpack:"ambiguities,omitempty"`
}

// Time parses TransactionTime in loc. ok is false when the time is absent.
func (r BillRecord) Time(loc *time.Location) (time.Time, bool) {
	if r.TransactionTime == nil {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(TimeLayout, *r.TransactionTime, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// DedupKey identifies a record within one account. Records without an order
// number fall back to time and commission.
func (r BillRecord) DedupKey() string {
	if r.OrderNo != nil {
		return "order:" + *r.OrderNo
	}
	var ts, commission string
	if r.TransactionTime != nil {
		ts = *r.TransactionTime
	}
	if r.Commission != nil {
		commission = fmt.Sprintf("%.2f", *r.Commission)
	}
	return "anon:" + ts + "|" + commission
}

// AccountSummary is the rolling aggregate for one account
type AccountSummary struct {
	Platform        Platform `json:"platform" msgpack:"platform"`
	Account         string   `json:"account" msgpack:"account"`
	Balance         *float64 `json:"balance,omitempty" msgpack:"balance,omitempty"`
	RecentIncome    float64  `json:"recent_income" msgpack:"recent_income"`
	RecentWithdraw  float64  `json:"recent_withdraw" msgpack:"recent_withdraw"`
	RecentRefund    float64  `json:"recent_refund" msgpack:"recent_refund"`
	TotalBillsSeen  int      `json:"total_bills_seen" msgpack:"total_bills_seen"`
	LastFetchedPage int      `json:"last_fetched_page" msgpack:"last_fetched_page"`
}

// NetIncome is recent income minus recent refunds. Withdrawals move cash and
// do not count against income.
func (s AccountSummary) NetIncome() float64 {
	return s.RecentIncome - s.RecentRefund
}

// Operation names the account step an error is attributed to
type Operation string

const (
	OpLogin   Operation = "login"
	OpBalance Operation = "balance"
	OpBills   Operation = "bills"
)

// AccountError attributes a failure to a (platform, account, operation) triple
type AccountError struct {
	Platform Platform  `json:"platform"`
	Account  string    `json:"account"`
	Op       Operation `json:"op"`
	Err      error     `json:"-"`
	At       time.Time `json:"at"`
}

func (e *AccountError) Error() string {
	return fmt.Sprintf("%s/%s %s: %v", e.Platform, e.Account, e.Op, e.Err)
}

func (e *AccountError) Unwrap() error {
	return e.Err
}

// Message returns the underlying error text, or an empty string
func (e *AccountError) Message() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}
