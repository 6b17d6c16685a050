// Package classify maps normalized bill text and commission sign to an income category.
package classify

import (
	"fmt"
	"strings"

	"github.com/aristath/billsync/internal/domain"
)

// Rule assigns Type when any keyword appears in the bill text
type Rule struct {
	Keywords []string
	Type     domain.IncomeType
}

// RuleSet holds one platform's keyword rules. Withdrawal and Refund indicators
// are checked against text and the structured bill kind; positive rules only
// against text.
type RuleSet struct {
	Withdrawal []string
	Refund     []string
	Positive   []Rule
}

// Input is what the classifier sees of one record
type Input struct {
	Commission *float64
	Text       []*string // remark, income type or order content, in platform order
	BillKind   string    // structured bill type code, when the platform has one
}

var (
	withdrawalWords = []string{"提现", "withdraw"}
	refundWords     = []string{"退款", "refund"}
)

var ruleSets = map[domain.Platform]RuleSet{
	domain.PlatformTianji: {
		Withdrawal: withdrawalWords,
		Refund:     refundWords,
		Positive: []Rule{
			{Keywords: []string{"续费"}, Type: domain.IncomeRenewal},
			{Keywords: []string{"套餐", "充值"}, Type: domain.IncomePackageSale},
		},
	},
	domain.PlatformXiaoTaiFeng: {
		Withdrawal: withdrawalWords,
		Refund:     refundWords,
		Positive: []Rule{
			{Keywords: []string{"出售套餐"}, Type: domain.IncomePackageSale},
			{Keywords: []string{"续费"}, Type: domain.IncomeRenewal},
		},
	},
	domain.PlatformMiaoYue: {
		Withdrawal: withdrawalWords,
		Refund:     refundWords,
		Positive: []Rule{
			{Keywords: []string{"续费"}, Type: domain.IncomeRenewal},
			{Keywords: []string{"月包", "半年包", "年包"}, Type: domain.IncomePackageSale},
		},
	},
}

// ForPlatform returns the rule set for p
func ForPlatform(p domain.Platform) (RuleSet, error) {
	rs, ok := ruleSets[p]
	if !ok {
		return RuleSet{}, fmt.Errorf("no classification rules: %w: %q", domain.ErrUnknownPlatform, p)
	}
	return rs, nil
}

// Classify applies rs to in. Sign is checked before keywords: a negative
// commission can only be Withdrawal, Refund or OtherExpense. The bill kind only
// informs that negative branch; without text a non-negative record is absent.
func (rs RuleSet) Classify(in Input) domain.IncomeType {
	texts := make([]string, 0, len(in.Text))
	for _, t := range in.Text {
		if t != nil && strings.TrimSpace(*t) != "" {
			texts = append(texts, *t)
		}
	}
	kind := strings.TrimSpace(in.BillKind)
	if len(texts) == 0 && kind == "" {
		return domain.IncomeNone
	}

	if in.Commission != nil && *in.Commission < 0 {
		signals := texts
		if kind != "" {
			signals = append(signals, kind)
		}
		switch {
		case containsAny(signals, rs.Withdrawal):
			return domain.IncomeWithdrawal
		case containsAny(signals, rs.Refund):
			return domain.IncomeRefund
		default:
			return domain.IncomeOtherExpense
		}
	}

	if len(texts) == 0 {
		return domain.IncomeNone
	}
	for _, rule := range rs.Positive {
		if containsAny(texts, rule.Keywords) {
			return rule.Type
		}
	}
	return domain.IncomeUnclassified
}

func containsAny(texts, keywords []string) bool {
	for _, text := range texts {
		lower := strings.ToLower(text)
		for _, kw := range keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}
