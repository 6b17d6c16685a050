package tianji

import (
	"github.com/aristath/billsync/internal/classify"
	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/internal/normalize"
)

// Normalize maps one billDetail row. cost_name (提现, 充值, 扣除, 退款, 报销) is
// the structured bill kind.
func (c *Client) Normalize(raw domain.RawRecord, account string) domain.BillRecord {
	f := normalize.NewFields(raw, c.loc)

	sale := f.Money("income_money")
	cost := f.Money("cost_money")
	commission := f.Money("profit")
	if commission == nil {
		commission = normalize.Difference(sale, cost)
	}
	remark := f.Remark("remarks")

	var kind string
	if k := f.String("cost_name"); k != nil {
		kind = *k
	}

	rec := domain.BillRecord{
		Platform:        domain.PlatformTianji,
		Account:         account,
		OrderNo:         f.String("order_no"),
		ICCID:           f.ICCID("iccid"),
		TransactionTime: f.Timestamp("trans_time_format", "trans_time"),
		SalePrice:       sale,
		CostPrice:       cost,
		Commission:      commission,
		CustomerName:    f.String("company_name"),
		ProductName:     f.String("order_name"),
		Operator:        f.Operator("second_operator_name"),
		Remark:          remark,
	}
	rec.IncomeType = c.rules.Classify(classify.Input{
		Commission: commission,
		Text:       []*string{remark},
		BillKind:   kind,
	})
	rec.Ambiguities = f.Ambiguities()
	return rec
}
