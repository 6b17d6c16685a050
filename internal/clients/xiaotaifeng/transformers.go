package xiaotaifeng

import (
	"github.com/aristath/billsync/internal/classify"
	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/internal/normalize"
)

// Normalize maps one profit record. The platform reports sale amount and
// profit only, so cost is derived from them.
func (c *Client) Normalize(raw domain.RawRecord, account string) domain.BillRecord {
	f := normalize.NewFields(raw, c.loc)

	sale := f.Money("amount")
	commission := f.Money("profit")
	incomeType := f.String("incometype")
	remark := f.Remark("remark")

	rec := domain.BillRecord{
		Platform:        domain.PlatformXiaoTaiFeng,
		Account:         account,
		OrderNo:         f.String("orderid"),
		ICCID:           f.ICCID("iccid"),
		CardNumber:      f.CardNumber("msisdn"),
		TransactionTime: f.Timestamp("purchasetime"),
		SalePrice:       sale,
		CostPrice:       normalize.Difference(sale, commission),
		Commission:      commission,
		CustomerName:    f.String("custom", "account"),
		ProductName:     f.String("mpname"),
		Operator:        f.Operator("yunyingshang"),
		Remark:          remark,
	}
	rec.IncomeType = c.rules.Classify(classify.Input{
		Commission: commission,
		Text:       []*string{incomeType, remark},
	})
	rec.Ambiguities = f.Ambiguities()
	return rec
}
