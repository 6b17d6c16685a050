package miaoyue

import (
	"github.com/aristath/billsync/internal/classify"
	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/internal/normalize"
)

// Normalize maps one bill. Commission is commissionAmount - deCommissionAmount
// + extraAmount and is absent unless all three are reported.
func (c *Client) Normalize(raw domain.RawRecord, account string) domain.BillRecord {
	f := normalize.NewFields(raw, c.loc)

	commission := commissionOf(f)
	content := f.String("orderContent")

	var kind string
	if k := f.String("billType"); k != nil {
		kind = *k
	}

	rec := domain.BillRecord{
		Platform:        domain.PlatformMiaoYue,
		Account:         account,
		OrderNo:         f.String("orderNo"),
		ICCID:           f.ICCID("cardIccid"),
		CardNumber:      f.CardNumber("cardNumber"),
		TransactionTime: f.Timestamp("settleTime", "createTime"),
		Commission:      commission,
		ProductName:     content,
		Remark:          f.Remark("mark"),
	}
	rec.IncomeType = c.rules.Classify(classify.Input{
		Commission: commission,
		Text:       []*string{content},
		BillKind:   kind,
	})
	rec.Ambiguities = f.Ambiguities()
	return rec
}

func commissionOf(f *normalize.Fields) *float64 {
	base := f.Money("commissionAmount")
	deducted := f.Money("deCommissionAmount")
	extra := f.Money("extraAmount")
	if base == nil || deducted == nil || extra == nil {
		return nil
	}
	v := normalize.Round2(*base - *deducted + *extra)
	return &v
}
