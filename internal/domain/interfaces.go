package domain

import "context"

// RawRecord is one platform-native bill as decoded from JSON
type RawRecord map[string]interface{}

// Session is the authentication context returned by Adapter.Login.
// It is owned by the adapter that created it and is never shared across accounts.
type Session interface {
	Platform() Platform
	Username() string
}

// Adapter is the capability set every platform variant implements
type Adapter interface {
	Platform() Platform
	Login(ctx context.Context, username, secret string) (Session, error)
	FetchBalance(ctx context.Context, session Session) (float64, error)
	FetchBillPage(ctx context.Context, session Session, page, pageSize int) ([]RawRecord, bool, error)
	RecordNormalizer
}

// RecordNormalizer converts raw platform records into classified BillRecords
type RecordNormalizer interface {
	Normalize(raw RawRecord, account string) BillRecord
}
