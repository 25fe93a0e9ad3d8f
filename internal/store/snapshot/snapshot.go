package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/splax/ledgerd/internal/domain"
)

// Version is the current on-disk schema version. Older documents are
// upgraded through explicit migration functions at load time; the schema is
// never inferred from struct shapes.
const Version = 2

// Document is the persisted envelope around the account collection. It is
// also the payload of the human-readable export endpoint, so it marshals
// indented and with stable field names.
type Document struct {
	Version  int       `json:"version"`
	SavedAt  time.Time `json:"saved_at"`
	Accounts []Record  `json:"accounts"`
}

// Record is the v2 wire form of one account.
type Record struct {
	Username     string           `json:"username"`
	PasswordHash string           `json:"password_hash"`
	PasswordSalt string           `json:"password_salt"`
	CashBalance  float64          `json:"cash_balance"`
	LoanBalance  float64          `json:"loan_balance"`
	Holdings     map[string]int64 `json:"holdings,omitempty"`
	CreatedAt    time.Time        `json:"created_at,omitzero"`
}

// legacyRecord is the v1 shape: flat records with the original field names
// and no envelope. Kept only for migration.
type legacyRecord struct {
	Username     string           `json:"username"`
	PasswordHash string           `json:"passwordHash"`
	PasswordSalt string           `json:"passwordSalt"`
	Balance      float64          `json:"balance"`
	LoanBalance  float64          `json:"loanBalance"`
	Portfolio    map[string]int64 `json:"portfolio"`
}

// Encode renders the collection as an indented, versioned JSON document.
func Encode(accounts []domain.Account, savedAt time.Time) ([]byte, error) {
	doc := Document{
		Version:  Version,
		SavedAt:  savedAt.UTC(),
		Accounts: make([]Record, 0, len(accounts)),
	}
	for i := range accounts {
		doc.Accounts = append(doc.Accounts, toRecord(&accounts[i]))
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses a snapshot document of any supported version and returns
// the accounts in current form.
func Decode(data []byte) ([]domain.Account, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	// v1 files had no envelope, just a bare array of records.
	if trimmed[0] == '[' {
		var legacy []legacyRecord
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return nil, fmt.Errorf("decode legacy snapshot: %w", err)
		}
		return migrateV1(legacy), nil
	}

	var envelope struct {
		Version  int             `json:"version"`
		Accounts json.RawMessage `json:"accounts"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	switch envelope.Version {
	case 1:
		var legacy []legacyRecord
		if err := json.Unmarshal(envelope.Accounts, &legacy); err != nil {
			return nil, fmt.Errorf("decode v1 snapshot: %w", err)
		}
		return migrateV1(legacy), nil
	case Version:
		var records []Record
		if err := json.Unmarshal(envelope.Accounts, &records); err != nil {
			return nil, fmt.Errorf("decode v2 snapshot: %w", err)
		}
		out := make([]domain.Account, 0, len(records))
		for i := range records {
			out = append(out, fromRecord(&records[i]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported snapshot version %d", envelope.Version)
	}
}

func toRecord(acct *domain.Account) Record {
	rec := Record{
		Username:     acct.Username,
		PasswordHash: acct.PasswordHash,
		PasswordSalt: acct.PasswordSalt,
		CashBalance:  acct.CashBalance,
		LoanBalance:  acct.LoanBalance,
		CreatedAt:    acct.CreatedAt,
	}
	if len(acct.Holdings) > 0 {
		rec.Holdings = make(map[string]int64, len(acct.Holdings))
		for sym, qty := range acct.Holdings {
			rec.Holdings[sym] = qty
		}
	}
	return rec
}

func fromRecord(rec *Record) domain.Account {
	acct := domain.Account{
		Username:     rec.Username,
		PasswordHash: rec.PasswordHash,
		PasswordSalt: rec.PasswordSalt,
		CashBalance:  rec.CashBalance,
		LoanBalance:  rec.LoanBalance,
		Holdings:     make(map[string]int64, len(rec.Holdings)),
		CreatedAt:    rec.CreatedAt,
	}
	for sym, qty := range rec.Holdings {
		if qty > 0 {
			acct.Holdings[sym] = qty
		}
	}
	return acct
}

// migrateV1 upgrades legacy records to the current model. Zero and negative
// portfolio entries, which v1 tolerated, are dropped here.
func migrateV1(legacy []legacyRecord) []domain.Account {
	out := make([]domain.Account, 0, len(legacy))
	for _, rec := range legacy {
		acct := domain.Account{
			Username:     rec.Username,
			PasswordHash: rec.PasswordHash,
			PasswordSalt: rec.PasswordSalt,
			CashBalance:  rec.Balance,
			LoanBalance:  rec.LoanBalance,
			Holdings:     make(map[string]int64, len(rec.Portfolio)),
		}
		if acct.LoanBalance < 0 {
			acct.LoanBalance = 0
		}
		for sym, qty := range rec.Portfolio {
			if qty > 0 {
				acct.Holdings[sym] = qty
			}
		}
		out = append(out, acct)
	}
	return out
}
