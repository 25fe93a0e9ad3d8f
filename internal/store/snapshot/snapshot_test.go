package snapshot

import (
	"strings"
	"testing"
	"time"

	"github.com/splax/ledgerd/internal/domain"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	savedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	in := []domain.Account{
		{
			Username:     `we"ird\user`,
			PasswordHash: "$2a$10$abcdefghijklmnopqrstuv",
			PasswordSalt: "",
			CashBalance:  -42.5,
			LoanBalance:  1200,
			Holdings:     map[string]int64{"AAPL": 3, "TSLA": 1},
			CreatedAt:    savedAt.Add(-time.Hour),
		},
		{
			Username:     "bob",
			PasswordHash: "legacyhash==",
			PasswordSalt: "somesalt",
			CashBalance:  0.1 + 0.2,
			LoanBalance:  0,
			Holdings:     map[string]int64{},
		},
	}

	data, err := Encode(in, savedAt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "{\n") {
		t.Fatal("document should be indented")
	}
	if !strings.Contains(text, `"version": 2`) {
		t.Fatal("document missing version field")
	}
	if !strings.HasSuffix(text, "\n") {
		t.Fatal("document should end with a newline")
	}

	out, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(out))
	}
	for i := range in {
		want, got := in[i], out[i]
		if got.Username != want.Username || got.PasswordHash != want.PasswordHash || got.PasswordSalt != want.PasswordSalt {
			t.Fatalf("account %d identity mismatch: %+v", i, got)
		}
		if got.CashBalance != want.CashBalance || got.LoanBalance != want.LoanBalance {
			t.Fatalf("account %d balances mismatch: %+v", i, got)
		}
		if len(got.Holdings) != len(want.Holdings) {
			t.Fatalf("account %d holdings mismatch: %+v", i, got.Holdings)
		}
		for sym, qty := range want.Holdings {
			if got.Holdings[sym] != qty {
				t.Fatalf("account %d holding %s mismatch", i, sym)
			}
		}
	}
	if !out[0].CreatedAt.Equal(in[0].CreatedAt) {
		t.Fatalf("created_at not preserved: %v", out[0].CreatedAt)
	}
}

func TestDecodeLegacyBareArray(t *testing.T) {
	data := []byte(`[
  {
    "username": "alice",
    "passwordHash": "h1",
    "passwordSalt": "s1",
    "balance": -50.25,
    "loanBalance": 300,
    "portfolio": {"AAPL": 2, "GOOG": 0, "MSFT": -1}
  },
  {
    "username": "bob",
    "passwordHash": "h2",
    "balance": 10,
    "loanBalance": -7
  }
]`)

	out, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(out))
	}
	alice := out[0]
	if alice.CashBalance != -50.25 || alice.LoanBalance != 300 || alice.PasswordSalt != "s1" {
		t.Fatalf("alice migrated wrong: %+v", alice)
	}
	if len(alice.Holdings) != 1 || alice.Holdings["AAPL"] != 2 {
		t.Fatalf("non-positive portfolio entries should be dropped: %+v", alice.Holdings)
	}
	bob := out[1]
	if bob.LoanBalance != 0 {
		t.Fatalf("negative legacy loan should clamp to zero, got %v", bob.LoanBalance)
	}
}

func TestDecodeV1Envelope(t *testing.T) {
	data := []byte(`{
  "version": 1,
  "accounts": [
    {"username": "alice", "passwordHash": "h", "balance": 5, "loanBalance": 1, "portfolio": {"TSLA": 4}}
  ]
}`)
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].CashBalance != 5 || out[0].Holdings["TSLA"] != 4 {
		t.Fatalf("v1 envelope migrated wrong: %+v", out)
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	if _, err := Decode([]byte(`{"version": 99, "accounts": []}`)); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestDecodeEmpty(t *testing.T) {
	for _, data := range []string{"", "   \n"} {
		out, err := Decode([]byte(data))
		if err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		if out != nil {
			t.Fatalf("expected nil accounts for %q", data)
		}
	}
}

func TestDecodeGarbage(t *testing.T) {
	for _, data := range []string{"not json", "{", "[{]"} {
		if _, err := Decode([]byte(data)); err == nil {
			t.Fatalf("expected error decoding %q", data)
		}
	}
}
