package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const watchedBTC = "bc1qwatched"

func TestEsploraFetchInbound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/address/"+watchedBTC+"/txs" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`[
			{"txid":"mempool","vin":[{"prevout":{"scriptpubkey_address":"bc1qsender","value":90000}}],
			 "vout":[{"scriptpubkey_address":"bc1qwatched","value":50000},{"scriptpubkey_address":"bc1qwatched","value":25000}],
			 "status":{"confirmed":false}},
			{"txid":"change","vin":[{"prevout":{"scriptpubkey_address":"bc1qwatched","value":90000}}],
			 "vout":[{"scriptpubkey_address":"bc1qwatched","value":10000}],
			 "status":{"confirmed":true,"block_time":1700000000}},
			{"txid":"mined","vin":[{"prevout":null}],
			 "vout":[{"scriptpubkey_address":"bc1qwatched","value":100000000}],
			 "status":{"confirmed":true,"block_time":1700000000}},
			{"txid":"elsewhere","vin":[],"vout":[{"scriptpubkey_address":"bc1qother","value":1}],"status":{"confirmed":true}}
		]`))
	}))
	defer srv.Close()

	polled := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	e := NewEsplora(EsploraOptions{BaseURL: srv.URL}, noopLogger())
	e.now = func() time.Time { return polled }

	got, err := e.FetchRecent(context.Background(), watchedBTC)
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("期望 2 笔入账, 实际 %d", len(got))
	}

	pending := got[0]
	if pending.ID != "mempool" || pending.Confirmed {
		t.Fatalf("第一笔应为未确认交易: %+v", pending)
	}
	if !pending.Amount.Equal(decimal.RequireFromString("0.00075")) {
		t.Fatalf("应汇总所有输出, 实际 %s", pending.Amount)
	}
	if pending.Counterparty != "bc1qsender" || !pending.ObservedAt.Equal(polled) {
		t.Fatalf("对手方或时间错误: %+v", pending)
	}

	mined := got[1]
	if !mined.Confirmed || mined.Counterparty != "unknown" || mined.ObservedAt.Unix() != 1700000000 {
		t.Fatalf("已确认交易解析错误: %+v", mined)
	}
	if !mined.Amount.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("期望 1 BTC, 实际 %s", mined.Amount)
	}
}

func TestEsploraHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Invalid Bitcoin address"))
	}))
	defer srv.Close()

	e := NewEsplora(EsploraOptions{BaseURL: srv.URL}, noopLogger())
	if _, err := e.FetchRecent(context.Background(), watchedBTC); err == nil {
		t.Fatal("HTTP 400 应返回错误")
	}
}
