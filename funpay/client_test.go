package funpay

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"keyharvest/domain"
)

const landingPage = `<html><body data-app-data='{"locale":"ru","csrf-token":"tok123","userId":4242}'>
<div class="user-link-name">seller</div></body></html>`

func sellsPage(next string, rows ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="tc">`)
	for _, r := range rows {
		b.WriteString(r)
	}
	b.WriteString(`</div>`)
	if next != "" {
		fmt.Fprintf(&b, `<form><input type="hidden" name="continue" value="%s"></form>`, next)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

func row(class, id, desc string) string {
	return fmt.Sprintf(`<a class="tc-item %s" href="/orders/%s/">
<div class="tc-date-time">12 May, 10:00</div>
<div class="tc-order">#%s</div>
<div class="order-desc"><div>%s</div></div>
<div class="media-user-name"><span>buyer1</span></div>
<div class="tc-price">100 ₽</div></a>`, class, id, id, desc)
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: srv.URL, GoldenKey: "gk", Transport: http.DefaultTransport})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewRequiresGoldenKey(t *testing.T) {
	_, err := New(Config{GoldenKey: "  "})
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestConnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ck, err := r.Cookie("golden_key")
		if err != nil || ck.Value != "gk" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.Header.Get("User-Agent") != DefaultUserAgent {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		fmt.Fprint(w, landingPage)
	}))
	defer srv.Close()

	acc, err := newTestClient(t, srv).Connect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if acc.ID != 4242 || acc.Username != "seller" || acc.CSRFToken != "tok123" {
		t.Fatalf("unexpected account: %+v", acc)
	}
}

func TestConnectAnonymousPageIsUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body data-app-data='{"userId":0}'></body></html>`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Connect(context.Background())
	if !IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status       int
		unauthorized bool
		failed       bool
	}{
		{http.StatusForbidden, true, false},
		{http.StatusInternalServerError, false, true},
		{http.StatusTooManyRequests, false, true},
		{http.StatusNotFound, false, true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, _, err := newTestClient(t, srv).ListSells(context.Background(), SellsQuery{State: "closed"})
		srv.Close()
		if IsUnauthorized(err) != tc.unauthorized || IsRequestFailed(err) != tc.failed {
			t.Fatalf("status %d: got err=%v", tc.status, err)
		}
	}
}

func TestTransportErrorIsRequestFailed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := newTestClient(t, srv)
	srv.Close()

	_, err := c.GetOrderDetail(context.Background(), "ABC")
	if !IsRequestFailed(err) {
		t.Fatalf("expected request failed, got %v", err)
	}
}

func TestListSellsPaging(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/trade" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("game"); got != "41" {
			t.Errorf("game=%q", got)
		}
		if got := r.URL.Query().Get("state"); got != "closed" {
			t.Errorf("state=%q", got)
		}
		_ = r.ParseForm()
		mu.Lock()
		calls = append(calls, r.Method+" "+r.PostForm.Get("continue"))
		mu.Unlock()

		if r.Method == http.MethodGet {
			fmt.Fprint(w, sellsPage("CUR2",
				row("", "AAA111", "Windows 11 Pro key"),
				row("warning", "BBB222", "Windows 11 Pro key"),
				row("info", "CCC333", "Windows 11 Pro key"),
			))
			return
		}
		if r.Header.Get("X-Requested-With") != "XMLHttpRequest" {
			t.Errorf("continuation without XHR header")
		}
		fmt.Fprint(w, sellsPage("", row("", "DDD444", "Office 2021")))
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	next, orders, err := c.ListSells(context.Background(), SellsQuery{CategoryID: 41, State: "closed"})
	if err != nil {
		t.Fatal(err)
	}
	if next != "CUR2" {
		t.Fatalf("next=%q", next)
	}
	if len(orders) != 1 || orders[0].ID != "AAA111" {
		t.Fatalf("expected only the closed order, got %+v", orders)
	}
	o := orders[0]
	if o.Description != "Windows 11 Pro key" || o.CreatedAt != "12 May, 10:00" || o.Buyer != "buyer1" || o.Status != domain.OrderStatusClosed {
		t.Fatalf("unexpected summary: %+v", o)
	}

	next, orders, err = c.ListSells(context.Background(), SellsQuery{Cursor: next, CategoryID: 41, State: "closed"})
	if err != nil {
		t.Fatal(err)
	}
	if next != "" || len(orders) != 1 || orders[0].ID != "DDD444" {
		t.Fatalf("next=%q orders=%+v", next, orders)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"GET ", "POST CUR2"}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls=%v want=%v", calls, want)
	}
}

func TestListSellsIncludeFlags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sellsPage("", row("", "A1", "x"), row("warning", "B2", "x"), row("info", "C3", "x")))
	}))
	defer srv.Close()

	_, orders, err := newTestClient(t, srv).ListSells(context.Background(), SellsQuery{IncludePaid: true, IncludeRefunded: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 3 {
		t.Fatalf("got %d orders", len(orders))
	}
	if orders[1].Status != domain.OrderStatusRefunded || orders[2].Status != domain.OrderStatusPaid {
		t.Fatalf("unexpected statuses: %+v", orders)
	}
}

func TestLoginFormIsUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><div class="content-account-login"><form></form></div></body></html>`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	if _, _, err := c.ListSells(context.Background(), SellsQuery{}); !IsUnauthorized(err) {
		t.Fatalf("sells: expected unauthorized, got %v", err)
	}
	if _, err := c.GetOrderDetail(context.Background(), "A1"); !IsUnauthorized(err) {
		t.Fatalf("order: expected unauthorized, got %v", err)
	}
}

func TestGetOrderDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/XYZ789/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<html><body><span class="secret-placeholder">KEY-ABCDE</span></body></html>`)
	}))
	defer srv.Close()

	d, err := newTestClient(t, srv).GetOrderDetail(context.Background(), "XYZ789")
	if err != nil {
		t.Fatal(err)
	}
	if d.ID != "XYZ789" || !strings.Contains(d.HTML, "KEY-ABCDE") {
		t.Fatalf("unexpected detail: %+v", d)
	}
}
