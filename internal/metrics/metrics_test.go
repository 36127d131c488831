package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/wallets/{customerID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	counter := HTTPRequestsTotal.WithLabelValues("GET", "/wallets/{customerID}", "404")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"c1", "c2", "c3"} {
		req := httptest.NewRequest("GET", "/wallets/"+id, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	if got := testutil.ToFloat64(counter) - before; got != 3 {
		t.Errorf("expected 3 requests under one route label, got %v", got)
	}
}

func TestHandler_ExposesLedgerMetrics(t *testing.T) {
	OrdersTotal.WithLabelValues("BUY", "FILLED").Inc()

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := w.Body.String(); !strings.Contains(body, "ledger_orders_total") {
		t.Error("expected ledger_orders_total in exposition")
	}
}
