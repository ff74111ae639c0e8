package httpx

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/catalog"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/inventory"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/stock"
)

type conflictStore struct{ stock.Store }

func (conflictStore) InTx(context.Context, func(context.Context, stock.Tx) error) error {
	return &stock.ConflictError{Op: "claim"}
}

func newTestServer(t *testing.T, store stock.Store) *httptest.Server {
	t.Helper()
	log := zaptest.NewLogger(t)
	engine := inventory.NewEngine(store, log, inventory.Options{MaxRetries: 1, Backoff: time.Millisecond})
	h := &StockHandler{
		Engine:     engine,
		Stats:      inventory.NewStats(store, nil, time.Second, log),
		Reconciler: inventory.NewReconciler(store, nil, time.Minute, log),
		Catalog:    catalog.NewService(store, log),
		Store:      store,
		Log:        log,
	}
	r := NewRouter()
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, ctype string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func doJSON(t *testing.T, method, url string, v any) *http.Response {
	t.Helper()
	var body []byte
	if v != nil {
		var err error
		body, err = json.Marshal(v)
		require.NoError(t, err)
	}
	return do(t, method, url, "application/json", body)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// stocked creates PAKET-30H with n items through the API.
func stocked(t *testing.T, srv *httptest.Server, n int) {
	t.Helper()
	resp := doJSON(t, http.MethodPut, srv.URL+"/products/PAKET-30H",
		map[string]any{"name": "Paket 30 Hari", "price": "25000", "category": "streaming"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lines := make([]string, n)
	for i := range lines {
		lines[i] = "user" + string(rune('a'+i)) + "@mail.test|secret"
	}
	resp = do(t, http.MethodPost, srv.URL+"/products/PAKET-30H/items?batch=JAN", "text/plain",
		[]byte(strings.Join(lines, "\n")))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, map[string]int{"added": n}, decode[map[string]int](t, resp))
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, stock.NewMemStore())
	resp := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReservationLifecycle(t *testing.T) {
	srv := newTestServer(t, stock.NewMemStore())
	stocked(t, srv, 3)

	resp := doJSON(t, http.MethodPost, srv.URL+"/reservations",
		map[string]any{"order_id": "order1", "product_code": "PAKET-30H", "qty": 2, "user_ref": "tg:9"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	res := decode[inventory.Result](t, resp)
	assert.True(t, res.OK)
	assert.False(t, res.ExpiresAt.IsZero())

	resp = doJSON(t, http.MethodPost, srv.URL+"/reservations",
		map[string]any{"order_id": "order2", "product_code": "PAKET-30H", "qty": 2})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	res = decode[inventory.Result](t, resp)
	assert.Equal(t, inventory.MsgInsufficientStock, res.Msg)
	require.NotNil(t, res.Available)
	assert.Equal(t, 1, *res.Available)

	resp = doJSON(t, http.MethodPost, srv.URL+"/orders/order1/finalize", map[string]any{"total": "50000"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res = decode[inventory.Result](t, resp)
	assert.Equal(t, inventory.MsgFinalized, res.Msg)
	assert.Len(t, res.Items, 2)

	resp = do(t, http.MethodGet, srv.URL+"/orders/order1/deliveries", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]stock.DeliveryRecord](t, resp), 2)

	resp = doJSON(t, http.MethodPost, srv.URL+"/orders/order2/release", map[string]any{"reason": "cancelled"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, inventory.MsgNoActiveReservation, decode[inventory.Result](t, resp).Msg)

	resp = do(t, http.MethodGet, srv.URL+"/products/PAKET-30H/stats", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, stock.ItemCounts{Total: 3, Available: 1, Sold: 2}, decode[stock.ItemCounts](t, resp))

	resp = do(t, http.MethodGet, srv.URL+"/maintenance/reconcile", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, decode[map[string]any](t, resp)["count"])
}

func TestStatusMapping(t *testing.T) {
	srv := newTestServer(t, stock.NewMemStore())
	stocked(t, srv, 1)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		code   int
	}{
		{"unknown product", http.MethodPost, "/reservations", map[string]any{"order_id": "o1", "product_code": "NOPE", "qty": 1}, http.StatusBadRequest},
		{"zero qty", http.MethodPost, "/reservations", map[string]any{"order_id": "o1", "product_code": "PAKET-30H", "qty": 0}, http.StatusBadRequest},
		{"finalize without reservation", http.MethodPost, "/orders/ghost/finalize", nil, http.StatusNotFound},
		{"bad release reason", http.MethodPost, "/orders/o1/release", map[string]any{"reason": "bored"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}
}

func TestConflictAsksClientToRetry(t *testing.T) {
	srv := newTestServer(t, conflictStore{Store: stock.NewMemStore()})

	resp := doJSON(t, http.MethodPost, srv.URL+"/reservations",
		map[string]any{"order_id": "o1", "product_code": "P", "qty": 1})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, inventory.MsgConflict, decode[inventory.Result](t, resp).Msg)
}

func TestImportExportAndDelete(t *testing.T) {
	srv := newTestServer(t, stock.NewMemStore())
	resp := doJSON(t, http.MethodPut, srv.URL+"/products/NETFLIX-1M", map[string]any{"name": "Netflix", "price": "40000"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "stock.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("product_code,item_data,batch\nNETFLIX-1M,a@x.test|1,FEB\nNETFLIX-1M,b@x.test|2,FEB\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp = do(t, http.MethodPost, srv.URL+"/items/import", mw.FormDataContentType(), buf.Bytes())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, map[string]int{"imported": 2}, decode[map[string]int](t, resp))

	resp = do(t, http.MethodPost, srv.URL+"/items/import?format=csv", "text/csv",
		[]byte("product_code,item_data\nUNKNOWN,zzz\n"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/products/NETFLIX-1M/items/export?format=csv", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "items_NETFLIX-1M.csv")
	rows, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Product Code", rows[0][0])
	assert.Equal(t, "FEB", rows[1][3])

	resp = doJSON(t, http.MethodPost, srv.URL+"/reservations",
		map[string]any{"order_id": "o1", "product_code": "NETFLIX-1M", "qty": 1})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = doJSON(t, http.MethodPost, srv.URL+"/orders/o1/finalize", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/products/NETFLIX-1M/items", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := decode[[]stock.Item](t, resp)
	require.Len(t, items, 2)

	resp = doJSON(t, http.MethodPost, srv.URL+"/items/delete", map[string]any{"ids": []int64{items[0].ID, items[1].ID}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, catalog.DeleteResult{Requested: 2, Deleted: 1}, decode[catalog.DeleteResult](t, resp))

	resp = do(t, http.MethodGet, srv.URL+"/products/NETFLIX-1M/items?status=available", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]stock.Item](t, resp))

	resp = do(t, http.MethodGet, srv.URL+"/products/NETFLIX-1M/items?status=weird", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusForCoversEveryMsg(t *testing.T) {
	assert.Equal(t, http.StatusCreated, statusFor(inventory.MsgReserved))
	assert.Equal(t, http.StatusOK, statusFor(inventory.MsgAlreadyFinalized))
	assert.Equal(t, http.StatusConflict, statusFor(inventory.MsgReservationClosed))
	assert.Equal(t, http.StatusInternalServerError, statusFor(inventory.MsgPersistenceError))
}

func TestFinalizeTwiceReturnsEmptyItems(t *testing.T) {
	srv := newTestServer(t, stock.NewMemStore())
	stocked(t, srv, 2)

	resp := doJSON(t, http.MethodPost, srv.URL+"/reservations",
		map[string]any{"order_id": "o1", "product_code": "PAKET-30H", "qty": 2})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = doJSON(t, http.MethodPost, srv.URL+"/orders/o1/finalize", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/orders/o1/finalize", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, inventory.MsgAlreadyFinalized, body["msg"])
	items, ok := body["items"]
	require.True(t, ok, "items key missing")
	assert.Equal(t, []any{}, items)
}

func TestOrderReservationsStatusFilter(t *testing.T) {
	srv := newTestServer(t, stock.NewMemStore())
	stocked(t, srv, 3)

	for _, order := range []string{"o1", "o2"} {
		resp := doJSON(t, http.MethodPost, srv.URL+"/reservations",
			map[string]any{"order_id": order, "product_code": "PAKET-30H", "qty": 1})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp := doJSON(t, http.MethodPost, srv.URL+"/orders/o2/release", map[string]any{"reason": "cancelled"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := func(order, query string) []stock.Reservation {
		t.Helper()
		resp := do(t, http.MethodGet, srv.URL+"/orders/"+order+"/reservations"+query, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return decode[[]stock.Reservation](t, resp)
	}

	assert.Len(t, list("o1", ""), 1)
	assert.Len(t, list("o1", "?status=reserved"), 1)
	assert.Empty(t, list("o1", "?status=released"))
	assert.Empty(t, list("o2", "?status=reserved"))

	released := list("o2", "?status=released")
	require.Len(t, released, 1)
	assert.Equal(t, stock.ReasonCancelled, released[0].Reason)

	resp = do(t, http.MethodGet, srv.URL+"/orders/o1/reservations?status=sold", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
