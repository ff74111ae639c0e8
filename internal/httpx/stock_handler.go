package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/catalog"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/inventory"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/logx"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/stock"
)

const maxUpload = 10 << 20

type StockHandler struct {
	Engine     *inventory.Engine
	Stats      *inventory.Stats
	Reconciler *inventory.Reconciler
	Catalog    *catalog.Service
	Store      stock.Store
	Log        *zap.Logger
}

func (h *StockHandler) Register(r chi.Router) {
	r.Post("/reservations", h.reserve)
	r.Post("/orders/{id}/finalize", h.finalize)
	r.Post("/orders/{id}/release", h.release)
	r.Get("/orders/{id}/reservations", h.orderReservations)
	r.Get("/orders/{id}/deliveries", h.orderDeliveries)

	r.Get("/products", h.listProducts)
	r.Put("/products/{code}", h.upsertProduct)
	r.Get("/products/{code}/stats", h.productStats)
	r.Post("/products/{code}/items", h.addItems)
	r.Get("/products/{code}/items", h.listItems)
	r.Get("/products/{code}/items/export", h.exportItems)
	r.Get("/stats", h.stats)

	r.Post("/items/import", h.importItems)
	r.Post("/items/delete", h.deleteItems)

	r.Post("/maintenance/expire", h.cleanExpired)
	r.Get("/maintenance/reconcile", h.reconcile)
}

type reserveReq struct {
	OrderID     string           `json:"order_id"`
	ProductCode string           `json:"product_code"`
	Qty         int              `json:"qty"`
	UserRef     string           `json:"user_ref"`
	Lines       []inventory.Line `json:"lines,omitempty"`
}

func (h *StockHandler) reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	lines := req.Lines
	if len(lines) == 0 {
		lines = []inventory.Line{{ProductCode: req.ProductCode, Qty: req.Qty}}
	}
	res, err := h.Engine.ReserveOrder(r.Context(), req.OrderID, req.UserRef, lines)
	h.writeResult(w, r, res, err)
}

type finalizeReq struct {
	Total decimal.Decimal `json:"total"`
}

func (h *StockHandler) finalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeReq
	if err := decodeOptional(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	res, err := h.Engine.Finalize(r.Context(), chi.URLParam(r, "id"), req.Total)
	h.writeResult(w, r, res, err)
}

type releaseReq struct {
	Reason stock.ReleaseReason `json:"reason"`
}

func (h *StockHandler) release(w http.ResponseWriter, r *http.Request) {
	var req releaseReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	res, err := h.Engine.Release(r.Context(), chi.URLParam(r, "id"), req.Reason)
	h.writeResult(w, r, res, err)
}

// orderReservations lists every reservation of the order unless ?status=
// narrows it, e.g. status=reserved for only the active ones.
func (h *StockHandler) orderReservations(w http.ResponseWriter, r *http.Request) {
	var want stock.ReservationStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st, ok := stock.ParseReservationStatus(s)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status"})
			return
		}
		want = st
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rs, err := h.Store.Reservations(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if want != "" {
		rs = slices.DeleteFunc(rs, func(res stock.Reservation) bool { return res.Status != want })
	}
	writeJSON(w, http.StatusOK, nonNil(rs))
}

func (h *StockHandler) orderDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ds, err := h.Store.DeliveryRecords(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(ds))
}

func (h *StockHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Store.Products(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(ps))
}

type productReq struct {
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Category string          `json:"category"`
}

func (h *StockHandler) upsertProduct(w http.ResponseWriter, r *http.Request) {
	var req productReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Price.IsNegative() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "price must not be negative"})
		return
	}
	p := stock.Product{Code: chi.URLParam(r, "code"), Name: req.Name, Price: req.Price, Category: req.Category}
	if err := h.Store.UpsertProduct(r.Context(), p); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *StockHandler) stats(w http.ResponseWriter, r *http.Request) {
	ov, err := h.Stats.Overview(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

func (h *StockHandler) productStats(w http.ResponseWriter, r *http.Request) {
	c, err := h.Stats.ItemCounts(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type addItemsReq struct {
	Items []string `json:"items"`
	Batch string   `json:"batch"`
	Notes string   `json:"notes"`
}

// addItems takes either a JSON body or plain text with one payload per line.
func (h *StockHandler) addItems(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)

	var (
		n   int
		err error
	)
	if isJSON(r) {
		var req addItemsReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		n, err = h.Catalog.AddItems(r.Context(), code, trimAll(req.Items), req.Batch, req.Notes)
	} else {
		q := r.URL.Query()
		n, err = h.Catalog.Import(r.Context(), catalog.FormatTXT, r.Body,
			catalog.Defaults{ProductCode: code, Batch: q.Get("batch"), Notes: q.Get("notes")})
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"added": n})
}

func (h *StockHandler) listItems(w http.ResponseWriter, r *http.Request) {
	f := stock.ItemFilter{ProductCode: chi.URLParam(r, "code")}
	if s := r.URL.Query().Get("status"); s != "" {
		st, ok := stock.ParseItemStatus(s)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status"})
			return
		}
		f.Status = st
	}
	items, err := h.Store.ListItems(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(items))
}

func (h *StockHandler) exportItems(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	q := r.URL.Query()
	f := catalog.FormatCSV
	if s := q.Get("format"); s != "" {
		var ok bool
		if f, ok = catalog.ParseFormat(s); !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "format must be csv or txt"})
			return
		}
	}
	ids, err := parseIDs(q.Get("ids"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad ids"})
		return
	}

	ctype := "text/csv; charset=utf-8"
	if f == catalog.FormatTXT {
		ctype = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment",
		map[string]string{"filename": "items_" + code + "." + string(f)}))
	if err := h.Catalog.Export(r.Context(), w, f, code, ids); err != nil {
		logx.Error(r.Context(), h.Log, "export failed", zap.String("product_code", code), zap.Error(err))
	}
}

// importItems accepts a raw body or a multipart "file" field.
func (h *StockHandler) importItems(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	q := r.URL.Query()

	var body io.Reader = r.Body
	name := ""
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
		file, hdr, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing file"})
			return
		}
		defer file.Close()
		body, name = file, hdr.Filename
	}

	f, ok := catalog.ParseFormat(q.Get("format"))
	if !ok {
		f, ok = catalog.ParseFormat(strings.TrimPrefix(path.Ext(name), "."))
	}
	if !ok {
		f = catalog.FormatCSV
	}

	n, err := h.Catalog.Import(r.Context(), f, body, catalog.Defaults{
		ProductCode: q.Get("product"),
		Batch:       q.Get("batch"),
		Notes:       q.Get("notes"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"imported": n})
}

type deleteReq struct {
	IDs []int64 `json:"ids"`
}

func (h *StockHandler) deleteItems(w http.ResponseWriter, r *http.Request) {
	var req deleteReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	res, err := h.Catalog.Delete(r.Context(), req.IDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *StockHandler) cleanExpired(w http.ResponseWriter, r *http.Request) {
	n, err := h.Engine.CleanExpired(r.Context())
	if err != nil {
		logx.Warn(r.Context(), h.Log, "manual expiry sweep had failures", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"released_orders": n, "complete": err == nil})
}

func (h *StockHandler) reconcile(w http.ResponseWriter, r *http.Request) {
	ds, err := h.Reconciler.Run(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(ds), "discrepancies": ds})
}

// statusFor maps an engine outcome onto an HTTP status.
func statusFor(msg string) int {
	switch msg {
	case inventory.MsgReserved:
		return http.StatusCreated
	case inventory.MsgAlreadyReserved, inventory.MsgFinalized, inventory.MsgAlreadyFinalized,
		inventory.MsgReleased, inventory.MsgNoActiveReservation:
		return http.StatusOK
	case inventory.MsgInsufficientStock, inventory.MsgReservationClosed:
		return http.StatusConflict
	case inventory.MsgUnknownProduct, inventory.MsgInvalidRequest, inventory.MsgInvalidReason:
		return http.StatusBadRequest
	case inventory.MsgNoReservation:
		return http.StatusNotFound
	case inventory.MsgConflict:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *StockHandler) writeResult(w http.ResponseWriter, r *http.Request, res inventory.Result, err error) {
	code := statusFor(res.Msg)
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if err != nil {
		logx.Debug(r.Context(), h.Log, "engine error", zap.String("msg", res.Msg), zap.Error(err))
	}
	writeJSON(w, code, res)
}

func (h *StockHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *stock.ValidationError
		nf *stock.NotFoundError
		mb *http.MaxBytesError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Error()})
	case errors.As(err, &mb):
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": nf.Error()})
	case stock.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "conflict"})
	default:
		logx.Error(r.Context(), h.Log, "request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func isJSON(r *http.Request) bool {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mt == "application/json"
}

func parseIDs(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	var out []int64
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
