package catalog

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/logx"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/stock"
)

type Service struct {
	store stock.Store
	log   *zap.Logger
}

func NewService(store stock.Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log}
}

// Import parses a whole file and inserts its items, all or none.
func (s *Service) Import(ctx context.Context, f Format, r io.Reader, d Defaults) (int, error) {
	items, err := Parse(f, r, d)
	if err != nil {
		return 0, err
	}
	n, err := s.store.InsertItems(ctx, items)
	if err != nil {
		return 0, err
	}
	logx.Info(ctx, s.log, "items imported",
		zap.String("format", string(f)), zap.String("product_code", d.ProductCode), zap.Int("count", n))
	return n, nil
}

// AddItems adds one available item per payload to productCode.
func (s *Service) AddItems(ctx context.Context, productCode string, payloads []string, batch, notes string) (int, error) {
	items := make([]stock.Item, 0, len(payloads))
	for _, p := range payloads {
		if p == "" {
			continue
		}
		items = append(items, stock.Item{
			ProductCode: productCode,
			Data:        p,
			Status:      stock.ItemAvailable,
			Batch:       batch,
			Notes:       notes,
		})
	}
	if len(items) == 0 {
		return 0, &stock.ValidationError{Field: "items", Reason: "no items"}
	}
	n, err := s.store.InsertItems(ctx, items)
	if err != nil {
		return 0, err
	}
	logx.Info(ctx, s.log, "items added", zap.String("product_code", productCode), zap.Int("count", n))
	return n, nil
}

// Export writes the items of productCode, optionally narrowed to ids.
func (s *Service) Export(ctx context.Context, w io.Writer, f Format, productCode string, ids []int64) error {
	items, err := s.store.ListItems(ctx, stock.ItemFilter{ProductCode: productCode, IDs: ids})
	if err != nil {
		return err
	}
	return Write(f, w, items)
}

type DeleteResult struct {
	Requested int `json:"requested"`
	Deleted   int `json:"deleted"`
}

// Delete removes the available items among ids; others are left untouched.
func (s *Service) Delete(ctx context.Context, ids []int64) (DeleteResult, error) {
	res := DeleteResult{Requested: len(ids)}
	if len(ids) == 0 {
		return res, nil
	}
	n, err := s.store.DeleteAvailable(ctx, ids)
	if err != nil {
		return res, err
	}
	res.Deleted = n
	logx.Info(ctx, s.log, "items deleted", zap.Int("requested", res.Requested), zap.Int("deleted", n))
	return res, nil
}
