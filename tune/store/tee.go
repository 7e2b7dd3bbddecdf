package store

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/autotune/tune"
)

// Tee writes to a primary ledger and best-effort mirrors. Reads come from the primary.
type Tee struct {
	Primary tune.Ledger
	Mirrors []tune.Ledger
}

func (t *Tee) Save(ctx context.Context, rec tune.Record) error {
	if err := t.Primary.Save(ctx, rec); err != nil {
		return err
	}
	for _, m := range t.Mirrors {
		if err := m.Save(ctx, rec); err != nil {
			logrus.Warnf("store: mirror save failed: %v", err)
		}
	}
	return nil
}

func (t *Tee) Load(ctx context.Context) ([]tune.Record, error) { return t.Primary.Load(ctx) }

func (t *Tee) Best(ctx context.Context, k int) ([]tune.Record, error) {
	return t.Primary.Best(ctx, k)
}

func (t *Tee) Close() error {
	errs := []error{t.Primary.Close()}
	for _, m := range t.Mirrors {
		errs = append(errs, m.Close())
	}
	return errors.Join(errs...)
}
