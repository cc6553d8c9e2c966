package pivot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bitia-ru/k8s-pvc-migrate/pkg/statestore"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/types"
)

// LedgerKey is the store key the staging ledger is saved under.
const LedgerKey = "pivot-ledger"

// Ledger persists which volumes are staged in temp claims and still await
// recreation under their original names. It is the sole source of truth for
// resuming an interrupted migration.
type Ledger struct {
	store statestore.Store
}

func NewLedger(store statestore.Store) *Ledger {
	return &Ledger{store: store}
}

// Load returns the outstanding records. statestore.ErrNotFound passes through
// when no ledger has ever been written.
func (l *Ledger) Load(ctx context.Context) ([]types.PivotRecord, error) {
	data, err := l.store.Load(ctx, LedgerKey)
	if err != nil {
		return nil, err
	}
	var records []types.PivotRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decoding pivot ledger: %w", err)
	}
	return records, nil
}

func (l *Ledger) Save(ctx context.Context, records []types.PivotRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding pivot ledger: %w", err)
	}
	if err := l.store.Save(ctx, LedgerKey, data); err != nil {
		return fmt.Errorf("saving pivot ledger: %w", err)
	}
	return nil
}

func (l *Ledger) Clear(ctx context.Context) error {
	return l.store.Clear(ctx, LedgerKey)
}
