package carga

import (
	"context"
	"fmt"
)

// RuleDuplicateInBatch marks a row rejected because an earlier row in the
// same batch already claimed the CUI.
const RuleDuplicateInBatch = "cui_duplicado_lote"

// DuplicateResolver classifies rows that survived validation. Batch-internal
// duplication is checked before the store lookup: the first occurrence wins
// and later ones are rejected, never silently merged.
type DuplicateResolver struct {
	store ExpedienteStore
}

func NewDuplicateResolver(store ExpedienteStore) *DuplicateResolver {
	return &DuplicateResolver{store: store}
}

// Resolve decides NEW, UPDATE or DUPLICATE_REJECTED for one row. seenNew maps
// canonical CUI to the row number of its first NEW occurrence in this batch;
// the caller grows it monotonically in file order. A store error aborts the
// run. The returned violation is non-nil only for duplicates and records the
// earlier row; it is a classification outcome, not a blocking failure.
func (r *DuplicateResolver) Resolve(ctx context.Context, row *NormalizedRow, seenNew map[string]int) (Resolution, string, *Violation, error) {
	if firstRow, dup := seenNew[row.CUI]; dup {
		v := &Violation{
			Field:    ColCUI,
			Rule:     RuleDuplicateInBatch,
			Message:  fmt.Sprintf("CUI %s ya registrado como nuevo en la fila %d de este lote", row.CUI, firstRow),
			Severity: SeverityWarning,
		}
		return ResolutionDuplicate, "", v, nil
	}

	id, found, err := r.store.FindByCUI(ctx, row.CUI)
	if err != nil {
		return "", "", nil, fmt.Errorf("consulta de expediente para CUI %s: %w", row.CUI, err)
	}
	if found {
		return ResolutionUpdate, id, nil, nil
	}
	return ResolutionNew, "", nil, nil
}
