package carga

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Rule identifiers for orchestrator-level violations.
const (
	RuleRowStructure = "fila_ilegible"
	RuleStoreWrite   = "error_almacen"
)

// Pipeline drives one carga masiva run: read, classify, resolve duplicates,
// commit, audit. Classification is row-independent and may fan out across
// workers; duplicate resolution is always a sequential pass in file order;
// commits happen only after the whole batch is classified, so a structural
// failure mid-classification leaves no partial writes.
type Pipeline struct {
	normalizer *Normalizer
	rules      *RuleSet
	resolver   *DuplicateResolver
	store      ExpedienteStore
	audit      AuditRecorder
	workers    int
	now        func() time.Time
}

// PipelineOption tweaks pipeline construction.
type PipelineOption func(*Pipeline)

// WithWorkers enables parallel classification with n workers. Outcomes are
// unchanged; only wall time is.
func WithWorkers(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 1 {
			p.workers = n
		}
	}
}

// WithClock injects the submission/validation clock, for tests.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		p.now = now
		p.normalizer.now = now
		p.rules.now = now
	}
}

func NewPipeline(catalog Catalog, store ExpedienteStore, audit AuditRecorder, rules *RuleSet, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		normalizer: NewNormalizer(catalog),
		rules:      rules,
		resolver:   NewDuplicateResolver(store),
		store:      store,
		audit:      audit,
		workers:    1,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// classification holds the per-row result of phase two, before duplicate
// resolution assigns the final resolution.
type classification struct {
	raw        *RawRow
	outcome    RowOutcome
	classified bool
}

// Run executes the pipeline over one row source and returns the immutable
// BatchResult. Every non-blank data row appears exactly once in the result.
// Only collaborator failures (catalog, store, audit) and read failures that
// are not row-scoped return an error.
func (p *Pipeline) Run(ctx context.Context, src RowSource) (*BatchResult, error) {
	result := &BatchResult{
		BatchID:     uuid.New(),
		SubmittedAt: p.now().UTC(),
	}

	slots, err := p.readAll(ctx, src)
	if err != nil {
		return nil, err
	}
	result.TotalRows = len(slots)

	if err := p.classifyAll(ctx, slots); err != nil {
		return nil, err
	}

	// Duplicate resolution must observe rows in file order: the NEW set
	// grows monotonically as rows are processed.
	seenNew := make(map[string]int)
	for _, s := range slots {
		if !s.classified {
			continue
		}
		if HasBlocking(s.outcome.Violations) {
			s.outcome.Resolution = ResolutionInvalid
			continue
		}
		res, target, violation, err := p.resolver.Resolve(ctx, s.outcome.Normalized, seenNew)
		if err != nil {
			return nil, err
		}
		s.outcome.Resolution = res
		s.outcome.TargetExpedienteID = target
		if violation != nil {
			s.outcome.Violations = append(s.outcome.Violations, *violation)
		}
		if res == ResolutionNew {
			seenNew[s.outcome.Normalized.CUI] = s.outcome.Row
		}
	}

	// Commit phase: exactly one store write per accepted row. A write
	// failure downgrades the row, it never disappears from the report.
	for _, s := range slots {
		p.commitRow(ctx, &s.outcome)
	}

	for _, s := range slots {
		result.Outcomes = append(result.Outcomes, s.outcome)
		switch s.outcome.Resolution {
		case ResolutionNew:
			result.Counts.New++
		case ResolutionUpdate:
			result.Counts.Updated++
		case ResolutionDuplicate:
			result.Counts.Duplicate++
		default:
			result.Counts.Invalid++
		}
	}

	if p.audit != nil {
		if err := p.audit.RecordBatch(ctx, result); err != nil {
			return result, fmt.Errorf("registro de auditoría del lote %s: %w", result.BatchID, err)
		}
	}

	return result, nil
}

// readAll drains the source. A *RowError yields an INVALID outcome and the
// batch continues; any other read error aborts before producing outcomes.
func (p *Pipeline) readAll(ctx context.Context, src RowSource) ([]*classification, error) {
	var slots []*classification
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := src.Next()
		if errors.Is(err, io.EOF) {
			return slots, nil
		}
		var rowErr *RowError
		if errors.As(err, &rowErr) {
			slots = append(slots, &classification{
				outcome: RowOutcome{
					Row:        rowErr.Row,
					Resolution: ResolutionInvalid,
					Violations: []Violation{{
						Rule:     RuleRowStructure,
						Message:  fmt.Sprintf("fila %d ilegible: %s", rowErr.SheetRow, rowErr.Reason),
						Severity: SeverityBlocking,
					}},
				},
			})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lectura del archivo: %w", err)
		}
		slots = append(slots, &classification{
			raw:     raw,
			outcome: RowOutcome{Row: raw.Row},
		})
	}
}

// classifyAll normalizes and validates every readable row, sequentially or
// across a worker pool. Results land in the slot for that row, so output
// order never depends on scheduling.
func (p *Pipeline) classifyAll(ctx context.Context, slots []*classification) error {
	if p.workers <= 1 {
		for _, s := range slots {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := p.classify(ctx, s); err != nil {
				return err
			}
		}
		return nil
	}

	jobs := make(chan *classification)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	setErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}
	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// keep draining after a failure so the feeder never blocks on
			// the unbuffered channel
			for s := range jobs {
				if failed() {
					continue
				}
				if err := ctx.Err(); err != nil {
					setErr(err)
					continue
				}
				if err := p.classify(ctx, s); err != nil {
					setErr(err)
				}
			}
		}()
	}

	for _, s := range slots {
		if s.raw == nil {
			continue
		}
		jobs <- s
	}
	close(jobs)
	wg.Wait()
	return firstErr
}

func (p *Pipeline) classify(ctx context.Context, s *classification) error {
	if s.raw == nil {
		return nil
	}
	row, violations, err := p.normalizer.NormalizeRow(ctx, s.raw)
	if err != nil {
		return err
	}
	s.outcome.Normalized = row
	s.outcome.Violations = p.rules.Validate(row, violations)
	s.classified = true
	return nil
}

// commitRow performs the single store write for an accepted outcome. On
// failure the outcome is downgraded to INVALID with the write error attached.
func (p *Pipeline) commitRow(ctx context.Context, outcome *RowOutcome) {
	switch outcome.Resolution {
	case ResolutionNew:
		if _, err := p.store.Create(ctx, outcome.Normalized); err != nil {
			p.downgrade(outcome, err)
			return
		}
	case ResolutionUpdate:
		if err := p.store.Update(ctx, outcome.TargetExpedienteID, outcome.Normalized); err != nil {
			p.downgrade(outcome, err)
			return
		}
	default:
		return
	}
	outcome.Committed = true
}

func (p *Pipeline) downgrade(outcome *RowOutcome, err error) {
	log.Printf("[SESAN] fila %d: escritura de expediente fallida: %v", outcome.Row, err)
	outcome.Resolution = ResolutionInvalid
	outcome.CommitError = err.Error()
	outcome.Violations = append(outcome.Violations, Violation{
		Rule:     RuleStoreWrite,
		Message:  fmt.Sprintf("no se pudo guardar el expediente: %v", err),
		Severity: SeverityBlocking,
	})
}
