package expedientes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GTskipz/bono-nutricion-expediente-api/internal/carga"
)

// PGStore persists expedientes electrónicos in Postgres. One expediente per
// beneficiary CUI; the info_general projection carries the SESAN row detail.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

var _ carga.ExpedienteStore = (*PGStore)(nil)

func (s *PGStore) FindByCUI(ctx context.Context, cui string) (string, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT expediente_id
		FROM expediente_electronico
		WHERE cui_beneficiario = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, cui).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("búsqueda de expediente por CUI: %w", err)
	}
	return id, true, nil
}

func (s *PGStore) Create(ctx context.Context, row *carga.NormalizedRow) (string, error) {
	id := uuid.New().String()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("inicio de transacción: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	_, err = tx.Exec(ctx, `
		INSERT INTO expediente_electronico (
		  expediente_id, cui_beneficiario, nombre_beneficiario, rub,
		  departamento, municipio, monto_bono, estado, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'ACTIVO', $8, $8)
	`, id, row.CUI, row.Nombre, nullIfEmpty(row.RUB), row.Departamento, row.Municipio, row.MontoBono, now)
	if err != nil {
		return "", fmt.Errorf("alta de expediente: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO info_general (
		  expediente_id, cui_del_nino, nombre_del_nino, sexo, fecha_nacimiento,
		  edad_en_anios, comunidad_residencia, direccion_residencia,
		  nombre_de_la_madre, cui_de_la_madre, telefonos_encargados,
		  created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, id, row.CUI, row.Nombre, nullIfEmpty(row.Sexo), nullIfZeroTime(row.FechaNacimiento),
		row.EdadAnios, nullIfEmpty(row.Comunidad), nullIfEmpty(row.Direccion),
		nullIfEmpty(row.NombreMadre), nullIfEmpty(row.CUIMadre), nullIfEmpty(row.Telefonos), now)
	if err != nil {
		return "", fmt.Errorf("alta de info general: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("confirmación de expediente: %w", err)
	}
	return id, nil
}

func (s *PGStore) Update(ctx context.Context, id string, row *carga.NormalizedRow) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE expediente_electronico
		SET nombre_beneficiario = $2,
		    rub = COALESCE($3, rub),
		    departamento = $4,
		    municipio = $5,
		    monto_bono = $6,
		    updated_at = NOW()
		WHERE expediente_id = $1
	`, id, row.Nombre, nullIfEmpty(row.RUB), row.Departamento, row.Municipio, row.MontoBono)
	if err != nil {
		return fmt.Errorf("actualización de expediente %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("expediente %s no existe", id)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
