package carga

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shakinm/xlsReader/xls"
	"github.com/xuri/excelize/v2"
)

// Canonical column keys. The column set is a fixed configuration table; files
// may carry extra columns, which are ignored.
const (
	ColRUB              = "RUB"
	ColAnio             = "ANO"
	ColMes              = "MES"
	ColCUI              = "CUI_NINO"
	ColSexo             = "SEXO"
	ColEdad             = "EDAD_EN_ANOS"
	ColNombre           = "NOMBRE_NINO"
	ColFechaNacimiento  = "FECHA_NACIMIENTO"
	ColDepartamento     = "DEPTO_RESIDENCIA"
	ColMunicipio        = "MUNI_RESIDENCIA"
	ColComunidad        = "COMUNIDAD_RESIDENCIA"
	ColDireccion        = "DIRECCION_RESIDENCIA"
	ColMontoBono        = "MONTO_BONO"
	ColIntegrantesHogar = "INTEGRANTES_HOGAR"
	ColNombreMadre      = "NOMBRE_MADRE"
	ColCUIMadre         = "CUI_MADRE"
	ColTelefonos        = "TELEFONOS_ENCARGADOS"
)

var (
	ErrMalformedFile = errors.New("archivo no legible como datos tabulares")
	ErrMissingHeader = errors.New("encabezados requeridos no encontrados")
)

// headerCanon maps a normalized header label to its canonical column key.
var headerCanon = map[string]string{
	"RUB":                            ColRUB,
	"REGISTRO UNICO DE BENEFICIARIO": ColRUB,
	"REGISTRO UNICO BENEFICIARIO":    ColRUB,
	"ANO":                            ColAnio,
	"MES":                            ColMes,
	"CUI DEL NINO":                   ColCUI,
	"CUI NINO":                       ColCUI,
	"SEXO":                           ColSexo,
	"EDAD EN ANOS":                   ColEdad,
	"NOMBRE DEL NINO":                ColNombre,
	"NOMBRE NINO":                    ColNombre,
	"FECHA NACIMIENTO":               ColFechaNacimiento,
	"FECHA DE NACIMIENTO":            ColFechaNacimiento,
	"DEPARTAMENTO DE RESIDENCIA":     ColDepartamento,
	"DEPTO RESIDENCIA":               ColDepartamento,
	"MUNICIPIO DE RESIDENCIA":        ColMunicipio,
	"MUNI RESIDENCIA":                ColMunicipio,
	"COMUNIDAD RESIDENCIA":           ColComunidad,
	"COMUNIDAD DE RESIDENCIA":        ColComunidad,
	"DIRECCION RESIDENCIA":           ColDireccion,
	"DIRECCION DE RESIDENCIA":        ColDireccion,
	"MONTO BONO":                     ColMontoBono,
	"MONTO DEL BONO":                 ColMontoBono,
	"MONTO":                          ColMontoBono,
	"INTEGRANTES HOGAR":              ColIntegrantesHogar,
	"INTEGRANTES DEL HOGAR":          ColIntegrantesHogar,
	"NOMBRE DE LA MADRE":             ColNombreMadre,
	"NOMBRE MADRE":                   ColNombreMadre,
	"CUI DE LA MADRE":                ColCUIMadre,
	"CUI MADRE":                      ColCUIMadre,
	"TELEFONOS ENCARGADOS":           ColTelefonos,
	"TELEFONOS DEL ENCARGADO":        ColTelefonos,
	"TELEFONO DEL ENCARGADO":         ColTelefonos,
}

// requiredColumns must all resolve in the header row for the file to be
// accepted: identifier, name, birth date, geography and amount.
var requiredColumns = []string{
	ColCUI, ColNombre, ColFechaNacimiento, ColDepartamento, ColMunicipio, ColMontoBono,
}

// headerTriggers score candidate header rows during auto-detection. Each
// group counts once if any of its variants appears in the row.
var headerTriggers = [][]string{
	{"CUI DEL NINO", "CUI NINO", "CUI"},
	{"NOMBRE DEL NINO", "NOMBRE NINO"},
	{"FECHA NACIMIENTO", "FECHA DE NACIMIENTO"},
	{"MONTO BONO", "MONTO DEL BONO", "MONTO"},
}

const maxHeaderScanRows = 40

var accentFold = strings.NewReplacer(
	"Á", "A", "É", "E", "Í", "I", "Ó", "O", "Ú", "U", "Ü", "U", "Ñ", "N",
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
)

// normalizeHeader folds a header label for matching: trim, uppercase, strip
// accents, keep A-Z0-9 and spaces, collapse runs of spaces. The literal "#"
// header means RUB in SESAN files.
func normalizeHeader(s string) string {
	raw := strings.TrimSpace(s)
	if raw == "#" {
		return "RUB"
	}
	s = strings.ToUpper(accentFold.Replace(raw))
	var b strings.Builder
	lastSpace := true
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// WorkbookReader walks the data rows of one uploaded file. It is finite,
// single pass and not restartable; re-reading means re-opening the source.
type WorkbookReader struct {
	rows      [][]string
	colKeys   map[int]string
	headerRow int
	pos       int
	emitted   int
}

// OpenWorkbook parses the uploaded bytes as xlsx, legacy xls or csv based on
// the file name, locates the header row and resolves the canonical columns.
func OpenWorkbook(data []byte, filename string) (*WorkbookReader, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: archivo vacío", ErrMalformedFile)
	}

	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		rows, err = readCSVRows(data)
	case ".xls":
		rows, err = readXLSRows(data)
	default:
		rows, err = readXLSXRows(data)
	}
	if err != nil {
		return nil, err
	}

	headerRow, colKeys := findHeaderRow(rows)
	if headerRow < 0 {
		return nil, fmt.Errorf("%w: no se detectó la fila de títulos", ErrMissingHeader)
	}
	present := make(map[string]bool, len(colKeys))
	for _, key := range colKeys {
		present[key] = true
	}
	var missing []string
	for _, req := range requiredColumns {
		if !present[req] {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: faltan columnas %s", ErrMissingHeader, strings.Join(missing, ", "))
	}

	return &WorkbookReader{
		rows:      rows,
		colKeys:   colKeys,
		headerRow: headerRow,
		pos:       headerRow + 1,
	}, nil
}

// Next returns the next non-blank data row, or io.EOF when the file is
// exhausted. Blank rows are skipped and do not consume a row index.
func (r *WorkbookReader) Next() (*RawRow, error) {
	for ; r.pos < len(r.rows); r.pos++ {
		row := r.rows[r.pos]
		if allBlankRow(row) {
			continue
		}
		r.emitted++
		raw := &RawRow{
			Row:      r.emitted,
			SheetRow: r.pos + 1,
			Cells:    make(map[string]CellValue, len(r.colKeys)),
		}
		for idx, key := range r.colKeys {
			var cell string
			if idx < len(row) {
				cell = row[idx]
			}
			raw.Cells[key] = classifyCell(cell)
		}
		r.pos++
		return raw, nil
	}
	return nil, io.EOF
}

func readXLSXRows(data []byte) ([][]string, error) {
	xl, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	defer xl.Close()

	sheets := xl.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: libro sin hojas", ErrMalformedFile)
	}
	// SESAN submissions carry the data on a sheet named SEVEROS; fall back to
	// the first sheet otherwise.
	sheetName := sheets[0]
	for _, s := range sheets {
		if strings.EqualFold(strings.TrimSpace(s), "SEVEROS") {
			sheetName = s
			break
		}
	}
	rows, err := xl.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	return rows, nil
}

// readXLSRows handles legacy Excel. xlsReader works with file paths, so the
// payload goes through a temp file first.
func readXLSRows(data []byte) ([][]string, error) {
	tmp, err := os.CreateTemp("", "sesan-*.xls")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	tmp.Close()

	book, err := xls.OpenFile(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	sheet, err := book.GetSheet(0)
	if err != nil || sheet == nil {
		return nil, fmt.Errorf("%w: hoja xls no legible", ErrMalformedFile)
	}
	var rows [][]string
	for _, xlsRow := range sheet.GetRows() {
		var vals []string
		for _, col := range xlsRow.GetCols() {
			vals = append(vals, col.GetString())
		}
		rows = append(rows, vals)
	}
	return rows, nil
}

func readCSVRows(data []byte) ([][]string, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	return rows, nil
}

// findHeaderRow scans the leading rows and scores each against the trigger
// groups. A full score wins immediately; otherwise the best row with at
// least three groups is taken. Returns -1 when nothing qualifies.
func findHeaderRow(rows [][]string) (int, map[int]string) {
	bestRow, bestScore := -1, -1
	limit := len(rows)
	if limit > maxHeaderScanRows {
		limit = maxHeaderScanRows
	}
	for i := 0; i < limit; i++ {
		norm := make(map[string]bool, len(rows[i]))
		for _, cell := range rows[i] {
			if h := normalizeHeader(cell); h != "" {
				norm[h] = true
			}
		}
		score := 0
		for _, group := range headerTriggers {
			for _, variant := range group {
				if norm[variant] {
					score++
					break
				}
			}
		}
		if score > bestScore {
			bestScore, bestRow = score, i
		}
		if score == len(headerTriggers) {
			bestRow = i
			bestScore = score
			break
		}
	}
	if bestScore < 3 {
		return -1, nil
	}

	colKeys := make(map[int]string)
	for idx, cell := range rows[bestRow] {
		if key, ok := headerCanon[normalizeHeader(cell)]; ok {
			if _, taken := hasValue(colKeys, key); !taken {
				colKeys[idx] = key
			}
		}
	}
	return bestRow, colKeys
}

func hasValue(m map[int]string, v string) (int, bool) {
	for k, mv := range m {
		if mv == v {
			return k, true
		}
	}
	return 0, false
}

func allBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// CellFromString builds a cell from a rendered value, as the reader does.
// Used when rows are rehydrated from staging for reprocessing.
func CellFromString(s string) CellValue {
	return classifyCell(s)
}

// classifyCell builds the tagged cell union from the rendered value.
func classifyCell(s string) CellValue {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return CellValue{Kind: CellBlank}
	}
	if n, err := strconv.ParseFloat(strings.ReplaceAll(trimmed, ",", ""), 64); err == nil {
		return CellValue{Kind: CellNumber, Str: trimmed, Num: n}
	}
	return CellValue{Kind: CellString, Str: trimmed}
}
