package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

var (
	// ErrMalformed reports a ledger whose structure is unusable: bad header,
	// row wider than the header, missing key column or a duplicate key.
	ErrMalformed = errors.New("malformed ledger")

	// ErrUnknownColumn is returned when reading or writing a column that is
	// not part of the header. Writes never extend the schema.
	ErrUnknownColumn = errors.New("unknown ledger column")

	// ErrRowNotFound is returned for row indices or keys with no row.
	ErrRowNotFound = errors.New("ledger row not found")
)

// Table is an in-memory copy of the ledger: a column name → row values map
// plus the header order.
type Table struct {
	header []string
	cols   map[string][]string
	rows   int
}

// NewTable creates an empty table with the given header.
func NewTable(header []string) (*Table, error) {
	t := &Table{
		header: append([]string(nil), header...),
		cols:   make(map[string][]string, len(header)),
	}
	for _, name := range header {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: empty column name in header", ErrMalformed)
		}
		if _, dup := t.cols[name]; dup {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrMalformed, name)
		}
		t.cols[name] = nil
	}
	for _, required := range []string{ColInstance, ColReplicate} {
		if _, ok := t.cols[required]; !ok {
			return nil, fmt.Errorf("%w: missing key column %q", ErrMalformed, required)
		}
	}
	return t, nil
}

// Open reads and parses the ledger at path.
func Open(path string) (*Table, error) {
	return open(path, false)
}

func open(path string, strict bool) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	t, err := parse(f, strict)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ledger %s: %w", path, err)
	}
	return t, nil
}

// Parse reads a tab-separated table. Rows shorter than the header are padded
// with NA; longer rows are malformed.
func Parse(r io.Reader) (*Table, error) {
	return parse(r, false)
}

// parse reads a table; in strict mode short rows are malformed too.
func parse(r io.Reader, strict bool) (*Table, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var t *Table
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if t == nil {
			if strings.TrimSpace(text) == "" {
				return nil, fmt.Errorf("%w: empty header", ErrMalformed)
			}
			var err error
			if t, err = NewTable(strings.Split(text, "\t")); err != nil {
				return nil, err
			}
			continue
		}
		if text == "" {
			continue
		}

		cells := strings.Split(text, "\t")
		if len(cells) > len(t.header) || (strict && len(cells) < len(t.header)) {
			return nil, fmt.Errorf("%w: line %d has %d cells, header has %d",
				ErrMalformed, line, len(cells), len(t.header))
		}
		for len(cells) < len(t.header) {
			cells = append(cells, NA)
		}
		key := Key{Instance: cells[t.index(ColInstance)], Replicate: cells[t.index(ColReplicate)]}
		if _, dup := t.LocateRow(key); dup {
			return nil, fmt.Errorf("%w: duplicate row for %s on line %d", ErrMalformed, key, line)
		}
		t.appendCells(cells)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: empty file", ErrMalformed)
	}
	return t, nil
}

func (t *Table) index(col string) int {
	for i, name := range t.header {
		if name == col {
			return i
		}
	}
	return -1
}

func (t *Table) appendCells(cells []string) {
	for i, name := range t.header {
		t.cols[name] = append(t.cols[name], cells[i])
	}
	t.rows++
}

// Header returns a copy of the header.
func (t *Table) Header() []string { return append([]string(nil), t.header...) }

// Len returns the number of rows.
func (t *Table) Len() int { return t.rows }

// HasColumn reports whether col is part of the header.
func (t *Table) HasColumn(col string) bool {
	_, ok := t.cols[col]
	return ok
}

// LocateRow finds the row for key by linear scan.
func (t *Table) LocateRow(key Key) (int, bool) {
	inst, rep := t.cols[ColInstance], t.cols[ColReplicate]
	for i := 0; i < t.rows; i++ {
		if inst[i] == key.Instance && rep[i] == key.Replicate {
			return i, true
		}
	}
	return -1, false
}

// RowsFor returns the indices of every row of an instance, in file order.
func (t *Table) RowsFor(instance string) []int {
	var out []int
	for i, v := range t.cols[ColInstance] {
		if v == instance {
			out = append(out, i)
		}
	}
	return out
}

// KeyAt returns the key of row i.
func (t *Table) KeyAt(row int) (Key, error) {
	if row < 0 || row >= t.rows {
		return Key{}, fmt.Errorf("%w: index %d", ErrRowNotFound, row)
	}
	return Key{Instance: t.cols[ColInstance][row], Replicate: t.cols[ColReplicate][row]}, nil
}

// AppendRow adds an all-NA row for key and returns its index.
func (t *Table) AppendRow(key Key) (int, error) {
	if err := key.Validate(); err != nil {
		return -1, err
	}
	if _, exists := t.LocateRow(key); exists {
		return -1, fmt.Errorf("row %s already exists", key)
	}
	cells := make([]string, len(t.header))
	for i, name := range t.header {
		switch name {
		case ColInstance:
			cells[i] = key.Instance
		case ColReplicate:
			cells[i] = key.Replicate
		case ColStarted:
			cells[i] = "false"
		default:
			cells[i] = NA
		}
	}
	t.appendCells(cells)
	return t.rows - 1, nil
}

// ReadCell returns the raw value at (row, col).
func (t *Table) ReadCell(row int, col string) (string, error) {
	values, ok := t.cols[col]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownColumn, col)
	}
	if row < 0 || row >= t.rows {
		return "", fmt.Errorf("%w: index %d", ErrRowNotFound, row)
	}
	return values[row], nil
}

// WriteCell sets the raw value at (row, col). Key columns cannot be
// rewritten and values may not contain tabs or newlines.
func (t *Table) WriteCell(row int, col, value string) error {
	values, ok := t.cols[col]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownColumn, col)
	}
	if row < 0 || row >= t.rows {
		return fmt.Errorf("%w: index %d", ErrRowNotFound, row)
	}
	if col == ColInstance || col == ColReplicate {
		return fmt.Errorf("key column %q is immutable", col)
	}
	if strings.ContainsAny(value, "\t\r\n") {
		return fmt.Errorf("value for %q contains a separator", col)
	}
	values[row] = value
	return nil
}

// ReadFloat parses the value at (row, col). NA and empty cells yield NaN.
func (t *Table) ReadFloat(row int, col string) (float64, error) {
	raw, err := t.ReadCell(row, col)
	if err != nil {
		return 0, err
	}
	if raw == NA || raw == "" {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("column %q row %d: %w", col, row, err)
	}
	return v, nil
}

// WriteFloat formats v into (row, col). NaN is written as NA.
func (t *Table) WriteFloat(row int, col string, v float64) error {
	if math.IsNaN(v) {
		return t.WriteCell(row, col, NA)
	}
	return t.WriteCell(row, col, strconv.FormatFloat(v, 'g', -1, 64))
}

// ReadBool parses a boolean cell. NA reads as false.
func (t *Table) ReadBool(row int, col string) (bool, error) {
	raw, err := t.ReadCell(row, col)
	if err != nil {
		return false, err
	}
	if raw == NA || raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("column %q row %d: %w", col, row, err)
	}
	return b, nil
}

// Row returns the cells of row i in header order.
func (t *Table) Row(row int) ([]string, error) {
	if row < 0 || row >= t.rows {
		return nil, fmt.Errorf("%w: index %d", ErrRowNotFound, row)
	}
	cells := make([]string, len(t.header))
	for i, name := range t.header {
		cells[i] = t.cols[name][row]
	}
	return cells, nil
}

// Validate checks the structural invariants: every column holds exactly
// Len values and no key pair repeats.
func (t *Table) Validate() error {
	seen := make(map[Key]struct{}, t.rows)
	for _, name := range t.header {
		if len(t.cols[name]) != t.rows {
			return fmt.Errorf("%w: column %q has %d values, want %d",
				ErrMalformed, name, len(t.cols[name]), t.rows)
		}
	}
	for i := 0; i < t.rows; i++ {
		k, _ := t.KeyAt(i)
		if _, dup := seen[k]; dup {
			return fmt.Errorf("%w: duplicate row for %s", ErrMalformed, k)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// WriteTo writes the table as TSV.
func (t *Table) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	write := func(cells []string) error {
		c, err := bw.WriteString(strings.Join(cells, "\t") + "\n")
		n += int64(c)
		return err
	}
	if err := write(t.header); err != nil {
		return n, err
	}
	for i := 0; i < t.rows; i++ {
		cells, _ := t.Row(i)
		if err := write(cells); err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}
