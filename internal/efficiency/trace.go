package efficiency

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Trace is a parsed tab-separated log written by the sampler: comment lines
// start with '#', the first non-comment line is the header and the first
// column is the state number.
type Trace struct {
	Columns []string
	States  []int64
	Values  map[string][]float64
}

// Len returns the number of logged states.
func (t *Trace) Len() int { return len(t.States) }

// StepSize is the state increment between consecutive log lines.
func (t *Trace) StepSize() float64 {
	if len(t.States) < 2 || t.States[1] <= t.States[0] {
		return 1
	}
	return float64(t.States[1] - t.States[0])
}

// Column returns the values of a named column.
func (t *Trace) Column(name string) ([]float64, bool) {
	v, ok := t.Values[name]
	return v, ok
}

// DropBurnIn returns a trace without the first percent of states.
func (t *Trace) DropBurnIn(percent float64) *Trace {
	skip := int(float64(len(t.States)) * percent / 100)
	if skip <= 0 {
		return t
	}
	if skip > len(t.States) {
		skip = len(t.States)
	}
	out := &Trace{
		Columns: t.Columns,
		States:  t.States[skip:],
		Values:  make(map[string][]float64, len(t.Values)),
	}
	for name, v := range t.Values {
		out.Values[name] = v[skip:]
	}
	return out
}

// ReadTrace parses the log at path. Cells that do not parse as numbers
// (for example NA) are stored as NaN.
func ReadTrace(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var tr *Trace
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		cells := strings.Split(text, "\t")
		if tr == nil {
			if len(cells) < 1 {
				return nil, fmt.Errorf("trace %s: empty header", path)
			}
			tr = &Trace{Columns: cells, Values: make(map[string][]float64, len(cells))}
			continue
		}
		if len(cells) != len(tr.Columns) {
			// A line still being written by the sampler; stop at the last
			// complete one.
			break
		}
		state, err := strconv.ParseInt(cells[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("trace %s line %d: bad state %q", path, line, cells[0])
		}
		tr.States = append(tr.States, state)
		for i, name := range tr.Columns[1:] {
			v, err := strconv.ParseFloat(cells[i+1], 64)
			if err != nil {
				v = nan
			}
			tr.Values[name] = append(tr.Values[name], v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trace log: %w", err)
	}
	if tr == nil {
		return &Trace{Values: map[string][]float64{}}, nil
	}
	return tr, nil
}
