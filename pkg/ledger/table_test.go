package ledger

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLedger = "instance\treplicate\tstarted\ttree.weight\ttree.ess\n" +
	"inst-1\tr1\ttrue\t0.25\t120.5\n" +
	"inst-1\tr2\ttrue\t0.25\tNA\n" +
	"inst-2\tr1\tfalse\tNA\tNA\n"

func TestParse(t *testing.T) {
	tbl, err := Parse(strings.NewReader(sampleLedger))
	require.NoError(t, err)

	assert.Equal(t, 3, tbl.Len())
	assert.Equal(t, []string{"instance", "replicate", "started", "tree.weight", "tree.ess"}, tbl.Header())

	row, ok := tbl.LocateRow(Key{Instance: "inst-1", Replicate: "r2"})
	require.True(t, ok)
	assert.Equal(t, 1, row)

	w, err := tbl.ReadFloat(row, "tree.weight")
	require.NoError(t, err)
	assert.Equal(t, 0.25, w)

	ess, err := tbl.ReadFloat(row, "tree.ess")
	require.NoError(t, err)
	assert.True(t, math.IsNaN(ess))

	started, err := tbl.ReadBool(row, ColStarted)
	require.NoError(t, err)
	assert.True(t, started)

	assert.Equal(t, []int{0, 1}, tbl.RowsFor("inst-1"))

	_, ok = tbl.LocateRow(Key{Instance: "inst-3", Replicate: "r1"})
	assert.False(t, ok)
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty file", ""},
		{"missing key column", "instance\tstarted\ninst\ttrue\n"},
		{"duplicate column", "instance\treplicate\tinstance\na\tb\tc\n"},
		{"row wider than header", "instance\treplicate\na\tb\tc\n"},
		{"duplicate key", "instance\treplicate\na\tb\na\tb\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestParse_PadsShortRows(t *testing.T) {
	tbl, err := Parse(strings.NewReader("instance\treplicate\tstarted\tx.ess\ninst\tr1\n"))
	require.NoError(t, err)

	v, err := tbl.ReadCell(0, "x.ess")
	require.NoError(t, err)
	assert.Equal(t, NA, v)

	_, err = parse(strings.NewReader("instance\treplicate\tstarted\ninst\tr1\n"), true)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCells(t *testing.T) {
	tbl, err := Parse(strings.NewReader(sampleLedger))
	require.NoError(t, err)

	t.Run("unknown column is rejected", func(t *testing.T) {
		assert.ErrorIs(t, tbl.WriteCell(0, "bogus", "1"), ErrUnknownColumn)
		_, err := tbl.ReadCell(0, "bogus")
		assert.ErrorIs(t, err, ErrUnknownColumn)
	})

	t.Run("row out of range", func(t *testing.T) {
		assert.ErrorIs(t, tbl.WriteCell(9, "tree.ess", "1"), ErrRowNotFound)
	})

	t.Run("key columns are immutable", func(t *testing.T) {
		assert.Error(t, tbl.WriteCell(0, ColInstance, "other"))
	})

	t.Run("separators are rejected", func(t *testing.T) {
		assert.Error(t, tbl.WriteCell(0, "tree.ess", "1\t2"))
	})

	t.Run("NaN is written as NA", func(t *testing.T) {
		require.NoError(t, tbl.WriteFloat(0, "tree.ess", math.NaN()))
		v, _ := tbl.ReadCell(0, "tree.ess")
		assert.Equal(t, NA, v)
	})
}

func TestAppendRow(t *testing.T) {
	tbl, err := NewTable(Schema([]string{"tree"}))
	require.NoError(t, err)

	row, err := tbl.AppendRow(Key{Instance: "inst", Replicate: "r1"})
	require.NoError(t, err)
	assert.Equal(t, 0, row)

	started, _ := tbl.ReadCell(row, ColStarted)
	assert.Equal(t, "false", started)
	w, _ := tbl.ReadCell(row, WeightColumn("tree"))
	assert.Equal(t, NA, w)

	_, err = tbl.AppendRow(Key{Instance: "inst", Replicate: "r1"})
	assert.Error(t, err)

	_, err = tbl.AppendRow(Key{Instance: "inst"})
	assert.Error(t, err)
}

func TestWriteToRoundTrip(t *testing.T) {
	tbl, err := Parse(strings.NewReader(sampleLedger))
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = tbl.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, sampleLedger, buf.String())
}

func TestSchema(t *testing.T) {
	header := Schema([]string{"tree", "clock"})
	assert.Equal(t, []string{
		"instance", "replicate", "started",
		"tree.weight", "tree.ess", "tree.dim",
		"clock.weight", "clock.ess", "clock.dim",
		"minESS.mean", "minESS.sd", "minESS.cv", "nstates", "runtime.raw", "runtime.smoothed",
	}, header)
}
