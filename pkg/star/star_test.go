package star

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tperrors "tomoprep/pkg/errors"
)

const relionSample = `
# version 30001

data_optics

loop_
_rlnOpticsGroup #1
_rlnOpticsGroupName #2
_rlnImagePixelSize #3
1 opticsGroup1 2.680000

# version 30001

data_particles

loop_
_rlnTomoName #1
_rlnCoordinateX #2
_rlnCoordinateY #3
_rlnCoordinateZ #4
_rlnOpticsGroup #5
TS_01 100.0 200.0 50.0 1
TS_02 10.5 20.5 30.5 1
`

func TestParseRelion(t *testing.T) {
	doc, err := Parse(strings.NewReader(relionSample))
	require.NoError(t, err)
	require.Len(t, doc.Blocks, 2)

	optics := doc.Block("optics")
	require.NotNil(t, optics)
	assert.Equal(t, 2, optics.Loop.Column("rlnImagePixelSize"))
	assert.Equal(t, [][]string{{"1", "opticsGroup1", "2.680000"}}, optics.Loop.Rows)

	particles := doc.Block("particles")
	require.NotNil(t, particles)
	assert.Equal(t, []string{"rlnTomoName", "rlnCoordinateX", "rlnCoordinateY", "rlnCoordinateZ", "rlnOpticsGroup"},
		particles.Loop.Columns)
	require.Len(t, particles.Loop.Rows, 2)
	assert.Equal(t, "TS_02", particles.Loop.Rows[1][0])
	assert.Equal(t, -1, particles.Loop.Column("rlnAngleRot"))
	assert.Nil(t, doc.Block("model"))
}

func TestParsePairsAndQuotes(t *testing.T) {
	input := "data_general\n\n_rlnTomoSizeX 928\n_note 'two words'\n\ndata_\nloop_\n_a #1\n_b #2\n\"x y\" 1\n'' 2 # trailing comment\n"
	doc, err := Parse(strings.NewReader(input))
	require.NoError(t, err)

	general := doc.Block("general")
	require.NotNil(t, general)
	assert.Equal(t, []Pair{{"rlnTomoSizeX", "928"}, {"note", "two words"}}, general.Pairs)
	assert.Nil(t, general.Loop)

	unnamed := doc.Block("")
	require.NotNil(t, unnamed)
	assert.Equal(t, [][]string{{"x y", "1"}, {"", "2"}}, unnamed.Loop.Rows)
}

func TestParseRowSpanningLines(t *testing.T) {
	doc, err := Parse(strings.NewReader("data_\nloop_\n_a\n_b\n_c\n1 2\n3\n4 5 6\n"))
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1", "2", "3"}, {"4", "5", "6"}}, doc.Blocks[0].Loop.Rows)
}

func TestParseErrors(t *testing.T) {
	tests := map[string]string{
		"short row":       "data_\nloop_\n_a\n_b\n1\n",
		"value no loop":   "data_\n1 2\n",
		"loop no block":   "loop_\n_a\n",
		"unterminated":    "data_\nloop_\n_a\n\"open\n",
		"two loops":       "data_\nloop_\n_a\n1\nloop_\n_b\n2\n",
		"pair with value": "data_\n_key\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(input))
			assert.ErrorIs(t, err, tperrors.ErrInvalidInput)
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	doc, err := Parse(strings.NewReader(relionSample))
	require.NoError(t, err)
	loop := doc.Block("particles").Loop
	loop.Columns = append(loop.Columns, "rlnMicrographName")
	for i := range loop.Rows {
		loop.Rows[i] = append(loop.Rows[i], "TS_01.tomostar")
	}
	loop.Rows[0][0] = "with space"

	path := filepath.Join(t.TempDir(), "out.star")
	require.NoError(t, WriteFile(path, doc))

	again, err := ReadFile(path)
	require.NoError(t, err)
	if diff := cmp.Diff(doc, again); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeAlignsColumns(t *testing.T) {
	doc := &Document{Blocks: []*Block{{
		Name: "",
		Loop: &Loop{Columns: []string{"a", "b"}, Rows: [][]string{{"1", "22"}, {"333", "4"}}},
	}}}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, doc))
	assert.Contains(t, buf.String(), "  1 22\n333  4\n")
}
