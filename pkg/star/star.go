// Package star reads and writes STAR files as used by RELION and Warp.
//
// A file is a sequence of data blocks. Each block holds key/value pairs
// and at most one loop; RELION 3.1 particle files use two blocks,
// data_optics and data_particles. Labels are stored without their leading
// underscore and without the "#n" column comments.
package star

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"tomoprep/internal/fsutil"
	tperrors "tomoprep/pkg/errors"
)

// Pair is a single key/value item of a block
type Pair struct {
	Key   string
	Value string
}

// Loop is a table of named columns
type Loop struct {
	Columns []string
	Rows    [][]string
}

// Column returns the position of name, or -1
func (l *Loop) Column(name string) int {
	for i, c := range l.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Block is one data_ block
type Block struct {
	Name  string
	Pairs []Pair
	Loop  *Loop
}

// Document is a parsed STAR file
type Document struct {
	Blocks []*Block
}

// Block returns the block called name, or nil
func (d *Document) Block(name string) *Block {
	for _, b := range d.Blocks {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// ReadFile parses the STAR file at path
func ReadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	doc, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Parse reads a STAR document from r
func Parse(r io.Reader) (*Document, error) {
	doc := &Document{}
	var block *Block
	var loop *Loop
	inHeader := false // reading the _labels of a loop
	var pending []string

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0

	flushRow := func() error {
		if loop == nil || len(pending) == 0 {
			return nil
		}
		if len(pending) != len(loop.Columns) {
			return fmt.Errorf("line %d: row has %d values for %d columns: %w",
				line, len(pending), len(loop.Columns), tperrors.ErrInvalidInput)
		}
		loop.Rows = append(loop.Rows, pending)
		pending = nil
		return nil
	}

	for sc.Scan() {
		line++
		tokens, err := tokenize(sc.Text())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(tokens) == 0 {
			continue
		}
		first := tokens[0]

		switch {
		case strings.HasPrefix(first, "data_"):
			if err := flushRow(); err != nil {
				return nil, err
			}
			block = &Block{Name: strings.TrimPrefix(first, "data_")}
			doc.Blocks = append(doc.Blocks, block)
			loop, inHeader = nil, false

		case first == "loop_":
			if block == nil {
				return nil, fmt.Errorf("line %d: loop_ outside a data block: %w", line, tperrors.ErrInvalidInput)
			}
			if err := flushRow(); err != nil {
				return nil, err
			}
			if block.Loop != nil {
				return nil, fmt.Errorf("line %d: block %q has more than one loop: %w", line, block.Name, tperrors.ErrInvalidInput)
			}
			loop = &Loop{}
			block.Loop = loop
			inHeader = true

		case strings.HasPrefix(first, "_"):
			if block == nil {
				return nil, fmt.Errorf("line %d: label outside a data block: %w", line, tperrors.ErrInvalidInput)
			}
			label := strings.TrimPrefix(first, "_")
			if inHeader {
				loop.Columns = append(loop.Columns, label)
				continue
			}
			if err := flushRow(); err != nil {
				return nil, err
			}
			loop = nil
			if len(tokens) < 2 {
				return nil, fmt.Errorf("line %d: %s has no value: %w", line, first, tperrors.ErrInvalidInput)
			}
			block.Pairs = append(block.Pairs, Pair{Key: label, Value: tokens[1]})

		default:
			if loop == nil {
				return nil, fmt.Errorf("line %d: value outside a loop: %w", line, tperrors.ErrInvalidInput)
			}
			inHeader = false
			pending = append(pending, tokens...)
			if len(pending) >= len(loop.Columns) {
				if err := flushRow(); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if err := flushRow(); err != nil {
		return nil, err
	}
	return doc, nil
}

// tokenize splits a line on whitespace, honouring single and double quotes
// and dropping comments that start a token
func tokenize(s string) ([]string, error) {
	var tokens []string
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '#':
			return tokens, nil
		case c == '\'' || c == '"':
			end := strings.IndexByte(s[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("unterminated quote: %w", tperrors.ErrInvalidInput)
			}
			tokens = append(tokens, s[i+1:i+1+end])
			i += end + 2
		default:
			j := i
			for j < len(s) && s[j] != ' ' && s[j] != '\t' && s[j] != '\r' {
				j++
			}
			tokens = append(tokens, s[i:j])
			i = j
		}
	}
	return tokens, nil
}

// Encode writes doc. Loop columns are right-aligned to their widest value.
func Encode(w io.Writer, doc *Document) error {
	bw := bufio.NewWriter(w)
	for _, b := range doc.Blocks {
		fmt.Fprintf(bw, "\ndata_%s\n\n", b.Name)
		for _, p := range b.Pairs {
			fmt.Fprintf(bw, "_%s %s\n", p.Key, quote(p.Value))
		}
		if len(b.Pairs) > 0 {
			bw.WriteString("\n")
		}
		if b.Loop == nil {
			continue
		}

		bw.WriteString("loop_\n")
		for i, c := range b.Loop.Columns {
			fmt.Fprintf(bw, "_%s #%d\n", c, i+1)
		}
		widths := make([]int, len(b.Loop.Columns))
		for _, row := range b.Loop.Rows {
			for i, v := range row {
				if n := len(quote(v)); n > widths[i] {
					widths[i] = n
				}
			}
		}
		for _, row := range b.Loop.Rows {
			for i, v := range row {
				if i > 0 {
					bw.WriteByte(' ')
				}
				fmt.Fprintf(bw, "%*s", widths[i], quote(v))
			}
			bw.WriteByte('\n')
		}
		bw.WriteString("\n")
	}
	return bw.Flush()
}

// WriteFile replaces path atomically with doc
func WriteFile(path string, doc *Document) error {
	return fsutil.WriteAtomic(path, 0644, func(w io.Writer) error {
		return Encode(w, doc)
	})
}

func quote(v string) string {
	if v == "" {
		return `""`
	}
	if strings.ContainsAny(v, " \t") || strings.HasPrefix(v, "#") || strings.HasPrefix(v, "_") ||
		strings.HasPrefix(v, "data_") || v == "loop_" {
		if strings.Contains(v, `"`) {
			return "'" + v + "'"
		}
		return `"` + v + `"`
	}
	return v
}
