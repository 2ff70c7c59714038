// Package labels reads the symbol tables produced by the graph build: the
// token list that maps model output units to symbols and the word table the
// decoder reports ids from.
package labels

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Table is a bidirectional symbol <-> index map.
type Table struct {
	symbols map[int]string
	index   map[string]int
	order   []int
}

// ReadFile parses the table at path.
func ReadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse reads either one symbol per line (the index is the line order) or
// Kaldi "symbol index" pairs. Mixing the two forms is an error.
func Parse(r io.Reader) (*Table, error) {
	t := &Table{symbols: map[int]string{}, index: map[string]int{}}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	paired := -1
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		isPair := 0
		idx := len(t.order)
		if len(fields) == 2 {
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("line %d: index %q is not an integer", line, fields[1])
			}
			isPair, idx = 1, n
		} else if len(fields) > 2 {
			return nil, fmt.Errorf("line %d: expected \"symbol\" or \"symbol index\"", line)
		}
		if paired == -1 {
			paired = isPair
		} else if paired != isPair {
			return nil, fmt.Errorf("line %d: mixes indexed and plain entries", line)
		}
		sym := fields[0]
		if _, dup := t.symbols[idx]; dup {
			return nil, fmt.Errorf("line %d: duplicate index %d", line, idx)
		}
		if _, dup := t.index[sym]; dup {
			return nil, fmt.Errorf("line %d: duplicate symbol %q", line, sym)
		}
		t.symbols[idx] = sym
		t.index[sym] = idx
		t.order = append(t.order, idx)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(t.order) == 0 {
		return nil, fmt.Errorf("empty symbol table")
	}
	return t, nil
}

func (t *Table) Len() int { return len(t.order) }

// Symbol returns the symbol for index i.
func (t *Table) Symbol(i int) (string, bool) {
	s, ok := t.symbols[i]
	return s, ok
}

// Index returns the index of sym.
func (t *Table) Index(sym string) (int, bool) {
	i, ok := t.index[sym]
	return i, ok
}

// NumLabels counts the units a model must emit: every entry except the
// epsilon and the "#n" disambiguation symbols.
func (t *Table) NumLabels() int {
	n := 0
	for _, sym := range t.symbols {
		if sym == "<eps>" || strings.HasPrefix(sym, "#") {
			continue
		}
		n++
	}
	return n
}

// Lookup maps ids to symbols, failing on the first unknown id.
func (t *Table) Lookup(ids []int) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		s, ok := t.symbols[id]
		if !ok {
			return nil, fmt.Errorf("unknown symbol id %d", id)
		}
		out = append(out, s)
	}
	return out, nil
}
