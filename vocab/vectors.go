package vocab

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// LoadVecFile reads a word2vec-style text embedding file: an optional
// "count dim" header line, then one "token v1 v2 ..." line per token.
func LoadVecFile(path string) (map[string][]float64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrap(err, "load vectors")
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)
	vecs := make(map[string][]float64, 1<<15)
	dim := 0
	first := true
	for {
		line, err := r.ReadString('\n')
		if len(strings.TrimSpace(line)) > 0 {
			fields := strings.Fields(line)
			if first && len(fields) == 2 {
				// header line: token count and dimension
				first = false
				continue
			}
			first = false
			if len(fields) < 2 {
				return nil, 0, errors.Errorf("malformed vector line in %s", path)
			}
			row := make([]float64, len(fields)-1)
			for i, s := range fields[1:] {
				row[i], err = strconv.ParseFloat(s, 64)
				if err != nil {
					return nil, 0, errors.Wrapf(err, "malformed vector for %q", fields[0])
				}
			}
			if dim == 0 {
				dim = len(row)
			} else if len(row) != dim {
				return nil, 0, errors.Errorf("inconsistent vector dimension for %q", fields[0])
			}
			vecs[fields[0]] = row
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, errors.Wrap(err, "load vectors")
		}
	}
	if len(vecs) == 0 {
		return nil, 0, errors.Errorf("no vectors found in %s", path)
	}
	return vecs, dim, nil
}

// FromVecFile builds a new vocabulary from the tokens of a .vec file,
// keeping the reserved specials (and their vector rows) from
// specialsVocab. Token order follows the file.
func FromVecFile(path string, specialsVocab *Vocabulary) (*Vocabulary, error) {
	vecs, dim, err := LoadVecFile(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "load vectors")
	}
	defer f.Close()

	// Re-scan for token order; map iteration order would not be stable.
	var order []string
	r := bufio.NewReaderSize(f, 1<<20)
	for {
		line, rerr := r.ReadString('\n')
		fields := strings.Fields(line)
		if len(fields) > 1 {
			if _, ok := vecs[fields[0]]; ok {
				order = append(order, fields[0])
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, errors.Wrap(rerr, "load vectors")
		}
	}

	out := New(order, nil)
	table := mat.NewDense(out.Len(), dim, nil)
	if specialsVocab != nil && specialsVocab.Vectors != nil {
		_, sdim := specialsVocab.Vectors.Dims()
		if sdim != dim {
			return nil, errors.Errorf("specials vectors have dim %d, file has dim %d", sdim, dim)
		}
		for i := 0; i < NumSpecials; i++ {
			for j := 0; j < dim; j++ {
				table.Set(i, j, specialsVocab.Vectors.At(i, j))
			}
		}
	}
	for tok, row := range vecs {
		id, ok := out.TokenToID[tok]
		if !ok || id < NumSpecials {
			continue
		}
		table.SetRow(id, row)
	}
	out.Vectors = table
	return out, nil
}

// AttachVectors builds the vocabulary's vector table out of vecs,
// leaving missing rows (specials included) at zero.
func (v *Vocabulary) AttachVectors(vecs map[string][]float64, dim int) {
	table := mat.NewDense(v.Len(), dim, nil)
	for tok, row := range vecs {
		if id, ok := v.TokenToID[tok]; ok && len(row) == dim {
			table.SetRow(id, row)
		}
	}
	v.Vectors = table
}
