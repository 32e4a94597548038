package dhtserver

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/cvsouth/tox-go/kbucket"
)

// selectWeightedCloseNode picks one good node from candidates, skewed
// toward those earlier in the slice (closer, since callers pass
// nearest-first lists): pick an index uniformly, then pull it down once
// by a second uniform draw from [0, index], biasing toward the front
// without needing an explicit weight table.
func selectWeightedCloseNode(candidates []kbucket.Node) (kbucket.Node, error) {
	if len(candidates) == 0 {
		return kbucket.Node{}, fmt.Errorf("select weighted close node: no candidates")
	}
	idx, err := randIntn(len(candidates))
	if err != nil {
		return kbucket.Node{}, err
	}
	if idx != 0 {
		shrink, err := randIntn(idx + 1)
		if err != nil {
			return kbucket.Node{}, err
		}
		idx -= shrink
	}
	return candidates[idx], nil
}

func randIntn(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("randIntn: n must be positive, got %d", n)
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("crypto/rand: %w", err)
	}
	return int(v.Int64()), nil
}
