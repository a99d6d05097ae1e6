package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

var codeColors = []string{
	"amber", "azure", "coral", "crimson", "ivory", "jade", "lilac", "olive", "peach", "plum",
	"ruby", "sage", "sepia", "slate", "teal", "umber", "violet", "indigo", "ochre", "cobalt",
}

var codeTools = []string{
	"brush", "canvas", "chalk", "charcoal", "crayon", "easel", "eraser", "fresco", "gouache", "ink",
	"marker", "palette", "pastel", "pencil", "quill", "sketch", "stencil", "tempera", "varnish", "wash",
}

var codeCreatures = []string{
	"badger", "heron", "lynx", "marten", "otter", "owl", "puffin", "quail", "raven", "seal",
	"stoat", "swift", "tern", "vole", "wren", "yak", "gecko", "ibis", "koi", "newt",
}

const codeWords = 3

// generateCode returns a memorable room code like "teal-easel-heron". Codes
// are not checked for uniqueness here; the store's unique constraint decides.
func generateCode() (string, error) {
	lists := [codeWords][]string{codeColors, codeTools, codeCreatures}
	words := make([]string, 0, codeWords)
	for _, list := range lists {
		i, err := randomIndex(len(list))
		if err != nil {
			return "", err
		}
		words = append(words, list[i])
	}
	return strings.Join(words, "-"), nil
}

// randomIndex returns a cryptographically secure random index for a slice of given length
func randomIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("generating room code: %w", err)
	}
	return int(v.Int64()), nil
}

// NormalizeCode accepts codes typed with spaces or mixed case
func NormalizeCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	return strings.Join(strings.Fields(strings.ReplaceAll(code, "-", " ")), "-")
}
