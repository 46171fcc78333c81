package advisory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashKeyDeterministic(t *testing.T) {
	a := HashKey("pack.install:local-dev:core.test@v1")
	b := HashKey("pack.install:local-dev:core.test@v1")
	assert.Equal(t, a, b, "same key must hash identically")
}

func TestHashKeyDistinctKeys(t *testing.T) {
	keys := []string{
		"pack.install:local-dev:core.test@v1",
		"pack.install:local-dev:core.test@v2",
		"pack.install:staging:core.test@v1",
		"",
		"a",
	}
	seen := make(map[int64]string, len(keys))
	for _, k := range keys {
		h := HashKey(k)
		if prev, ok := seen[h]; ok {
			t.Fatalf("hash collision between %q and %q", prev, k)
		}
		seen[h] = k
	}
}

func TestHashKeyCoversNegativeHalf(t *testing.T) {
	// sha256("") starts 0xe3b0..., which has the top bit set, so the int64
	// reinterpretation must be negative. Guards against an accidental
	// switch to a truncating (always non-negative) mapping.
	assert.Negative(t, HashKey(""))
}
