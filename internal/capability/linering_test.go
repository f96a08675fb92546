// SPDX-License-Identifier: MIT

package capability

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineRingSplitsOnAnyBreak(t *testing.T) {
	r := NewLineRing(8)

	_, err := r.Write([]byte("first\nsecond\rthird\r\nfourth"))
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second", "third"}, r.LastN(10))

	r.Flush()
	assert.Equal(t, []string{"first", "second", "third", "fourth"}, r.LastN(10))
}

func TestLineRingBuffersPartialWrites(t *testing.T) {
	r := NewLineRing(8)

	// One logical line arriving in three writes, CRLF split across two.
	_, _ = r.Write([]byte("downloading "))
	_, _ = r.Write([]byte("42%\r"))
	_, _ = r.Write([]byte("\ndone\n"))

	assert.Equal(t, []string{"downloading 42%", "done"}, r.LastN(10))
}

func TestLineRingWrapsAroundCapacity(t *testing.T) {
	r := NewLineRing(3)
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(r, "line-%d\n", i)
	}

	assert.Equal(t, []string{"line-3", "line-4", "line-5"}, r.LastN(10))
	assert.Equal(t, []string{"line-5"}, r.LastN(1))
	assert.Nil(t, r.LastN(0))
}

func TestLineRingOnLineCallback(t *testing.T) {
	var seen []string
	r := NewLineRing(4).OnLine(func(line string) { seen = append(seen, line) })

	_, _ = r.Write([]byte("  alpha  \nbeta"))
	r.Flush()

	assert.Equal(t, []string{"alpha", "beta"}, seen)
}

func TestLineRingIgnoresBlankLines(t *testing.T) {
	r := NewLineRing(4)
	_, _ = r.Write([]byte("\n\r\n  \n one \n"))

	assert.Equal(t, []string{"one"}, r.LastN(10))
}
