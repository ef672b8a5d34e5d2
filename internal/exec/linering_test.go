package exec

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineRing(t *testing.T) {
	r := NewLineRing(3)

	_, _ = fmt.Fprintf(r, "line1\n")
	_, _ = fmt.Fprintf(r, "line2\n")
	assert.Equal(t, []string{"line1", "line2"}, r.LastN(10))

	_, _ = fmt.Fprintf(r, "line3\n")
	assert.Equal(t, []string{"line1", "line2", "line3"}, r.LastN(10))

	// Wrap drops the oldest line.
	_, _ = fmt.Fprintf(r, "line4\n")
	assert.Equal(t, []string{"line2", "line3", "line4"}, r.LastN(10))

	assert.Equal(t, []string{"line3", "line4"}, r.LastN(2))
}

func TestLineRingMultiLineWrite(t *testing.T) {
	r := NewLineRing(5)
	_, _ = r.Write([]byte("foo\nbar\n"))

	assert.Equal(t, []string{"foo", "bar"}, r.LastN(10))
}

func TestLineRingMinimumCapacity(t *testing.T) {
	r := NewLineRing(0)
	_, _ = r.Write([]byte("x\n"))

	assert.Equal(t, []string{"x"}, r.LastN(1))
}
