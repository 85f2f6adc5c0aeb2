package progress

import (
	"bytes"
	"io"
	"strings"
	"testing"

	flow "github.com/libp2p/go-flow-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_CountsAndReports(t *testing.T) {
	data := strings.Repeat("x", 100)

	var reports []int64

	pr := NewReader(io.NopCloser(strings.NewReader(data)), 100, 1<<20, func(read, total int64) {
		assert.Equal(t, int64(100), total)
		reports = append(reports, read)
	}, new(flow.Meter), nil)

	buf := make([]byte, 10)

	var out bytes.Buffer

	for {
		n, err := pr.Read(buf)
		out.Write(buf[:n])

		if err == io.EOF {
			break
		}

		require.NoError(t, err)
	}

	assert.Equal(t, data, out.String())
	assert.Equal(t, int64(100), pr.Count())
	assert.Equal(t, []int64{20, 40, 60, 80, 100}, reports)
}

func TestReader_Interval(t *testing.T) {
	var reports int

	pr := NewReader(strings.NewReader(strings.Repeat("y", 64)), 0, 16, func(int64, int64) { reports++ })

	_, err := io.Copy(io.Discard, io.LimitReader(pr, 64))
	require.NoError(t, err)

	assert.Equal(t, int64(64), pr.Count())
	assert.GreaterOrEqual(t, reports, 1)
}

func TestReader_NoCallback(t *testing.T) {
	pr := NewReader(strings.NewReader("abc"), 3, 1, nil)

	b, err := io.ReadAll(pr)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(b))
}
