// Package progress wraps readers so that every byte read is accounted for.
package progress

import (
	"io"
	"sync/atomic"

	flow "github.com/libp2p/go-flow-metrics"
)

// Reader wraps an io.Reader, marks every byte on a set of rate meters and
// reports progress via a callback.
type Reader struct {
	reader     io.Reader
	total      int64
	meters     []*flow.Meter
	onProgress func(read, total int64)

	read           atomic.Int64
	lastReport     int64
	reportInterval int64
}

// NewReader reports through cb every interval bytes and once when a fifth of
// total has been read. A nil cb disables reporting.
func NewReader(r io.Reader, total, interval int64, cb func(read, total int64), meters ...*flow.Meter) *Reader {
	return &Reader{
		reader:         r,
		total:          total,
		meters:         meters,
		onProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n <= 0 {
		return n, err
	}

	for _, m := range pr.meters {
		if m != nil {
			m.Mark(uint64(n))
		}
	}

	read := pr.read.Add(int64(n))
	pr.lastReport += int64(n)

	if pr.onProgress != nil && (pr.lastReport >= pr.reportInterval || pr.crossedFifth(read, int64(n))) {
		pr.onProgress(read, pr.total)
		pr.lastReport = 0
	}

	return n, err
}

// Count returns the number of bytes read so far. It is safe to call from
// another goroutine.
func (pr *Reader) Count() int64 {
	return pr.read.Load()
}

func (pr *Reader) crossedFifth(read, n int64) bool {
	if pr.total <= 0 {
		return false
	}

	return read*5/pr.total > (read-n)*5/pr.total
}
