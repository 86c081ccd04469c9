package progress

import "io"

// Func receives the cumulative number of bytes read and the expected total.
type Func func(read int64, total int64)

// Reader wraps an io.Reader and reports progress every interval bytes and once
// more when the underlying reader is exhausted.
type Reader struct {
	r          io.Reader
	total      int64
	interval   int64
	onProgress Func

	read       int64
	sinceLast  int64
	reportedAt int64
}

func NewReader(r io.Reader, total int64, interval int64, cb Func) *Reader {
	if interval <= 0 {
		interval = 1
	}

	return &Reader{
		r:          r,
		total:      total,
		interval:   interval,
		onProgress: cb,
		reportedAt: -1,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.sinceLast += int64(n)

		if pr.sinceLast >= pr.interval {
			pr.report()
		}
	}

	if err == io.EOF && pr.reportedAt != pr.read {
		pr.report()
	}

	return n, err
}

// BytesRead returns the number of bytes consumed so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

// Percent converts a read/total pair into a percentage in [0, 100].
func Percent(read, total int64) float64 {
	if total <= 0 {
		return 0
	}

	if read >= total {
		return 100
	}

	return float64(read) * 100 / float64(total)
}

func (pr *Reader) report() {
	pr.sinceLast = 0
	pr.reportedAt = pr.read

	if pr.onProgress != nil {
		pr.onProgress(pr.read, pr.total)
	}
}
