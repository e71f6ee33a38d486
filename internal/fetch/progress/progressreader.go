package progress

import "io"

// Reader wraps an io.Reader and reports cumulative progress through a callback
// at a coarse byte interval, so long transfers do not flood the log.
type Reader struct {
	inner      io.Reader
	total      int64
	read       int64
	sinceLast  int64
	interval   int64
	onProgress func(read, total int64)
}

// NewReader returns a Reader that invokes cb roughly every interval bytes.
// total may be 0 when the transfer length is unknown; the callback then only
// sees a raw byte count. read seeds the cumulative counter for resumed
// transfers.
func NewReader(r io.Reader, read, total, interval int64, cb func(read, total int64)) *Reader {
	return &Reader{
		inner:      r,
		total:      total,
		read:       read,
		interval:   interval,
		onProgress: cb,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.inner.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.sinceLast += int64(n)
		if pr.sinceLast >= pr.interval {
			pr.onProgress(pr.read, pr.total)
			pr.sinceLast = 0
		}
	}

	return n, err
}
