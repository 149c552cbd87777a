package httpengine

import "io"

// progressReader wraps an io.Reader and reports cumulative progress via a
// callback on every read that advances.
type progressReader struct {
	reader    io.Reader
	total     int64
	onAdvance func(written, total int64)
	totalRead int64
}

func newProgressReader(r io.Reader, total int64, cb func(written, total int64)) *progressReader {
	return &progressReader{
		reader:    r,
		total:     total,
		onAdvance: cb,
	}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.onAdvance(pr.totalRead, pr.total)
	}

	return n, err
}
