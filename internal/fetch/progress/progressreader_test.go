package progress

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_ReportsAtInterval(t *testing.T) {
	src := bytes.NewReader(make([]byte, 100))

	var reports [][2]int64
	pr := NewReader(src, 0, 100, 25, func(read, total int64) {
		reports = append(reports, [2]int64{read, total})
	})

	n, err := io.CopyBuffer(io.Discard, pr, make([]byte, 10))
	require.NoError(t, err)
	assert.EqualValues(t, 100, n)

	// 10-byte reads against a 25-byte interval fire at 30, 60, 90.
	require.Len(t, reports, 3)
	assert.Equal(t, [2]int64{30, 100}, reports[0])
	assert.Equal(t, [2]int64{60, 100}, reports[1])
	assert.Equal(t, [2]int64{90, 100}, reports[2])
}

func TestReader_SeedsResumedOffset(t *testing.T) {
	src := bytes.NewReader(make([]byte, 10))

	var got int64
	pr := NewReader(src, 500, 510, 1, func(read, _ int64) {
		got = read
	})

	_, err := io.Copy(io.Discard, pr)
	require.NoError(t, err)
	assert.EqualValues(t, 510, got)
}
