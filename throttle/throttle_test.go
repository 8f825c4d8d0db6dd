package throttle

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain reads everything out of tr in fixed-size chunks and returns the
// bytes and the elapsed wall time.
func drain(t *testing.T, tr *ThrottledReader, chunk int) ([]byte, time.Duration) {
	t.Helper()
	var got []byte
	buf := make([]byte, chunk)
	start := time.Now()
	for {
		n, err := tr.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			return got, time.Since(start)
		}
		require.NoError(t, err)
	}
}

func TestUnlimitedPassThrough(t *testing.T) {
	src := bytes.Repeat([]byte{0x5A}, 1<<20)
	tr := NewReader(bytes.NewReader(src), 0)
	got, elapsed := drain(t, tr, 64<<10)
	assert.Equal(t, src, got)
	assert.Less(t, elapsed, 500*time.Millisecond, "unlimited reads must not pace")
}

func TestThrottleLaw(t *testing.T) {
	// 80 kbit/s; bucket capacity is the 1 KiB minimum (8192 bits)
	const rate = 80000
	const size = 2048
	src := bytes.Repeat([]byte{0xAB}, size)
	tr := NewReader(bytes.NewReader(src), rate)

	got, elapsed := drain(t, tr, 256)
	require.Equal(t, src, got)

	// everything beyond the initial bucket must be paced
	burst := 8192 / 8
	minElapsed := time.Duration(float64(8*(size-burst)) / rate * float64(time.Second))
	assert.GreaterOrEqual(t, elapsed, minElapsed-20*time.Millisecond,
		"read of %v bytes at %v bps finished too fast", size, rate)
}

func TestSetRateMidStream(t *testing.T) {
	src := bytes.Repeat([]byte{0x11}, 4096)
	tr := NewReader(bytes.NewReader(src), 0)

	buf := make([]byte, 2048)
	_, err := io.ReadFull(tr, buf)
	require.NoError(t, err)

	// 10 KiB/s from here on: the remaining 2 KiB minus one bucket must
	// take at least 100 ms
	tr.SetRate(81920)
	start := time.Now()
	got, _ := drain(t, tr, 256)
	elapsed := time.Since(start)
	assert.Len(t, got, 2048)
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
}

func TestSetRateZeroDisables(t *testing.T) {
	src := bytes.Repeat([]byte{0x22}, 1<<20)
	tr := NewReader(bytes.NewReader(src), 8000)

	buf := make([]byte, 512)
	_, err := io.ReadFull(tr, buf)
	require.NoError(t, err)

	tr.SetRate(0)
	start := time.Now()
	got, _ := drain(t, tr, 64<<10)
	assert.Len(t, got, 1<<20-512)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRateIsReadable(t *testing.T) {
	tr := NewReader(bytes.NewReader(nil), 1234)
	assert.Equal(t, int64(1234), tr.Rate())
	tr.SetRate(0)
	assert.Equal(t, int64(0), tr.Rate())
}
