package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsRequestedLength(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantCap int
	}{
		{name: "frame tier", size: 80, wantCap: DefaultFrameSize},
		{name: "exact frame boundary", size: DefaultFrameSize, wantCap: DefaultFrameSize},
		{name: "sector tier", size: 4096, wantCap: DefaultSectorSize},
		{name: "bulk tier", size: 100 << 10, wantCap: DefaultBulkSize},
		{name: "oversized", size: DefaultBulkSize + 1, wantCap: DefaultBulkSize + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := Get(tt.size)
			defer Put(buf)

			assert.Len(t, buf, tt.size)
			assert.Equal(t, tt.wantCap, cap(buf))
		})
	}
}

func TestPutNilIsIgnored(t *testing.T) {
	assert.NotPanics(t, func() { Put(nil) })
}

func TestPoolReusesBuffers(t *testing.T) {
	p := NewPool(nil)

	buf := p.Get(64)
	require.Len(t, buf, 64)
	buf[0] = 0xaa
	p.Put(buf)

	again := p.Get(128)
	assert.Len(t, again, 128)
	assert.Equal(t, DefaultFrameSize, cap(again))
	p.Put(again)
}

func TestCustomSizeClasses(t *testing.T) {
	p := NewPool(&Config{FrameSize: 32, SectorSize: 512, BulkSize: 4096})

	assert.Equal(t, 32, cap(p.Get(16)))
	assert.Equal(t, 512, cap(p.Get(100)))
	assert.Equal(t, 4096, cap(p.Get(1000)))
	assert.Equal(t, 5000, cap(p.Get(5000)))
}

func TestConcurrentGetPut(t *testing.T) {
	p := NewPool(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				buf := p.Get(80)
				buf[0] = byte(j)
				p.Put(buf)
			}
		}()
	}
	wg.Wait()
}
