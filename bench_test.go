package sketch

import (
	"context"
	"fmt"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/meigma/sketch/internal/testutil"
)

func newBenchEngine(b *testing.B, data []byte, opts ...Option) *Engine {
	b.Helper()
	f := testutil.NewFetcher("img://").Set("img://bench", data)
	base := []Option{
		WithoutDefaultComponents(),
		WithRegistry(testutil.Registry(f, testutil.NewDecoder())),
	}
	e, err := New(append(base, opts...)...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = e.Close() })
	return e
}

func BenchmarkExecuteMemoryHit(b *testing.B) {
	e := newBenchEngine(b, testutil.EncodePNG(256, 256))
	req := NewRequest("img://bench")
	ctx := context.Background()

	res, err := e.Execute(ctx, req)
	if err != nil {
		b.Fatal(err)
	}
	res.Release()

	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		res, err := e.Execute(ctx, req)
		if err != nil {
			b.Fatal(err)
		}
		res.Release()
	}
}

func BenchmarkExecuteDecode(b *testing.B) {
	sizes := []int{64, 256, 1024}
	for _, size := range sizes {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			data := testutil.EncodePNG(size, size)
			e := newBenchEngine(b, data)
			req := NewRequest("img://bench", WithMemoryPolicy(CacheDisabled))
			ctx := context.Background()

			b.SetBytes(int64(len(data)))
			b.ReportAllocs()
			b.ResetTimer()
			for b.Loop() {
				res, err := e.Execute(ctx, req)
				if err != nil {
					b.Fatal(err)
				}
				res.Release()
			}
		})
	}
}

func BenchmarkExecuteResultCacheHit(b *testing.B) {
	for _, compressed := range []bool{false, true} {
		b.Run(fmt.Sprintf("zstd=%t", compressed), func(b *testing.B) {
			opts := []Option{WithResultCache(b.TempDir(), 0)}
			if compressed {
				opts = append(opts, WithDiskCompression(zstd.SpeedFastest))
			}
			e := newBenchEngine(b, testutil.EncodePNG(512, 512), opts...)
			req := NewRequest("img://bench",
				WithSize(128, 128), WithPrecision(PrecisionExactly), WithMemoryPolicy(CacheDisabled))
			ctx := context.Background()

			res, err := e.Execute(ctx, req)
			if err != nil {
				b.Fatal(err)
			}
			res.Release()

			b.ReportAllocs()
			b.ResetTimer()
			for b.Loop() {
				res, err := e.Execute(ctx, req)
				if err != nil {
					b.Fatal(err)
				}
				if res.From() != FromResultCache {
					b.Fatalf("served from %s", res.From())
				}
				res.Release()
			}
		})
	}
}
