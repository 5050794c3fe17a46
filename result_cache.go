package sketch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/meigma/sketch/cache/disk"
	"github.com/meigma/sketch/component"
	"github.com/meigma/sketch/internal/fb"
	"github.com/meigma/sketch/raster"
)

// ResultCacheKey identifies the result cache interceptor.
const ResultCacheKey = "sketch.result_cache"

const (
	resultVersion      = 1
	maxResultHeaderLen = 64 << 10
)

var errBadResult = errors.New("sketch: malformed result entry")

// resultHeader is the decoded header of a result entry.
type resultHeader struct {
	width, height   int
	format          raster.Format
	stride          int
	mimeType        string
	from            DataFrom
	transformations []string
	pixelSize       int64
	sourceWidth     int
	sourceHeight    int
}

// encodeResultHeader serializes the description of res.
func encodeResultHeader(res *DecodeResult) []byte {
	bm := res.Bitmap
	builder := flatbuffers.NewBuilder(256)

	mimeOffset := builder.CreateString(res.Info.MimeType)
	keyOffsets := make([]flatbuffers.UOffsetT, len(res.Transformations))
	for i := len(res.Transformations) - 1; i >= 0; i-- {
		keyOffsets[i] = builder.CreateString(res.Transformations[i])
	}
	fb.ResultHeaderStartTransformationsVector(builder, len(keyOffsets))
	for i := len(keyOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(keyOffsets[i])
	}
	keysOffset := builder.EndVector(len(keyOffsets))

	fb.ResultHeaderStart(builder)
	fb.ResultHeaderAddVersion(builder, resultVersion)
	fb.ResultHeaderAddWidth(builder, int32(bm.Width))   //nolint:gosec // bitmap dimensions fit int32
	fb.ResultHeaderAddHeight(builder, int32(bm.Height)) //nolint:gosec // bitmap dimensions fit int32
	fb.ResultHeaderAddFormat(builder, byte(bm.Format))
	fb.ResultHeaderAddStride(builder, int32(bm.Stride)) //nolint:gosec // stride fits int32
	fb.ResultHeaderAddMimeType(builder, mimeOffset)
	fb.ResultHeaderAddFrom(builder, byte(res.From))
	fb.ResultHeaderAddTransformations(builder, keysOffset)
	fb.ResultHeaderAddPixelSize(builder, int64(len(bm.Pix)))
	fb.ResultHeaderAddSourceWidth(builder, int32(res.Info.Width))   //nolint:gosec // image dimensions fit int32
	fb.ResultHeaderAddSourceHeight(builder, int32(res.Info.Height)) //nolint:gosec // image dimensions fit int32
	fb.FinishResultHeaderBuffer(builder, fb.ResultHeaderEnd(builder))
	return builder.FinishedBytes()
}

// decodeResultHeader parses and validates a header.
func decodeResultHeader(data []byte) (h resultHeader, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errBadResult, r)
		}
	}()
	if len(data) < flatbuffers.SizeUOffsetT {
		return h, errBadResult
	}
	root := fb.GetRootAsResultHeader(data, 0)
	if root.Version() != resultVersion {
		return h, fmt.Errorf("%w: version %d", errBadResult, root.Version())
	}
	h = resultHeader{
		width:        int(root.Width()),
		height:       int(root.Height()),
		format:       raster.Format(root.Format()),
		stride:       int(root.Stride()),
		mimeType:     string(root.MimeType()),
		from:         DataFrom(root.From()),
		pixelSize:    root.PixelSize(),
		sourceWidth:  int(root.SourceWidth()),
		sourceHeight: int(root.SourceHeight()),
	}
	for i := range root.TransformationsLength() {
		h.transformations = append(h.transformations, string(root.Transformations(i)))
	}

	n, err := raster.ByteCount(h.width, h.height, h.format)
	if err != nil {
		return h, fmt.Errorf("%w: %w", errBadResult, err)
	}
	if h.format > raster.FormatAlpha8 || h.stride != h.width*h.format.BytesPerPixel() || h.pixelSize != int64(n) {
		return h, fmt.Errorf("%w: inconsistent layout", errBadResult)
	}
	return h, nil
}

// writeResult writes res as a result entry: a little-endian uint32 header
// length, the header, then the pixels.
func writeResult(w io.Writer, res *DecodeResult) error {
	header := encodeResultHeader(res)
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(header))) //nolint:gosec // header is small
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(res.Bitmap.Pix)
	return err
}

// readResult reads a result entry into a bitmap from alloc.
func readResult(r io.Reader, alloc raster.Allocator) (*DecodeResult, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", errBadResult, err)
	}
	n := binary.LittleEndian.Uint32(prefix[:])
	if n == 0 || n > maxResultHeaderLen {
		return nil, fmt.Errorf("%w: header length %d", errBadResult, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: %w", errBadResult, err)
	}
	h, err := decodeResultHeader(data)
	if err != nil {
		return nil, err
	}

	bm, err := raster.Alloc(alloc, h.width, h.height, h.format)
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, bm.Pix); err != nil {
		if alloc != nil {
			alloc.Put(bm)
		}
		return nil, fmt.Errorf("%w: %w", errBadResult, err)
	}
	return &DecodeResult{
		Bitmap: bm,
		Info: raster.Info{
			Width:    h.sourceWidth,
			Height:   h.sourceHeight,
			MimeType: h.mimeType,
		},
		From:            FromResultCache,
		Transformations: h.transformations,
	}, nil
}

// resultCacheInterceptor serves transformed requests from the result tier
// and stores freshly transformed results in it.
func (e *Engine) resultCacheInterceptor() component.DecodeInterceptor {
	return &component.DecodeInterceptorFunc{
		Name: ResultCacheKey,
		Fn: func(chain component.DecodeChain) (*DecodeResult, error) {
			req := chain.Request()
			if e.result == nil || (req.Size().IsZero() && len(req.Transformations()) == 0) {
				return chain.Proceed()
			}
			key := req.ResultKey()
			if req.ResultPolicy().Read {
				if res, ok := e.readResultEntry(chain, key); ok {
					return res, nil
				}
			}
			res, err := chain.Proceed()
			if err != nil {
				return nil, err
			}
			if req.ResultPolicy().Write && len(res.Transformations) > 0 {
				e.writeResultEntry(key, res)
			}
			return res, nil
		},
	}
}

// readResultEntry reads key from the result tier. Any failure is a miss; a
// malformed entry is removed.
func (e *Engine) readResultEntry(chain component.DecodeChain, key string) (*DecodeResult, bool) {
	ctx := chain.Context()
	if err := e.io.Acquire(ctx, 1); err != nil {
		return nil, false
	}
	defer e.io.Release(1)

	snap, err := e.result.Get(key)
	if err != nil {
		if !errors.Is(err, disk.ErrNotFound) {
			e.log().Warn("result cache read failed", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}
	defer snap.Close()

	res, err := readResult(snap, chain.Allocator())
	if err != nil {
		e.log().Warn("discarding result cache entry", slog.String("key", key), slog.Any("error", err))
		if errors.Is(err, errBadResult) {
			_ = e.result.Remove(key)
		}
		return nil, false
	}
	return res, true
}

// writeResultEntry stores res under key. Failures are logged and never fail
// the load.
func (e *Engine) writeResultEntry(key string, res *DecodeResult) {
	log := e.log().With(slog.String("key", key))
	ed, err := e.result.Edit(key)
	if err != nil {
		log.Debug("result cache write skipped", slog.Any("error", err))
		return
	}
	if err := writeResult(ed, res); err != nil {
		_ = ed.Abort()
		log.Warn("result cache write failed", slog.Any("error", err))
		return
	}
	if err := ed.Commit(); err != nil {
		log.Warn("result cache commit failed", slog.Any("error", err))
	}
}
