// Package sketch loads images from URI-like identifiers, decodes them into
// raw bitmaps and caches them in memory and on disk.
//
// An [Engine] resolves each [Request] through an ordered registry of
// pluggable components: fetchers produce bytes, decoders produce bitmaps,
// and interceptors wrap either step. Concurrent requests for the same image
// share one load.
//
// # Quick Start
//
// Load one image and release it when done:
//
//	e, err := sketch.New(sketch.WithCacheDir("/var/cache/sketch"))
//	if err != nil {
//	    return err
//	}
//	defer e.Close()
//
//	res, err := e.Execute(ctx, sketch.NewRequest("https://example.com/a.png",
//	    sketch.WithSize(256, 256),
//	))
//	if err != nil {
//	    return err
//	}
//	defer res.Release()
//	bm := res.Bitmap()
//
// Submit returns immediately and reports through listeners:
//
//	h := e.Submit(ctx, req, sketch.ListenerFuncs{
//	    Progress: func(_ *sketch.Handle, p sketch.Progress) { ... },
//	    Success:  func(_ *sketch.Handle, r *sketch.Result) { ... },
//	})
//
// # Caching
//
// Three tiers are consulted in order:
//   - memory: decoded bitmaps keyed by identifier and every pixel-affecting option
//   - result: transformed bitmaps on disk, keyed like the memory tier
//   - download: raw remote bytes on disk, keyed by identifier
//
// Each request chooses per tier whether to read and write with
// [WithMemoryPolicy], [WithResultPolicy] and [WithDownloadPolicy]. Use
// [WithDepth] to keep a request away from the network or off disk entirely.
//
// # Components
//
// Register custom fetchers, decoders and interceptors with [WithRegistry].
// They take precedence over the built-in file, HTTP and image components.
package sketch
