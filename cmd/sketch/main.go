// Command sketch loads one image through the engine and writes it as PNG.
//
//	sketch -size 320x240 -precision exactly -out thumb.png https://example.com/a.jpg
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/png"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/felixge/fgprof"

	"github.com/meigma/sketch"
	"github.com/meigma/sketch/config"
	"github.com/meigma/sketch/transform"
)

type options struct {
	configPath string
	cacheDir   string
	size       string
	precision  string
	scale      string
	rotate     int
	depth      string
	out        string
	timeout    time.Duration
	repeat     int
	verbose    bool
	fgProfile  string
	cpuProfile string
}

var (
	precisions = map[string]sketch.Precision{
		"less_pixels":       sketch.PrecisionLessPixels,
		"same_aspect_ratio": sketch.PrecisionSameAspectRatio,
		"exactly":           sketch.PrecisionExactly,
	}
	scales = map[string]sketch.Scale{
		"center": sketch.ScaleCenter,
		"start":  sketch.ScaleStart,
		"end":    sketch.ScaleEnd,
		"fill":   sketch.ScaleFill,
	}
	depths = map[string]sketch.Depth{
		"network": sketch.DepthNetwork,
		"local":   sketch.DepthLocal,
		"memory":  sketch.DepthMemory,
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2) //nolint:gocritic // exitAfterDefer is fine, stop only releases the signal
		}
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, uri, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	if opts.fgProfile != "" {
		fgFile, err := os.Create(opts.fgProfile)
		if err != nil {
			return err
		}
		stopFG := fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}
	if opts.cpuProfile != "" {
		cpuFile, err := os.Create(opts.cpuProfile)
		if err != nil {
			return err
		}
		if err := pprof.StartCPUProfile(cpuFile); err != nil {
			_ = cpuFile.Close()
			return err
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	engineOpts, err := engineOptions(opts, stderr)
	if err != nil {
		return err
	}
	e, err := sketch.New(engineOpts...)
	if err != nil {
		return err
	}
	defer e.Close() //nolint:errcheck // close errors are non-fatal for a one-shot load

	req, err := buildRequest(opts, uri)
	if err != nil {
		return err
	}
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	var res *sketch.Result
	for i := range opts.repeat {
		if res != nil {
			res.Release()
		}
		start := time.Now()
		res, err = e.Execute(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(stderr, "load=%d from=%s size=%dx%d elapsed=%s\n",
			i+1, res.From(), res.Bitmap().Width, res.Bitmap().Height, time.Since(start))
	}
	defer res.Release()

	return writePNG(opts.out, stdout, res)
}

func parseFlags(args []string, stderr io.Writer) (options, string, error) {
	var opts options
	fs := flag.NewFlagSet("sketch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "YAML config file")
	fs.StringVar(&opts.cacheDir, "cache-dir", "", "enable the disk caches in this directory")
	fs.StringVar(&opts.size, "size", "", "target size as WxH")
	fs.StringVar(&opts.precision, "precision", "less_pixels", "precision: less_pixels, same_aspect_ratio, exactly")
	fs.StringVar(&opts.scale, "scale", "center", "crop anchor: center, start, end, fill")
	fs.IntVar(&opts.rotate, "rotate", 0, "rotate clockwise by a multiple of 90 degrees")
	fs.StringVar(&opts.depth, "depth", "network", "depth: network, local, memory")
	fs.StringVar(&opts.out, "out", "-", "output PNG path, - for stdout")
	fs.DurationVar(&opts.timeout, "timeout", 0, "overall load timeout")
	fs.IntVar(&opts.repeat, "repeat", 1, "load the image this many times")
	fs.BoolVar(&opts.verbose, "v", false, "debug logging")
	fs.StringVar(&opts.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	fs.StringVar(&opts.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: sketch [flags] <uri>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return opts, "", err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return opts, "", errors.New("expected exactly one uri")
	}
	if opts.repeat < 1 {
		return opts, "", errors.New("repeat must be at least 1")
	}
	return opts, fs.Arg(0), nil
}

func engineOptions(opts options, stderr io.Writer) ([]sketch.Option, error) {
	cfg := &config.Config{}
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}
	if opts.verbose {
		cfg.Log.Level = "debug"
	}
	if opts.cacheDir != "" {
		cfg.Disk.Dir = opts.cacheDir
	}
	return cfg.Options(stderr), nil
}

func buildRequest(opts options, uri string) (sketch.Request, error) {
	var reqOpts []sketch.RequestOption
	if opts.size != "" {
		w, h, err := parseSize(opts.size)
		if err != nil {
			return sketch.Request{}, err
		}
		reqOpts = append(reqOpts, sketch.WithSize(w, h))
	}
	p, ok := precisions[opts.precision]
	if !ok {
		return sketch.Request{}, fmt.Errorf("unknown precision %q", opts.precision)
	}
	s, ok := scales[opts.scale]
	if !ok {
		return sketch.Request{}, fmt.Errorf("unknown scale %q", opts.scale)
	}
	d, ok := depths[opts.depth]
	if !ok {
		return sketch.Request{}, fmt.Errorf("unknown depth %q", opts.depth)
	}
	reqOpts = append(reqOpts, sketch.WithPrecision(p), sketch.WithScale(s), sketch.WithDepth(d))
	if opts.rotate != 0 {
		r, err := transform.NewRotate(opts.rotate)
		if err != nil {
			return sketch.Request{}, err
		}
		reqOpts = append(reqOpts, sketch.WithTransformations(r))
	}
	return sketch.NewRequest(uri, reqOpts...), nil
}

func parseSize(value string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(value), "x")
	if !ok {
		return 0, 0, fmt.Errorf("size %q: want WxH", value)
	}
	w, err := strconv.Atoi(ws)
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("size %q: bad width", value)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("size %q: bad height", value)
	}
	return w, h, nil
}

func writePNG(path string, stdout io.Writer, res *sketch.Result) error {
	if path == "-" {
		return png.Encode(stdout, res.Bitmap().Image())
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, res.Bitmap().Image()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
