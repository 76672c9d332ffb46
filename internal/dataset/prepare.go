package dataset

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// PrepareOptions control shard writing.
type PrepareOptions struct {
	ImageSize   int
	ScaleFactor int
	ShardSize   int // samples per shard
	Logger      logrus.FieldLogger
}

// PrepareResult summarises a Prepare run.
type PrepareResult struct {
	Samples int
	Shards  []string
	Skipped int
}

// Prepare converts the images under srcDir into paired WebDataset shards in
// dstDir. Each image is resized to ImageSize square for the high resolution
// target and downsampled by ScaleFactor for the input. Images that fail to
// decode are skipped.
func Prepare(ctx context.Context, srcDir, dstDir string, opts PrepareOptions) (PrepareResult, error) {
	var res PrepareResult
	if opts.ScaleFactor <= 0 || opts.ImageSize <= 0 || opts.ImageSize%opts.ScaleFactor != 0 {
		return res, fmt.Errorf("image size %d must be a positive multiple of scale %d", opts.ImageSize, opts.ScaleFactor)
	}
	if opts.ShardSize <= 0 {
		opts.ShardSize = 1000
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	sources, err := listImages(srcDir)
	if err != nil {
		return res, err
	}
	if len(sources) == 0 {
		return res, fmt.Errorf("no images under %s", srcDir)
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return res, fmt.Errorf("create %s: %w", dstDir, err)
	}

	start := time.Now()
	var sw *shardWriter
	lrSide := opts.ImageSize / opts.ScaleFactor
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		hr, lr, err := encodePair(src, opts.ImageSize, lrSide)
		if err != nil {
			opts.Logger.WithError(err).WithField("path", src).Warn("skipping image")
			res.Skipped++
			continue
		}
		if sw == nil {
			sw, err = createShard(filepath.Join(dstDir, ShardName(len(res.Shards))))
			if err != nil {
				return res, err
			}
			res.Shards = append(res.Shards, sw.path)
		}
		key := fmt.Sprintf("%08d", res.Samples)
		if err := sw.add(key+"."+fieldHR+".png", hr); err != nil {
			sw.close()
			return res, err
		}
		if err := sw.add(key+"."+fieldLR+".png", lr); err != nil {
			sw.close()
			return res, err
		}
		res.Samples++
		sw.count++
		if sw.count == opts.ShardSize {
			if err := sw.close(); err != nil {
				return res, err
			}
			sw = nil
		}
	}
	if sw != nil {
		if err := sw.close(); err != nil {
			return res, err
		}
	}
	opts.Logger.WithFields(logrus.Fields{
		"samples": res.Samples,
		"shards":  len(res.Shards),
		"skipped": res.Skipped,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Info("shards written")
	return res, nil
}

func listImages(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".png", ".jpg", ".jpeg":
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func encodePair(path string, hrSide, lrSide int) (hr, lr []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", path, err)
	}
	hrImg := resize(img, hrSide, hrSide)
	lrImg := resize(hrImg, lrSide, lrSide)
	if hr, err = encodePNG(hrImg); err != nil {
		return nil, nil, err
	}
	if lr, err = encodePNG(lrImg); err != nil {
		return nil, nil, err
	}
	return hr, lr, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

type shardWriter struct {
	path  string
	f     *os.File
	tw    *tar.Writer
	count int
}

func createShard(path string) (*shardWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create shard: %w", err)
	}
	return &shardWriter{path: path, f: f, tw: tar.NewWriter(f)}, nil
}

func (w *shardWriter) add(name string, data []byte) error {
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), ModTime: time.Unix(0, 0)}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := w.tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (w *shardWriter) close() error {
	if err := w.tw.Close(); err != nil {
		w.f.Close()
		return fmt.Errorf("finish shard %s: %w", w.path, err)
	}
	return w.f.Close()
}
