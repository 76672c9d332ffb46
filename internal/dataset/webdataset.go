package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Sample is one paired record from a WebDataset shard: the encoded high
// resolution image and its low resolution counterpart.
type Sample struct {
	Key string
	HR  []byte
	LR  []byte
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

const (
	fieldHR = "hr"
	fieldLR = "lr"
)

// splitEntry maps "000001.hr.png" to ("000001", "hr"). Entries that are not
// hr/lr images report ok=false.
func splitEntry(name string) (key, field string, ok bool) {
	base := filepath.Base(name)
	ext := strings.ToLower(filepath.Ext(base))
	switch ext {
	case ".jpg", ".jpeg", ".png":
	default:
		return "", "", false
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	dot := strings.LastIndexByte(stem, '.')
	if dot <= 0 {
		return "", "", false
	}
	key, field = stem[:dot], strings.ToLower(stem[dot+1:])
	if field != fieldHR && field != fieldLR {
		return "", "", false
	}
	return key, field, true
}

// StreamShard streams paired samples from the shard at path in archive order.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- fmt.Errorf("open shard: %w", err)
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*Sample)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- fmt.Errorf("read tar: %w", err)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			key, field, ok := splitEntry(hdr.Name)
			if !ok {
				continue
			}
			data, err := io.ReadAll(tr)
			if err != nil {
				errCh <- fmt.Errorf("read %s: %w", hdr.Name, err)
				return
			}
			part := pending[key]
			if part == nil {
				part = &Sample{Key: key}
				pending[key] = part
			}
			if field == fieldHR {
				part.HR = data
			} else {
				part.LR = data
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if len(part.HR) > 0 && len(part.LR) > 0 {
				delete(pending, key)
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- *part:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- fmt.Errorf("%s: %d samples incomplete", path, len(pending))
		}
	}()

	return out, errCh
}

// CountShard returns the number of complete hr/lr pairs in a shard by
// reading headers only.
func CountShard(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()

	fields := make(map[string]int)
	tr := tar.NewReader(bufio.NewReader(f))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read tar %s: %w", path, err)
		}
		key, field, ok := splitEntry(hdr.Name)
		if !ok || hdr.Size == 0 {
			continue
		}
		if field == fieldHR {
			fields[key] |= 1
		} else {
			fields[key] |= 2
		}
	}
	complete := 0
	for _, mask := range fields {
		if mask == 3 {
			complete++
		}
	}
	return complete, nil
}
