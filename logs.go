package localbuild

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
)

// BuildLog collects the full output of a build into a local log file,
// optionally teed to a console writer, in the step-prefixed format of
// hosted build logs.
type BuildLog struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	console io.Writer
}

// NewBuildLog creates the log file log-<buildID>.txt under dir.
// console may be nil.
func NewBuildLog(dir, buildID string, console io.Writer) (*BuildLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	p := filepath.Join(dir, "log-"+buildID+".txt")
	f, err := os.Create(p)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}
	return &BuildLog{file: f, path: p, console: console}, nil
}

// Path returns the local log file path.
func (l *BuildLog) Path() string { return l.path }

// Write appends build-level (unprefixed) output.
func (l *BuildLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.console != nil {
		_, _ = l.console.Write(p)
	}
	return l.file.Write(p)
}

// Close flushes and closes the log file.
func (l *BuildLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// StepWriter returns a writer that prefixes every line with the
// step's label, e.g. `Step #2 - "test": `.
func (l *BuildLog) StepWriter(index int, id string) *StepLogWriter {
	prefix := fmt.Sprintf("Step #%d: ", index)
	if id != "" {
		prefix = fmt.Sprintf("Step #%d - %q: ", index, id)
	}
	return &StepLogWriter{log: l, prefix: prefix}
}

// StepLogWriter prefixes each complete output line. Partial lines are
// buffered until the next newline or Flush.
type StepLogWriter struct {
	log    *BuildLog
	prefix string
	buf    bytes.Buffer
}

func (w *StepLogWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line: keep it buffered
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		if _, err := io.WriteString(w.log, w.prefix+line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Flush writes out any buffered partial line.
func (w *StepLogWriter) Flush() error {
	if w.buf.Len() == 0 {
		return nil
	}
	line := w.buf.String()
	w.buf.Reset()
	_, err := io.WriteString(w.log, w.prefix+line+"\n")
	return err
}

// Export copies the finished log to its configured destination: a
// gs:// bucket URL uploads via Cloud Storage, anything else is treated
// as a local directory. An empty destination is a no-op. Call after
// Close.
func (l *BuildLog) Export(ctx context.Context, dest string) error {
	switch {
	case dest == "":
		return nil
	case strings.HasPrefix(dest, "gs://"):
		return l.uploadToBucket(ctx, dest)
	default:
		return l.copyToDir(dest)
	}
}

func (l *BuildLog) uploadToBucket(ctx context.Context, dest string) error {
	bucket, prefix, err := splitBucketURL(dest)
	if err != nil {
		return err
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("storage client: %w", err)
	}
	defer client.Close()

	src, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer src.Close()

	object := path.Join(prefix, filepath.Base(l.path))
	w := client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "text/plain"
	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload log to gs://%s/%s: %w", bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload log to gs://%s/%s: %w", bucket, object, err)
	}
	return nil
}

func (l *BuildLog) copyToDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log destination: %w", err)
	}
	src, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer src.Close()
	dst, err := os.Create(filepath.Join(dir, filepath.Base(l.path)))
	if err != nil {
		return fmt.Errorf("create log copy: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy log: %w", err)
	}
	return nil
}

// splitBucketURL splits "gs://bucket/prefix" into bucket and prefix.
func splitBucketURL(u string) (bucket, prefix string, err error) {
	rest := strings.TrimPrefix(u, "gs://")
	if rest == "" || rest == u {
		return "", "", fmt.Errorf("invalid bucket URL %q", u)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid bucket URL %q", u)
	}
	return bucket, strings.TrimSuffix(prefix, "/"), nil
}
