package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/freundallein/erpexport/chassis/metrics"
)

const (
	// TimestampLayout is the suffix of every stored file name.
	TimestampLayout  = "20060102_150405"
	defaultExtension = "xlsx"
	defaultChunkSize = 8192
	partSuffix       = ".part"
)

// ErrEmptyURL ...
var ErrEmptyURL = errors.New("empty download url")

// Getter opens a streamed GET.
type Getter interface {
	Get(ctx context.Context, url string) (*http.Response, error)
}

// Config ...
type Config struct {
	Dir       string
	ChunkSize int
}

// File - a stored export file
type File struct {
	Path       string
	Size       int64
	ModuleName string
	FilePrefix string
	CreatedAt  time.Time
}

// Service stores export files, one per prefix.
type Service struct {
	getter  Getter
	cfg     Config
	now     func() time.Time
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// New ...
func New(getter Getter, cfg Config, m *metrics.Metrics, log *logrus.Entry) *Service {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	return &Service{
		getter:  getter,
		cfg:     cfg,
		now:     time.Now,
		metrics: metrics.OrNew(m),
		log:     log,
	}
}

// Dir ...
func (s *Service) Dir() string {
	return s.cfg.Dir
}

// Download streams url into {prefix}_{timestamp}.{ext}. Earlier files of the
// same prefix are removed only once the new one is complete, and a failed
// transfer leaves nothing behind.
func (s *Service) Download(ctx context.Context, rawURL, moduleName, prefix string) (*File, error) {
	if rawURL == "" {
		s.metrics.Downloads.WithLabelValues("error").Inc()
		return nil, ErrEmptyURL
	}
	if prefix == "" {
		prefix = moduleName
	}
	log := s.log.WithFields(logrus.Fields{
		"moduleName": moduleName,
		"prefix":     prefix,
	})
	log.WithFields(logrus.Fields{
		"event": "download_start",
		"url":   rawURL,
	}).Info("start download")

	file, err := s.download(ctx, rawURL, prefix)
	if err != nil {
		s.metrics.Downloads.WithLabelValues("error").Inc()
		log.WithFields(logrus.Fields{
			"event": "download_failed",
		}).Error(err)
		return nil, err
	}
	file.ModuleName = moduleName
	s.metrics.Downloads.WithLabelValues("success").Inc()
	s.metrics.DownloadBytes.Add(float64(file.Size))
	log.WithFields(logrus.Fields{
		"event": "download_complete",
		"path":  file.Path,
		"size":  file.Size,
	}).Infof("file saved (%.2f KB)", float64(file.Size)/1024)
	return file, nil
}

func (s *Service) download(ctx context.Context, rawURL, prefix string) (*File, error) {
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create downloads dir: %w", err)
	}
	resp, err := s.getter.Get(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp(s.cfg.Dir, "."+prefix+"_*"+partSuffix)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	size, err := s.copy(ctx, tmp, resp.Body)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("write %s: %w", prefix, err)
	}

	created := s.now()
	target := filepath.Join(s.cfg.Dir, FileName(prefix, created, Extension(rawURL)))
	removed, err := Cleanup(s.cfg.Dir, prefix)
	if err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("cleanup %s: %w", prefix, err)
	}
	if removed > 0 {
		s.log.WithFields(logrus.Fields{
			"event":   "cleanup_files",
			"prefix":  prefix,
			"removed": removed,
		}).Info("removed previous files")
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("rename %s: %w", target, err)
	}
	return &File{
		Path:       target,
		Size:       size,
		FilePrefix: prefix,
		CreatedAt:  created,
	}, nil
}

func (s *Service) copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, s.cfg.ChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			w, err := dst.Write(buf[:n])
			written += int64(w)
			if err != nil {
				return written, err
			}
			if w != n {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// FileName ...
func FileName(prefix string, at time.Time, ext string) string {
	return fmt.Sprintf("%s_%s.%s", prefix, at.Format(TimestampLayout), ext)
}

// Extension of the URL path without the dot, xlsx when absent.
func Extension(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	ext := strings.TrimPrefix(path.Ext(path.Base(p)), ".")
	if ext == "" {
		return defaultExtension
	}
	return ext
}
