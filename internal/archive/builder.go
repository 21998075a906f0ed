package archive

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/IliaW/site-cloner/internal/model"
	"github.com/IliaW/site-cloner/internal/resolver"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

const (
	compressionLevel = 6
	metadataName     = "metadata.json"
	assetsDir        = "assets/"
	fallbackFilename = "website.zip"
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9.]`)

type Options struct {
	Beautify    bool
	IgnoreEmpty bool
}

type Metadata struct {
	JobID       string `json:"jobId"`
	BaseURL     string `json:"baseUrl"`
	TotalPages  int    `json:"totalPages"`
	TotalAssets int    `json:"totalAssets"`
	Timestamp   string `json:"timestamp"`
}

type Builder struct {
	now func() time.Time
}

func NewBuilder() *Builder {
	return &Builder{now: time.Now}
}

// WithClock sets the clock used for entry times and the metadata timestamp.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build packs a completed job into a zip: pages at the root, assets under
// assets/ and a metadata.json entry last.
func (b *Builder) Build(job *model.Job, opts Options) ([]byte, error) {
	if job.Status != model.StatusCompleted {
		return nil, fmt.Errorf("%w: job %s is %s", model.ErrArchiveNotReady, job.ID, job.Status)
	}
	now := b.now()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	w.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, compressionLevel)
	})

	for _, r := range entries(job) {
		content := r.Content
		if opts.IgnoreEmpty && len(content) == 0 {
			continue
		}
		if opts.Beautify {
			var err error
			if content, err = Beautify(r.SavePath, content); err != nil {
				slog.Debug("beautify failed. keeping original content.", slog.String("path", r.SavePath),
					slog.String("err", err.Error()))
			}
		}
		if err := writeEntry(w, r.SavePath, content, now); err != nil {
			return nil, err
		}
	}

	meta, err := jsoniter.MarshalIndent(metadata(job, now), "", "  ")
	if err != nil {
		return nil, err
	}
	if err = writeEntry(w, metadataName, meta, now); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish zip: %w", err)
	}

	return buf.Bytes(), nil
}

// entries turns pages and assets into one placed, deduplicated set.
func entries(job *model.Job) []model.Resource {
	all := make([]model.Resource, 0, len(job.Pages)+len(job.Assets))
	for i, p := range job.Pages {
		name := "index.html"
		if i > 0 {
			name = "page-" + strconv.Itoa(i) + ".html"
		}
		all = append(all, model.Resource{
			URL:         p.URL,
			ContentType: "text/html",
			Content:     []byte(p.HTML),
			IsText:      true,
			Size:        len(p.HTML),
			SavePath:    name,
			SaveName:    name,
			Timestamp:   p.Timestamp,
		})
	}
	for _, a := range job.Assets {
		r := *a
		r.SavePath = assetsDir + a.SavePath
		all = append(all, r)
	}
	return resolver.Dedupe(all)
}

func writeEntry(w *zip.Writer, name string, content []byte, modified time.Time) error {
	f, err := w.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return fmt.Errorf("failed to create zip entry %s: %w", name, err)
	}
	if _, err = f.Write(content); err != nil {
		return fmt.Errorf("failed to write zip entry %s: %w", name, err)
	}
	return nil
}

func metadata(job *model.Job, now time.Time) *Metadata {
	baseURL := job.SeedURL
	if len(job.Pages) > 0 {
		baseURL = job.Pages[0].URL
	}
	return &Metadata{
		JobID:       job.ID,
		BaseURL:     baseURL,
		TotalPages:  len(job.Pages),
		TotalAssets: len(job.Assets),
		Timestamp:   now.UTC().Format(time.RFC3339Nano),
	}
}

// Filename is the download name of a job's archive, derived from the seed host.
func Filename(job *model.Job) string {
	u, err := url.Parse(job.SeedURL)
	if err != nil || u.Hostname() == "" {
		return fallbackFilename
	}
	return unsafeFilenameChars.ReplaceAllString(u.Hostname(), "_") + ".zip"
}
