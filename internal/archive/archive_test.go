package archive

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/IliaW/site-cloner/internal/model"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func completedJob() *model.Job {
	return &model.Job{
		ID:      "job-1",
		SeedURL: "https://example.com",
		Status:  model.StatusCompleted,
		Pages: []*model.Page{
			{URL: "https://example.com/", HTML: "<html><body><p>home</p></body></html>"},
			{URL: "https://example.com/about", HTML: "<html><body><p>about</p></body></html>"},
		},
		Assets: []*model.Resource{
			{URL: "https://example.com/style.css", Content: []byte("a{color:red}"), SavePath: "style.css", SaveName: "style.css"},
			{URL: "https://cdn.example.com/style.css", Content: []byte("b{color:blue}"), SavePath: "style.css", SaveName: "style.css"},
			{URL: "https://example.com/empty.js", SavePath: "empty.js", SaveName: "empty.js"},
		},
	}
}

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	files := make(map[string]string, len(r.File))
	for _, f := range r.File {
		assert.Equal(t, zip.Deflate, f.Method, f.Name)
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		_, dup := files[f.Name]
		require.False(t, dup, "duplicate entry %s", f.Name)
		files[f.Name] = string(body)
	}
	return files
}

func TestBuild_Layout(t *testing.T) {
	data, err := NewBuilder().WithClock(func() time.Time { return fixedNow }).Build(completedJob(), Options{})
	require.NoError(t, err)

	files := readZip(t, data)
	assert.Len(t, files, 6)
	assert.Equal(t, "<html><body><p>home</p></body></html>", files["index.html"])
	assert.Contains(t, files["page-1.html"], "about")
	assert.Equal(t, "a{color:red}", files["assets/style.css"])
	assert.Equal(t, "b{color:blue}", files["assets/style (1).css"])
	assert.Contains(t, files, "assets/empty.js")

	var meta Metadata
	require.NoError(t, jsoniter.Unmarshal([]byte(files["metadata.json"]), &meta))
	assert.Equal(t, Metadata{
		JobID:       "job-1",
		BaseURL:     "https://example.com/",
		TotalPages:  2,
		TotalAssets: 3,
		Timestamp:   "2024-05-01T12:00:00Z",
	}, meta)
	assert.Contains(t, files["metadata.json"], "\n  \"jobId\"")
}

func TestBuild_IgnoreEmpty(t *testing.T) {
	data, err := NewBuilder().Build(completedJob(), Options{IgnoreEmpty: true})
	require.NoError(t, err)

	files := readZip(t, data)
	assert.NotContains(t, files, "assets/empty.js")
	assert.Contains(t, files, "metadata.json")
	assert.Len(t, files, 5)
}

func TestBuild_Beautify(t *testing.T) {
	job := completedJob()
	job.Assets = append(job.Assets,
		&model.Resource{URL: "https://example.com/data.json", Content: []byte(`{"a":1,"b":[1,2]}`),
			SavePath: "data.json", SaveName: "data.json"},
		&model.Resource{URL: "https://example.com/broken.json", Content: []byte(`{"a":`),
			SavePath: "broken.json", SaveName: "broken.json"},
		&model.Resource{URL: "https://example.com/logo.png", Content: []byte{0x89, 'P', 'N', 'G'},
			SavePath: "logo.png", SaveName: "logo.png"},
	)

	data, err := NewBuilder().Build(job, Options{Beautify: true, IgnoreEmpty: true})
	require.NoError(t, err)

	files := readZip(t, data)
	assert.Equal(t, "a {\n  color:red\n}\n", files["assets/style.css"])
	assert.Contains(t, files["assets/data.json"], "\n  \"a\": 1")
	assert.Equal(t, `{"a":`, files["assets/broken.json"])
	assert.Equal(t, string([]byte{0x89, 'P', 'N', 'G'}), files["assets/logo.png"])
	assert.Contains(t, files["index.html"], "\n")
}

func TestBuild_NotCompleted(t *testing.T) {
	for _, status := range []model.JobStatus{model.StatusPending, model.StatusRunning, model.StatusFailed} {
		job := completedJob()
		job.Status = status
		_, err := NewBuilder().Build(job, Options{})
		assert.ErrorIs(t, err, model.ErrArchiveNotReady, status)
	}
}

func TestBuild_NoPages(t *testing.T) {
	job := &model.Job{ID: "empty", SeedURL: "https://example.com", Status: model.StatusCompleted}

	data, err := NewBuilder().Build(job, Options{})
	require.NoError(t, err)

	files := readZip(t, data)
	require.Len(t, files, 1)
	var meta Metadata
	require.NoError(t, jsoniter.Unmarshal([]byte(files["metadata.json"]), &meta))
	assert.Equal(t, "https://example.com", meta.BaseURL)
	assert.Zero(t, meta.TotalPages)
}

func TestFilename(t *testing.T) {
	tests := map[string]string{
		"https://example.com/path":    "example.com.zip",
		"https://my-site.example.org": "my_site.example.org.zip",
		"http://localhost:8080/":      "localhost.zip",
		"not a url":                   fallbackFilename,
		"":                            fallbackFilename,
	}
	for seed, want := range tests {
		assert.Equal(t, want, Filename(&model.Job{SeedURL: seed}), seed)
	}
}

func TestBeautify(t *testing.T) {
	t.Run("css", func(t *testing.T) {
		out, err := Beautify("a.css", []byte("a,b{color:red;margin:0}/* c */@media x{p{top:0}}"))
		require.NoError(t, err)
		assert.Equal(t, "a,b {\n  color:red;\n  margin:0\n}\n/* c */\n@media x {\n  p {\n    top:0\n  }\n}\n", string(out))
	})
	t.Run("css strings are kept", func(t *testing.T) {
		out, err := Beautify("a.css", []byte(`a{content:"{;}"}`))
		require.NoError(t, err)
		assert.Equal(t, "a {\n  content:\"{;}\"\n}\n", string(out))
	})
	t.Run("unbalanced css falls back", func(t *testing.T) {
		in := []byte("a{color:red")
		out, err := Beautify("a.css", in)
		assert.ErrorIs(t, err, errUnbalancedCSS)
		assert.Equal(t, in, out)
	})
	t.Run("invalid json falls back", func(t *testing.T) {
		in := []byte("{nope")
		out, err := Beautify("a.json", in)
		assert.ErrorIs(t, err, errInvalidJSON)
		assert.Equal(t, in, out)
	})
	t.Run("xml", func(t *testing.T) {
		out, err := Beautify("feed.XML", []byte(`<rss><channel><title>t</title></channel></rss>`))
		require.NoError(t, err)
		assert.Equal(t, "<rss>\n  <channel>\n    <title>t</title>\n  </channel>\n</rss>\n", string(out))
	})
	t.Run("malformed xml falls back", func(t *testing.T) {
		in := []byte(`<a><b></a>`)
		out, err := Beautify("a.xml", in)
		assert.Error(t, err)
		assert.Equal(t, in, out)
	})
	t.Run("unknown extension is untouched", func(t *testing.T) {
		in := []byte("{nope")
		out, err := Beautify("a.txt", in)
		assert.NoError(t, err)
		assert.Equal(t, in, out)
	})
}
