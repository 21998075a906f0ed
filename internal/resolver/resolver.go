package resolver

import (
	"encoding/base64"
	"math/rand"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/IliaW/site-cloner/internal"
)

const (
	dataURIDir      = "_DataURI/"
	defaultFileName = "index.html"
	dataURIPrefix   = 30
)

var (
	invalidChars   = regexp.MustCompile(`:|\\|=|\*|\.$|"|'|\?|~|\||<|>`)
	dotBeforeSlash = regexp.MustCompile(`(\s|\.)/`)
	dotAfterSlash  = regexp.MustCompile(`/(\s|\.)`)
	nonASCII       = regexp.MustCompile(`[^\x00-\x7F]`)
	nonAlnum       = regexp.MustCompile(`[^A-Za-z0-9]`)
)

// SaveAs is the location of a resource inside the archive.
type SaveAs struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	IsDataURI bool   `json:"is_data_uri"`
}

// SuffixFunc produces the unique part of a data URI file name.
type SuffixFunc func(uri string) string

type Resolver struct {
	suffix SuffixFunc
}

type Option func(*Resolver)

// WithSuffix replaces the content addressed data URI suffix.
func WithSuffix(fn SuffixFunc) Option {
	return func(r *Resolver) {
		r.suffix = fn
	}
}

// WithRandomSource names data URIs from a random source. Seed it for reproducible names.
func WithRandomSource(src *rand.Rand) Option {
	var mu sync.Mutex
	return WithSuffix(func(string) string {
		mu.Lock()
		defer mu.Unlock()
		return strconv.FormatUint(src.Uint64(), 16)
	})
}

func New(opts ...Option) *Resolver {
	r := &Resolver{suffix: contentSuffix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var defaultResolver = New()

// Resolve maps a url to its archive location with the default resolver.
func Resolve(rawURL, contentType string, sample []byte) SaveAs {
	return defaultResolver.Resolve(rawURL, contentType, sample)
}

// Resolve maps a resource url, its content type and a sample of its content
// to a relative archive path. The result is stable for equal inputs.
func (r *Resolver) Resolve(rawURL, contentType string, sample []byte) SaveAs {
	var filePath, fileName string
	isDataURI := false

	if strings.HasPrefix(rawURL, "//") {
		rawURL = "https:" + rawURL
	}
	if i := strings.Index(rawURL, "://"); strings.HasPrefix(rawURL, "data:") || i == -1 || i >= 10 {
		isDataURI = true
		fileName = dataURIName(rawURL) + "." + r.suffix(rawURL) + ".txt"
		filePath = dataURIDir + fileName
	} else {
		scheme, rest, _ := strings.Cut(rawURL, "://")
		if strings.Contains(scheme, "http") {
			filePath, _, _ = strings.Cut(rest, "?")
		} else {
			filePath, _, _ = strings.Cut(strings.Replace(rawURL, "://", "---", 1), "?")
		}
		filePath, _, _ = strings.Cut(filePath, "#")
		if !strings.Contains(filePath, "/") {
			filePath += "/"
		}
		if strings.HasSuffix(filePath, "/") {
			filePath += defaultFileName
		}
		fileName = filePath[strings.LastIndex(filePath, "/")+1:]
	}

	fileName, _, _ = strings.Cut(fileName, ";")
	fileName, _, _ = strings.Cut(fileName, "#")
	filePath = filePath[:strings.LastIndex(filePath, "/")+1] + fileName

	filePath = cleanPath(filePath)
	if strings.Contains(filePath, "%") {
		if decoded, err := url.PathUnescape(filePath); err == nil {
			filePath = cleanPath(decoded)
		}
	}
	filePath = normalizeSegments(filePath)

	fileName = filePath[strings.LastIndex(filePath, "/")+1:]
	if !strings.Contains(fileName, ".") {
		ext := inferExtension(contentType, sample)
		filePath += "." + ext
		fileName += "." + ext
	}

	return SaveAs{
		Path:      filePath,
		Name:      fileName,
		IsDataURI: isDataURI,
	}
}

func cleanPath(p string) string {
	p = invalidChars.ReplaceAllString(p, "")
	p = strings.ReplaceAll(p, "//", "/")
	p = dotBeforeSlash.ReplaceAllString(p, "/")
	p = dotAfterSlash.ReplaceAllString(p, "/")
	return nonASCII.ReplaceAllString(p, "_")
}

// normalizeSegments drops empty, "." and ".." segments, which also removes
// repeated and leading slashes. An empty result becomes index.html.
func normalizeSegments(p string) string {
	segments := strings.Split(p, "/")
	kept := segments[:0]
	for _, s := range segments {
		if strings.TrimSpace(s) == "" || s == "." || s == ".." {
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		return defaultFileName
	}
	return strings.Join(kept, "/")
}

func dataURIName(uri string) string {
	if !strings.HasPrefix(uri, "data:") {
		return "data"
	}
	info, _, _ := strings.Cut(uri, ";")
	info, _, _ = strings.Cut(info, ",")
	if len(info) > dataURIPrefix {
		info = info[:dataURIPrefix]
	}
	return nonAlnum.ReplaceAllString(info, ".")
}

func contentSuffix(uri string) string {
	return internal.HashURL(uri)[:13]
}

func inferExtension(contentType string, sample []byte) string {
	ct := strings.ToLower(contentType)
	switch {
	case ct == "":
		return "html"
	case strings.Contains(ct, "image"):
		return imageExtension(ct, sample)
	case strings.Contains(ct, "stylesheet"), strings.Contains(ct, "css"):
		return "css"
	case strings.Contains(ct, "json"):
		return "json"
	case strings.Contains(ct, "javascript"), strings.Contains(ct, "js"):
		return "js"
	case strings.Contains(ct, "html"), strings.Contains(ct, "xml"):
		return "html"
	case strings.Contains(ct, "font"), strings.Contains(ct, "woff"), strings.Contains(ct, "ttf"):
		return fontExtension(ct)
	case strings.Contains(ct, "svg"):
		return "svg"
	default:
		return "html"
	}
}

// imageExtension looks at the first character of the base64 encoded sample.
// This is an approximation of magic number sniffing: "/9j" jpeg, "R0lG" gif,
// "iVBO" png, "UklG" webp.
func imageExtension(ct string, sample []byte) string {
	if len(sample) > 0 {
		encoded := base64.StdEncoding.EncodeToString(sample[:min(len(sample), 3)])
		switch encoded[0] {
		case '/':
			return "jpg"
		case 'R':
			return "gif"
		case 'i', 'P':
			return "png"
		case 'U':
			return "webp"
		default:
			return "jpg"
		}
	}
	switch {
	case strings.Contains(ct, "png"):
		return "png"
	case strings.Contains(ct, "gif"):
		return "gif"
	case strings.Contains(ct, "webp"):
		return "webp"
	case strings.Contains(ct, "svg"):
		return "svg"
	default:
		return "jpg"
	}
}

func fontExtension(ct string) string {
	switch {
	case strings.Contains(ct, "woff2"):
		return "woff2"
	case strings.Contains(ct, "woff"):
		return "woff"
	case strings.Contains(ct, "ttf"):
		return "ttf"
	case strings.Contains(ct, "otf"):
		return "otf"
	default:
		return "font"
	}
}
