package archive

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ditashi/jsbeautifier-go/jsbeautifier"
	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/pretty"
	"github.com/yosssi/gohtml"
)

const indent = "  "

var (
	errInvalidJSON   = errors.New("invalid json")
	errUnbalancedCSS = errors.New("unbalanced css")
)

type formatter func([]byte) ([]byte, error)

var formatters = map[string]formatter{
	".js":   formatJS,
	".json": formatJSON,
	".html": formatHTML,
	".css":  formatCSS,
	".xml":  formatXML,
}

// Beautify reformats content according to the extension of name. Unknown
// extensions and formatting failures return the content unchanged together
// with the error, if any.
func Beautify(name string, content []byte) ([]byte, error) {
	format, ok := formatters[strings.ToLower(path.Ext(name))]
	if !ok || len(content) == 0 {
		return content, nil
	}
	out, err := safeFormat(format, content)
	if err != nil {
		return content, err
	}
	return out, nil
}

func safeFormat(format formatter, content []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("formatter panicked: %v", r)
		}
	}()
	return format(content)
}

func formatJS(src []byte) ([]byte, error) {
	code := string(src)
	out, err := jsbeautifier.Beautify(&code, jsbeautifier.DefaultOptions())
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func formatJSON(src []byte) ([]byte, error) {
	if !jsoniter.Valid(src) {
		return nil, errInvalidJSON
	}
	return pretty.PrettyOptions(src, &pretty.Options{Width: 80, Indent: indent}), nil
}

func formatHTML(src []byte) ([]byte, error) {
	return gohtml.FormatBytes(src), nil
}

// formatCSS puts every declaration on its own line and indents blocks.
// Strings and comments are copied verbatim.
func formatCSS(src []byte) ([]byte, error) {
	var b bytes.Buffer
	depth := 0
	var quote byte
	line := make([]byte, 0, 128)
	flush := func() {
		if t := bytes.TrimSpace(line); len(t) > 0 {
			b.WriteString(strings.Repeat(indent, depth))
			b.Write(t)
			b.WriteByte('\n')
		}
		line = line[:0]
	}

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case quote != 0:
			line = append(line, c)
			if c == '\\' && i+1 < len(src) {
				i++
				line = append(line, src[i])
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
			line = append(line, c)
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := bytes.Index(src[i+2:], []byte("*/"))
			if end == -1 {
				return nil, fmt.Errorf("%w: unterminated comment", errUnbalancedCSS)
			}
			flush()
			line = append(line, src[i:i+end+4]...)
			flush()
			i += end + 3
		case c == '{':
			selector := bytes.TrimSpace(line)
			line = append(append([]byte{}, selector...), ' ', '{')
			flush()
			depth++
		case c == ';':
			line = append(line, c)
			flush()
		case c == '}':
			flush()
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unexpected '}'", errUnbalancedCSS)
			}
			line = append(line, c)
			flush()
		case c == ' ' || c == '\n' || c == '\r' || c == '\t':
			if len(line) > 0 && line[len(line)-1] != ' ' {
				line = append(line, ' ')
			}
		default:
			line = append(line, c)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("%w: unterminated string", errUnbalancedCSS)
	}
	if depth != 0 {
		return nil, fmt.Errorf("%w: missing '}'", errUnbalancedCSS)
	}
	flush()

	return b.Bytes(), nil
}

// formatXML re-indents a well formed document. Prefixed names are kept
// as written instead of being resolved to namespace urls.
func formatXML(src []byte) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(src))
	dec.Strict = true
	var b bytes.Buffer
	enc := xml.NewEncoder(&b)
	enc.Indent("", indent)

	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.CharData:
			if len(bytes.TrimSpace(t)) == 0 {
				continue
			}
			tok = xml.CharData(bytes.TrimSpace(t))
		case xml.StartElement:
			t.Name = flatName(t.Name)
			attrs := make([]xml.Attr, len(t.Attr))
			for i, a := range t.Attr {
				attrs[i] = xml.Attr{Name: flatName(a.Name), Value: a.Value}
			}
			t.Attr = attrs
			tok = t
		case xml.EndElement:
			t.Name = flatName(t.Name)
			tok = t
		}
		if err = enc.EncodeToken(xml.CopyToken(tok)); err != nil {
			return nil, err
		}
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	b.WriteByte('\n')

	return b.Bytes(), nil
}

func flatName(n xml.Name) xml.Name {
	if n.Space == "" {
		return n
	}
	return xml.Name{Local: n.Space + ":" + n.Local}
}
