package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/mrag/internal/model"
	appErr "github.com/xxxsen/mrag/internal/pkg/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"go.uber.org/zap"
)

// ErrUnsupported means the format has no extractor; callers decode the raw bytes instead.
var ErrUnsupported = errors.New("unsupported format")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var markdownExts = map[string]bool{
	".md":       true,
	".markdown": true,
	".mdown":    true,
}

var textExts = map[string]bool{
	".txt":  true,
	".text": true,
	".csv":  true,
	".tsv":  true,
	".json": true,
	".log":  true,
	".yaml": true,
	".yml":  true,
	".xml":  true,
	".rst":  true,
}

type Extractor struct {
	md goldmark.Markdown
}

func New() *Extractor {
	return &Extractor{md: goldmark.New()}
}

func (e *Extractor) Extract(ctx context.Context, data []byte, filename string, settings model.ExtractionSettings) (string, error) {
	if settings.MaxSizeMB != nil && int64(len(data)) > int64(*settings.MaxSizeMB)*1024*1024 {
		return "", fmt.Errorf("%w: file larger than %d MB", appErr.ErrInvalid, *settings.MaxSizeMB)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case markdownExts[ext]:
		src, err := decodeText(data)
		if err != nil {
			return "", err
		}
		return e.markdown([]byte(src)), nil
	case textExts[ext], ext == "" && isTextContent(data):
		return decodeText(data)
	case isTextContent(data):
		logutil.GetLogger(ctx).Debug("treat unknown extension as text", zap.String("filename", filename))
		return decodeText(data)
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, ext)
}

// DecodeBestEffort turns arbitrary bytes into valid UTF-8, dropping invalid sequences.
func DecodeBestEffort(data []byte) string {
	data = bytes.TrimPrefix(data, utf8BOM)
	return strings.ToValidUTF8(string(data), "")
}

func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: content is not valid utf-8", appErr.ErrExtraction)
	}
	return string(data), nil
}

func isTextContent(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	return strings.HasPrefix(http.DetectContentType(data), "text/plain")
}

func (e *Extractor) markdown(src []byte) string {
	doc := e.md.Parser().Parse(text.NewReader(src))
	var blocks []string
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		if txt := blockText(node, src); txt != "" {
			blocks = append(blocks, txt)
		}
	}
	return strings.Join(blocks, "\n\n")
}

func blockText(node ast.Node, src []byte) string {
	switch n := node.(type) {
	case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock:
		return linesText(n, src)
	case *ast.ThematicBreak:
		return ""
	case *ast.List:
		return strings.Join(listText(n, src, 0), "\n")
	case *ast.Blockquote:
		var parts []string
		for child := n.FirstChild(); child != nil; child = child.NextSibling() {
			if txt := blockText(child, src); txt != "" {
				parts = append(parts, txt)
			}
		}
		return strings.Join(parts, "\n\n")
	default:
		return inlineText(n, src)
	}
}

// listText renders one line per item, nested lists indented by two spaces per level.
func listText(list *ast.List, src []byte, depth int) []string {
	indent := strings.Repeat("  ", depth)
	var lines []string
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		var head, nested []string
		for child := item.FirstChild(); child != nil; child = child.NextSibling() {
			if sub, ok := child.(*ast.List); ok {
				nested = append(nested, listText(sub, src, depth+1)...)
				continue
			}
			if txt := blockText(child, src); txt != "" {
				head = append(head, txt)
			}
		}
		if len(head) > 0 {
			lines = append(lines, indent+"- "+strings.Join(head, " "))
		}
		lines = append(lines, nested...)
	}
	return lines
}

func linesText(n ast.Node, src []byte) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(src))
	}
	return strings.TrimSpace(sb.String())
}

func inlineText(n ast.Node, src []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := node.(type) {
		case *ast.Text:
			sb.Write(v.Segment.Value(src))
			if v.SoftLineBreak() || v.HardLineBreak() {
				sb.WriteByte('\n')
			}
		case *ast.String:
			sb.Write(v.Value)
		case *ast.AutoLink:
			sb.Write(v.URL(src))
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}
