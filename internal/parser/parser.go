package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"chat-rag/internal/helper"
	"chat-rag/internal/models"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// Source is the read side of a document store.
type Source interface {
	List(ctx context.Context) ([]string, error)
	ReadFile(name string) ([]byte, error)
}

type Loader struct {
	src Source
}

func NewLoader(src Source) *Loader {
	return &Loader{src: src}
}

// Load parses every document in the source. A document that fails to parse is
// kept with empty content and a warning so callers can report it. When there
// are no documents, or none yielded text, Load returns ErrEmptyCorpus.
func (l *Loader) Load(ctx context.Context) ([]models.Document, error) {
	names, err := l.src.List(ctx)
	if err != nil {
		return nil, err
	}

	docs := make([]models.Document, 0, len(names))
	total := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := l.src.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		doc, err := Parse(name, data)
		if err != nil {
			log.Error().Err(err).Str("file", name).Msg("Error parsing document")
			doc = models.Document{ID: name, Name: filepath.Base(name), Format: formatOf(name)}
			doc.Warnings = append(doc.Warnings, err.Error())
		}
		for _, w := range doc.Warnings {
			log.Warn().Str("file", name).Msg(w)
		}
		total += len(strings.TrimSpace(doc.Content))
		docs = append(docs, doc)
	}

	log.Debug().Int("documents", len(docs)).Int("chars", total).Msg("Loaded documents")
	switch {
	case len(docs) == 0:
		return nil, fmt.Errorf("%w: no documents found", models.ErrEmptyCorpus)
	case total == 0:
		return nil, fmt.Errorf("%w: %d document(s) found but extracted text length is 0, possibly scanned or image-based", models.ErrEmptyCorpus, len(docs))
	}
	return docs, nil
}

// Parse extracts normalized text from one document.
func Parse(name string, data []byte) (models.Document, error) {
	doc := models.Document{ID: name, Name: filepath.Base(name), Format: formatOf(name), Pages: 1}

	var (
		content string
		err     error
	)
	switch doc.Format {
	case "pdf":
		content, err = parsePDF(data, &doc)
	case "docx":
		content, err = parseDOCX(data)
	case "pptx":
		content, err = parsePPTX(data, &doc)
	case "xlsx":
		content, err = parseXLSX(data, &doc)
	case "markdown":
		content, err = markdownToText(data)
	case "text":
		content = string(data)
	default:
		return doc, fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, filepath.Ext(name))
	}
	if err != nil {
		return doc, fmt.Errorf("failed to parse %s: %w", name, err)
	}

	doc.Content = normalize(content)
	doc.Hash = helper.ContentHash(doc.Content)
	if doc.Content == "" && len(doc.Warnings) == 0 {
		doc.Warnings = append(doc.Warnings, "document contains no text")
	}
	return doc, nil
}

func formatOf(name string) string {
	return models.SupportedExtensions[strings.ToLower(filepath.Ext(name))]
}

func parsePDF(data []byte, doc *models.Document) (content string, err error) {
	// the pdf reader panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	numPages := reader.NumPage()
	doc.Pages = numPages
	var (
		sb    strings.Builder
		empty int
	)
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			empty++
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		if strings.TrimSpace(pageText) == "" {
			empty++
			continue
		}
		sb.WriteString(pageText)
		sb.WriteString("\n\n")
	}

	switch {
	case numPages > 0 && empty == numPages:
		doc.Warnings = append(doc.Warnings, fmt.Sprintf("no extractable text on any of %d pages, possibly a scanned or image-only pdf", numPages))
	case empty > 0:
		doc.Warnings = append(doc.Warnings, fmt.Sprintf("%d of %d pages had no extractable text", empty, numPages))
	}
	return sb.String(), nil
}

func parseDOCX(data []byte) (string, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	defer r.Close()

	return extractTextFromXML(r.Editable().GetContent(), "t", "p")
}

var slideRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

func parsePPTX(data []byte, doc *models.Document) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	type slide struct {
		num  int
		file *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		if m := slideRe.FindStringSubmatch(f.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			slides = append(slides, slide{num: n, file: f})
		}
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })
	doc.Pages = len(slides)

	var sb strings.Builder
	for _, s := range slides {
		rc, err := s.file.Open()
		if err != nil {
			return "", err
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", err
		}
		slideText, err := extractTextFromXML(string(raw), "t", "p")
		if err != nil {
			return "", fmt.Errorf("slide %d: %w", s.num, err)
		}
		sb.WriteString(slideText)
		sb.WriteString("\n\n")
	}
	return sb.String(), nil
}

func parseXLSX(data []byte, doc *models.Document) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	doc.Pages = len(sheets)
	var sb strings.Builder
	for _, sheetName := range sheets {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			doc.Warnings = append(doc.Warnings, fmt.Sprintf("sheet %s: %v", sheetName, err))
			continue
		}
		sb.WriteString(fmt.Sprintf("## Sheet: %s\n", sheetName))
		for _, row := range rows {
			sb.WriteString(strings.Join(row, "\t"))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// markdownToText renders the text content of a markdown document, dropping markup.
func markdownToText(src []byte) (string, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	root := md.Parser().Parse(text.NewReader(src))

	var sb strings.Builder
	err := ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock && n.Kind() != ast.KindDocument {
				sb.WriteString("\n\n")
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			sb.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				sb.WriteString("\n")
			}
		case *ast.String:
			sb.Write(node.Value)
		case *ast.AutoLink:
			sb.Write(node.Label(src))
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				sb.Write(seg.Value(src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

// extractTextFromXML collects the character data of every textTag element and
// ends a line at every paraTag element, ignoring namespaces.
func extractTextFromXML(xmlContent, textTag, paraTag string) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(xmlContent))
	var (
		sb     strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == textTag {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case textTag:
				inText = false
			case paraTag:
				sb.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}

var blankLinesRe = regexp.MustCompile(`\n{3,}`)

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\x00", "")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	s = blankLinesRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(s)
}
