package documents

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"gopkg.in/yaml.v3"
)

const docxMIME = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// maxDOCXPartSize は展開後の word/document.xml と docProps/core.xml の上限です。
var maxDOCXPartSize int64 = 200 << 20

var errDOCXPartTooLarge = errors.New("docx part exceeds size limit")

// Extracted はドキュメントから取り出した本文とメタデータです。
type Extracted struct {
	Text      string
	Title     string
	PageCount int
}

// DetectFormat は拡張子と内容からドキュメント形式と Content-Type を判定します。
// 拡張子と内容が一致しない場合は INVALID_FILE を返します。
func DetectFormat(filename string, head []byte) (Format, string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	mt := mimetype.Detect(head)

	switch ext {
	case ".pdf":
		if !mt.Is("application/pdf") {
			return "", "", newError("INVALID_FILE", "PDFファイルとして読み込めませんでした。", nil)
		}
		return FormatPDF, "application/pdf", nil
	case ".txt", ".md", ".markdown":
		if !isTextMIME(mt) {
			return "", "", newError("INVALID_FILE", "テキストファイルとして読み込めませんでした。", nil)
		}
		if ext == ".txt" {
			return FormatText, "text/plain; charset=utf-8", nil
		}
		return FormatMarkdown, "text/markdown; charset=utf-8", nil
	case ".docx":
		if !mt.Is(docxMIME) && !mt.Is("application/zip") {
			return "", "", newError("INVALID_FILE", "Word (.docx) ファイルとして読み込めませんでした。", nil)
		}
		return FormatDOCX, docxMIME, nil
	case ".doc":
		return "", "", newError("UNSUPPORTED_TYPE", "旧形式の Word (.doc) には対応していません。.docx または PDF に変換してからアップロードしてください。", nil)
	default:
		return "", "", newError("UNSUPPORTED_TYPE", "対応している形式は PDF / DOCX / TXT / Markdown です。", nil)
	}
}

func isTextMIME(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// Extract は形式に応じて本文を抽出します。
func Extract(format Format, data []byte) (*Extracted, error) {
	var (
		out *Extracted
		err error
	)
	switch format {
	case FormatPDF:
		out, err = extractPDF(data)
	case FormatMarkdown:
		out, err = extractMarkdown(data)
	case FormatText:
		out, err = extractPlain(data)
	case FormatDOCX:
		out, err = extractDOCX(data)
	default:
		return nil, newError("UNSUPPORTED_TYPE", fmt.Sprintf("未対応の形式です: %s", format), nil)
	}
	if err != nil {
		return nil, err
	}
	out.Text = normalizeText(out.Text)
	if out.Text == "" {
		return nil, newError("EMPTY_DOCUMENT", "ドキュメントから本文を抽出できませんでした。", nil)
	}
	return out, nil
}

func extractPlain(data []byte) (*Extracted, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return nil, newError("INVALID_FILE", "テキストは UTF-8 で保存してください。", nil)
	}
	return &Extracted{Text: string(data)}, nil
}

var h1Pattern = regexp.MustCompile(`(?m)^#\s+(.+)$`)

// extractMarkdown は YAML フロントマターを取り除き、タイトルを取り出します。
func extractMarkdown(data []byte) (*Extracted, error) {
	plain, err := extractPlain(data)
	if err != nil {
		return nil, err
	}
	content := strings.ReplaceAll(plain.Text, "\r\n", "\n")

	frontmatter := map[string]any{}
	if strings.HasPrefix(content, "---\n") {
		if end := strings.Index(content[4:], "\n---"); end >= 0 {
			raw := content[4 : 4+end]
			content = strings.TrimPrefix(content[4+end+4:], "\n")
			if err := yaml.Unmarshal([]byte(raw), &frontmatter); err != nil {
				// フロントマターが壊れていても本文は使う
				frontmatter = map[string]any{}
			}
		}
	}

	title, _ := frontmatter["title"].(string)
	if title == "" {
		if m := h1Pattern.FindStringSubmatch(content); len(m) > 1 {
			title = strings.TrimSpace(m[1])
		}
	}
	return &Extracted{Text: content, Title: strings.TrimSpace(title)}, nil
}

// extractDOCX は word/document.xml の段落テキストを取り出します。
func extractDOCX(data []byte) (*Extracted, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, newError("INVALID_FILE", "Word (.docx) ファイルを開けませんでした。", err)
	}

	var body, core *zip.File
	for _, f := range zr.File {
		switch f.Name {
		case "word/document.xml":
			body = f
		case "docProps/core.xml":
			core = f
		}
	}
	if body == nil {
		return nil, newError("INVALID_FILE", "Word (.docx) ファイルに本文が含まれていません。", nil)
	}

	text, err := readDOCXBody(body)
	if errors.Is(err, errDOCXPartTooLarge) {
		return nil, newError("LIMIT_EXCEEDED",
			fmt.Sprintf("Word (.docx) の本文が展開後の上限（%dMB）を超えています。", maxDOCXPartSize/(1024*1024)), err)
	}
	if err != nil {
		return nil, newError("INVALID_FILE", "Word (.docx) ファイルの本文を読み込めませんでした。", err)
	}
	out := &Extracted{Text: text}
	if core != nil {
		out.Title = readDOCXTitle(core)
	}
	return out, nil
}

func readDOCXBody(f *zip.File) (string, error) {
	if f.UncompressedSize64 > uint64(maxDOCXPartSize) {
		return "", errDOCXPartTooLarge
	}
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var sb strings.Builder
	// ヘッダーの申告値に加えて、実際に展開した量でも打ち切る
	dec := xml.NewDecoder(&boundedReader{r: rc, n: maxDOCXPartSize})
	inText := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br", "cr":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}

func readDOCXTitle(f *zip.File) string {
	rc, err := f.Open()
	if err != nil {
		return ""
	}
	defer rc.Close()

	var props struct {
		Title string `xml:"title"`
	}
	if err := xml.NewDecoder(&boundedReader{r: rc, n: maxDOCXPartSize}).Decode(&props); err != nil {
		return ""
	}
	return strings.TrimSpace(props.Title)
}

// boundedReader は n バイトを超えて読もうとすると errDOCXPartTooLarge を返します。
type boundedReader struct {
	r io.Reader
	n int64
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.n <= 0 {
		// 上限ちょうどで終わる場合は EOF を優先する
		var one [1]byte
		if n, err := b.r.Read(one[:]); n == 0 && err != nil {
			return 0, err
		}
		return 0, errDOCXPartTooLarge
	}
	if int64(len(p)) > b.n {
		p = p[:b.n]
	}
	n, err := b.r.Read(p)
	b.n -= int64(n)
	return n, err
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// normalizeText は改行を統一し、行末の空白と連続する空行を取り除きます。
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
