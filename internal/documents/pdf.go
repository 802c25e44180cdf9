package documents

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var pageFilePattern = regexp.MustCompile(`page_(\d+)\.txt$`)

// extractPDF は pdfcpu でページ数を取得し、各ページのコンテンツストリームからテキストを取り出します。
func extractPDF(data []byte) (*Extracted, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pages, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return nil, newError("INVALID_FILE", "PDFファイルの解析に失敗しました。", err)
	}

	workDir, err := os.MkdirTemp("", "korsify-pdf-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	if err := api.ExtractContent(bytes.NewReader(data), workDir, "content", nil, conf); err != nil {
		return nil, newError("INVALID_FILE", "PDFファイルから本文を取り出せませんでした。", err)
	}

	files, err := sortedPageFiles(workDir)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if text := strings.TrimSpace(textFromContentStream(raw)); text != "" {
			sb.WriteString(text)
			sb.WriteString("\n\n")
		}
	}
	return &Extracted{Text: sb.String(), PageCount: pages}, nil
}

func sortedPageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type pageFile struct {
		page int
		path string
	}
	var files []pageFile
	for _, e := range entries {
		m := pageFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		files = append(files, pageFile{page: n, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].page < files[j].page })

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

// textFromContentStream はコンテンツストリームのテキスト表示演算子 (Tj, TJ, ', ") から文字列を集めます。
// TJ 配列内の大きな負の字送りは単語間の空白として扱います。
func textFromContentStream(data []byte) string {
	var out strings.Builder
	var operands []string

	newline := func() {
		s := out.String()
		if len(s) > 0 && !strings.HasSuffix(s, "\n") {
			out.WriteByte('\n')
		}
	}

	for i := 0; i < len(data); {
		c := data[i]
		switch {
		case c == '(':
			s, n := readLiteralString(data[i:])
			operands = append(operands, s)
			i += n
		case c == '<' && i+1 < len(data) && data[i+1] == '<':
			i += 2
		case c == '>' && i+1 < len(data) && data[i+1] == '>':
			i += 2
		case c == '<':
			s, n := readHexString(data[i:])
			operands = append(operands, s)
			i += n
		case c == '%':
			for i < len(data) && data[i] != '\n' && data[i] != '\r' {
				i++
			}
		case c == '/':
			i++
			for i < len(data) && !isDelimiter(data[i]) {
				i++
			}
		case c == '-' || c == '+' || c == '.' || isDigit(c):
			start := i
			i++
			for i < len(data) && (isDigit(data[i]) || data[i] == '.') {
				i++
			}
			if v, err := strconv.ParseFloat(string(data[start:i]), 64); err == nil && v <= -200 {
				operands = append(operands, " ")
			}
		case isRegular(c):
			start := i
			for i < len(data) && isRegular(data[i]) {
				i++
			}
			op := string(data[start:i])
			switch op {
			case "Tj", "TJ":
				out.WriteString(strings.Join(operands, ""))
			case "'", "\"":
				newline()
				out.WriteString(strings.Join(operands, ""))
			case "T*", "Td", "TD", "ET":
				newline()
			case "ID":
				// インライン画像のバイナリを読み飛ばす
				if end := bytes.Index(data[i:], []byte("EI")); end >= 0 {
					i += end + 2
				} else {
					i = len(data)
				}
			}
			operands = operands[:0]
		default:
			i++
		}
	}
	return out.String()
}

func readLiteralString(data []byte) (string, int) {
	var buf []byte
	depth := 0
	i := 0
	for i < len(data) {
		c := data[i]
		switch c {
		case '(':
			if depth > 0 {
				buf = append(buf, c)
			}
			depth++
			i++
		case ')':
			depth--
			i++
			if depth == 0 {
				return decodePDFString(buf), i
			}
			buf = append(buf, c)
		case '\\':
			i++
			if i >= len(data) {
				break
			}
			e := data[i]
			switch e {
			case 'n':
				buf = append(buf, '\n')
			case 'r':
				buf = append(buf, '\r')
			case 't':
				buf = append(buf, '\t')
			case 'b':
				buf = append(buf, '\b')
			case 'f':
				buf = append(buf, '\f')
			case '\r', '\n':
				// 行継続
				if e == '\r' && i+1 < len(data) && data[i+1] == '\n' {
					i++
				}
			default:
				if e >= '0' && e <= '7' {
					v := 0
					j := 0
					for ; j < 3 && i+j < len(data) && data[i+j] >= '0' && data[i+j] <= '7'; j++ {
						v = v*8 + int(data[i+j]-'0')
					}
					buf = append(buf, byte(v))
					i += j
					continue
				}
				buf = append(buf, e)
			}
			i++
		default:
			buf = append(buf, c)
			i++
		}
	}
	return decodePDFString(buf), i
}

func readHexString(data []byte) (string, int) {
	end := bytes.IndexByte(data, '>')
	if end < 0 {
		return "", len(data)
	}
	var digits []byte
	for _, c := range data[1:end] {
		if isHexDigit(c) {
			digits = append(digits, c)
		}
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	buf := make([]byte, len(digits)/2)
	for i := range buf {
		v, _ := strconv.ParseUint(string(digits[2*i:2*i+2]), 16, 8)
		buf[i] = byte(v)
	}
	return decodePDFString(buf), end + 1
}

// decodePDFString は UTF-16BE (BOM 付き) と 1 バイト文字列を文字列に変換します。
func decodePDFString(b []byte) string {
	if len(b) >= 2 && b[0] == 0xfe && b[1] == 0xff {
		b = b[2:]
		units := make([]uint16, 0, len(b)/2)
		for i := 0; i+1 < len(b); i += 2 {
			units = append(units, uint16(b[i])<<8|uint16(b[i+1]))
		}
		return string(utf16.Decode(units))
	}
	runes := make([]rune, 0, len(b))
	for _, c := range b {
		if c < 0x20 && c != '\n' && c != '\t' {
			continue
		}
		runes = append(runes, rune(c))
	}
	return string(runes)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isDelimiter(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0, '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// isRegular は演算子を構成する文字かを判定します。
func isRegular(c byte) bool {
	return !isDelimiter(c) && !isDigit(c) && c != '-' && c != '+' && c != '.'
}
