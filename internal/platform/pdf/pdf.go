// Package pdf renders referral summary text into a PDF document.
//
// The input grammar is line based: "## " starts a heading, a pipe-delimited
// row with exactly two cells is a label/value pair, anything else non-blank
// is a paragraph. Markdown table separator rows are ignored.
package pdf

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"github.com/go-pdf/fpdf"
)

type BlockKind int

const (
	Heading BlockKind = iota
	Row
	Paragraph
)

type Block struct {
	Kind  BlockKind
	Text  string // heading and paragraph text, or the row label
	Value string // row value
}

// Parse splits summary text into blocks.
func Parse(text string) []Block {
	var blocks []Block
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#"):
			h := strings.TrimSpace(strings.TrimLeft(line, "#"))
			if h != "" {
				blocks = append(blocks, Block{Kind: Heading, Text: h})
			}
		case strings.HasPrefix(line, "|"):
			cells := splitRow(line)
			if len(cells) != 2 || isSeparator(cells) {
				continue
			}
			if cells[0] == "" && cells[1] == "" {
				continue
			}
			blocks = append(blocks, Block{Kind: Row, Text: cells[0], Value: cells[1]})
		default:
			blocks = append(blocks, Block{Kind: Paragraph, Text: strings.TrimLeft(line, "-* ")})
		}
	}
	return blocks
}

func splitRow(line string) []string {
	parts := strings.Split(strings.Trim(line, "|"), "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func isSeparator(cells []string) bool {
	for _, c := range cells {
		if strings.Trim(c, "-: ") != "" {
			return false
		}
	}
	return true
}

// PageSpec is page geometry in points.
type PageSpec struct {
	Width, Height float64
	Margin        float64
	HeadingSize   float64
	BodySize      float64
	HeadingGap    float64
	LineGap       float64
	LabelWidth    float64
}

// Letter is US Letter with a 50pt margin.
var Letter = PageSpec{
	Width: 612, Height: 792, Margin: 50,
	HeadingSize: 14, BodySize: 10,
	HeadingGap: 25, LineGap: 15,
	LabelWidth: 150,
}

// Item is a block, or the part of one, placed on a page. Y is measured from
// the top edge of its first line. Lines holds the wrapped heading or
// paragraph text, or the wrapped row value, already encoded for the core
// fonts. A row continued from the previous page has an empty label.
type Item struct {
	Block
	Lines []string
	Y     float64
}

type Page struct {
	Items []Item
}

func newDocument(spec PageSpec) *fpdf.Fpdf {
	doc := fpdf.NewCustom(&fpdf.InitType{
		UnitStr: "pt",
		Size:    fpdf.SizeType{Wd: spec.Width, Ht: spec.Height},
	})
	doc.SetMargins(spec.Margin, spec.Margin, spec.Margin)
	doc.SetAutoPageBreak(false, spec.Margin)
	return doc
}

// wrap splits a block's text into the lines it occupies when drawn.
func wrap(doc *fpdf.Fpdf, tr func(string) string, b Block, spec PageSpec) []string {
	textWidth := spec.Width - 2*spec.Margin
	text := b.Text
	switch b.Kind {
	case Heading:
		doc.SetFont("Helvetica", "B", spec.HeadingSize)
	case Row:
		doc.SetFont("Helvetica", "", spec.BodySize)
		text = b.Value
		textWidth -= spec.LabelWidth
	default:
		doc.SetFont("Helvetica", "", spec.BodySize)
	}
	var lines []string
	for _, l := range doc.SplitLines([]byte(tr(text)), textWidth) {
		lines = append(lines, string(l))
	}
	if len(lines) == 0 {
		lines = []string{""}
	}
	return lines
}

// Layout wraps each block to the text width and places it top to bottom.
// A block that does not fit in the rest of the page moves to a new page; a
// block taller than a whole page is split across pages. Nothing is
// truncated. It always returns at least one page.
func Layout(blocks []Block, spec PageSpec) []Page {
	doc := newDocument(spec)
	tr := doc.UnicodeTranslatorFromDescriptor("")

	pages := []Page{{}}
	y := spec.Margin
	bottom := spec.Height - spec.Margin

	// room is how many lines fit below y when the first one needs lead.
	room := func(y, lead float64) int {
		if y+lead > bottom {
			return 0
		}
		if spec.LineGap <= 0 {
			return math.MaxInt
		}
		return 1 + int((bottom-y-lead)/spec.LineGap)
	}
	newPage := func() {
		pages = append(pages, Page{})
		y = spec.Margin
	}

	for _, b := range blocks {
		lines := wrap(doc, tr, b, spec)
		lead := spec.LineGap
		if b.Kind == Heading {
			lead = spec.HeadingGap
		}
		for len(lines) > 0 {
			cur := &pages[len(pages)-1]
			n := room(y, lead)
			if n < len(lines) && len(cur.Items) > 0 && (n == 0 || room(spec.Margin, lead) >= len(lines)) {
				newPage()
				continue
			}
			n = max(1, min(n, len(lines)))
			cur.Items = append(cur.Items, Item{Block: b, Lines: lines[:n], Y: y})
			y += lead + float64(n-1)*spec.LineGap
			lines = lines[n:]
			if len(lines) > 0 {
				if b.Kind == Row {
					b.Text = ""
				}
				newPage()
			}
		}
	}
	return pages
}

// Render produces a PDF for summary text. title, when set, is drawn as the
// document title in the metadata.
func Render(text, title string) ([]byte, error) {
	return RenderLayout(Layout(Parse(text), Letter), Letter, title)
}

func RenderLayout(pages []Page, spec PageSpec, title string) ([]byte, error) {
	doc := newDocument(spec)
	if title != "" {
		doc.SetTitle(title, true)
	}
	tr := doc.UnicodeTranslatorFromDescriptor("")
	textWidth := spec.Width - 2*spec.Margin

	for _, page := range pages {
		doc.AddPage()
		for _, it := range page.Items {
			for i, line := range it.Lines {
				y := it.Y + float64(i)*spec.LineGap
				switch it.Kind {
				case Heading:
					doc.SetFont("Helvetica", "B", spec.HeadingSize)
					doc.SetXY(spec.Margin, y)
					doc.CellFormat(textWidth, spec.HeadingSize, line, "", 0, "L", false, 0, "")
				case Row:
					if i == 0 && it.Text != "" {
						doc.SetFont("Helvetica", "B", spec.BodySize)
						doc.SetXY(spec.Margin, y)
						doc.CellFormat(spec.LabelWidth, spec.BodySize, tr(it.Text), "", 0, "L", false, 0, "")
					}
					doc.SetFont("Helvetica", "", spec.BodySize)
					doc.SetXY(spec.Margin+spec.LabelWidth, y)
					doc.CellFormat(textWidth-spec.LabelWidth, spec.BodySize, line, "", 0, "L", false, 0, "")
				default:
					doc.SetFont("Helvetica", "", spec.BodySize)
					doc.SetTextColor(26, 26, 26)
					doc.SetXY(spec.Margin, y)
					doc.CellFormat(textWidth, spec.BodySize, line, "", 0, "L", false, 0, "")
					doc.SetTextColor(0, 0, 0)
				}
			}
		}
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
