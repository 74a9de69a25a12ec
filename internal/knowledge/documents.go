package knowledge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kalambet/agentrelay/internal/storage"
)

// Section is one titled entry of a table of contents.
type Section struct {
	Title   string
	Content string
}

// WebPage is a website reference and the visible text fetched from it.
// Text is empty when the page could not be fetched.
type WebPage struct {
	URL  string
	Text string
}

const tocPreviewRunes = 200

var nonSlug = regexp.MustCompile(`(?i)[^a-z0-9]`)

// Slug lowercases name and replaces every character outside [a-z0-9] with '_'.
func Slug(name string) string {
	return strings.ToLower(nonSlug.ReplaceAllString(name, "_"))
}

// CombinedDocument renders every content kind of a source into one markdown
// document.
func CombinedDocument(src storage.KnowledgeSource, pages []WebPage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", src.Name)
	if src.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", src.Description)
	}

	if len(src.Texts) > 0 {
		b.WriteString("## Text\n\n")
		for _, t := range src.Texts {
			b.WriteString(strings.TrimSpace(t.Content))
			b.WriteString("\n\n")
		}
	}

	if len(src.QA) > 0 {
		b.WriteString("## Questions and Answers\n\n")
		for _, qa := range src.QA {
			fmt.Fprintf(&b, "### %s\n\n%s\n\n", strings.TrimSpace(qa.Question), strings.TrimSpace(qa.Answer))
		}
	}

	if len(pages) > 0 {
		b.WriteString("## Websites\n\n")
		for _, p := range pages {
			fmt.Fprintf(&b, "### %s\n\n", p.URL)
			if p.Text != "" {
				b.WriteString(p.Text)
				b.WriteString("\n\n")
			}
		}
	}

	for _, c := range src.Catalogs {
		writeCatalog(&b, c)
	}
	return b.String()
}

func writeCatalog(b *strings.Builder, c storage.Catalog) {
	b.WriteString("## Product Catalog\n\n")
	if c.Instructions != "" {
		fmt.Fprintf(b, "%s\n\n", strings.TrimSpace(c.Instructions))
	}
	for _, p := range c.Products {
		fmt.Fprintf(b, "### %s\n\n", p.Title)
		if p.Description != "" {
			fmt.Fprintf(b, "%s\n\n", p.Description)
		}
		fmt.Fprintf(b, "- Price: %s\n", formatAmount(p.Price))
		fmt.Fprintf(b, "- Tax rate: %s\n", formatAmount(p.TaxRate))
		if len(p.Categories) > 0 {
			fmt.Fprintf(b, "- Categories: %s\n", strings.Join(p.Categories, ", "))
		}
		b.WriteString("\n")
	}
}

// TableOfContents renders a numbered index of sections followed by a short
// preview of each.
func TableOfContents(name string, sections []Section) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Table of Contents: %s\n\n", name)
	for i, s := range sections {
		fmt.Fprintf(&b, "%d. [%s](#%s)\n", i+1, s.Title, anchor(s.Title))
	}
	b.WriteString("\n")
	for _, s := range sections {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", s.Title, preview(s.Content, tocPreviewRunes))
	}
	return b.String()
}

// OptimizedDocument concatenates free text and Q&A pairs into a document
// laid out for retrieval: one paragraph per block, Q:/A: pairs after.
func OptimizedDocument(name string, texts []string, qa []storage.QAPair) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", name)
	for _, t := range texts {
		if t = strings.TrimSpace(t); t != "" {
			b.WriteString(t)
			b.WriteString("\n\n")
		}
	}
	for _, p := range qa {
		fmt.Fprintf(&b, "Q: %s\nA: %s\n\n", strings.TrimSpace(p.Question), strings.TrimSpace(p.Answer))
	}
	return b.String()
}

func anchor(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case r == ' ':
			b.WriteRune('-')
		case r == '-' || r == '_' || ('a' <= r && r <= 'z') || ('0' <= r && r <= '9'):
			b.WriteRune(r)
		}
	}
	return b.String()
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
