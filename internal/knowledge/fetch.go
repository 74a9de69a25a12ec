package knowledge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

const (
	maxPageSize  = 5 << 20
	maxBlobSize  = 64 << 20
	fetchTimeout = 10 * time.Second
)

// PageFetcher returns the visible text of a web page.
type PageFetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// BlobOpener returns the bytes behind a raw file reference.
type BlobOpener interface {
	OpenBlob(ctx context.Context, ref string) (io.ReadCloser, error)
}

// HTTPFetcher implements PageFetcher and BlobOpener over net/http and the
// local filesystem.
type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: fetchTimeout}}
}

func (f *HTTPFetcher) FetchText(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	body, err := f.get(ctx, url, maxPageSize)
	if err != nil {
		return "", err
	}
	defer body.Close()

	doc, err := html.Parse(body)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", url, err)
	}
	return visibleText(doc), nil
}

// OpenBlob opens http(s) URLs with a GET and anything else as a local path.
func (f *HTTPFetcher) OpenBlob(ctx context.Context, ref string) (io.ReadCloser, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return f.get(ctx, ref, maxBlobSize)
	}
	file, err := os.Open(strings.TrimPrefix(ref, "file://"))
	if err != nil {
		return nil, fmt.Errorf("opening blob: %w", err)
	}
	return file, nil
}

func (f *HTTPFetcher) get(ctx context.Context, url string, limit int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(resp.Body, limit), resp.Body}, nil
}

var skippedElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"head": true, "svg": true, "iframe": true,
}

// visibleText collects text nodes outside non-rendered elements with
// whitespace collapsed.
func visibleText(n *html.Node) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
				parts = append(parts, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(parts, " ")
}

// PDFText extracts the plain text of a PDF document.
func PDFText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("pdf reader: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("pdf plaintext: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("pdf read: %w", err)
	}
	return strings.Join(strings.Fields(string(b)), " "), nil
}

func isPDF(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".pdf")
}
