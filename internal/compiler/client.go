// Package compiler turns LaTeX sources into PDF artifacts through a remote
// build service, with an AI repair pass for documents that fail to build.
package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

const (
	defaultBaseURL = "https://latex.ytotech.com"
	defaultEngine  = "pdflatex"
	maxLogBytes    = 64 << 10
)

// BuildError is a failed build. Log holds the most detailed diagnostic the
// service returned.
type BuildError struct {
	Status int
	Log    string
}

func (e *BuildError) Error() string {
	first := e.Log
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	return fmt.Sprintf("build failed (HTTP %d): %s", e.Status, first)
}

// Client talks to a latex-on-http compatible build service.
type Client struct {
	baseURL    string
	engine     string
	httpClient *http.Client
}

func NewClient(baseURL, engine string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if engine == "" {
		engine = defaultEngine
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		engine:     engine,
		httpClient: &http.Client{Timeout: 3 * time.Minute},
	}
}

type buildRequest struct {
	Compiler  string     `json:"compiler"`
	Resources []resource `json:"resources"`
}

type resource struct {
	Main    bool   `json:"main"`
	Content string `json:"content"`
}

// Compile builds doc and returns the PDF bytes. A response that is not a
// readable PDF with at least one page is a *BuildError.
func (c *Client) Compile(ctx context.Context, doc string) ([]byte, error) {
	body, err := json.Marshal(buildRequest{
		Compiler:  c.engine,
		Resources: []resource{{Main: true, Content: doc}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/builds/sync", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/pdf, application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending build request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading build response: %w", err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if resp.StatusCode == http.StatusOK && (mediaType == "application/pdf" || bytes.HasPrefix(data, []byte("%PDF-"))) {
		pages, err := PageCount(data)
		if err != nil || pages == 0 {
			return nil, &BuildError{Status: resp.StatusCode, Log: fmt.Sprintf("service returned an unreadable PDF (%d pages): %v", pages, err)}
		}
		return data, nil
	}
	return nil, &BuildError{Status: resp.StatusCode, Log: diagnostic(mediaType, data)}
}

// PageCount opens artifact as a PDF and returns its page count.
func PageCount(artifact []byte) (n int, err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reading pdf: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(artifact), int64(len(artifact)))
	if err != nil {
		return 0, fmt.Errorf("reading pdf: %w", err)
	}
	return r.NumPage(), nil
}

// diagnostic extracts the most useful error text from a failed response:
// the build log from a JSON body, the visible text of an HTML error page,
// or the raw body.
func diagnostic(mediaType string, data []byte) string {
	if len(data) > maxLogBytes {
		data = data[len(data)-maxLogBytes:]
	}
	switch {
	case mediaType == "application/json" || bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")):
		var body struct {
			Error string `json:"error"`
			Logs  string `json:"logs"`
			Log   string `json:"log"`
		}
		if json.Unmarshal(data, &body) == nil {
			parts := []string{}
			for _, s := range []string{body.Error, body.Logs, body.Log} {
				if s = strings.TrimSpace(s); s != "" {
					parts = append(parts, s)
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, "\n")
			}
		}
	case mediaType == "text/html" || bytes.Contains(bytes.ToLower(data[:min(len(data), 512)]), []byte("<html")):
		if text := htmlText(data); text != "" {
			return text
		}
	}
	return strings.TrimSpace(string(data))
}

// htmlText returns the visible text of an HTML document, one text node per
// line.
func htmlText(data []byte) string {
	z := html.NewTokenizer(bytes.NewReader(data))
	var lines []string
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(lines, "\n")
		case html.StartTagToken:
			if name, _ := z.TagName(); string(name) == "script" || string(name) == "style" {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); (string(name) == "script" || string(name) == "style") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			if t := strings.TrimSpace(string(z.Text())); t != "" {
				lines = append(lines, t)
			}
		}
	}
}
