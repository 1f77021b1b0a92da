// Package archive publishes compiled papers to a Zenodo-style deposition
// API.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"
)

const defaultBaseURL = "https://zenodo.org"

// StatusError is a non-2xx response from the archive service.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: archive returned %d: %s", e.Op, e.Status, e.Body)
}

// Deposit is an unpublished record.
type Deposit struct {
	ID int64
}

// Publication identifies a published record.
type Publication struct {
	ID   string
	Link string
}

// Metadata describes a record. Description is Markdown and is rendered to
// HTML before upload.
type Metadata struct {
	Title       string
	Description string
	Creators    []string
	Keywords    []string
	License     string
	Language    string
	// FileName names the uploaded artifact.
	FileName string
}

// Client is an authenticated deposition API client.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

func NewClient(token, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

type depositionResponse struct {
	ID     int64  `json:"id"`
	DOI    string `json:"doi"`
	DOIURL string `json:"doi_url"`
	Links  struct {
		HTML       string `json:"html"`
		RecordHTML string `json:"record_html"`
		Latest     string `json:"latest_html"`
	} `json:"links"`
}

// CreateDeposit creates an empty deposition.
func (c *Client) CreateDeposit(ctx context.Context) (Deposit, error) {
	var out depositionResponse
	if err := c.doJSON(ctx, "create deposit", http.MethodPost, "/api/deposit/depositions", map[string]any{}, &out); err != nil {
		return Deposit{}, err
	}
	if out.ID == 0 {
		return Deposit{}, fmt.Errorf("create deposit: response has no id")
	}
	return Deposit{ID: out.ID}, nil
}

// UploadFile attaches data to d as a multipart file upload.
func (c *Client) UploadFile(ctx context.Context, d Deposit, name string, data []byte) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("name", name); err != nil {
		return fmt.Errorf("upload file: %w", err)
	}
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("upload file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("upload file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("upload file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.depositURL(d, "/files"), &body)
	if err != nil {
		return fmt.Errorf("upload file: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return c.send(req, "upload file", nil)
}

type metadataBody struct {
	UploadType      string    `json:"upload_type"`
	PublicationType string    `json:"publication_type"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Creators        []creator `json:"creators"`
	Keywords        []string  `json:"keywords,omitempty"`
	License         string    `json:"license,omitempty"`
	Language        string    `json:"language,omitempty"`
	AccessRight     string    `json:"access_right"`
}

type creator struct {
	Name string `json:"name"`
}

// SetMetadata attaches md to d.
func (c *Client) SetMetadata(ctx context.Context, d Deposit, md Metadata) error {
	desc, err := RenderDescription(md.Description)
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	body := metadataBody{
		UploadType:      "publication",
		PublicationType: "preprint",
		Title:           md.Title,
		Description:     desc,
		Keywords:        md.Keywords,
		License:         md.License,
		Language:        md.Language,
		AccessRight:     "open",
	}
	for _, name := range md.Creators {
		body.Creators = append(body.Creators, creator{Name: name})
	}
	if len(body.Creators) == 0 {
		body.Creators = []creator{{Name: "papermill"}}
	}
	return c.doJSON(ctx, "set metadata", http.MethodPut, c.depositPath(d, ""), map[string]any{"metadata": body}, nil)
}

// PublishDeposit finalizes d and returns its permanent identifiers.
func (c *Client) PublishDeposit(ctx context.Context, d Deposit) (Publication, error) {
	var out depositionResponse
	if err := c.doJSON(ctx, "publish", http.MethodPost, c.depositPath(d, "/actions/publish"), nil, &out); err != nil {
		return Publication{}, err
	}
	pub := Publication{ID: out.DOI, Link: out.DOIURL}
	if pub.ID == "" {
		pub.ID = strconv.FormatInt(out.ID, 10)
	}
	for _, l := range []string{out.Links.RecordHTML, out.Links.Latest, out.Links.HTML} {
		if pub.Link == "" {
			pub.Link = l
		}
	}
	if pub.Link == "" {
		return Publication{}, fmt.Errorf("publish: response has no link")
	}
	return pub, nil
}

// RenderDescription converts a Markdown description to HTML.
func RenderDescription(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func (c *Client) depositPath(d Deposit, suffix string) string {
	return fmt.Sprintf("/api/deposit/depositions/%d%s", d.ID, suffix)
}

func (c *Client) depositURL(d Deposit, suffix string) string {
	return c.baseURL + c.depositPath(d, suffix)
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshaling request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, op, out)
}

func (c *Client) send(req *http.Request, op string, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}
