package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"pipeline-service/internal/apperr"
	"pipeline-service/internal/connector"
	"pipeline-service/internal/document"
	"pipeline-service/internal/entity"
	"pipeline-service/internal/llm"
	"pipeline-service/internal/prompt"
)

const maxWebBody = 10 << 20

type NormalizeRequest struct {
	JobID     string
	Index     int
	Item      entity.WorkItem
	Model     llm.Completer
	PromptIDs map[string]string
}

// Normalizer turns one work item into content stored under a job-scoped key
// and returns that key.
type Normalizer interface {
	Normalize(ctx context.Context, req NormalizeRequest) (string, error)
}

type BlobStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

func PDFKey(jobID string, index int) string { return fmt.Sprintf("pdf:%s:%d", jobID, index) }
func WebKey(jobID string, index int) string { return fmt.Sprintf("web:%s:%d", jobID, index) }

// PDFNormalizer inflates base64(zlib(pdf)) content and re-stores it.
type PDFNormalizer struct {
	Store BlobStore
	TTL   time.Duration
}

func (n PDFNormalizer) Normalize(ctx context.Context, req NormalizeRequest) (string, error) {
	data, err := document.DecodeBlob(req.Item.Content)
	if err != nil {
		return "", apperr.Normalization("pdf content", err)
	}
	return storeDocument(ctx, n.Store, n.TTL, PDFKey(req.JobID, req.Index), data)
}

func storeDocument(ctx context.Context, store BlobStore, ttl time.Duration, key string, data []byte) (string, error) {
	pages, err := document.Pages(data)
	if err != nil {
		return "", apperr.Normalization("read document", err)
	}
	if len(pages) == 0 {
		return "", apperr.Normalization("read document", document.ErrNoPages)
	}
	if err := store.Set(ctx, key, document.StoreEncoding(data), ttl); err != nil {
		return "", err
	}
	return key, nil
}

// WebNormalizer fetches the page and stores the raw body.
type WebNormalizer struct {
	Store  BlobStore
	TTL    time.Duration
	Client *http.Client
	Logger *slog.Logger
}

func (n WebNormalizer) Normalize(ctx context.Context, req NormalizeRequest) (string, error) {
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Item.URL, nil)
	if err != nil {
		return "", apperr.Normalization("web url", err)
	}
	hreq.Header.Set("User-Agent", "pipeline-service/1.0")

	start := time.Now()
	res, err := client.Do(hreq)
	if err != nil {
		return "", apperr.Normalization("fetch "+req.Item.URL, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxWebBody))
	if err != nil {
		return "", apperr.Normalization("read "+req.Item.URL, err)
	}
	logger.Info("[web] fetched", "job_id", req.JobID, "sub_item", req.Index, "url", req.Item.URL,
		"status", res.StatusCode, "bytes", len(body), "elapsed_ms", time.Since(start).Milliseconds())

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", apperr.Normalization(fmt.Sprintf("fetch %s: status %d", req.Item.URL, res.StatusCode), nil)
	}
	if strings.TrimSpace(string(body)) == "" {
		return "", apperr.Normalization("fetch "+req.Item.URL+": empty body", nil)
	}

	key := WebKey(req.JobID, req.Index)
	if err := n.Store.Set(ctx, key, string(body), n.TTL); err != nil {
		return "", err
	}
	return key, nil
}

type SourceResolver interface {
	Source(name string) (connector.Source, error)
}

// DataSourceNormalizer picks one file from a connector listing, asking the
// model when the requested name is not listed verbatim.
type DataSourceNormalizer struct {
	Store   BlobStore
	TTL     time.Duration
	Sources SourceResolver
	Prompts *prompt.Catalog
}

func (n DataSourceNormalizer) Normalize(ctx context.Context, req NormalizeRequest) (string, error) {
	src, err := n.Sources.Source(req.Item.Source)
	if err != nil {
		return "", apperr.Normalization("data source", err)
	}
	files, err := src.ReadAll(ctx)
	if err != nil {
		return "", apperr.Normalization("list "+req.Item.Source, err)
	}
	if len(files) == 0 {
		return "", apperr.Normalization(fmt.Sprintf("source %s has no files", req.Item.Source), nil)
	}

	name, err := n.pick(ctx, req, files)
	if err != nil {
		return "", err
	}
	data, err := src.Read(ctx, name)
	if err != nil {
		return "", apperr.Normalization("read "+name, err)
	}
	if data == nil {
		return "", apperr.Normalization(fmt.Sprintf("file %s not found in %s", name, req.Item.Source), nil)
	}
	return storeDocument(ctx, n.Store, n.TTL, PDFKey(req.JobID, req.Index), data)
}

func (n DataSourceNormalizer) pick(ctx context.Context, req NormalizeRequest, files []string) (string, error) {
	want := strings.TrimSpace(req.Item.Filename)
	if want != "" && slices.Contains(files, want) {
		return want, nil
	}
	if len(files) == 1 {
		return files[0], nil
	}
	if req.Model == nil {
		return "", apperr.Normalization("file selection needs a model", nil)
	}

	user, err := n.Prompts.Render(prompt.FileSelection, req.PromptIDs, map[string]string{
		"Filename": want,
		"Files":    strings.Join(files, "\n"),
	})
	if err != nil {
		return "", apperr.Normalization("file selection prompt", err)
	}
	answer, err := llm.Ask(ctx, req.Model, "", user, false)
	if err != nil {
		return "", apperr.Normalization("file selection", err)
	}
	choice := strings.Trim(strings.TrimSpace(answer), "`\"'")
	if !slices.Contains(files, choice) {
		return "", apperr.Normalization(fmt.Sprintf("model picked %q which is not in %s", choice, req.Item.Source), nil)
	}
	return choice, nil
}
