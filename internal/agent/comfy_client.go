package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// ComfyClient talks to a local ComfyUI instance over its HTTP API
type ComfyClient struct {
	baseURL  string
	clientID string
	http     *http.Client
}

// NewComfyClient creates a client for the ComfyUI instance at baseURL
func NewComfyClient(baseURL, clientID string) *ComfyClient {
	return &ComfyClient{
		baseURL:  baseURL,
		clientID: clientID,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// HistoryOutput holds the artifacts a workflow node produced
type HistoryOutput struct {
	Images []HistoryImage `json:"images"`
	GIFs   []HistoryImage `json:"gifs"`
}

// HistoryImage locates one artifact in ComfyUI's output store
type HistoryImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// HistoryStatus is the execution status block of a history entry
type HistoryStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

// HistoryEntry is one prompt's record in ComfyUI's history
type HistoryEntry struct {
	Status  HistoryStatus            `json:"status"`
	Outputs map[string]HistoryOutput `json:"outputs"`
}

// Artifacts flattens all output references across nodes
func (e *HistoryEntry) Artifacts() []HistoryImage {
	var out []HistoryImage
	for _, node := range e.Outputs {
		out = append(out, node.Images...)
		out = append(out, node.GIFs...)
	}
	return out
}

// Failed reports whether ComfyUI recorded an execution error for the prompt
func (e *HistoryEntry) Failed() bool {
	return e.Status.StatusStr == "error"
}

// IsReachable reports whether the ComfyUI instance responds
func (c *ComfyClient) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// QueuePrompt submits a workflow graph for execution and returns the prompt ID
func (c *ComfyClient) QueuePrompt(ctx context.Context, workflow map[string]any) (string, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":    workflow,
		"client_id": c.clientID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to queue prompt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("queue prompt returned %d: %s", resp.StatusCode, string(data))
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode queue response: %w", err)
	}
	if result.PromptID == "" {
		return "", fmt.Errorf("queue response carried no prompt_id")
	}

	return result.PromptID, nil
}

// GetHistory fetches the history entry for a prompt. Returns nil with no error
// while the prompt has not finished queueing into history yet.
func (c *ComfyClient) GetHistory(ctx context.Context, promptID string) (*HistoryEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+promptID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history returned %d", resp.StatusCode)
	}

	var history map[string]HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}

	entry, ok := history[promptID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// DownloadArtifact streams one artifact from ComfyUI's /view endpoint into
// destDir and returns the local path.
func (c *ComfyClient) DownloadArtifact(ctx context.Context, img HistoryImage, destDir string) (string, error) {
	params := url.Values{}
	params.Set("filename", img.Filename)
	params.Set("subfolder", img.Subfolder)
	params.Set("type", img.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", img.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s returned %d", img.Filename, resp.StatusCode)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(destDir, img.Filename)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	return path, nil
}
