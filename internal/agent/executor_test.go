package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipipeline/renderfarm/internal/dispatch"
)

func TestInjectParams(t *testing.T) {
	workflow := map[string]any{
		"3": map[string]any{
			"class_type": "KSampler",
			"inputs":     map[string]any{"seed": float64(0), "steps": float64(20)},
		},
		"4": map[string]any{
			"class_type": "KSamplerAdvanced",
			"inputs":     map[string]any{"noise_seed": float64(0)},
		},
		"6": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": "placeholder"},
		},
		"10": map[string]any{
			"class_type": "CheckpointLoaderSimple",
			"inputs":     map[string]any{"ckpt_name": "default.safetensors"},
		},
	}

	injectParams(workflow, map[string]any{
		"seed":      float64(1234),
		"prompt":    "a red fox in snow",
		"ckpt_name": "sdxl.safetensors",
	})

	sampler := workflow["3"].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, float64(1234), sampler["seed"])
	assert.Equal(t, float64(20), sampler["steps"], "unrelated inputs untouched")

	advanced := workflow["4"].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, float64(1234), advanced["noise_seed"])

	encode := workflow["6"].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, "a red fox in snow", encode["text"])

	loader := workflow["10"].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, "sdxl.safetensors", loader["ckpt_name"])
}

func TestInjectParamsEmpty(t *testing.T) {
	workflow := map[string]any{
		"3": map[string]any{
			"class_type": "KSampler",
			"inputs":     map[string]any{"seed": float64(7)},
		},
	}

	injectParams(workflow, nil)

	sampler := workflow["3"].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, float64(7), sampler["seed"])
}

// fakeComfy is an httptest stand-in for a ComfyUI instance
type fakeComfy struct {
	mu          sync.Mutex
	server      *httptest.Server
	historyHits int
	failPrompt  bool
	entry       *HistoryEntry
	artifact    []byte
}

func newFakeComfy(t *testing.T) *fakeComfy {
	t.Helper()

	f := &fakeComfy{artifact: []byte("png-bytes")}

	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		if f.failPrompt {
			http.Error(w, "node validation failed", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"prompt_id": "prompt-1"})
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.historyHits++
		entry := f.entry
		f.mu.Unlock()

		history := map[string]any{}
		if entry != nil {
			history["prompt-1"] = entry
		}
		json.NewEncoder(w).Encode(history)
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		w.Write(f.artifact)
	})
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeComfy) setEntry(entry *HistoryEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entry = entry
}

// messageRecorder captures executor reports
type messageRecorder struct {
	mu       sync.Mutex
	messages []*dispatch.WorkerMessage
}

func (r *messageRecorder) send(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, v.(*dispatch.WorkerMessage))
	return nil
}

func (r *messageRecorder) types() []dispatch.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []dispatch.MessageType
	for _, m := range r.messages {
		out = append(out, m.Type)
	}
	return out
}

func (r *messageRecorder) last() *dispatch.WorkerMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return nil
	}
	return r.messages[len(r.messages)-1]
}

func setupExecutor(t *testing.T, comfy *fakeComfy) (*Executor, *messageRecorder, string) {
	t.Helper()

	dir := t.TempDir()
	workflowsDir := filepath.Join(dir, "workflows")
	require.NoError(t, os.MkdirAll(workflowsDir, 0o755))

	workflow := `{"3": {"class_type": "KSampler", "inputs": {"seed": 0}}}`
	require.NoError(t, os.WriteFile(filepath.Join(workflowsDir, "sdxl_t2i.json"), []byte(workflow), 0o644))

	rec := &messageRecorder{}
	executor := NewExecutor(
		NewComfyClient(comfy.server.URL, "test-client"),
		workflowsDir,
		filepath.Join(dir, "output"),
		rec.send,
	)
	executor.pollInterval = 10 * time.Millisecond

	return executor, rec, dir
}

func TestExecutorHappyPath(t *testing.T) {
	comfy := newFakeComfy(t)
	comfy.setEntry(&HistoryEntry{
		Status: HistoryStatus{StatusStr: "success", Completed: true},
		Outputs: map[string]HistoryOutput{
			"9": {Images: []HistoryImage{{Filename: "result.png", Type: "output"}}},
		},
	})

	executor, rec, dir := setupExecutor(t, comfy)
	executor.Run(context.Background(), "job-1", "sdxl_t2i", json.RawMessage(`{"seed": 42}`))

	types := rec.types()
	require.NotEmpty(t, types)
	assert.Equal(t, dispatch.MessageTypeJobStarted, types[0])

	last := rec.last()
	require.NotNil(t, last)
	assert.Equal(t, dispatch.MessageTypeJobCompleted, last.Type)
	assert.Equal(t, "job-1", last.JobID)
	require.Len(t, last.OutputFiles, 1)

	data, err := os.ReadFile(filepath.Join(dir, "output", "job-1", "result.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
}

func TestExecutorReportsEngineFailure(t *testing.T) {
	comfy := newFakeComfy(t)
	comfy.setEntry(&HistoryEntry{
		Status: HistoryStatus{StatusStr: "error"},
	})

	executor, rec, _ := setupExecutor(t, comfy)
	executor.Run(context.Background(), "job-1", "sdxl_t2i", nil)

	last := rec.last()
	require.NotNil(t, last)
	assert.Equal(t, dispatch.MessageTypeJobFailed, last.Type)
	assert.Contains(t, last.Error, "execution failed")
}

func TestExecutorReportsQueueFailure(t *testing.T) {
	comfy := newFakeComfy(t)
	comfy.failPrompt = true

	executor, rec, _ := setupExecutor(t, comfy)
	executor.Run(context.Background(), "job-1", "sdxl_t2i", nil)

	types := rec.types()
	require.Len(t, types, 1, "no started event when queueing fails")
	assert.Equal(t, dispatch.MessageTypeJobFailed, types[0])
}

func TestExecutorMissingWorkflowTemplate(t *testing.T) {
	comfy := newFakeComfy(t)

	executor, rec, _ := setupExecutor(t, comfy)
	executor.Run(context.Background(), "job-1", "no_such_workflow", nil)

	last := rec.last()
	require.NotNil(t, last)
	assert.Equal(t, dispatch.MessageTypeJobFailed, last.Type)
	assert.Contains(t, last.Error, "no workflow template")
}

func TestExecutorCancelledJobReportsNothing(t *testing.T) {
	comfy := newFakeComfy(t)
	// No history entry: the executor polls until cancelled.

	executor, rec, _ := setupExecutor(t, comfy)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	executor.Run(ctx, "job-1", "sdxl_t2i", nil)

	for _, m := range rec.types() {
		assert.NotEqual(t, dispatch.MessageTypeJobFailed, m,
			"a cancelled job must not surface as failed")
		assert.NotEqual(t, dispatch.MessageTypeJobCompleted, m)
	}
}

func TestComfyClientIsReachable(t *testing.T) {
	comfy := newFakeComfy(t)

	client := NewComfyClient(comfy.server.URL, "test-client")
	assert.True(t, client.IsReachable(context.Background()))

	down := NewComfyClient("http://127.0.0.1:1", "test-client")
	assert.False(t, down.IsReachable(context.Background()))
}

func TestComfyClientGetHistoryPendingPrompt(t *testing.T) {
	comfy := newFakeComfy(t)

	client := NewComfyClient(comfy.server.URL, "test-client")
	entry, err := client.GetHistory(context.Background(), "prompt-1")
	require.NoError(t, err)
	assert.Nil(t, entry, "prompt not yet in history")
}

func TestHistoryEntryArtifacts(t *testing.T) {
	entry := &HistoryEntry{
		Outputs: map[string]HistoryOutput{
			"9":  {Images: []HistoryImage{{Filename: "a.png"}}},
			"12": {GIFs: []HistoryImage{{Filename: "b.gif"}}},
		},
	}

	artifacts := entry.Artifacts()
	assert.Len(t, artifacts, 2)
}
