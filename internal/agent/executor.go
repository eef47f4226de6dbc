package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/aipipeline/renderfarm/internal/dispatch"
)

// Executor runs one job at a time against the local ComfyUI instance and
// reports lifecycle events back through send.
type Executor struct {
	comfy        *ComfyClient
	workflowsDir string
	outputDir    string
	pollInterval time.Duration
	send         func(v any) error
}

// NewExecutor creates a job executor
func NewExecutor(comfy *ComfyClient, workflowsDir, outputDir string, send func(v any) error) *Executor {
	return &Executor{
		comfy:        comfy,
		workflowsDir: workflowsDir,
		outputDir:    outputDir,
		pollInterval: 2 * time.Second,
		send:         send,
	}
}

// Run executes a job to completion, reporting started/progress/completed or
// failed. A cancelled context ends the job silently: the master has already
// moved it on and any report would be dropped as stale.
func (e *Executor) Run(ctx context.Context, jobID, workflowType string, params json.RawMessage) {
	outputs, err := e.execute(ctx, jobID, workflowType, params)
	if ctx.Err() != nil {
		log.Printf("Job %s cancelled locally", jobID)
		return
	}

	if err != nil {
		log.Printf("Job %s failed: %v", jobID, err)
		e.report(&dispatch.WorkerMessage{
			Type:  dispatch.MessageTypeJobFailed,
			JobID: jobID,
			Error: err.Error(),
		})
		return
	}

	log.Printf("Job %s completed with %d artifacts", jobID, len(outputs))
	e.report(&dispatch.WorkerMessage{
		Type:        dispatch.MessageTypeJobCompleted,
		JobID:       jobID,
		OutputFiles: outputs,
	})
}

func (e *Executor) execute(ctx context.Context, jobID, workflowType string, params json.RawMessage) ([]string, error) {
	workflow, err := e.loadWorkflow(workflowType)
	if err != nil {
		return nil, err
	}

	var paramMap map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &paramMap); err != nil {
			return nil, fmt.Errorf("invalid job params: %w", err)
		}
	}
	injectParams(workflow, paramMap)

	promptID, err := e.comfy.QueuePrompt(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to queue workflow: %w", err)
	}

	e.report(&dispatch.WorkerMessage{
		Type:  dispatch.MessageTypeJobStarted,
		JobID: jobID,
	})
	log.Printf("Job %s queued as prompt %s", jobID, promptID)

	entry, err := e.waitForCompletion(ctx, jobID, promptID)
	if err != nil {
		return nil, err
	}

	if entry.Failed() {
		return nil, fmt.Errorf("workflow execution failed in engine")
	}

	return e.downloadArtifacts(ctx, jobID, entry)
}

// waitForCompletion polls history until the prompt has outputs or an error
func (e *Executor) waitForCompletion(ctx context.Context, jobID, promptID string) (*HistoryEntry, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	reported := 0.0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		entry, err := e.comfy.GetHistory(ctx, promptID)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			continue
		}

		if entry.Failed() || len(entry.Outputs) > 0 {
			return entry, nil
		}

		// History has the entry but no outputs yet: the engine is rendering.
		// Progress is coarse; the engine exposes no per-step counter here.
		if reported < 0.5 {
			reported = 0.5
			e.report(&dispatch.WorkerMessage{
				Type:     dispatch.MessageTypeJobProgress,
				JobID:    jobID,
				Progress: reported,
				StepInfo: "rendering",
			})
		}
	}
}

func (e *Executor) downloadArtifacts(ctx context.Context, jobID string, entry *HistoryEntry) ([]string, error) {
	artifacts := entry.Artifacts()
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("workflow produced no artifacts")
	}

	destDir := filepath.Join(e.outputDir, jobID)
	paths := make([]string, 0, len(artifacts))
	for _, img := range artifacts {
		path, err := e.comfy.DownloadArtifact(ctx, img, destDir)
		if err != nil {
			return nil, fmt.Errorf("failed to download artifact: %w", err)
		}
		paths = append(paths, path)
	}

	return paths, nil
}

// loadWorkflow reads the workflow graph template for a workflow type
func (e *Executor) loadWorkflow(workflowType string) (map[string]any, error) {
	path := filepath.Join(e.workflowsDir, workflowType+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("no workflow template for %s: %w", workflowType, err)
	}

	var workflow map[string]any
	if err := json.Unmarshal(data, &workflow); err != nil {
		return nil, fmt.Errorf("invalid workflow template %s: %w", path, err)
	}

	return workflow, nil
}

// injectParams patches well-known job parameters into a workflow graph:
// seed into samplers, prompt into text encoders, ckpt_name into checkpoint
// loaders. Unknown parameters are ignored.
func injectParams(workflow map[string]any, params map[string]any) {
	if len(params) == 0 {
		return
	}

	for _, raw := range workflow {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		classType, _ := node["class_type"].(string)
		inputs, ok := node["inputs"].(map[string]any)
		if !ok {
			continue
		}

		switch classType {
		case "KSampler", "KSamplerAdvanced":
			if seed, ok := params["seed"]; ok {
				if _, has := inputs["seed"]; has {
					inputs["seed"] = seed
				}
				if _, has := inputs["noise_seed"]; has {
					inputs["noise_seed"] = seed
				}
			}
		case "CLIPTextEncode":
			if prompt, ok := params["prompt"]; ok {
				if _, has := inputs["text"]; has {
					inputs["text"] = prompt
				}
			}
		case "CheckpointLoaderSimple":
			if ckpt, ok := params["ckpt_name"]; ok {
				inputs["ckpt_name"] = ckpt
			}
		}
	}
}

func (e *Executor) report(msg *dispatch.WorkerMessage) {
	if err := e.send(msg); err != nil {
		log.Printf("Failed to report job event: %v", err)
	}
}
