package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aipipeline/renderfarm/internal/agent"
)

func main() {
	// Command line flags
	var (
		masterAPI    = flag.String("master", "http://localhost:8080", "Master HTTP API base URL")
		masterWS     = flag.String("master-ws", "ws://localhost:8081", "Master websocket base URL")
		comfyURL     = flag.String("comfy", "http://localhost:8188", "ComfyUI base URL")
		workflowsDir = flag.String("workflows", "./workflows", "Directory of workflow graph templates")
		outputDir    = flag.String("output", "./output", "Directory for downloaded artifacts")
		stateFile    = flag.String("state", "./worker-state/node_id", "File persisting this node's ID")
		capabilities = flag.String("capabilities", "sdxl_t2i,sd15_t2i", "Comma-separated workflow types this node supports")
		heartbeat    = flag.Duration("heartbeat-interval", 10*time.Second, "Heartbeat interval")
		hostname     = flag.String("hostname", "", "Hostname to report (defaults to OS hostname)")
	)
	flag.Parse()

	caps := splitCapabilities(*capabilities)
	if len(caps) == 0 {
		log.Fatalf("At least one capability is required")
	}

	log.Printf("Starting Render Farm Worker (capabilities: %v)...", caps)

	a := agent.New(agent.Config{
		MasterAPIURL:      *masterAPI,
		MasterWSURL:       *masterWS,
		ComfyURL:          *comfyURL,
		WorkflowsDir:      *workflowsDir,
		OutputDir:         *outputDir,
		StateFile:         *stateFile,
		Capabilities:      caps,
		HeartbeatInterval: *heartbeat,
		Hostname:          *hostname,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Worker stopped: %v", err)
	}

	log.Printf("Worker stopped gracefully")
}

// splitCapabilities parses a comma-separated capability list
func splitCapabilities(s string) []string {
	var caps []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, c)
		}
	}
	return caps
}
