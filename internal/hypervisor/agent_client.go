// Package hypervisor provides the driver layer for talking to node agents.
// This file contains the HTTP client for a single node agent.
package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
)

// AgentClient talks to one node agent over its REST API.
type AgentClient struct {
	baseURL    string
	addr       string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAgentClient creates a client for the node agent at addr ("host:port").
//
// Example:
//
//	client, err := hypervisor.NewAgentClient("192.168.1.10:8090", logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = client.Probe(ctx)
func NewAgentClient(addr string, logger *zap.Logger) (*AgentClient, error) {
	baseURL := "http://" + addr
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid node agent address %q: %w", addr, err)
	}

	return &AgentClient{
		baseURL: baseURL,
		addr:    addr,
		// Long-running transfers are bounded by the caller's context, not a
		// client-wide timeout.
		httpClient: &http.Client{},
		logger:     logger,
	}, nil
}

// Addr returns the agent address this client talks to.
func (c *AgentClient) Addr() string {
	return c.addr
}

type createWorkloadRequest struct {
	WorkloadID string            `json:"workload_id"`
	Name       string            `json:"name"`
	VCPUCount  int32             `json:"vcpu_count"`
	RAMMiB     int64             `json:"ram_mib"`
	DiskGiB    int64             `json:"disk_gib"`
	Labels     map[string]string `json:"labels,omitempty"`
	StartNow   bool              `json:"start_now"`
}

type stopWorkloadRequest struct {
	Graceful       bool  `json:"graceful"`
	TimeoutSeconds int32 `json:"timeout_seconds"`
}

type transferRequest struct {
	TargetAddr     string `json:"target_addr"`
	BandwidthMbps  uint64 `json:"bandwidth_mbps,omitempty"`
	Compressed     bool   `json:"compressed,omitempty"`
	TimeoutSeconds int32  `json:"timeout_seconds,omitempty"`
}

type preflightRequest struct {
	WorkloadID string `json:"workload_id"`
	TargetAddr string `json:"target_addr"`
	VCPUCount  int32  `json:"vcpu_count"`
	RAMMiB     int64  `json:"ram_mib"`
	DiskGiB    int64  `json:"disk_gib"`
}

type operationResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Probe checks agent liveness.
func (c *AgentClient) Probe(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/health", nil, nil)
}

// CreateWorkload defines a workload on the node.
func (c *AgentClient) CreateWorkload(ctx context.Context, wl *domain.Workload) error {
	c.logger.Info("Creating workload on node agent",
		zap.String("addr", c.addr),
		zap.String("workload_id", wl.ID),
		zap.String("name", wl.Name),
	)

	req := createWorkloadRequest{
		WorkloadID: wl.ID,
		Name:       wl.Name,
		VCPUCount:  wl.Request.CPUCores,
		RAMMiB:     wl.Request.MemoryMiB,
		DiskGiB:    wl.Request.DiskGiB,
		Labels:     wl.Labels,
	}
	if err := c.do(ctx, http.MethodPost, "/v1/workloads", req, nil); err != nil {
		c.logger.Error("Create workload failed",
			zap.String("addr", c.addr),
			zap.String("workload_id", wl.ID),
			zap.Error(err),
		)
		return err
	}

	c.logger.Info("Workload created on node agent",
		zap.String("addr", c.addr),
		zap.String("workload_id", wl.ID),
	)
	return nil
}

// StartWorkload starts a defined workload.
func (c *AgentClient) StartWorkload(ctx context.Context, workloadID string) error {
	c.logger.Info("Starting workload on node agent",
		zap.String("addr", c.addr),
		zap.String("workload_id", workloadID),
	)

	path := fmt.Sprintf("/v1/workloads/%s/start", url.PathEscape(workloadID))
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		c.logger.Error("Start workload failed",
			zap.String("addr", c.addr),
			zap.String("workload_id", workloadID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// StopWorkload stops a workload, gracefully or by power-off.
func (c *AgentClient) StopWorkload(ctx context.Context, workloadID string, graceful bool) error {
	c.logger.Info("Stopping workload on node agent",
		zap.String("addr", c.addr),
		zap.String("workload_id", workloadID),
		zap.Bool("graceful", graceful),
	)

	req := stopWorkloadRequest{Graceful: graceful}
	if graceful {
		req.TimeoutSeconds = 60
	}
	path := fmt.Sprintf("/v1/workloads/%s/stop", url.PathEscape(workloadID))
	if err := c.do(ctx, http.MethodPost, path, req, nil); err != nil {
		c.logger.Error("Stop workload failed",
			zap.String("addr", c.addr),
			zap.String("workload_id", workloadID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// DeleteWorkload removes a workload definition from the node.
func (c *AgentClient) DeleteWorkload(ctx context.Context, workloadID string, removeDisk bool) error {
	c.logger.Info("Deleting workload from node agent",
		zap.String("addr", c.addr),
		zap.String("workload_id", workloadID),
		zap.Bool("remove_disk", removeDisk),
	)

	path := fmt.Sprintf("/v1/workloads/%s?remove_disk=%t", url.PathEscape(workloadID), removeDisk)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		c.logger.Error("Delete workload failed",
			zap.String("addr", c.addr),
			zap.String("workload_id", workloadID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// WorkloadStatus queries a workload's run state.
func (c *AgentClient) WorkloadStatus(ctx context.Context, workloadID string) (*WorkloadStatus, error) {
	var status WorkloadStatus
	path := fmt.Sprintf("/v1/workloads/%s", url.PathEscape(workloadID))
	if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CopyDisk instructs the agent to copy a stopped workload's disk to the
// agent at targetAddr.
func (c *AgentClient) CopyDisk(ctx context.Context, workloadID, targetAddr string, opts TransferOptions) error {
	c.logger.Info("Copying workload disk",
		zap.String("addr", c.addr),
		zap.String("workload_id", workloadID),
		zap.String("target_addr", targetAddr),
	)

	req := transferRequest{
		TargetAddr:     targetAddr,
		BandwidthMbps:  opts.BandwidthMbps,
		Compressed:     opts.Compressed,
		TimeoutSeconds: opts.TimeoutSeconds,
	}
	path := fmt.Sprintf("/v1/workloads/%s/copy-disk", url.PathEscape(workloadID))
	if err := c.do(ctx, http.MethodPost, path, req, nil); err != nil {
		c.logger.Error("Disk copy failed",
			zap.String("addr", c.addr),
			zap.String("workload_id", workloadID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// StreamState streams memory and dirty pages to the agent at targetAddr
// while the workload keeps running.
func (c *AgentClient) StreamState(ctx context.Context, workloadID, targetAddr string, opts TransferOptions) error {
	c.logger.Info("Streaming workload state",
		zap.String("addr", c.addr),
		zap.String("workload_id", workloadID),
		zap.String("target_addr", targetAddr),
	)

	req := transferRequest{
		TargetAddr:     targetAddr,
		BandwidthMbps:  opts.BandwidthMbps,
		Compressed:     opts.Compressed,
		TimeoutSeconds: opts.TimeoutSeconds,
	}
	path := fmt.Sprintf("/v1/workloads/%s/stream-state", url.PathEscape(workloadID))
	if err := c.do(ctx, http.MethodPost, path, req, nil); err != nil {
		c.logger.Error("State streaming failed",
			zap.String("addr", c.addr),
			zap.String("workload_id", workloadID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// Switchover pauses the workload, transfers the final delta to targetAddr,
// and resumes it there.
func (c *AgentClient) Switchover(ctx context.Context, workloadID, targetAddr string) error {
	c.logger.Info("Switching workload over",
		zap.String("addr", c.addr),
		zap.String("workload_id", workloadID),
		zap.String("target_addr", targetAddr),
	)

	req := transferRequest{TargetAddr: targetAddr}
	path := fmt.Sprintf("/v1/workloads/%s/switchover", url.PathEscape(workloadID))
	if err := c.do(ctx, http.MethodPost, path, req, nil); err != nil {
		c.logger.Error("Switchover failed",
			zap.String("addr", c.addr),
			zap.String("workload_id", workloadID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// Preflight asks the source agent to verify compatibility with the target
// agent for a live migration.
func (c *AgentClient) Preflight(ctx context.Context, wl *domain.Workload, targetAddr string) (*PreflightReport, error) {
	req := preflightRequest{
		WorkloadID: wl.ID,
		TargetAddr: targetAddr,
		VCPUCount:  wl.Request.CPUCores,
		RAMMiB:     wl.Request.MemoryMiB,
		DiskGiB:    wl.Request.DiskGiB,
	}

	var report PreflightReport
	if err := c.do(ctx, http.MethodPost, "/v1/preflight", req, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// do executes one JSON request against the agent, decoding the response
// into out when out is non-nil.
func (c *AgentClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("node agent %s: %w", c.addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.decodeError(resp)
	}

	c.logger.Debug("Node agent call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", c.addr, err)
	}
	return nil
}

func (c *AgentClient) decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	message := ""
	var errResp errorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error != "" {
		message = errResp.Error
	} else {
		var opResp operationResponse
		if err := json.Unmarshal(data, &opResp); err == nil && opResp.Message != "" {
			message = opResp.Message
		}
	}
	if message == "" {
		message = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("node agent %s: %s: %w", c.addr, message, domain.ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("node agent %s: %s: %w", c.addr, message, domain.ErrConflict)
	default:
		return fmt.Errorf("node agent %s: %s", c.addr, message)
	}
}
