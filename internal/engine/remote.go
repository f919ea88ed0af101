package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/voxqueue/voxqueue/internal/task"
)

// Remote calls an inference server over HTTP. The server is expected to
// share filesystem access with this process: we send the audio path, not the
// audio bytes.
type Remote struct {
	client  *http.Client
	baseURL string
}

func NewRemote(baseURL string) *Remote {
	return &Remote{
		// no client-level timeout: the per-task deadline arrives via ctx
		client:  &http.Client{},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type remoteRequest struct {
	InputPath string                `json:"input_path"`
	Params    task.TranscribeParams `json:"params"`
}

type remoteError struct {
	Error string `json:"error"`
}

func (r *Remote) Transcribe(ctx context.Context, inputPath string, params task.TranscribeParams) (*task.Result, error) {
	body, err := json.Marshal(remoteRequest{InputPath: inputPath, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal transcribe request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/transcribe", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build transcribe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcribe request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var re remoteError
		if json.Unmarshal(data, &re) == nil && re.Error != "" {
			return nil, fmt.Errorf("engine returned %d: %s", resp.StatusCode, re.Error)
		}
		return nil, fmt.Errorf("engine returned %d", resp.StatusCode)
	}

	var result task.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return &result, nil
}
