package modelinstall

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Status-word floors used when the server reports no byte counts.
const (
	floorVerifying  = 90
	floorExtracting = 95
	// byte ratios stop short of 100 so only "success" completes a task
	maxDownloadProgress = 99
)

// pullLine is one NDJSON object from Ollama's POST /api/pull stream.
type pullLine struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

var errCanceled = errors.New("canceled")

// errNoSuccess marks a stream that ended without a success marker.
var errNoSuccess = errors.New("pull stream ended without success")

// classify maps one stream line to a state and a progress value. A zero
// progress means "no opinion".
func classify(l pullLine) (state string, progress int, done bool) {
	status := strings.ToLower(strings.TrimSpace(l.Status))
	switch {
	case status == "success":
		return StateCompleted, 100, true
	case strings.Contains(status, "verifying"):
		return StateVerifying, floorVerifying, false
	case strings.Contains(status, "writing"), strings.Contains(status, "extracting"),
		strings.Contains(status, "removing"):
		return StateExtracting, floorExtracting, false
	}
	if l.Total > 0 {
		p := int(l.Completed * 100 / l.Total)
		switch {
		case p < 0:
			p = 0
		case p > maxDownloadProgress:
			p = maxDownloadProgress
		}
		return StateDownloading, p, false
	}
	return StateDownloading, 0, false
}

// pull drives one task against the Ollama server. It returns nil only once a
// success line was read.
func (in *Installer) pull(t *task) error {
	ctx := t.ctx
	if in.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, in.requestTimeout)
		defer cancel()
	}
	body, _ := json.Marshal(map[string]any{"name": t.name, "model": t.name, "stream": true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.serverURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	resp, err := in.httpClient.Do(req)
	if err != nil {
		if t.canceled.Load() {
			return errCanceled
		}
		if ctx.Err() != nil {
			return fmt.Errorf("pull request: %w", ctx.Err())
		}
		return fmt.Errorf("pull request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ollama http error: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	r := bufio.NewReader(resp.Body)
	for {
		if t.canceled.Load() {
			return errCanceled
		}
		line, rerr := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var pl pullLine
			if err := json.Unmarshal(bytes.TrimSpace(line), &pl); err != nil {
				in.log.Debug().Str("op", "pull").Str("task_id", t.id).Bytes("line", bytes.TrimSpace(line)).Msg("unparseable stream line")
			} else if pl.Error != "" {
				return fmt.Errorf("ollama: %s", pl.Error)
			} else {
				state, progress, done := classify(pl)
				if done {
					return nil
				}
				t.update(state, progress, pl.Status)
			}
		}
		if rerr != nil {
			if t.canceled.Load() {
				return errCanceled
			}
			if errors.Is(rerr, io.EOF) {
				return errNoSuccess
			}
			if ctx.Err() != nil {
				return fmt.Errorf("pull stream: %w", ctx.Err())
			}
			return fmt.Errorf("pull stream: %w", rerr)
		}
	}
}
