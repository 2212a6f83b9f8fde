package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/randevu-watch/internal/appointment"
)

// Remote drives a browser-automation sidecar over HTTP. One sidecar serves
// many sessions; session and page handles are opaque ids minted by it.
type Remote struct {
	hc      *http.Client
	baseURL string
}

func NewRemote(baseURL string) *Remote {
	return &Remote{
		// Run streams progress for the whole interaction; the per-call
		// deadline comes from the caller's context, not the client.
		hc:      &http.Client{Timeout: 0},
		baseURL: baseURL,
	}
}

type sidecarError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e sidecarError) toErr() error {
	switch e.Code {
	case "SESSION_INVALID":
		return ErrSessionInvalid
	case "CHALLENGE_UNSOLVED":
		return ErrChallengeUnsolved
	}
	if e.Message != "" {
		return fmt.Errorf("engine: %s", e.Message)
	}
	return fmt.Errorf("engine: %s", e.Code)
}

func (r *Remote) Open(ctx context.Context, cfg SessionConfig) (Handle, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	body := map[string]any{
		"identity":        cfg.Identity,
		"birth_date":      cfg.BirthDate,
		"phone":           cfg.Phone,
		"profile_dir":     cfg.ProfileDir,
		"headless":        cfg.Headless,
		"timeout_ms":      cfg.TimeoutMS,
		"captcha_api_key": cfg.CaptchaAPIKey,
	}
	if err := r.do(ctx, http.MethodPost, "/sessions", body, &resp); err != nil {
		return nil, err
	}
	return &remoteHandle{r: r, id: resp.SessionID}, nil
}

func (r *Remote) Run(ctx context.Context, page Page, spec RunSpec) (appointment.RunResult, error) {
	rp, ok := page.(*remotePage)
	if !ok {
		return appointment.RunResult{}, fmt.Errorf("engine: foreign page handle %T", page)
	}

	body := map[string]any{
		"skip_login":     spec.SkipLogin,
		"criteria":       spec.Criteria,
		"probe_subtimes": spec.ProbeSubtimes,
	}
	if spec.BookTarget != nil {
		body["book_target"] = spec.BookTarget
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return appointment.RunResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/pages/"+rp.id+"/run", bytes.NewReader(buf))
	if err != nil {
		return appointment.RunResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := r.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return appointment.RunResult{}, ctx.Err()
		}
		return appointment.RunResult{}, fmt.Errorf("engine: run: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		return appointment.RunResult{}, r.readError(res)
	}

	// The sidecar streams newline-delimited JSON: status events during the
	// interaction, then exactly one terminal result or error event.
	sc := bufio.NewScanner(res.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev struct {
			Type    string          `json:"type"`
			Step    string          `json:"step"`
			Message string          `json:"message"`
			Result  json.RawMessage `json:"result"`
			Error   *sidecarError   `json:"error"`
		}
		if err := json.Unmarshal(line, &ev); err != nil {
			return appointment.RunResult{}, fmt.Errorf("engine: bad event: %w", err)
		}
		switch ev.Type {
		case "status":
			if spec.Status != nil {
				spec.Status(ev.Step, ev.Message)
			}
		case "result":
			var out appointment.RunResult
			if err := json.Unmarshal(ev.Result, &out); err != nil {
				return appointment.RunResult{}, fmt.Errorf("engine: bad result: %w", err)
			}
			return out, nil
		case "error":
			if ev.Error != nil {
				return appointment.RunResult{}, ev.Error.toErr()
			}
			return appointment.RunResult{}, errors.New("engine: run failed")
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return appointment.RunResult{}, ctx.Err()
		}
		return appointment.RunResult{}, fmt.Errorf("engine: stream: %w", err)
	}
	if ctx.Err() != nil {
		return appointment.RunResult{}, ctx.Err()
	}
	return appointment.RunResult{}, errors.New("engine: stream ended without result")
}

type remoteHandle struct {
	r  *Remote
	id string
}

func (h *remoteHandle) NewPage(ctx context.Context) (Page, error) {
	var resp struct {
		PageID string `json:"page_id"`
	}
	if err := h.r.do(ctx, http.MethodPost, "/sessions/"+h.id+"/pages", nil, &resp); err != nil {
		return nil, err
	}
	return &remotePage{r: h.r, id: resp.PageID}, nil
}

func (h *remoteHandle) Close(ctx context.Context) error {
	return h.r.do(ctx, http.MethodDelete, "/sessions/"+h.id, nil, nil)
}

type remotePage struct {
	r  *Remote
	id string
}

func (p *remotePage) Alive(ctx context.Context) bool {
	var resp struct {
		Alive bool `json:"alive"`
	}
	if err := p.r.do(ctx, http.MethodGet, "/pages/"+p.id+"/alive", nil, &resp); err != nil {
		return false
	}
	return resp.Alive
}

func (p *remotePage) Goto(ctx context.Context, url string) error {
	return p.r.do(ctx, http.MethodPost, "/pages/"+p.id+"/goto", map[string]string{"url": url}, nil)
}

func (p *remotePage) URL(ctx context.Context) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := p.r.do(ctx, http.MethodGet, "/pages/"+p.id+"/url", nil, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (p *remotePage) Close(ctx context.Context) error {
	return p.r.do(ctx, http.MethodDelete, "/pages/"+p.id, nil, nil)
}

func (r *Remote) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := r.hc.Do(req)
	if err != nil {
		return fmt.Errorf("engine: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		return r.readError(res)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (r *Remote) readError(res *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(res.Body, 8192))
	var se sidecarError
	if json.Unmarshal(b, &se) == nil && (se.Code != "" || se.Message != "") {
		return se.toErr()
	}
	return fmt.Errorf("engine: http %d: %s", res.StatusCode, bytes.TrimSpace(b))
}
