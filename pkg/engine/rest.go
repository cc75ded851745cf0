package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// restClient issues the engine's REST calls for one link.
type restClient struct {
	baseURL  string
	password string
	http     *http.Client
	limiter  *rate.Limiter
	timeout  time.Duration
}

type wireError struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

type wireLoadResult struct {
	LoadType LoadType        `json:"loadType"`
	Data     json.RawMessage `json:"data"`
}

type wirePlaylist struct {
	Info struct {
		Name string `json:"name"`
	} `json:"info"`
	Tracks []wireTrack `json:"tracks"`
}

type wireException struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause"`
}

func (r *restClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := r.limiter.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("engine %s %s: %w", method, path, err)
		}
		// Running out of time in the limiter is a command timeout.
		return &LinkError{Kind: LinkTransportClosed, Op: method + " " + path, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Authorization", r.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return &LinkError{Kind: LinkTransportClosed, Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		var we wireError
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &we) != nil || we.Message == "" {
			we.Message = string(bytes.TrimSpace(raw))
		}
		return &EngineError{Status: resp.StatusCode, Message: we.Message, Path: path}
	}

	switch v := out.(type) {
	case nil:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case *string:
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return &LinkError{Kind: LinkTransportClosed, Op: method + " " + path, Err: err}
		}
		*v = string(bytes.TrimSpace(raw))
		return nil
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return &LinkError{Kind: LinkTransportClosed, Op: method + " " + path, Err: err}
			}
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	}
}

func (r *restClient) version(ctx context.Context) (string, error) {
	var v string
	err := r.do(ctx, http.MethodGet, "/version", nil, &v)
	return v, err
}

func (r *restClient) updatePlayer(ctx context.Context, sessionID, guildID string, update *playerUpdate) error {
	path := fmt.Sprintf("/v4/sessions/%s/players/%s?noReplace=false", sessionID, guildID)
	return r.do(ctx, http.MethodPatch, path, update, nil)
}

func (r *restClient) destroyPlayer(ctx context.Context, sessionID, guildID string) error {
	path := fmt.Sprintf("/v4/sessions/%s/players/%s", sessionID, guildID)
	return r.do(ctx, http.MethodDelete, path, nil, nil)
}

func (r *restClient) loadTracks(ctx context.Context, identifier string) (*LoadResult, error) {
	var wire wireLoadResult
	path := "/v4/loadtracks?identifier=" + url.QueryEscape(identifier)
	if err := r.do(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}

	result := &LoadResult{Type: wire.LoadType}
	switch wire.LoadType {
	case LoadTrack:
		var t wireTrack
		if err := json.Unmarshal(wire.Data, &t); err != nil {
			return nil, fmt.Errorf("decode track result: %w", err)
		}
		result.Tracks = []Track{t.toTrack()}
	case LoadSearch:
		var ts []wireTrack
		if err := json.Unmarshal(wire.Data, &ts); err != nil {
			return nil, fmt.Errorf("decode search result: %w", err)
		}
		result.Tracks = toTracks(ts)
	case LoadPlaylist:
		var p wirePlaylist
		if err := json.Unmarshal(wire.Data, &p); err != nil {
			return nil, fmt.Errorf("decode playlist result: %w", err)
		}
		result.PlaylistName = p.Info.Name
		result.Tracks = toTracks(p.Tracks)
	case LoadError:
		var e wireException
		if err := json.Unmarshal(wire.Data, &e); err != nil {
			return nil, fmt.Errorf("decode load error: %w", err)
		}
		result.Message = e.Message
		result.Severity = e.Severity
	case LoadEmpty:
	default:
		return nil, fmt.Errorf("unknown load type %q", wire.LoadType)
	}
	return result, nil
}
