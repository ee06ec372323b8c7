package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/metropolis-io/metropolis/internal/artifact"
)

// RegisterBuiltins installs the stock task functions. store may be nil
// when no object storage is configured; artifact tasks then fail.
func (w *Worker) RegisterBuiltins(store artifact.Store) {
	w.RegisterTask("noop", NoopTask)
	w.RegisterTask("sleep", SleepTask)
	w.RegisterTask("artifact.copy", ArtifactCopyTask(store))
}

// NoopTask succeeds immediately. Useful for wiring and latency tests.
func NoopTask(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

// SleepTask blocks for the configured duration, honoring cancellation.
// Args: {"duration": "1s"}.
func SleepTask(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var a struct {
		Duration string `json:"duration"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(a.Duration)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d):
		return json.RawMessage(`{"slept":"` + a.Duration + `"}`), nil
	}
}

// ArtifactCopyTask copies an object between artifact handles.
// Args: {"src": {"bucket":"...","key":"..."}, "dst": {...}}.
func ArtifactCopyTask(store artifact.Store) TaskFunc {
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		if store == nil {
			return nil, errors.New("artifact store is not configured")
		}
		var a struct {
			Src artifact.Handle `json:"src"`
			Dst artifact.Handle `json:"dst"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		if err := store.Copy(ctx, a.Src, a.Dst); err != nil {
			return nil, err
		}
		out, err := json.Marshal(map[string]artifact.Handle{"artifact": a.Dst})
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}
