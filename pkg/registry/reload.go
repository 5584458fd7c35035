package registry

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// StartHotReload launches the background catalog watchdog. Every interval it
// probes the source for a new document version and reloads on change. It is
// a no-op for local file sources and returns immediately; the goroutine
// stops when ctx is cancelled.
func (r *Registry) StartHotReload(ctx context.Context, source string, interval time.Duration) {
	if !strings.HasPrefix(source, "http") {
		return
	}
	r.logger.Info("Auto-update watchdog started", "source", source, "interval", interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.checkAndReload(ctx, source); err != nil {
					r.logger.Warn("Auto-update check failed", "error", err)
				}
			}
		}
	}()
}

// checkAndReload compares the remote document version against the current
// snapshot and reloads when it changed. Comparison prefers the HTTP
// validator (ETag or Last-Modified); sources without one are compared by
// body digest.
func (r *Registry) checkAndReload(ctx context.Context, source string) error {
	validator, body, err := r.probe(ctx, source)
	if err != nil {
		return err
	}

	snap := r.snap.Load()
	if snap != nil {
		if validator != "" && validator == snap.validator {
			return nil
		}
		if validator == "" && body != nil && md5hex(body) == snap.docHash {
			return nil
		}
	}

	r.logger.Info("Detected new catalog version, reloading")
	if body != nil {
		return r.loadBytes(ctx, body, validator)
	}
	return r.Load(ctx, source)
}

// probe issues a HEAD request and, when the server rejects it or returns no
// validator header, falls back to a full GET whose body doubles as the
// comparison digest.
func (r *Registry) probe(ctx context.Context, source string) (validator string, body []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, source, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := r.http.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < 400 {
			if v := headerValidator(resp.Header); v != "" {
				return v, nil, nil
			}
		}
	}

	body, validator, err = r.fetch(ctx, source)
	if err != nil {
		return "", nil, err
	}
	return validator, body, nil
}
