package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/r3labs/sse/v2"
	backoff "gopkg.in/cenkalti/backoff.v1"

	"github.com/iem-alarm/alarmthings/internal/debug"
)

// Firebase talks to a Firebase Realtime Database over its REST API.
// Writes are PUT requests on <base>/<path>.json; watches subscribe to the
// same URL as an event stream and decode its put events.
type Firebase struct {
	base   string
	client *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFirebase creates a client for the database at baseURL, e.g.
// https://project-default-rtdb.firebaseio.com. client may be nil.
func NewFirebase(baseURL string, client *http.Client) (*Firebase, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("store: invalid firebase url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("store: firebase url must be http(s), got %q", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithCancel(context.Background())
	debug.Info("Store backend: Firebase (%s)", u.Host)
	return &Firebase{
		base:   strings.TrimRight(baseURL, "/"),
		client: client,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (f *Firebase) endpoint(path string) string {
	return f.base + "/" + cleanPath(path) + ".json"
}

func (f *Firebase) Set(ctx context.Context, path string, value any) error {
	if f.ctx.Err() != nil {
		return ErrClosed
	}
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, f.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("store: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("store: put %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("store: put %s: %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}
	io.Copy(io.Discard, resp.Body)
	debug.Trace("store(firebase): set %s (%d bytes)", path, len(body))
	return nil
}

// maxEventBytes bounds one server event; imageName carries a whole
// base64 JPEG.
const maxEventBytes = 8 << 20

// Watch opens the event stream and returns once the server accepted it.
// A dropped stream is logged and not reopened.
func (f *Firebase) Watch(ctx context.Context, path string, fn func(Snapshot)) error {
	if f.ctx.Err() != nil {
		return ErrClosed
	}
	streamCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(f.ctx, cancel)

	// connected and ended are only touched by the subscription goroutine.
	var connected, ended bool
	accepted := make(chan error, 1)
	client := sse.NewClient(f.endpoint(path), sse.ClientMaxBufferSize(maxEventBytes))
	client.Connection = f.client
	client.ReconnectStrategy = &backoff.StopBackOff{}
	client.ResponseValidator = func(_ *sse.Client, resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			err := fmt.Errorf("store: watch %s: %s", path, resp.Status)
			accepted <- err
			return err
		}
		connected = true
		accepted <- nil
		return nil
	}

	done := make(chan error, 1)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer stop()
		defer cancel()

		err := client.SubscribeRawWithContext(streamCtx, func(ev *sse.Event) {
			if ended {
				return
			}
			if !f.handle(path, string(ev.Event), ev.Data, fn) {
				ended = true
				cancel()
			}
		})
		done <- err
		switch {
		case !connected, ended:
		case streamCtx.Err() != nil:
			debug.Verbose("store(firebase): watch on %s stopped", path)
		case err != nil:
			debug.Errorf("store(firebase): stream for %s dropped: %v", path, err)
		default:
			debug.Errorf("store(firebase): stream for %s ended", path)
		}
	}()

	select {
	case err := <-accepted:
		if err != nil {
			cancel()
		}
		return err
	case err := <-done:
		select {
		case aerr := <-accepted:
			return aerr
		default:
		}
		if err == nil {
			err = errors.New("stream ended")
		}
		return fmt.Errorf("store: watch %s: %w", path, err)
	}
}

// handle decodes one server event. It returns false when the stream must
// stop.
func (f *Firebase) handle(path, event string, data []byte, fn func(Snapshot)) bool {
	switch event {
	case "put":
		var msg struct {
			Path string          `json:"path"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			debug.Errorf("store(firebase): bad put event on %s: %v", path, err)
			return true
		}
		if msg.Path != "/" {
			debug.Trace("store(firebase): ignoring nested put %s under %s", msg.Path, path)
			return true
		}
		fn(Snapshot{Path: cleanPath(path), Raw: msg.Data})
	case "keep-alive":
		debug.Trace("store(firebase): keep-alive on %s", path)
	case "cancel", "auth_revoked":
		debug.Errorf("store(firebase): server ended watch on %s (%s)", path, event)
		return false
	default:
		debug.Trace("store(firebase): ignoring %q event on %s", event, path)
	}
	return true
}

func (f *Firebase) Close() error {
	f.cancel()
	f.wg.Wait()
	return nil
}
