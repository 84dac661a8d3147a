package rtdb

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/precise-goals/finvoice/internal/infra/docpath"

	"go.uber.org/zap"
)

const (
	minReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
)

var errStreamCancelled = errors.New("stream cancelled by server")

// streamEvent is one server-sent event.
type streamEvent struct {
	name string
	data string
}

// streamPayload is the body of put and patch events. Path is relative to
// the subscribed node.
type streamPayload struct {
	Path string `json:"path"`
	Data any    `json:"data"`
}

// Subscribe streams changes below path. fn receives the full value of the
// node once the stream is established and after every change. The stream
// reconnects until ctx ends or the returned cancel is called.
func (c *Client) Subscribe(ctx context.Context, path string, fn func(any)) (func(), error) {
	if err := docpath.Validate(path); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)

	var once sync.Once
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.streamLoop(ctx, path, fn)
	}()

	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (c *Client) streamLoop(ctx context.Context, path string, fn func(any)) {
	delay := minReconnectDelay
	for {
		connected, err := c.stream(ctx, path, fn)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errStreamCancelled) {
			c.logger.Warn("rtdb: subscription cancelled by server", zap.String("path", path))
			return
		}
		if connected {
			delay = minReconnectDelay
		}
		c.logger.Warn("rtdb: stream interrupted, reconnecting",
			zap.String("path", path),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// stream runs one connection. connected reports whether the server accepted
// the subscription before it ended.
func (c *Client) stream(ctx context.Context, path string, fn func(any)) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.nodeURL(path), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, &statusError{status: resp.StatusCode, body: string(body)}
	}
	c.logger.Debug("rtdb: stream connected", zap.String("path", path))

	var tree any
	err = readEvents(resp.Body, func(ev streamEvent) error {
		switch ev.name {
		case "put", "patch":
			var p streamPayload
			if err := json.Unmarshal([]byte(ev.data), &p); err != nil {
				return fmt.Errorf("decoding %s event: %w", ev.name, err)
			}
			tree = applyEvent(tree, ev.name, p)
			fn(docpath.Clone(tree))
		case "cancel":
			return errStreamCancelled
		case "auth_revoked":
			return errors.New("auth revoked")
		}
		return nil
	})
	return true, err
}

func applyEvent(tree any, name string, p streamPayload) any {
	segs := docpath.Split(p.Path)
	if name == "put" {
		return docpath.Put(tree, segs, p.Data)
	}
	fields, ok := p.Data.(map[string]any)
	if !ok {
		return tree
	}
	for k, v := range fields {
		tree = docpath.Put(tree, append(append([]string(nil), segs...), docpath.Split(k)...), v)
	}
	return tree
}

// readEvents parses a text/event-stream body and hands every complete event
// to fn. A body that ends without error still ends the stream.
func readEvents(r io.Reader, fn func(streamEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var ev streamEvent
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if ev.name != "" || len(data) > 0 {
				ev.data = strings.Join(data, "\n")
				if err := fn(ev); err != nil {
					return err
				}
			}
			ev, data = streamEvent{}, nil
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return errors.New("stream closed")
}
