package endpoint

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"
)

// SSEvent is one server-sent event. Empty ID and Type are omitted.
type SSEvent struct {
	ID   string
	Type string
	Data string
}

// JSONEvent builds an event whose data is v encoded as JSON.
func JSONEvent(typ string, v any) (SSEvent, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return SSEvent{}, err
	}
	return SSEvent{Type: typ, Data: string(b)}, nil
}

func (e SSEvent) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	if e.ID != "" {
		sb.WriteString("id: " + e.ID + "\n")
	}
	if e.Type != "" {
		sb.WriteString("event: " + e.Type + "\n")
	}
	sb.WriteString("data: ")
	sb.WriteString(strings.ReplaceAll(e.Data, "\n", "\ndata: "))
	sb.WriteString("\n\n")
	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

// SSERenderer streams Events until the sequence ends or the client goes
// away. With a Heartbeat, a comment line is sent whenever the stream has
// been quiet that long, which keeps proxies from closing it.
type SSERenderer struct {
	Events    iter.Seq[SSEvent]
	Heartbeat time.Duration
}

func (sr *SSERenderer) Render(w http.ResponseWriter, r *http.Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("sse: ResponseWriter does not implement http.Flusher")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	ch := make(chan SSEvent, 1)
	go func() {
		defer close(ch)
		for ev := range sr.Events {
			select {
			case <-ctx.Done():
				return
			case ch <- ev:
			}
		}
	}()

	var beat <-chan time.Time
	if sr.Heartbeat > 0 {
		t := time.NewTicker(sr.Heartbeat)
		defer t.Stop()
		beat = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-beat:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if _, err := ev.WriteTo(w); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}
