package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/relay"
)

// streamKeepAlive is how often an SSE comment is sent to hold idle
// connections open through proxies.
const streamKeepAlive = 25 * time.Second

// Stream serves monitor_update events over SSE. The observer joins
// exactly the room of its authenticated user; room names are never
// client-controlled.
func Stream(hub *relay.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		ch, leave := hub.Subscribe(userID(r))
		defer leave()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		keepAlive := time.NewTicker(streamKeepAlive)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case data, open := <-ch:
				if !open {
					return
				}
				fmt.Fprintf(w, "event: monitor_update\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
