package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/splax/autodeploy/internal/domain"
	"github.com/splax/autodeploy/internal/service/deploy"
	"github.com/splax/autodeploy/internal/ws"
)

const (
	statePipelineLimit = 20
	stateLogLimit      = 50
)

// handleWS upgrades the connection and registers it as an observer.
func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	handle := r.hub.SubscribeWith(client, func(h ws.Handle) domain.Envelope {
		return r.connectedEnvelope(req.Context(), h)
	})
	go func() {
		defer r.hub.Unsubscribe(handle)
		if err := client.ReadLoop(func(msg []byte) { r.handleObserverMessage(handle, msg) }); err != nil {
			r.logger.Debug("observer disconnected", "observer", handle, "error", err)
		}
	}()
}

// handleEvents streams the same envelopes as /ws over Server-Sent Events.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	handle := r.hub.SubscribeWith(client, func(h ws.Handle) domain.Envelope {
		return r.connectedEnvelope(req.Context(), h)
	})
	defer r.hub.Unsubscribe(handle)

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

type observerMessage struct {
	Type string `json:"type"`
}

// handleObserverMessage answers ping and refresh requests from one observer.
func (r *Router) handleObserverMessage(handle ws.Handle, raw []byte) {
	var msg observerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.hub.SendTo(handle, domain.NewEnvelope(domain.EventError, map[string]string{"message": "invalid JSON"}))
		return
	}
	switch strings.ToLower(strings.TrimSpace(msg.Type)) {
	case "ping":
		r.hub.SendTo(handle, domain.NewEnvelope(domain.EventPong, map[string]any{}))
	case "refresh":
		r.hub.SendTo(handle, domain.NewEnvelope(domain.EventStateUpdate, r.stateView(context.Background())))
	default:
		r.hub.SendTo(handle, domain.NewEnvelope(domain.EventError, map[string]string{"message": "unknown message type: " + msg.Type}))
	}
}

func (r *Router) connectedEnvelope(ctx context.Context, handle ws.Handle) domain.Envelope {
	return domain.NewEnvelope(domain.EventConnected, map[string]any{
		"observerId": handle,
		"message":    "Connected to autodeploy",
		"strategy":   r.deploy.StrategyName(),
		"state":      r.stateView(ctx),
	})
}

// stateView is the snapshot sent on connect and refresh.
func (r *Router) stateView(ctx context.Context) map[string]any {
	pipelines := r.pipelines.List(ctx, statePipelineLimit)
	logs := []domain.LogEntry{}
	if len(pipelines) > 0 {
		logs = pipelines[0].Logs
		if len(logs) > stateLogLimit {
			logs = logs[len(logs)-stateLogLimit:]
		}
	}
	return map[string]any{
		"pipelines":  pipelines,
		"kubernetes": r.deploy.ClusterState(deploy.Target{}),
		"logs":       logs,
		"stats":      r.pipelines.Stats(ctx),
	}
}
