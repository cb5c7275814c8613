package webhook

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/go-playground/webhooks/v6/github"

	"gitagent/pkg/action"
)

const (
	eventHeader    = "X-GitHub-Event"
	deliveryHeader = "X-GitHub-Delivery"
	requestHeader  = "X-Request-Id"
)

func requestID(r *http.Request) string {
	if id := r.Header.Get(deliveryHeader); id != "" {
		return id
	}
	if id := r.Header.Get(requestHeader); id != "" {
		return id
	}
	return watermill.NewUUID()
}

// newTrigger describes the event for the action. Push fields are read on a
// best-effort basis since only the presence of "ref" is guaranteed.
func newTrigger(id string, r *http.Request, body []byte, payload map[string]interface{}) action.Trigger {
	trigger := action.Trigger{
		RequestID:  id,
		DeliveryID: r.Header.Get(deliveryHeader),
		Event:      r.Header.Get(eventHeader),
	}

	var push github.PushPayload
	if err := json.Unmarshal(body, &push); err == nil {
		trigger.Ref = push.Ref
		trigger.After = push.After
		trigger.Repository = push.Repository.FullName
		trigger.Pusher = push.Pusher.Name
		return trigger
	}
	if ref, ok := payload["ref"].(string); ok {
		trigger.Ref = ref
	}
	return trigger
}

func logDebugEvent(logger *log.Logger, event string, body []byte) {
	switch github.Event(event) {
	case github.PingEvent:
		var ping github.PingPayload
		if err := json.Unmarshal(body, &ping); err == nil {
			logger.Printf("debug event=ping hook_id=%v events=%v", ping.HookID, ping.Hook.Events)
			return
		}
	case github.PushEvent:
		var push github.PushPayload
		if err := json.Unmarshal(body, &push); err == nil {
			logger.Printf("debug event=push ref=%s before=%s after=%s commits=%d", push.Ref, push.Before, push.After, len(push.Commits))
			return
		}
	}
	logger.Printf("debug event=%s body=%s", event, body)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
}
