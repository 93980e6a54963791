package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestSessionStreamEmitsDerivedTimelineEvents(testContext *testing.T) {
	env := newTestEnv(testContext)
	env.seedRoom(testContext, "room-1", "game-1", "owner-a")
	token := env.token(testContext, "owner-a")

	_, staged := env.postJSON(testContext, token, "/match/stage", stageBody(100, "owner-c"))
	sessionID, _ := staged["session_id"].(string)
	if sessionID == "" {
		testContext.Fatalf("expected a session id, got %v", staged)
	}

	streamURL := env.server.URL + "/session/stream?session_id=" + sessionID + "&access_token=" + token
	streamRequest, err := http.NewRequest(http.MethodGet, streamURL, http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to construct stream request: %v", err)
	}
	streamResponse, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		testContext.Fatalf("failed to open stream: %v", err)
	}
	testContext.Cleanup(func() {
		_ = streamResponse.Body.Close()
	})
	if streamResponse.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected stream status: %d", streamResponse.StatusCode)
	}

	streamReader := bufio.NewReader(streamResponse.Body)

	metaBody := fmt.Sprintf(`{
		"session_id": %q,
		"turn_state_event": {"turn_number": 2, "source": "client", "extras": {"drop_in_bonus_applied": true, "bonus_s": 30}}
	}`, sessionID)
	response, payload := env.postJSON(testContext, token, "/session/meta", metaBody)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("session meta failed: %d %v", response.StatusCode, payload)
	}

	type eventPayload struct {
		SessionID string `json:"session_id"`
		Events    []struct {
			Type string `json:"type"`
		} `json:"events"`
	}

	currentEventType := ""
	deadline := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			testContext.Fatal("timed out waiting for stream event")
		case result := <-resultCh:
			if result.err != nil {
				testContext.Fatalf("failed to read stream: %v", result.err)
			}
			line := strings.TrimSpace(result.line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			if currentEventType != RealtimeEventTimeline {
				continue
			}
			dataJSON := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var decoded eventPayload
			if err := json.Unmarshal([]byte(dataJSON), &decoded); err != nil {
				testContext.Fatalf("failed to decode event payload: %v", err)
			}
			if decoded.SessionID != sessionID {
				testContext.Fatalf("unexpected session in stream: %s", decoded.SessionID)
			}
			if len(decoded.Events) == 0 || decoded.Events[0].Type != "turn_timer_extended" {
				testContext.Fatalf("unexpected stream events: %#v", decoded.Events)
			}
			return
		}
	}
}
