package agent

import (
	"encoding/json"

	"github.com/taxdesk/taxdesk/pkg/providers"
	"github.com/taxdesk/taxdesk/pkg/store"
)

// TurnContext is the conversation memory carried across turns inside the
// session record. It holds the transcript of prior turns; tool-call chatter
// inside a turn is collapsed before saving so the blob stays bounded.
type TurnContext struct {
	Messages   []providers.Message `json:"messages"`
	LastTurnID string              `json:"last_turn_id,omitempty"`
}

func loadContext(sess *store.ConversationSession) *TurnContext {
	tc := &TurnContext{}
	if len(sess.Context) == 0 {
		return tc
	}
	if err := json.Unmarshal(sess.Context, tc); err != nil {
		// A corrupt blob should not wedge the customer forever; start fresh.
		return &TurnContext{}
	}
	return tc
}

func (tc *TurnContext) save(sess *store.ConversationSession) error {
	data, err := json.Marshal(tc)
	if err != nil {
		return err
	}
	sess.Context = data
	return nil
}

// appendTurn records one completed exchange and trims the transcript to the
// last maxTurns user/assistant pairs.
func (tc *TurnContext) appendTurn(turnID, userContent, assistantContent string, maxTurns int) {
	tc.Messages = append(tc.Messages,
		providers.Message{Role: "user", Content: userContent},
		providers.Message{Role: "assistant", Content: assistantContent},
	)
	tc.LastTurnID = turnID

	if maxTurns > 0 && len(tc.Messages) > maxTurns*2 {
		tc.Messages = tc.Messages[len(tc.Messages)-maxTurns*2:]
	}
}
