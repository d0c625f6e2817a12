package runtime

import "github.com/google/uuid"

// newRunID returns a globally unique run identifier. Run identifiers appear in
// client event ids (agent_id, message_id, tool_call_id) so they must not
// contain underscores.
func newRunID() string {
	return uuid.NewString()
}
