package provider

import "github.com/google/uuid"

// PendingCalls tracks ToolCall events by their provider-native call id so
// adapters can resolve a later ToolResult's tool_call_id in O(1), per spec
// §4.2/§4.5. It is not safe for concurrent use; each NormalizeFile stream
// owns its own instance.
type PendingCalls struct {
	byProviderID map[string]uuid.UUID
}

// NewPendingCalls returns an empty tracker.
func NewPendingCalls() *PendingCalls {
	return &PendingCalls{byProviderID: make(map[string]uuid.UUID)}
}

// Record associates a provider-native call id with the normalized event id
// of its ToolCall.
func (p *PendingCalls) Record(providerCallID string, eventID uuid.UUID) {
	if providerCallID == "" {
		return
	}
	p.byProviderID[providerCallID] = eventID
}

// Resolve returns the normalized ToolCall event id for a provider-native
// call id, and whether it was found. Callers that find no match must treat
// the result as orphaned (spec §3, §7 kind 3) rather than dropping it.
func (p *PendingCalls) Resolve(providerCallID string) (uuid.UUID, bool) {
	id, ok := p.byProviderID[providerCallID]
	return id, ok
}

// Forget removes a resolved id so it cannot be matched twice.
func (p *PendingCalls) Forget(providerCallID string) {
	delete(p.byProviderID, providerCallID)
}
