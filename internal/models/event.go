package models

// EntityEventRequest is the body of POST /events. The event is routed to
// every active workflow of the tenant whose trigger matches.
type EntityEventRequest struct {
	Entity   string                 `json:"entity" validate:"required"`
	Event    string                 `json:"event" validate:"required"`
	TenantID string                 `json:"tenant_id" validate:"required"`
	UserID   string                 `json:"user_id,omitempty"`
	Data     map[string]interface{} `json:"data"`
}

// EntityEventResponse acknowledges an accepted event
type EntityEventResponse struct {
	Accepted bool   `json:"accepted"`
	Entity   string `json:"entity"`
	Event    string `json:"event"`
}
