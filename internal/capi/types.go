package capi

// ActionSource is the action_source value for in-store purchases.
const ActionSource = "physical_store"

// Event is one conversion event in Conversions API wire format.
type Event struct {
	EventName    string     `json:"event_name"`
	EventTime    int64      `json:"event_time"`
	UserData     UserData   `json:"user_data"`
	CustomData   CustomData `json:"custom_data"`
	ActionSource string     `json:"action_source"`
	EventID      *string    `json:"event_id"`
}

// UserData carries the hashed customer identifiers. At least one is set.
type UserData struct {
	Email string `json:"em,omitempty"`
	Phone string `json:"ph,omitempty"`
}

// CustomData carries the purchase details.
type CustomData struct {
	Value           float64  `json:"value"`
	Currency        string   `json:"currency"`
	OrderID         *string  `json:"order_id"`
	ContentIDs      []string `json:"content_ids"`
	ContentType     string   `json:"content_type"`
	ContentCategory *string  `json:"content_category"`
}

// Batch is an ordered group of events sent in one request.
type Batch []Event

// eventsRequest is the POST body for /{dataset_id}/events.
type eventsRequest struct {
	Data      Batch  `json:"data"`
	UploadTag string `json:"upload_tag,omitempty"`
}
