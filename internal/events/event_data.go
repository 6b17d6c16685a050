package events

import (
	"encoding/json"
	"time"
)

// EventType names a sync progress event
type EventType string

const (
	RunStarted      EventType = "RUN_STARTED"
	AccountStarted  EventType = "ACCOUNT_STARTED"
	PageFetched     EventType = "PAGE_FETCHED"
	PageFailed      EventType = "PAGE_FAILED"
	AccountFinished EventType = "ACCOUNT_FINISHED"
	AccountFailed   EventType = "ACCOUNT_FAILED"
	RunFinished     EventType = "RUN_FINISHED"
)

// AllTypes lists every event type the sync engine emits
var AllTypes = []EventType{
	RunStarted,
	AccountStarted,
	PageFetched,
	PageFailed,
	AccountFinished,
	AccountFailed,
	RunFinished,
}

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// RunStartedData contains data for RunStarted events
type RunStartedData struct {
	RunID     string `json:"run_id"`
	Accounts  int    `json:"accounts"`
	Platforms int    `json:"platforms"`
}

// EventType returns the event type for RunStartedData
func (d *RunStartedData) EventType() EventType {
	return RunStarted
}

// AccountStartedData contains data for AccountStarted events
type AccountStartedData struct {
	Platform  string `json:"platform"`
	Account   string `json:"account"`
	StartPage int    `json:"start_page"`
}

// EventType returns the event type for AccountStartedData
func (d *AccountStartedData) EventType() EventType {
	return AccountStarted
}

// PageFetchedData contains data for PageFetched events
type PageFetchedData struct {
	Platform string `json:"platform"`
	Account  string `json:"account"`
	Page     int    `json:"page"`
	Records  int    `json:"records"`
}

// EventType returns the event type for PageFetchedData
func (d *PageFetchedData) EventType() EventType {
	return PageFetched
}

// PageFailedData contains data for PageFailed events
type PageFailedData struct {
	Platform string `json:"platform"`
	Account  string `json:"account"`
	Page     int    `json:"page"`
	Attempt  int    `json:"attempt"`
	Error    string `json:"error"`
}

// EventType returns the event type for PageFailedData
func (d *PageFailedData) EventType() EventType {
	return PageFailed
}

// AccountFinishedData contains data for AccountFinished and AccountFailed events.
// Op and Error are set only when the account failed.
type AccountFinishedData struct {
	Platform string   `json:"platform"`
	Account  string   `json:"account"`
	Records  int      `json:"records"`
	Pages    int      `json:"pages"`
	Balance  *float64 `json:"balance,omitempty"`
	Op       string   `json:"op,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// EventType returns AccountFailed when an error is attached
func (d *AccountFinishedData) EventType() EventType {
	if d.Error != "" {
		return AccountFailed
	}
	return AccountFinished
}

// RunFinishedData contains data for RunFinished events
type RunFinishedData struct {
	RunID    string  `json:"run_id"`
	Records  int     `json:"records"`
	Errors   int     `json:"errors"`
	Duration float64 `json:"duration"`
	Canceled bool    `json:"canceled,omitempty"`
}

// EventType returns the event type for RunFinishedData
func (d *RunFinishedData) EventType() EventType {
	return RunFinished
}

// Event is one emitted progress event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// UnmarshalJSON restores typed data based on the event type
func (e *Event) UnmarshalJSON(data []byte) error {
	type Alias Event
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if len(aux.Data) == 0 || string(aux.Data) == "null" {
		e.Data = nil
		return nil
	}

	var eventData EventData
	switch aux.Type {
	case RunStarted:
		eventData = &RunStartedData{}
	case AccountStarted:
		eventData = &AccountStartedData{}
	case PageFetched:
		eventData = &PageFetchedData{}
	case PageFailed:
		eventData = &PageFailedData{}
	case AccountFinished, AccountFailed:
		eventData = &AccountFinishedData{}
	case RunFinished:
		eventData = &RunFinishedData{}
	default:
		// For unknown types, use raw map
		generic := &GenericEventData{Type: aux.Type}
		if err := json.Unmarshal(aux.Data, &generic.Data); err != nil {
			return err
		}
		e.Data = generic
		return nil
	}

	if err := json.Unmarshal(aux.Data, eventData); err != nil {
		return err
	}
	e.Data = eventData
	return nil
}

// GenericEventData is a fallback for events that don't have a specific type
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData
func (d *GenericEventData) EventType() EventType {
	return d.Type
}

// MarshalJSON customizes JSON serialization for GenericEventData
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}
