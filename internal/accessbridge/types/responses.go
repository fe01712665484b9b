package types

type WebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	EventID string `json:"eventId,omitempty"`
}

type FetchResponse struct {
	Success bool   `json:"success"`
	Fetched int    `json:"fetched"`
	Stored  int    `json:"stored"`
	Message string `json:"message,omitempty"`
}

type ProcessResponse struct {
	Success        bool   `json:"success"`
	TotalEvents    int    `json:"totalEvents"`
	ProcessedCount int    `json:"processedCount"`
	FailedCount    int    `json:"failedCount,omitempty"`
	Message        string `json:"message,omitempty"`
}
