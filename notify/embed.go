package notify

import "time"

// Discord-style webhook payload

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Timestamp   string       `json:"timestamp"`
	Footer      embedFooter  `json:"footer"`
	Fields      []embedField `json:"fields,omitempty"`
}

// WebhookPayload is the JSON body posted to the webhook
type WebhookPayload struct {
	Username string  `json:"username,omitempty"`
	Embeds   []embed `json:"embeds"`
}

// maxFieldValue is Discord's limit for an embed field value
const maxFieldValue = 1024

// BuildPayload renders e as a webhook payload
func BuildPayload(e Event, appName, username string) WebhookPayload {
	em := embed{
		Title:       e.Title,
		Description: e.Message,
		Color:       e.Color,
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339),
		Footer:      embedFooter{Text: appName},
	}
	if e.Details != "" {
		name := "Detalles Adicionales"
		if e.Category == CategoryError {
			name = "Detalles del Error"
		}
		value := e.Details
		if r := []rune(value); len(r) > maxFieldValue {
			value = string(r[:maxFieldValue-3]) + "..."
		}
		em.Fields = append(em.Fields, embedField{Name: name, Value: value})
	}
	return WebhookPayload{Username: username, Embeds: []embed{em}}
}
