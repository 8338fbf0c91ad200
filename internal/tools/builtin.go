package tools

import "github.com/kestrelhq/butler/pkg/models"

// Builtin tool definitions for the standard capability surface. Each
// sub-agent personality's allowed tool set draws from these names.
// The provider for each group is supplied at startup.

// SchedulerTools returns the calendar tool registrations.
func SchedulerTools(p Provider) []Registration {
	return []Registration{
		{
			Name:        "list_events",
			Tier:        models.TierRead,
			Description: "List calendar events in a date range.",
			Properties: map[string]any{
				"from": map[string]any{"type": "string", "description": "Start of the range (RFC 3339)"},
				"to":   map[string]any{"type": "string", "description": "End of the range (RFC 3339)"},
			},
			Required: []string{"from", "to"},
			Provider: p,
		},
		{
			Name:        "create_event",
			Tier:        models.TierWrite,
			Description: "Create a calendar event.",
			Properties: map[string]any{
				"title":     map[string]any{"type": "string", "description": "Event title"},
				"start":     map[string]any{"type": "string", "description": "Start time (RFC 3339)"},
				"end":       map[string]any{"type": "string", "description": "End time (RFC 3339)"},
				"attendees": map[string]any{"type": "array", "description": "Attendee names or addresses"},
			},
			Required: []string{"title", "start", "end"},
			Provider: p,
		},
		{
			Name:        "move_event",
			Tier:        models.TierWrite,
			Description: "Move an existing calendar event to a new time.",
			Properties: map[string]any{
				"event_id": map[string]any{"type": "string", "description": "ID of the event to move"},
				"start":    map[string]any{"type": "string", "description": "New start time (RFC 3339)"},
			},
			Required: []string{"event_id", "start"},
			Provider: p,
		},
	}
}

// CommunicatorTools returns the messaging tool registrations.
func CommunicatorTools(p Provider) []Registration {
	return []Registration{
		{
			Name:        "send_message",
			Tier:        models.TierWrite,
			Description: "Send a chat message to a contact.",
			Properties: map[string]any{
				"to":   map[string]any{"type": "string", "description": "Recipient contact"},
				"body": map[string]any{"type": "string", "description": "Message body"},
			},
			Required: []string{"to", "body"},
			Provider: p,
		},
		{
			Name:        "send_email",
			Tier:        models.TierWrite,
			Description: "Send an email on the user's behalf.",
			Properties: map[string]any{
				"to":      map[string]any{"type": "string", "description": "Recipient address"},
				"subject": map[string]any{"type": "string", "description": "Subject line"},
				"body":    map[string]any{"type": "string", "description": "Email body"},
			},
			Required: []string{"to", "subject", "body"},
			Provider: p,
		},
		{
			Name:        "list_contacts",
			Tier:        models.TierRead,
			Description: "Look up contacts by name.",
			Properties: map[string]any{
				"query": map[string]any{"type": "string", "description": "Name or partial name"},
			},
			Required: []string{"query"},
			Provider: p,
		},
	}
}

// NavigatorTools returns the record-store tool registrations.
func NavigatorTools(p Provider) []Registration {
	return []Registration{
		{
			Name:        "search_records",
			Tier:        models.TierRead,
			Description: "Search the user's projects, areas, and notes.",
			Properties: map[string]any{
				"query": map[string]any{"type": "string", "description": "Search query"},
			},
			Required: []string{"query"},
			Provider: p,
		},
		{
			Name:        "file_note",
			Tier:        models.TierWrite,
			Description: "File a note under a project or area.",
			Properties: map[string]any{
				"target": map[string]any{"type": "string", "description": "Project or area name"},
				"body":   map[string]any{"type": "string", "description": "Note contents"},
			},
			Required: []string{"target", "body"},
			Provider: p,
		},
		{
			Name:        "archive_area",
			Tier:        models.TierDestructive,
			Description: "Archive a project or area and all of its notes.",
			Properties: map[string]any{
				"name": map[string]any{"type": "string", "description": "Project or area to archive"},
			},
			Required: []string{"name"},
			Provider: p,
		},
	}
}

// ResearcherTools returns the search tool registrations.
func ResearcherTools(p Provider) []Registration {
	return []Registration{
		{
			Name:        "web_search",
			Tier:        models.TierRead,
			Description: "Search the web and return result snippets.",
			Properties: map[string]any{
				"query": map[string]any{"type": "string", "description": "Search query"},
			},
			Required: []string{"query"},
			Provider: p,
		},
		{
			Name:        "fetch_page",
			Tier:        models.TierRead,
			Description: "Fetch a web page and return its readable text.",
			Properties: map[string]any{
				"url": map[string]any{"type": "string", "description": "Page URL"},
			},
			Required: []string{"url"},
			Provider: p,
		},
	}
}

// RegisterAll registers every registration list, stopping on the first error.
func RegisterAll(r *Registry, groups ...[]Registration) error {
	for _, group := range groups {
		for _, reg := range group {
			if err := r.Register(reg); err != nil {
				return err
			}
		}
	}
	return nil
}
