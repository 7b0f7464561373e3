package tools

import (
	"log/slog"

	"github.com/harborcrm/harbor-agent/internal/email"
	"github.com/harborcrm/harbor-agent/internal/messaging"
	"github.com/harborcrm/harbor-agent/internal/store"
)

// Deps are the collaborators tool handlers act through.
type Deps struct {
	Store     *store.Store
	Messenger *messaging.Sender
	Email     *email.Service
	Logger    *slog.Logger
}

// NewInteractiveRegistry builds the tool set offered to the
// interactive assistant. It is the only registry that carries
// destructive operations and client navigation.
func NewInteractiveRegistry(d Deps) *Registry {
	r := newRegistry(d.Logger)
	r.store = d.Store
	r.messenger = d.Messenger
	r.email = d.Email
	r.registerShared()

	r.register(&Tool{
		Name:        "delete_record",
		Description: "Permanently delete one record by id. Ask the user for confirmation before using this.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"table": map[string]any{"type": "string", "description": "The table holding the record"},
				"id":    map[string]any{"type": "string", "description": "The record id"},
			},
			"required": []string{"table", "id"},
		},
		Handler: r.handleDeleteRecord,
	})

	r.register(&Tool{
		Name:        "navigate_to",
		Description: "Navigate the user's screen to an app path, e.g. /orders or /contacts/123. Use after completing an action the user will want to see.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "The in-app path to open"},
			},
			"required": []string{"path"},
		},
		Handler: r.handleNavigateTo,
	})

	return r
}

// NewAutopilotRegistry builds the tool set for unattended runs. It
// adds messaging/email read tools and dashboard aggregation, and
// deliberately omits delete_record: unattended runs never delete.
func NewAutopilotRegistry(d Deps) *Registry {
	r := newRegistry(d.Logger)
	r.store = d.Store
	r.messenger = d.Messenger
	r.email = d.Email
	r.registerShared()

	r.register(&Tool{
		Name:        "list_emails",
		Description: "List email records, most recent first. Set unread_only to focus on inbound mail awaiting a reply.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"unread_only": map[string]any{"type": "boolean", "description": "Only unread inbound emails"},
				"limit":       map[string]any{"type": "integer", "description": "Maximum records to return"},
			},
		},
		Handler: r.handleListEmails,
	})

	r.register(&Tool{
		Name:        "list_messages",
		Description: "List the messages in one conversation in chronological order.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"conversation_id": map[string]any{"type": "string", "description": "The conversation id"},
				"limit":           map[string]any{"type": "integer", "description": "Maximum records to return"},
			},
			"required": []string{"conversation_id"},
		},
		Handler: r.handleListMessages,
	})

	r.register(&Tool{
		Name:        "get_dashboard_stats",
		Description: "Get record counts across the CRM plus total paid revenue. Takes no parameters.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleDashboardStats,
	})

	return r
}

func (r *Registry) registerShared() {
	filterSchema := map[string]any{
		"type": "array",
		"items": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"column": map[string]any{"type": "string"},
				"op": map[string]any{
					"type": "string",
					"enum": []string{"eq", "neq", "gt", "gte", "lt", "lte", "like", "ilike", "is_null", "not_null", "in"},
				},
				"value": map[string]any{"description": "Comparison value; a list for the in operator"},
			},
			"required": []string{"column"},
		},
	}

	r.register(&Tool{
		Name:        "list_records",
		Description: "List records from a CRM table with optional filters, ordering and limit. Defaults to most recent first.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"table":   map[string]any{"type": "string", "description": "Table name, e.g. orders, contacts, deals"},
				"filters": filterSchema,
				"order": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"column":    map[string]any{"type": "string"},
						"ascending": map[string]any{"type": "boolean"},
					},
				},
				"limit": map[string]any{"type": "integer", "description": "Maximum records to return"},
			},
			"required": []string{"table"},
		},
		Handler: r.handleListRecords,
	})

	r.register(&Tool{
		Name:        "get_record",
		Description: "Get one record by id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"table": map[string]any{"type": "string"},
				"id":    map[string]any{"type": "string"},
			},
			"required": []string{"table", "id"},
		},
		Handler: r.handleGetRecord,
	})

	r.register(&Tool{
		Name:        "search_records",
		Description: "Case-insensitive substring search over one column of a table (defaults to name).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"table":  map[string]any{"type": "string"},
				"query":  map[string]any{"type": "string", "description": "Text to search for"},
				"column": map[string]any{"type": "string", "description": "Column to search (default name)"},
				"limit":  map[string]any{"type": "integer"},
			},
			"required": []string{"table", "query"},
		},
		Handler: r.handleSearchRecords,
	})

	r.register(&Tool{
		Name:        "create_record",
		Description: "Create a record. The org is set automatically; do not supply org_id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"table":  map[string]any{"type": "string"},
				"values": map[string]any{"type": "object", "description": "Column values for the new record"},
			},
			"required": []string{"table", "values"},
		},
		Handler: r.handleCreateRecord,
	})

	r.register(&Tool{
		Name:        "update_record",
		Description: "Update fields on one record by id. Only include the fields to change.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"table":  map[string]any{"type": "string"},
				"id":     map[string]any{"type": "string"},
				"values": map[string]any{"type": "object", "description": "Fields to change"},
			},
			"required": []string{"table", "id", "values"},
		},
		Handler: r.handleUpdateRecord,
	})

	r.register(&Tool{
		Name:        "send_chat_message",
		Description: "Send a plain-text message into a customer conversation. Optionally attach product cards by id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"conversation_id": map[string]any{"type": "string"},
				"message":         map[string]any{"type": "string", "description": "Plain text; markdown is stripped"},
				"product_ids": map[string]any{
					"type": "array", "items": map[string]any{"type": "string"},
					"description": "Products to attach as cards",
				},
			},
			"required": []string{"conversation_id", "message"},
		},
		Handler: r.handleSendChatMessage,
	})

	r.register(&Tool{
		Name:        "send_email",
		Description: "Send a new email from the org's configured account. Body is markdown. Optionally include a product showcase by id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"cc":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"bcc":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"subject": map[string]any{"type": "string"},
				"body":    map[string]any{"type": "string", "description": "Email body in markdown"},
				"product_ids": map[string]any{
					"type": "array", "items": map[string]any{"type": "string"},
				},
			},
			"required": []string{"to", "subject", "body"},
		},
		Handler: r.handleSendEmail,
	})

	r.register(&Tool{
		Name:        "reply_email",
		Description: "Reply to an existing email. Recipients and subject threading are derived from the original.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"email_id": map[string]any{"type": "string", "description": "The email record to reply to"},
				"body":     map[string]any{"type": "string", "description": "Reply body in markdown"},
				"product_ids": map[string]any{
					"type": "array", "items": map[string]any{"type": "string"},
				},
			},
			"required": []string{"email_id", "body"},
		},
		Handler: r.handleReplyEmail,
	})
}
