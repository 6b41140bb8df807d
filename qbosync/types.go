package qbosync

import (
	"encoding/json"
	"strconv"
	"strings"
)

// JobRequest is the payload POSTed to the workflow engine for one review.
type JobRequest struct {
	RunId         string `json:"run_id"`
	FirmId        string `json:"firm_id"`
	ClientId      uint   `json:"client_id"`
	ClientName    string `json:"client_name"`
	RealmId       string `json:"realm_id"`
	RunType       string `json:"run_type"`
	DropboxFolder string `json:"dropbox_folder,omitempty"`
	CallbackUrl   string `json:"callback_url"`
}

// CallbackPayload is the canonical form of the engine's completion message.
// The engine has shipped several key spellings over time; Normalize folds
// them all into this struct.
type CallbackPayload struct {
	RunId            string
	Success          bool
	SheetUrl         string
	ActionItemsCount *int
	ErrorMessage     string
}

type rawCallback struct {
	RunId             string          `json:"run_id"`
	ReviewId          string          `json:"review_id"`
	Status            string          `json:"status"`
	Success           *bool           `json:"success"`
	SheetUrl          string          `json:"sheet_url"`
	GoogleSheetUrl    string          `json:"google_sheet_url"`
	ActionItemsCount  json.RawMessage `json:"action_items_count"`
	UnreconciledCount json.RawMessage `json:"unreconciled_count"`
	Error             string          `json:"error"`
	ErrorMessage      string          `json:"error_message"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// parseCount accepts a JSON number, a numeric string, or null.
func parseCount(raw json.RawMessage) *int {
	if len(raw) == 0 {
		return nil
	}
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}

// NormalizeCallback parses an engine callback body into its canonical form.
func NormalizeCallback(body []byte) (CallbackPayload, error) {
	var raw rawCallback
	if err := json.Unmarshal(body, &raw); err != nil {
		return CallbackPayload{}, err
	}

	payload := CallbackPayload{
		RunId:        firstNonEmpty(raw.RunId, raw.ReviewId),
		SheetUrl:     firstNonEmpty(raw.SheetUrl, raw.GoogleSheetUrl),
		ErrorMessage: firstNonEmpty(raw.ErrorMessage, raw.Error),
	}

	count := parseCount(raw.ActionItemsCount)
	if count == nil {
		count = parseCount(raw.UnreconciledCount)
	}
	payload.ActionItemsCount = count

	switch {
	case raw.Success != nil:
		payload.Success = *raw.Success
	case raw.Status != "":
		s := strings.ToLower(strings.TrimSpace(raw.Status))
		payload.Success = s == "completed" || s == "success" || s == "ok" || s == "done"
	default:
		// No explicit verdict: an error message means failure.
		payload.Success = payload.ErrorMessage == ""
	}
	return payload, nil
}

// NormalizeCallbackQuery builds the canonical payload from GET query values.
func NormalizeCallbackQuery(get func(string) string) CallbackPayload {
	payload := CallbackPayload{
		RunId:        firstNonEmpty(get("run_id"), get("review_id")),
		SheetUrl:     firstNonEmpty(get("sheet_url"), get("google_sheet_url")),
		ErrorMessage: firstNonEmpty(get("error_message"), get("error")),
	}

	for _, key := range []string{"action_items_count", "unreconciled_count"} {
		if v := strings.TrimSpace(get(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				payload.ActionItemsCount = &n
				break
			}
		}
	}

	status := strings.ToLower(strings.TrimSpace(get("status")))
	switch {
	case status != "":
		payload.Success = status == "completed" || status == "success" || status == "ok" || status == "done"
	default:
		payload.Success = payload.ErrorMessage == ""
	}
	return payload
}

// TriggerPubSubPayload fans a scheduled trigger out through Pub/Sub.
type TriggerPubSubPayload struct {
	FirmId   string `json:"firm_id"`
	ClientId uint   `json:"client_id"`
	RunType  string `json:"run_type"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageId string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}
