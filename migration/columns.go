package migration

import (
	"encoding/json"
	"strconv"
	"time"
)

// This file is the fixed column-translation table between the two legacy
// schemas and the unified one. Each legacy source row (keyed by the
// legacy camelCase column name) is translated into a target row (keyed by
// the unified snake_case column name) by one function per table, never by
// a runtime field-name transform.

// conversationDefaults fills the settings JSON object's fields the legacy
// row store never had.
var conversationDefaults = map[string]interface{}{
	"temperature":       0.7,
	"context_length":    4000,
	"max_tokens":        2000,
	"provider_id":       "openai",
	"model_id":          "gpt-4",
	"enabled_mcp_tools": []string{},
}

// translateConversation maps one legacy conversations row (camelCase
// source columns) onto the unified conversations row (snake_case target
// columns), folding the legacy schema's flattened settings columns into a
// single settings JSON blob.
func translateConversation(src Row) (Row, error) {
	settings := map[string]interface{}{}
	for k, v := range conversationDefaults {
		settings[k] = v
	}
	if v, ok := src["temperature"]; ok && v != nil {
		settings["temperature"] = v
	}
	if v, ok := src["contextLength"]; ok && v != nil {
		settings["context_length"] = v
	}
	if v, ok := src["maxTokens"]; ok && v != nil {
		settings["max_tokens"] = v
	}
	if v, ok := src["providerId"]; ok && v != nil {
		settings["provider_id"] = v
	}
	if v, ok := src["modelId"]; ok && v != nil {
		settings["model_id"] = v
	}
	if v, ok := src["enabledMcpTools"]; ok && v != nil {
		settings["enabled_mcp_tools"] = v
	}
	if v, ok := src["systemPrompt"]; ok && v != nil {
		settings["system_prompt"] = v
	}

	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}

	return Row{
		"conv_id":    asString(src["id"]),
		"title":      asString(src["title"]),
		"created_at": asInt64(src["createdAt"]),
		"updated_at": asInt64(src["updatedAt"]),
		"is_pinned":  asBoolFlag(src["isPinned"]),
		"is_new":     asBoolFlag(src["isNew"]),
		"settings":   string(settingsJSON),
	}, nil
}

// validRoles is the closed set of values messages.role accepts.
var validRoles = map[string]bool{
	"user": true, "assistant": true, "system": true, "function": true,
}

// translateMessage maps one legacy messages row onto the unified schema.
// order_seq is preserved verbatim. An unrecognized role value is the
// caller's signal to fail the batch with VALIDATION_FAILED; this function
// reports it rather than silently defaulting.
func translateMessage(src Row) (Row, error) {
	role := asString(src["role"])
	if !validRoles[role] {
		return nil, &unknownRoleError{role: role}
	}

	metadata, err := reserializeJSON(src["metadata"])
	if err != nil {
		return nil, err
	}

	status := asString(src["status"])
	if status == "" {
		status = "sent"
	}

	return Row{
		"msg_id":          asString(src["id"]),
		"conversation_id": asString(src["conversationId"]),
		"parent_id":       asNullableString(src["parentId"]),
		"role":            role,
		"content":         asString(src["content"]),
		"created_at":      asInt64(src["createdAt"]),
		"order_seq":       asInt64(src["orderSeq"]),
		"token_count":     asInt64(src["tokenCount"]),
		"status":          status,
		"metadata":        metadata,
		"is_context_edge": asBoolFlag(src["isContextEdge"]),
		"is_variant":      asBoolFlag(src["isVariant"]),
	}, nil
}

// unknownRoleError signals translateMessage saw a role outside the
// closed enum; the Copy Engine turns this into a classified
// VALIDATION_FAILED error.
type unknownRoleError struct {
	role string
}

func (e *unknownRoleError) Error() string {
	return "unknown message role: " + e.role
}

// translateAttachment maps one legacy message_attachments row onto the
// unified schema. The target's id column is auto-assigned (serial pk);
// the legacy id is not carried over, and metadata is copied unchanged.
func translateAttachment(src Row) (Row, error) {
	metadata, err := reserializeJSON(src["metadata"])
	if err != nil {
		return nil, err
	}
	return Row{
		"message_id":      asString(src["messageId"]),
		"attachment_type": asString(src["attachmentType"]),
		"attachment_data": asString(src["attachmentData"]),
		"created_at":      asInt64(src["createdAt"]),
		"metadata":        metadata,
	}, nil
}

// translateKnowledgeFile maps one legacy knowledge_files row onto the
// unified schema.
func translateKnowledgeFile(src Row) (Row, error) {
	metadata, err := reserializeJSON(src["metadata"])
	if err != nil {
		return nil, err
	}
	status := asString(src["status"])
	if status == "" {
		status = "pending"
	}
	return Row{
		"id":          asString(src["id"]),
		"name":        asString(src["name"]),
		"path":        asString(src["path"]),
		"mime_type":   asString(src["mimeType"]),
		"status":      status,
		"uploaded_at": asInt64(src["uploadedAt"]),
		"file_size":   asInt64(src["fileSize"]),
		"metadata":    metadata,
	}, nil
}

// translateKnowledgeChunk maps one legacy knowledge_chunks row onto the
// unified schema.
func translateKnowledgeChunk(src Row) (Row, error) {
	metadata, err := reserializeJSON(src["metadata"])
	if err != nil {
		return nil, err
	}
	status := asString(src["status"])
	if status == "" {
		status = "pending"
	}
	return Row{
		"id":          asString(src["id"]),
		"file_id":     asString(src["fileId"]),
		"chunk_index": asInt64(src["chunkIndex"]),
		"content":     asString(src["content"]),
		"status":      status,
		"error":       asString(src["error"]),
		"chunk_size":  asInt64(src["chunkSize"]),
		"metadata":    metadata,
	}, nil
}

// translateKnowledgeVector maps one legacy knowledge_vectors row onto the
// unified schema. The embedding's width is checked by the Copy Engine
// against the configured dimension, not here.
func translateKnowledgeVector(src Row) (Row, []float32, error) {
	metadata, err := reserializeJSON(src["metadata"])
	if err != nil {
		return nil, nil, err
	}
	modelName := asString(src["modelName"])
	if modelName == "" {
		modelName = "unknown"
	}

	embedding, err := asFloat32Slice(src["embedding"])
	if err != nil {
		return nil, nil, err
	}

	return Row{
		"id":         asString(src["id"]),
		"file_id":    asString(src["fileId"]),
		"chunk_id":   asString(src["chunkId"]),
		"dimension":  int64(len(embedding)),
		"created_at": asInt64(src["createdAt"]),
		"model_name": modelName,
		"metadata":   metadata,
	}, embedding, nil
}

// Row is an alias for map[string]interface{}, the underlying type of
// storedriver.Row, so the Copy Engine passes storedriver rows straight
// into the translation functions without importing storedriver here.
type Row = map[string]interface{}

func asString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return ""
}

func asNullableString(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	return asString(v)
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case []byte:
		i, _ := strconv.ParseInt(string(n), 10, 64)
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func asBoolFlag(v interface{}) int64 {
	switch b := v.(type) {
	case bool:
		if b {
			return 1
		}
		return 0
	case int64:
		if b != 0 {
			return 1
		}
		return 0
	case int:
		if b != 0 {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func reserializeJSON(v interface{}) (string, error) {
	if v == nil {
		return "{}", nil
	}
	switch s := v.(type) {
	case string:
		if s == "" {
			return "{}", nil
		}
		var probe interface{}
		if err := json.Unmarshal([]byte(s), &probe); err != nil {
			return "{}", nil
		}
		return s, nil
	case []byte:
		return reserializeJSON(string(s))
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return "{}", err
		}
		return string(out), nil
	}
}

func asFloat32Slice(v interface{}) ([]float32, error) {
	switch e := v.(type) {
	case []byte:
		return DecodeVector(e), nil
	case []float32:
		return e, nil
	case []interface{}:
		out := make([]float32, len(e))
		for i, x := range e {
			switch n := x.(type) {
			case float64:
				out[i] = float32(n)
			case float32:
				out[i] = n
			}
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, &unsupportedEmbeddingTypeError{}
	}
}

type unsupportedEmbeddingTypeError struct{}

func (e *unsupportedEmbeddingTypeError) Error() string {
	return "unsupported embedding column type"
}

// nowMillis is used by code paths that need a current timestamp where the
// source row has none; kept as a thin wrapper so call sites read clearly.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
