// Package extension implements the JSON-payload-over-query escape hatch: a
// simple-query payload consisting of SQL comments followed by a JSON
// {method, params} object routes to a registered non-SQL operation sharing
// the connection's session, bypassing the rewriter entirely. Grounded on
// the original implementation's extension-function registry
// (original_source/buenavista/core.py's `extension_functions` dict) and
// adapted to Go's explicit-handler-registry style.
package extension

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/ha1tch/pgfrontend/pkg/backend"
	pgerrors "github.com/ha1tch/pgfrontend/pkg/errors"
	"github.com/ha1tch/pgfrontend/pkg/session"
)

// Handler implements one extension method, receiving a borrow of the
// calling connection's session for the duration of the call.
type Handler func(ctx context.Context, sess *session.Context, params json.RawMessage) (backend.QueryResult, error)

// Registry holds method-name-to-Handler bindings. Per the core's resource
// model, the registry is populated at server-construction time; Dispatch
// performs no locking because registration after Listen is unsupported.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds method to h, overwriting any existing binding.
func (r *Registry) Register(method string, h Handler) {
	r.handlers[method] = h
}

var leadingCommentRe = regexp.MustCompile(`(?s)^\s*(?:/\*.*?\*/\s*|--[^\n]*\n\s*)*`)

type call struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Detect strips leading SQL comments from sql and reports whether the
// remainder is a {method, params} JSON object. Returns ok == false for any
// ordinary SQL statement, which should fall through to the normal
// rewrite-and-execute path.
func Detect(sql string) (method string, params json.RawMessage, ok bool) {
	stripped := leadingCommentRe.ReplaceAllString(sql, "")
	stripped = strings.TrimSpace(stripped)
	stripped = strings.TrimSuffix(stripped, ";")
	stripped = strings.TrimSpace(stripped)

	if !strings.HasPrefix(stripped, "{") || !strings.HasSuffix(stripped, "}") {
		return "", nil, false
	}

	var c call
	if err := json.Unmarshal([]byte(stripped), &c); err != nil || c.Method == "" {
		return "", nil, false
	}
	return c.Method, c.Params, true
}

// Dispatch runs the handler registered for method, or returns an
// ErrCodeExtensionNotFound error for an unrecognized method.
func (r *Registry) Dispatch(ctx context.Context, sess *session.Context, method string, params json.RawMessage) (backend.QueryResult, error) {
	h, ok := r.handlers[method]
	if !ok {
		return nil, pgerrors.Newf(pgerrors.ErrCodeExtensionNotFound, "unknown extension method %q", method).Err()
	}

	result, err := h(ctx, sess, params)
	if err != nil {
		return nil, pgerrors.Wrap(err, pgerrors.ErrCodeExtensionFailed, "extension handler failed").
			WithField("method", method).Err()
	}
	return result, nil
}
