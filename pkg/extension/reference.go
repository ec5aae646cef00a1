package extension

import (
	"context"
	"encoding/json"

	"github.com/ha1tch/pgfrontend/pkg/backend"
	pgerrors "github.com/ha1tch/pgfrontend/pkg/errors"
	"github.com/ha1tch/pgfrontend/pkg/session"
	"github.com/ha1tch/pgfrontend/pkg/types"
)

// Ping is a reference extension answering liveness checks without touching
// the backend at all, grounded on the original implementation's
// SimpleQueryResult pattern: a one-row, one-column result carrying a fixed
// value.
func Ping(ctx context.Context, sess *session.Context, params json.RawMessage) (backend.QueryResult, error) {
	cols := []backend.Column{{Name: "pong", Type: types.BOOL}}
	return backend.NewSimpleResult(cols, [][]interface{}{{true}}, "OK"), nil
}

// BulkLoadParams is the {method: "bulk_load"} payload shape: a table name,
// its column order, and the rows to insert.
type BulkLoadParams struct {
	Table   string          `json:"table"`
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// BulkLoad is a reference extension exercising the optional
// backend.TableLoader capability, grounded on the original implementation's
// load_df_function: load a batch of rows into a backend table in one call
// rather than issuing one INSERT per row over the wire protocol.
func BulkLoad(ctx context.Context, sess *session.Context, rawParams json.RawMessage) (backend.QueryResult, error) {
	var params BulkLoadParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return nil, pgerrors.Wrap(err, pgerrors.ErrCodeExtensionBadPayload, "decoding bulk_load params").Err()
	}
	if params.Table == "" {
		return nil, pgerrors.New(pgerrors.ErrCodeExtensionBadPayload, "bulk_load requires a table name").Err()
	}

	loader, ok := sess.BackendSession().(backend.TableLoader)
	if !ok {
		return nil, pgerrors.New(pgerrors.ErrCodeExtensionFailed, "backend does not support bulk loading").Err()
	}

	n, err := loader.LoadRows(ctx, params.Table, params.Columns, params.Rows)
	if err != nil {
		return nil, pgerrors.Wrap(err, pgerrors.ErrCodeBackendExec, "bulk loading rows").
			WithField("table", params.Table).Err()
	}

	return backend.NewStatusResult("INSERT 0 " + itoa(n)), nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
