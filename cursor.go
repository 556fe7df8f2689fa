package openmcp

import (
	"encoding/base64"
	"encoding/json"
)

// defaultPageSize is the slice length for all list operations unless
// overridden with WithPageSize.
const defaultPageSize = 50

type listCursor struct {
	Offset int `json:"o"`
}

type rootsCursor struct {
	Version int `json:"v"`
	Offset  int `json:"o"`
}

// encodeCursor produces the opaque continuation token for plain list
// operations. Clients must treat it as opaque.
func encodeCursor(offset int) string {
	data, _ := json.Marshal(listCursor{Offset: offset})
	return base64.URLEncoding.EncodeToString(data)
}

// decodeCursor parses a cursor produced by encodeCursor. An empty cursor
// means the first page. Anything the server did not produce is rejected
// with an invalid-params error.
func decodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}

	data, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, errInvalidParams("malformed cursor: %s", err.Error())
	}
	var c listCursor
	if err := json.Unmarshal(data, &c); err != nil {
		return 0, errInvalidParams("malformed cursor: %s", err.Error())
	}
	if c.Offset < 0 {
		return 0, errInvalidParams("cursor offset must be non-negative")
	}
	return c.Offset, nil
}

// encodeRootsCursor embeds the roots cache version so cursors become stale
// when the snapshot is refreshed.
func encodeRootsCursor(version, offset int) string {
	data, _ := json.Marshal(rootsCursor{Version: version, Offset: offset})
	return base64.URLEncoding.EncodeToString(data)
}

// decodeRootsCursor parses a roots cursor and rejects versions that do not
// match the current snapshot, forcing the client to restart pagination.
func decodeRootsCursor(cursor string, expectedVersion int) (int, error) {
	if cursor == "" {
		return 0, nil
	}

	data, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, errInvalidParams("malformed cursor: %s", err.Error())
	}
	var c rootsCursor
	if err := json.Unmarshal(data, &c); err != nil {
		return 0, errInvalidParams("malformed cursor: %s", err.Error())
	}
	if c.Offset < 0 {
		return 0, errInvalidParams("cursor offset must be non-negative")
	}
	if c.Version != expectedVersion {
		return 0, JSONRPCError{
			Code:    CodeInvalidParams,
			Message: "stale cursor; please restart pagination",
			Data: map[string]any{
				"expected": expectedVersion,
				"received": c.Version,
			},
		}
	}
	return c.Offset, nil
}

// paginate slices items starting at the cursor, returning the page and the
// cursor for the next page, or an empty cursor when exhausted.
func paginate[T any](items []T, cursor string, pageSize int) ([]T, string, error) {
	offset, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if offset >= len(items) {
		return []T{}, "", nil
	}

	end := offset + pageSize
	if end >= len(items) {
		return items[offset:], "", nil
	}
	return items[offset:end], encodeCursor(end), nil
}
