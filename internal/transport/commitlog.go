package transport

import (
	"sync"

	"github.com/rowsync/engine/internal/rowstore"
)

// CommitLog is an append-only, commit-order record of rows a server has
// accepted, shared by the loopback transport and the HTTP server transport
// so both serve Pull pages the same way. It assigns CommittedTimestampMs
// itself, from a monotonic in-process counter, never from a wall clock.
type CommitLog struct {
	mu     sync.Mutex
	nextTs int64
	rows   []rowstore.Row
}

// Commit stamps each row with the next commit timestamp, in order, appends
// them to the log, and returns the stamped copies.
func (c *CommitLog) Commit(rows []rowstore.Row) []rowstore.Row {
	c.mu.Lock()
	defer c.mu.Unlock()

	committed := make([]rowstore.Row, len(rows))
	for i, row := range rows {
		c.nextTs++
		row.CommittedTimestampMs = c.nextTs
		committed[i] = row
	}
	c.rows = append(c.rows, committed...)
	return committed
}

// Pull serves one page of the log per req's cursor/limit/filters.
func (c *CommitLog) Pull(req PullRequest) PullResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return pullFromRows(c.rows, req)
}

func pullFromRows(rows []rowstore.Row, req PullRequest) PullResponse {
	start := 0
	if req.Cursor != nil {
		for i, row := range rows {
			c := rowstore.Cursor{CommittedTimestampMs: row.CommittedTimestampMs, CollectionID: row.CollectionID, ID: row.ID}
			if c.Compare(*req.Cursor) > 0 {
				break
			}
			start = i + 1
		}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = len(rows) - start
	}
	end := start + limit
	if end > len(rows) {
		end = len(rows)
	}

	changes := make([]rowstore.Row, 0, end-start)
	for i := start; i < end; i++ {
		row := rows[i]
		if req.CollectionID != "" && row.CollectionID != req.CollectionID {
			continue
		}
		if req.ParentID != nil {
			if row.ParentID == nil || *row.ParentID != *req.ParentID {
				continue
			}
		}
		changes = append(changes, row)
	}

	nextCursor := req.Cursor
	if end > start {
		last := rows[end-1]
		nextCursor = &rowstore.Cursor{CommittedTimestampMs: last.CommittedTimestampMs, CollectionID: last.CollectionID, ID: last.ID}
	}

	return PullResponse{
		Changes:    changes,
		NextCursor: nextCursor,
		HasMore:    end < len(rows),
	}
}
