// Package crdt merges serialized automerge documents. The merge is the only
// CPU-heavy step in the mutation pipeline, so it runs off the calling
// goroutine under a hard deadline.
package crdt

import (
	"context"
	"errors"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/sinkron/sinkron/internal/protocol"
)

// MergeTimeout bounds a single merge. Exceeding it means either corrupt data
// or a pathological document; the caller treats it as fatal for the actor.
const MergeTimeout = 500 * time.Millisecond

// ErrTimeout reports that the merge worker did not finish in time.
var ErrTimeout = errors.New("crdt merge timed out")

type mergeResult struct {
	data []byte
	err  error
}

func merge(snapshot, update []byte) ([]byte, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, protocol.Internal("couldn't import snapshot, data might be corrupted")
	}
	incoming, err := automerge.Load(update)
	if err != nil {
		return nil, protocol.BadRequest("couldn't import update")
	}
	if _, err := doc.Merge(incoming); err != nil {
		return nil, protocol.BadRequest("couldn't apply update")
	}
	return doc.Save(), nil
}

// Merge imports the stored snapshot, applies the incoming update and exports
// a new snapshot. A snapshot import failure maps to internal_server_error, an
// update failure to bad_request. The work runs on its own goroutine; the
// caller gets ErrTimeout after MergeTimeout or ctx.Err on cancellation.
func Merge(ctx context.Context, snapshot, update []byte) ([]byte, error) {
	out := make(chan mergeResult, 1)
	go func() {
		data, err := merge(snapshot, update)
		out <- mergeResult{data: data, err: err}
	}()

	timer := time.NewTimer(MergeTimeout)
	defer timer.Stop()

	select {
	case res := <-out:
		return res.data, res.err
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
