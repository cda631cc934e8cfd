package glide

import (
	"sync/atomic"

	"github.com/jsp-lqk/metapipe-valkey/resp"
)

// CommandResult carries either a reply tree or an error. The caller owns
// it and must call Free exactly once.
type CommandResult struct {
	Response *resp.Value
	Err      *CommandError

	freed atomic.Bool
}

func newResult(v *resp.Value, err error) *CommandResult {
	if err != nil {
		v.Release()
		return &CommandResult{Err: classify(err)}
	}
	return &CommandResult{Response: v}
}

func errorResult(err error) *CommandResult {
	return &CommandResult{Err: classify(err)}
}

// Error returns Err as an error, nil when the command succeeded.
func (r *CommandResult) Error() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}

// Free releases the reply tree. A second call returns ErrDoubleFree and
// leaves the tree alone.
func (r *CommandResult) Free() error {
	if r == nil {
		return nil
	}
	if !r.freed.CompareAndSwap(false, true) {
		return ErrDoubleFree
	}
	r.Response.Release()
	r.Response = nil
	return nil
}

// FreeCommandResult is Free for callers holding only the pointer.
func FreeCommandResult(r *CommandResult) error {
	return r.Free()
}
