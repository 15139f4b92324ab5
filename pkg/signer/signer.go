// Package signer holds local-key wallets for each universe.
package signer

import (
	"context"

	"ca-engine/pkg/errs"
)

// Approver is asked before every signature. Returning false rejects the request.
type Approver func(ctx context.Context, action string) bool

// AutoApprove approves everything; used for engine-held ephemeral keys
func AutoApprove(context.Context, string) bool { return true }

func approve(ctx context.Context, a Approver, action string) error {
	if a == nil || a(ctx, action) {
		return nil
	}
	return errs.New(errs.KindUserRejected, action, nil)
}
