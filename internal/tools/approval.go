package tools

import "context"

type approvalKey struct{}

// WithApproval attaches a per-request approval callback to the context. Tools
// that reach the network consult it before the provider-level policy.
func WithApproval(ctx context.Context, approve ApprovalFunc) context.Context {
	if approve == nil {
		return ctx
	}
	return context.WithValue(ctx, approvalKey{}, approve)
}

// ApprovalFromContext returns the approval callback carried by ctx, if any.
func ApprovalFromContext(ctx context.Context) (ApprovalFunc, bool) {
	approve, ok := ctx.Value(approvalKey{}).(ApprovalFunc)
	return approve, ok
}
