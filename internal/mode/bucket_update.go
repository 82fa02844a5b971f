package mode

// BucketUpdateRequest is a control-plane request to change one or more of
// the token-bucket budgets. Unset fields (Has* == false) leave the
// corresponding piece of state untouched.
type BucketUpdateRequest struct {
	HasSentinel     bool
	SentinelBudget  uint64
	HasDiagnostic   bool
	DiagnosticBudget uint64
	HasHardDrop     bool
	HardDropNs      uint64
}

// BucketState is the token-bucket budget currently programmed into the
// kernel side.
type BucketState struct {
	SentinelBudget   uint64
	DiagnosticBudget uint64
	HardDropNs       uint64
}

// BucketUpdateOutcome reports what ApplyBucketUpdate did: whether the
// kernel-side program must be reloaded, and what budget is now active
// for the current mode.
type BucketUpdateOutcome struct {
	ReprogramRequired bool
	ActiveBudget      uint64
}

// ApplyBucketUpdate merges req into state in place and reports whether the
// change requires the kernel side to be reprogrammed.
//
// Raising the sentinel budget above the current diagnostic budget, with
// no explicit diagnostic value in the same request, auto-raises the
// diagnostic budget to match: diagnostic mode must never sample less
// aggressively than sentinel mode.
func ApplyBucketUpdate(req BucketUpdateRequest, currentMode AgentMode, state *BucketState) BucketUpdateOutcome {
	var sentinelChanged, diagnosticChanged, dropChanged bool

	if req.HasSentinel && req.SentinelBudget > 0 {
		state.SentinelBudget = req.SentinelBudget
		sentinelChanged = true
	}

	var diagAutoAdjusted bool
	if req.HasDiagnostic && req.DiagnosticBudget > 0 {
		state.DiagnosticBudget = req.DiagnosticBudget
		diagnosticChanged = true
	} else if sentinelChanged && state.DiagnosticBudget < state.SentinelBudget {
		state.DiagnosticBudget = state.SentinelBudget
		diagAutoAdjusted = true
	}

	if req.HasHardDrop && req.HardDropNs > 0 {
		state.HardDropNs = req.HardDropNs
		dropChanged = true
	}

	activeBudget := state.DiagnosticBudget
	if currentMode == Sentinel {
		activeBudget = state.SentinelBudget
	}

	activeBudgetChanged := (currentMode == Sentinel && sentinelChanged) ||
		(currentMode == Diagnostic && (diagnosticChanged || diagAutoAdjusted))

	return BucketUpdateOutcome{
		ReprogramRequired: dropChanged || activeBudgetChanged,
		ActiveBudget:      activeBudget,
	}
}
