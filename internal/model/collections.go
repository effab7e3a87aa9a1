package model

// Collection names of the record store. Task state collections share their
// status name so a record's location and its status field can be compared.
const (
	CollPlans             = "plans"
	CollPlansArchive      = "plans_archive"
	CollApprovalsPending  = "approvals_pending"
	CollApprovalsResolved = "approvals_resolved"
	CollDecisions         = "decisions"
	CollJobs              = "jobs"
	CollLedger            = "ledger"
	CollQuarantine        = "quarantine"
)

// CollectionFor returns the state collection holding tasks in status s.
func CollectionFor(s TaskStatus) string {
	return string(s)
}

// StateCollections returns the task state collections in lifecycle order.
func StateCollections() []string {
	out := make([]string, len(TaskStatuses))
	for i, s := range TaskStatuses {
		out[i] = CollectionFor(s)
	}
	return out
}

// AllCollections lists every collection created at vault initialisation.
func AllCollections() []string {
	return append(StateCollections(),
		CollPlans,
		CollPlansArchive,
		CollApprovalsPending,
		CollApprovalsResolved,
		CollDecisions,
		CollJobs,
		CollLedger,
		CollQuarantine,
	)
}
