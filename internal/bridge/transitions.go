package bridge

import (
	"time"

	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

// edges lists every allowed status change. FAILED -> PENDING is only taken
// by an explicit retry.
var edges = map[protov1.BridgeStatus][]protov1.BridgeStatus{
	protov1.BridgeStatusPending:    {protov1.BridgeStatusInProgress},
	protov1.BridgeStatusInProgress: {protov1.BridgeStatusCompleted, protov1.BridgeStatusFailed},
	protov1.BridgeStatusFailed:     {protov1.BridgeStatusPending},
}

func CanTransition(from, to protov1.BridgeStatus) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves op to status `to`, recording the change in its history.
func transition(op *protov1.BridgeOperation, to protov1.BridgeStatus, trigger, reason string, at time.Time) error {
	from := op.Status
	if !CanTransition(from, to) {
		return &InvalidTransitionError{OperationID: op.ID, From: from, To: to, Trigger: trigger}
	}

	op.Status = to
	op.History = append(op.History, protov1.Transition{From: from, To: to, Reason: reason, At: at})
	switch to {
	case protov1.BridgeStatusInProgress:
		t := at
		op.InProgressAt = &t
	case protov1.BridgeStatusFailed:
		op.ErrorReason = reason
		// a destination tx is only carried by IN_PROGRESS and COMPLETED
		op.DestinationTxIdentifier = ""
	case protov1.BridgeStatusPending:
		op.ErrorReason = ""
		op.DestinationTxIdentifier = ""
		op.InProgressAt = nil
	}
	return nil
}
