package transaction

import "fmt"

type TxnID int32

// CheckpointTxnID is carried by checkpoint log records, which belong to no transaction.
const CheckpointTxnID TxnID = -1

// InvalidTxnID marks a buffer that is not modified by any transaction.
const InvalidTxnID TxnID = -1

type State int

const (
	Active State = iota
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled back"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal tells whether no further operation can be run in state s.
func (s State) Terminal() bool {
	return s == Committed || s == RolledBack
}

type Transaction interface {
	GetID() TxnID
	State() State
}
