package client

import (
	"fmt"

	"github.com/yuuki/rcstress/internal/verbs"
)

// QpState is the local bookkeeping for one queue pair. The remote reference
// is a non-owning association maintained symmetrically by the harness: if A
// references B as remote, B references A, or neither does.
type QpState struct {
	id     uint32
	qp     verbs.QP
	remote *QpState

	opsPosted    uint64
	opsCompleted uint64
}

// ID returns the QP's dense client-scoped identifier.
func (q *QpState) ID() uint32 { return q.id }

// QP returns the native queue pair handle.
func (q *QpState) QP() verbs.QP { return q.qp }

// SetRemoteQpState records the peer QP state. Non-owning.
func (q *QpState) SetRemoteQpState(peer *QpState) { q.remote = peer }

// Remote returns the peer QP state, or nil when unconnected.
func (q *QpState) Remote() *QpState { return q.remote }

// OpsPosted returns how many operations were posted on this QP.
func (q *QpState) OpsPosted() uint64 { return q.opsPosted }

// OpsCompleted returns how many operations completed on this QP.
func (q *QpState) OpsCompleted() uint64 { return q.opsCompleted }

func (q *QpState) String() string {
	remoteQPN := "none"
	if q.remote != nil {
		remoteQPN = fmt.Sprintf("%d", q.remote.qp.QPN())
	}
	return fmt.Sprintf("qp_id %d qpn %d remote_qpn %s posted %d completed %d",
		q.id, q.qp.QPN(), remoteQPN, q.opsPosted, q.opsCompleted)
}
