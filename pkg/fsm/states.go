// Package fsm implements the fetch-and-write workflow: an image is fetched
// from S3 (or reused from the local cache), validated against the target
// drive and written with the imaging engine, orchestrated by superfly/fsm.
// Every failure aborts the workflow. Nothing is retried automatically.
package fsm

import (
	"context"

	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/superfly/fsm"
)

// Register registers the fetch-and-write FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[WriteRequest, WriteResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[WriteRequest, WriteResponse](manager, "fetch-and-write").
		Start(StatePrepare, m.handler(StatePrepare, m.prepare)).
		To(StateDownload, m.handler(StateDownload, m.download)).
		To(StateValidate, m.handler(StateValidate, m.validate)).
		To(StateWrite, m.handler(StateWrite, m.write)).
		To(StateComplete, m.handler(StateComplete, m.complete)).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
