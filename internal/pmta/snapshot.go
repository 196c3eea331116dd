package pmta

import "context"

// Snapshot gathers the subset of MTA Monitor state the Pressure Controller
// needs into one MonitorSnapshot, tolerating a down monitor by flagging
// MonitorUnreachable rather than failing the caller.
//
// Satisfies worker.MonitorSnapshotSource.
func (c *Client) Snapshot(ctx context.Context) MonitorSnapshot {
	status, err := c.GetStatus()
	if err != nil {
		return MonitorSnapshot{MonitorUnreachable: true}
	}

	queues, err := c.GetQueues()
	if err != nil {
		return MonitorSnapshot{MonitorUnreachable: true}
	}

	var spoolRecipients, deferredTotal int
	for _, q := range queues {
		spoolRecipients += q.Recipients
		deferredTotal += q.Errors
	}

	return MonitorSnapshot{
		QueuedRecipients: status.TotalQueued,
		SpoolRecipients:  spoolRecipients,
		DeferredTotal:    deferredTotal,
	}
}
