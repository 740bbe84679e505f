// Package bootguard confirms, once per boot, whether a firmware update
// actually took effect. It compares the active partition address against the
// address persisted on the previous boot cycle and refreshes the record.
//
// The record is an audit trail, never the source of truth: the platform's
// own boot selection decided what is running long before this code does, so
// a missed or stale record degrades reporting accuracy and nothing else.
package bootguard

import (
	"github.com/gecl/otawatch/pkg/logging"
	"github.com/gecl/otawatch/pkg/store"
)

// Outcome classifies what the boot comparison found.
type Outcome = string

const (
	// OutcomeBaseline is the first boot under tracking; the current address
	// was persisted as the comparison point for the next cycle.
	OutcomeBaseline Outcome = "baseline"
	// OutcomeNoUpdate means the device booted the same partition as last
	// cycle.
	OutcomeNoUpdate Outcome = "no-update"
	// OutcomeUpdateConfirmed means the active partition changed since the
	// last cycle - an update (or a rollback) took effect.
	OutcomeUpdateConfirmed Outcome = "update-confirmed"
)

// Report is the result of the boot check.
type Report struct {
	Outcome Outcome
	// Previous is the address recorded last cycle, zero when none existed.
	Previous uint32
	// Active is the address the device booted this cycle.
	Active uint32
	// Recorded reports whether the refreshed record reached the store. A
	// false value degrades the next boot's report, nothing more.
	Recorded bool
}

// Check runs the boot comparison and refreshes the persisted record. It
// never fails the boot: store trouble is logged and folded into the report.
func Check(log logging.Logger, st store.Store, active uint32) Report {
	prev, found, err := st.GetUint32(store.KeyBootPartition)
	if err != nil {
		log.WithError(err).Error("boot record unreadable; continuing without comparison")
		return Report{Outcome: OutcomeNoUpdate, Active: active}
	}

	if !found {
		rep := Report{Outcome: OutcomeBaseline, Active: active}
		rep.Recorded = persist(log, st, active)
		log.WithField("active", active).Info("first boot under tracking; baseline recorded")
		return rep
	}

	if prev == active {
		log.WithField("active", active).Debug("booted same partition as last cycle")
		return Report{Outcome: OutcomeNoUpdate, Previous: prev, Active: active, Recorded: true}
	}

	rep := Report{Outcome: OutcomeUpdateConfirmed, Previous: prev, Active: active}
	rep.Recorded = persist(log, st, active)
	entry := log.WithField("previous", prev).WithField("active", active)
	if when, ok, _ := st.GetString(store.KeyOTATimestamp); ok {
		entry = entry.WithField("finalized", when)
	}
	entry.Info("partition change confirmed since last boot")
	return rep
}

func persist(log logging.Logger, st store.Store, active uint32) bool {
	if err := st.SetUint32(store.KeyBootPartition, active); err != nil {
		log.WithError(err).Error("could not persist boot record; audit trail degraded")
		return false
	}
	return true
}
