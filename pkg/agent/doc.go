// Agent orchestrates over-the-air updates for the device it runs on. It
// accepts decoded update triggers, drives the platform executor through the
// download and finalize steps under watchdog supervision, retries failed
// attempts within a bounded budget, and walks every session - successful or
// not - through the same teardown and delayed-reboot path.
//
// The Agent is intentionally single-flight: one session at a time, owned by
// one goroutine, with submits during a live session rejected outright rather
// than queued.
package agent
