// Package devpart is a file-backed partition table with two application
// slots. It stands in for real flash on development hosts and in tests: each
// slot is a file, the active-slot marker is the boot selection, and Commit
// flips the marker the way a real platform flips its boot flags.
package devpart

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gecl/otawatch/pkg/platform"
	"github.com/pkg/errors"
)

// Base addresses of the two application slots, in the style of an A/B
// partition table.
const (
	SlotA uint32 = 0x010000
	SlotB uint32 = 0x110000
)

const activeMarker = "active"

// Table implements platform.Selector over a directory.
type Table struct {
	mu  sync.Mutex
	dir string
}

var _ platform.Selector = (*Table)(nil)

// New opens (creating if needed) the table under dir. A fresh table boots
// slot A.
func New(dir string) (*Table, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating partition directory")
	}
	t := &Table{dir: dir}
	if _, err := t.Active(); err != nil {
		if err := t.setActive(SlotA); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Active returns the address of the slot the marker points at.
func (t *Table) Active() (uint32, error) {
	raw, err := os.ReadFile(filepath.Join(t.dir, activeMarker))
	if err != nil {
		return 0, errors.Wrap(err, "reading active-slot marker")
	}
	addr, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return 0, errors.Wrap(err, "parsing active-slot marker")
	}
	return uint32(addr), nil
}

// Next truncates and opens the inactive slot for writing.
func (t *Table) Next() (platform.Partition, error) {
	active, err := t.Active()
	if err != nil {
		return nil, err
	}
	addr := SlotA
	if active == SlotA {
		addr = SlotB
	}
	f, err := os.Create(t.slotPath(addr))
	if err != nil {
		return nil, errors.Wrap(err, "opening inactive slot")
	}
	return &slot{table: t, file: f, addr: addr}, nil
}

func (t *Table) slotPath(addr uint32) string {
	return filepath.Join(t.dir, "slot_"+strconv.FormatUint(uint64(addr), 16)+".img")
}

// setActive atomically repoints the marker.
func (t *Table) setActive(addr uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tmp := filepath.Join(t.dir, activeMarker+".tmp")
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(uint64(addr), 10)), 0o644); err != nil {
		return errors.Wrap(err, "writing active-slot marker")
	}
	return errors.Wrap(os.Rename(tmp, filepath.Join(t.dir, activeMarker)), "installing active-slot marker")
}

type slot struct {
	table  *Table
	file   *os.File
	addr   uint32
	closed bool
}

func (s *slot) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

// Commit syncs the slot image and flips the boot selection to it.
func (s *slot) Commit() error {
	if err := s.file.Sync(); err != nil {
		return errors.Wrap(err, "syncing slot image")
	}
	if err := s.file.Close(); err != nil {
		return errors.Wrap(err, "closing slot image")
	}
	s.closed = true
	return s.table.setActive(s.addr)
}

func (s *slot) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

func (s *slot) Address() uint32 {
	return s.addr
}
