// Package store declares the durable key/value boundary the update
// bookkeeping writes through. Values must survive reboot and power loss;
// everything else about the medium is the implementation's business.
package store

// Keys written by the update machinery.
const (
	// KeyBootPartition records the active partition address last observed
	// at boot. An audit trail only - the platform's boot selection, not
	// this record, decides what actually runs.
	KeyBootPartition = "boot_part"
	// KeyOTATimestamp records when the last successful update finalized.
	KeyOTATimestamp = "ota_timestamp"
)

// TimestampFormat is the layout of the KeyOTATimestamp value.
const TimestampFormat = "2006-01-02_15-04-05"

// Store is durable key/value storage. The found boolean distinguishes an
// absent key from a zero value; errors are reserved for the medium failing.
type Store interface {
	GetUint32(key string) (value uint32, found bool, err error)
	SetUint32(key string, value uint32) error
	GetString(key string) (value string, found bool, err error)
	SetString(key, value string) error
	Delete(key string) error
}
