package ota

import (
	"errors"
	"fmt"
	"log"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"csinode/nvstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Slot names follow the two-application-partition layout.
const (
	SlotA = "ota_0"
	SlotB = "ota_1"
)

const (
	bootNamespace = "boot"
	bootStateKey  = "state"
)

// BootState is the persisted boot selection record. It is written as a single
// synced value so a crash between fields cannot leave a mixed state: the
// device always boots the image the last complete write named.
type BootState struct {
	Active        string          `json:"active"`
	Previous      string          `json:"previous"`
	Counter       uint64          `json:"counter"`
	LastKnownGood string          `json:"last_known_good"`
	Pending       string          `json:"pending"` // version awaiting health confirm
	Bootable      map[string]bool `json:"bootable"`
}

// PartitionSet owns the two application regions and the persisted boot state.
type PartitionSet struct {
	store   *nvstore.Store
	regions map[string]FlashRegion

	mu sync.Mutex
}

// NewPartitionSet wires the regions to the boot-state store. Both slots must
// be present. First run initializes the state with SlotA active and bootable.
func NewPartitionSet(store *nvstore.Store, regions map[string]FlashRegion) (*PartitionSet, error) {
	for _, slot := range []string{SlotA, SlotB} {
		if regions[slot] == nil {
			return nil, fmt.Errorf("ota: missing region for slot %s", slot)
		}
	}
	p := &PartitionSet{store: store, regions: regions}
	if _, err := store.GetBytes(bootNamespace, bootStateKey); err != nil {
		if !errors.Is(err, nvstore.ErrNotFound) {
			return nil, err
		}
		initial := BootState{
			Active:   SlotA,
			Bootable: map[string]bool{SlotA: true},
		}
		if err := p.save(initial); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *PartitionSet) load() (BootState, error) {
	raw, err := p.store.GetBytes(bootNamespace, bootStateKey)
	if err != nil {
		return BootState{}, err
	}
	var s BootState
	if err := json.Unmarshal(raw, &s); err != nil {
		return BootState{}, fmt.Errorf("ota: decode boot state: %w", err)
	}
	if s.Bootable == nil {
		s.Bootable = make(map[string]bool)
	}
	return s, nil
}

func (p *PartitionSet) save(s BootState) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("ota: encode boot state: %w", err)
	}
	return p.store.SetBytes(bootNamespace, bootStateKey, raw)
}

// State returns a copy of the persisted boot state.
func (p *PartitionSet) State() (BootState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load()
}

// ActiveSlot returns the slot the device boots from.
func (p *PartitionSet) ActiveSlot() (string, error) {
	s, err := p.State()
	if err != nil {
		return "", err
	}
	return s.Active, nil
}

// InactiveSlot returns the slot an update downloads into.
func (p *PartitionSet) InactiveSlot() (string, error) {
	active, err := p.ActiveSlot()
	if err != nil {
		return "", err
	}
	if active == SlotA {
		return SlotB, nil
	}
	return SlotA, nil
}

// Region returns the flash region backing a slot.
func (p *PartitionSet) Region(slot string) FlashRegion {
	return p.regions[slot]
}

// Bootable reports whether a slot holds a validated image.
func (p *PartitionSet) Bootable(slot string) (bool, error) {
	s, err := p.State()
	if err != nil {
		return false, err
	}
	return s.Bootable[slot], nil
}

// MarkUnbootable clears a slot's bootable flag before its image is
// overwritten, so a crash mid-download can never leave a half-written image
// selectable.
func (p *PartitionSet) MarkUnbootable(slot string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.load()
	if err != nil {
		return err
	}
	if !s.Bootable[slot] {
		return nil
	}
	delete(s.Bootable, slot)
	return p.save(s)
}

// Switch points the boot selection at slot, carrying the validated version as
// pending confirmation. This is the single irreversible step of an update;
// the whole record commits in one synced write.
func (p *PartitionSet) Switch(slot, version string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.load()
	if err != nil {
		return err
	}
	if slot == s.Active {
		return fmt.Errorf("ota: slot %s already active", slot)
	}
	s.Previous = s.Active
	s.Active = slot
	s.Pending = version
	s.Counter = 0
	s.Bootable[slot] = true
	return p.save(s)
}

// Confirm marks the running image healthy: the pending version is promoted
// to last known good and the boot counter clears. With nothing pending the
// call only clears the counter. Returns the last known good version.
func (p *PartitionSet) Confirm() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.load()
	if err != nil {
		return "", err
	}
	if s.Pending == "" && s.Counter == 0 {
		return s.LastKnownGood, nil
	}
	if s.Pending != "" {
		s.LastKnownGood = s.Pending
		s.Pending = ""
	}
	s.Counter = 0
	return s.LastKnownGood, p.save(s)
}

// BootAction is the outcome of the startup boot-state evaluation.
type BootAction int

const (
	// BootNormal means no update is awaiting confirmation.
	BootNormal BootAction = iota
	// BootPendingConfirm means a new image is running inside its grace
	// window; the runtime must call Confirm once the health monitor clears it.
	BootPendingConfirm
	// BootRolledBack means the new image exhausted its boot budget and the
	// previous image was restored.
	BootRolledBack
)

func (a BootAction) String() string {
	switch a {
	case BootNormal:
		return "normal"
	case BootPendingConfirm:
		return "pending_confirm"
	case BootRolledBack:
		return "rolled_back"
	}
	return "unknown"
}

// EvaluateBoot runs once at startup, before anything else touches the boot
// state. While an update is pending confirmation every boot increments the
// counter; past retryLimit the previous image is restored and the failed slot
// is marked unbootable.
func (p *PartitionSet) EvaluateBoot(retryLimit uint64) (BootAction, BootState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.load()
	if err != nil {
		return BootNormal, BootState{}, err
	}
	if s.Pending == "" {
		return BootNormal, s, nil
	}

	s.Counter++
	if s.Counter > retryLimit {
		failed := s.Active
		failedVersion := s.Pending
		s.Active = s.Previous
		s.Previous = ""
		s.Pending = ""
		s.Counter = 0
		delete(s.Bootable, failed)
		if err := p.save(s); err != nil {
			return BootNormal, s, err
		}
		log.Printf("OTA: image %s on %s failed %d boots, reverted to %s",
			failedVersion, failed, retryLimit+1, s.Active)
		return BootRolledBack, s, nil
	}

	if err := p.save(s); err != nil {
		return BootNormal, s, err
	}
	log.Printf("OTA: boot %d/%d with %s pending confirmation", s.Counter, retryLimit, s.Pending)
	return BootPendingConfirm, s, nil
}
