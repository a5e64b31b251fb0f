package hlc

import (
	"errors"
	"testing"
)

func TestCompareOrdersByWallThenCounterThenDevice(t *testing.T) {
	cases := []struct {
		name string
		a, b Clock
		want int
	}{
		{"wall differs", Clock{WallMs: 1, DeviceID: "a"}, Clock{WallMs: 2, DeviceID: "a"}, -1},
		{"counter differs", Clock{WallMs: 1, Counter: 1, DeviceID: "a"}, Clock{WallMs: 1, Counter: 2, DeviceID: "a"}, -1},
		{"device differs", Clock{WallMs: 1, Counter: 1, DeviceID: "a"}, Clock{WallMs: 1, Counter: 1, DeviceID: "b"}, -1},
		{"equal", Clock{WallMs: 1, Counter: 1, DeviceID: "a"}, Clock{WallMs: 1, Counter: 1, DeviceID: "a"}, 0},
		{"counter beats device lexicographically", Clock{WallMs: 1, Counter: 9, DeviceID: "a"}, Clock{WallMs: 1, Counter: 10, DeviceID: "z"}, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Compare(tc.a, tc.b); got != tc.want {
				t.Fatalf("Compare(%v, %v) = %d, want %d", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestNextAdvancesOnNewWallTime(t *testing.T) {
	svc, err := NewService("deviceA", nil, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	c, err := svc.Next(1000)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if c.WallMs != 1000 || c.Counter != 0 || c.DeviceID != "deviceA" {
		t.Fatalf("unexpected first clock: %+v", c)
	}
}

func TestNextBumpsCounterWhenWallDoesNotAdvance(t *testing.T) {
	svc, err := NewService("deviceA", nil, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	first, _ := svc.Next(3000)
	second, err := svc.Next(3000)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if Compare(second, first) <= 0 {
		t.Fatalf("expected second clock %+v to exceed first %+v", second, first)
	}
	if second.WallMs != 3000 || second.Counter != 1 {
		t.Fatalf("unexpected second clock: %+v", second)
	}
}

func TestNextBatchIsStrictlyIncreasing(t *testing.T) {
	svc, err := NewService("deviceA", nil, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	batch, err := svc.NextBatch(5, 1000)
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	for i := 1; i < len(batch); i++ {
		if Compare(batch[i], batch[i-1]) <= 0 {
			t.Fatalf("batch not strictly increasing at %d: %+v", i, batch)
		}
	}
}

func TestNextBatchRejectsNonPositiveCount(t *testing.T) {
	svc, _ := NewService("deviceA", nil, nil)
	if _, err := svc.NextBatch(0, 1000); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestNextFromRemoteMergesMaxWallAndBumpsCounter(t *testing.T) {
	svc, _ := NewService("deviceA", nil, nil)
	// Seed local state ahead of the remote clock.
	if _, err := svc.Next(5000); err != nil {
		t.Fatalf("Next: %v", err)
	}

	remote := Clock{WallMs: 4000, Counter: 7, DeviceID: "deviceB"}
	merged, err := svc.NextFromRemote(remote, 1000)
	if err != nil {
		t.Fatalf("NextFromRemote: %v", err)
	}
	if merged.WallMs != 5000 {
		t.Fatalf("expected merged wall to take the max (5000), got %d", merged.WallMs)
	}
	if merged.Counter != 1 {
		t.Fatalf("expected counter bumped from local counter 0, got %d", merged.Counter)
	}
	if merged.DeviceID != "deviceA" {
		t.Fatalf("expected merged clock to carry this device's id, got %s", merged.DeviceID)
	}
}

func TestNextFromRemoteTakesMaxCounterWhenWallsTie(t *testing.T) {
	svc, _ := NewService("deviceA", nil, nil)
	if _, err := svc.Next(9000); err != nil {
		t.Fatalf("Next: %v", err)
	}
	remote := Clock{WallMs: 9000, Counter: 10, DeviceID: "deviceB"}
	merged, err := svc.NextFromRemote(remote, 1000)
	if err != nil {
		t.Fatalf("NextFromRemote: %v", err)
	}
	if merged.Counter != 11 {
		t.Fatalf("expected counter 11 (max(0,10)+1), got %d", merged.Counter)
	}
}

func TestNextFromRemoteRejectsInvalidClock(t *testing.T) {
	svc, _ := NewService("deviceA", nil, nil)
	if _, err := svc.NextFromRemote(Clock{WallMs: 1}, 1000); !errors.Is(err, ErrInvalidHLC) {
		t.Fatalf("expected ErrInvalidHLC for empty device id, got %v", err)
	}
}

func TestPeekReflectsLastIssued(t *testing.T) {
	svc, _ := NewService("deviceA", nil, nil)
	if _, ok := svc.Peek(); ok {
		t.Fatalf("expected no clock before any issuance")
	}
	issued, _ := svc.Next(1000)
	peeked, ok := svc.Peek()
	if !ok || peeked != issued {
		t.Fatalf("expected peek to return last issued clock %+v, got %+v (ok=%v)", issued, peeked, ok)
	}
}

type memoryPersister struct {
	saved []Clock
	load  func() (Clock, bool, error)
}

func (m *memoryPersister) Load() (Clock, bool, error) {
	if m.load != nil {
		return m.load()
	}
	return Clock{}, false, nil
}

func (m *memoryPersister) Save(c Clock) error {
	m.saved = append(m.saved, c)
	return nil
}

func TestServicePersistsOnlyTheLastOfABatch(t *testing.T) {
	p := &memoryPersister{}
	svc, err := NewService("deviceA", nil, p)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := svc.NextBatch(3, 1000); err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if len(p.saved) != 1 {
		t.Fatalf("expected exactly one persisted value per call, got %d", len(p.saved))
	}
	if p.saved[0].Counter != 2 {
		t.Fatalf("expected persisted clock to be the last of the batch (counter 2), got %+v", p.saved[0])
	}
}

func TestServiceResumesFromPersistedClock(t *testing.T) {
	seed := Clock{WallMs: 9000, Counter: 4, DeviceID: "deviceA"}
	p := &memoryPersister{load: func() (Clock, bool, error) { return seed, true, nil }}
	svc, err := NewService("deviceA", nil, p)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	next, err := svc.Next(1000)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !GreaterThan(next, seed) {
		t.Fatalf("expected %+v to exceed resumed seed %+v", next, seed)
	}
}
