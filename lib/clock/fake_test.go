// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNow(t *testing.T) {
	fake := Fake(testEpoch)
	if !fake.Now().Equal(testEpoch) {
		t.Errorf("Now() = %v, want %v", fake.Now(), testEpoch)
	}
	fake.Advance(time.Hour)
	if !fake.Now().Equal(testEpoch.Add(time.Hour)) {
		t.Errorf("Now() after Advance = %v, want %v", fake.Now(), testEpoch.Add(time.Hour))
	}
}

func TestFakeAfter(t *testing.T) {
	fake := Fake(testEpoch)
	channel := fake.After(10 * time.Second)

	select {
	case <-channel:
		t.Fatal("After fired before the clock advanced")
	default:
	}

	fake.Advance(9 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired before its deadline")
	default:
	}

	fake.Advance(time.Second)
	select {
	case fireTime := <-channel:
		if !fireTime.Equal(testEpoch.Add(10 * time.Second)) {
			t.Errorf("fire time = %v, want %v", fireTime, testEpoch.Add(10*time.Second))
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfter_NonPositive(t *testing.T) {
	fake := Fake(testEpoch)
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeTicker(t *testing.T) {
	fake := Fake(testEpoch)
	ticker := fake.NewTicker(time.Minute)
	defer ticker.Stop()

	fake.Advance(time.Minute)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after one interval")
	}

	// The ticker reschedules: a second interval fires again.
	fake.Advance(time.Minute)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after the second interval")
	}
}

func TestFakeTicker_StopSuppressesTicks(t *testing.T) {
	fake := Fake(testEpoch)
	ticker := fake.NewTicker(time.Minute)
	ticker.Stop()

	fake.Advance(5 * time.Minute)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeSleepWakesOnAdvance(t *testing.T) {
	fake := Fake(testEpoch)
	woke := make(chan struct{})

	go func() {
		fake.Sleep(30 * time.Second)
		close(woke)
	}()

	fake.WaitForPending(1)
	fake.Advance(30 * time.Second)

	select {
	case <-woke:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not wake after Advance")
	}
}

func TestWaitForPendingCountsOnlyActive(t *testing.T) {
	fake := Fake(testEpoch)
	ticker := fake.NewTicker(time.Minute)
	fake.WaitForPending(1)

	ticker.Stop()
	done := make(chan struct{})
	go func() {
		fake.WaitForPending(1)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForPending returned while only a stopped ticker existed")
	case <-time.After(50 * time.Millisecond):
	}

	fake.After(time.Second)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForPending did not observe the new registration")
	}
}
