package capability

import (
	"testing"
)

// TestCacheProbesOnce tests that Get invokes the probe function only once
// per volume pair.
func TestCacheProbesOnce(t *testing.T) {
	calls := 0
	cache := New(func(pair VolumePair) Capability {
		calls++
		return Capability{ReflinkSameVolume: true}
	})

	pair := VolumePair{Source: "vol-a", Destination: "vol-b"}
	first := cache.Get(pair)
	second := cache.Get(pair)

	if calls != 1 {
		t.Errorf("expected 1 probe call, got %d", calls)
	}
	if !first.ReflinkSameVolume || !second.ReflinkSameVolume {
		t.Error("expected cached reflink capability")
	}
}

// TestCacheDemote tests that Demote clears a flag without re-probing.
func TestCacheDemote(t *testing.T) {
	calls := 0
	cache := New(func(pair VolumePair) Capability {
		calls++
		return Capability{ReflinkSameVolume: true, SparseSupported: true}
	})

	pair := VolumePair{Source: "vol-a", Destination: "vol-b"}
	cache.Get(pair)
	cache.Demote(pair, func(c *Capability) { c.ReflinkSameVolume = false })

	result := cache.Get(pair)
	if result.ReflinkSameVolume {
		t.Error("expected reflink capability to be demoted")
	}
	if !result.SparseSupported {
		t.Error("demoting one flag should not clear others")
	}
	if calls != 1 {
		t.Errorf("demote should not trigger a re-probe, got %d calls", calls)
	}
}

// TestCacheSaveLoadRoundTrip tests that persisted capabilities survive a
// save/load cycle through a fresh cache instance.
func TestCacheSaveLoadRoundTrip(t *testing.T) {
	directory := t.TempDir()

	cache := New(func(pair VolumePair) Capability {
		return Capability{ReflinkSameVolume: true, FastCopySupported: true}
	})
	pair := VolumePair{Source: "vol-a", Destination: "vol-b"}
	cache.Get(pair)

	if err := cache.Save(directory, nil); err != nil {
		t.Fatal(err)
	}

	restored := New(func(pair VolumePair) Capability {
		t.Fatal("restored cache should not need to re-probe")
		return Capability{}
	})
	restored.Load(directory)

	result := restored.Get(pair)
	if !result.ReflinkSameVolume || !result.FastCopySupported {
		t.Error("capability did not survive save/load round trip")
	}
}
