package transfer

import (
	"runtime"

	"github.com/blit-sync/blit/pkg/filesystem"
	"github.com/blit-sync/blit/pkg/xfer/capability"
)

// defaultProbe returns the capability.ProbeFunc used by every transfer run.
// It's optimistic rather than exhaustive: rather than creating scratch files
// on both volumes to exercise an actual reflink/xattr call before the first
// real copy (adding a syscall round trip to every new volume pair a large
// tree might touch), it assumes a capability is available when the
// platform supports it in principle and lets copyengine.CopyFile's existing
// demote-on-failure path correct a wrong guess after exactly one failed
// attempt. The cache persists the corrected value from then on.
func defaultProbe() capability.ProbeFunc {
	return func(pair capability.VolumePair) capability.Capability {
		sourceDevice, sourceErr := filesystem.DeviceID(pair.Source)
		destinationDevice, destinationErr := filesystem.DeviceID(pair.Destination)
		sameVolume := sourceErr == nil && destinationErr == nil && sourceDevice == destinationDevice

		switch runtime.GOOS {
		case "windows":
			return capability.Capability{
				ReflinkSameVolume: false,
				SparseSupported:   true,
				XattrSupported:    true,
				FastCopySupported: true,
			}
		default:
			return capability.Capability{
				ReflinkSameVolume: sameVolume,
				SparseSupported:   false,
				XattrSupported:    true,
				FastCopySupported: true,
			}
		}
	}
}
