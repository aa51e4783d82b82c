package sync

import (
	"time"

	"github.com/fiskalni/fiskalni/internal/rowmap"
)

// IsRemoteNewer reports whether a remote version should replace the local
// one. A zero local time means there is no local record, and any remote
// version is accepted. Equal timestamps keep the local record.
func IsRemoteNewer(remoteUpdatedAt, localUpdatedAt time.Time) bool {
	if localUpdatedAt.IsZero() {
		return true
	}
	return remoteUpdatedAt.After(localUpdatedAt)
}

// IsRemoteNewerRaw is IsRemoteNewer for an unparsed remote timestamp. A
// timestamp that does not parse counts as now.
func IsRemoteNewerRaw(remoteUpdatedAt string, localUpdatedAt, now time.Time) bool {
	return IsRemoteNewer(rowmap.ParseTime(remoteUpdatedAt, now), localUpdatedAt)
}
