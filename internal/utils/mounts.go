package utils

import (
	"github.com/moby/sys/mountinfo"
)

// IsMounted reports whether path is a mount point. Errors are treated as not mounted.
func IsMounted(path string) bool {
	mounted, err := mountinfo.Mounted(path)
	if err != nil {
		Log.Debug().Err(err).Str("where", path).Msg("checking mount status")
		return false
	}
	return mounted
}

// MountSource returns the source device of the mount at exactly path, or "" when path is not a mount point.
func MountSource(path string) string {
	infos, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(path))
	if err != nil || len(infos) == 0 {
		return ""
	}
	return infos[len(infos)-1].Source
}
