package utils

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/twpayne/go-vfs/v4"
)

// OSRelease holds the os-release keys the installer cares about.
type OSRelease struct {
	Name      string
	Version   string
	VersionID string
	ID        string
	IDLike    string
}

// ReadOSRelease parses etc/os-release, falling back to usr/lib/os-release, under root.
// A missing or unreadable file yields the defaults (Name "Linux").
func ReadOSRelease(root string) OSRelease {
	return ReadOSReleaseFS(vfs.OSFS, root)
}

// ReadOSReleaseFS is ReadOSRelease reading through fs.
func ReadOSReleaseFS(fs vfs.FS, root string) OSRelease {
	info := OSRelease{Name: "Linux"}
	for _, p := range []string{"etc/os-release", "usr/lib/os-release"} {
		path := filepath.Join(root, p)
		data, err := fs.ReadFile(path)
		if err != nil {
			continue
		}
		env, err := godotenv.Unmarshal(string(data))
		if err != nil {
			Log.Warn().Err(err).Str("file", path).Msg("Failed to parse os-release")
			return info
		}
		if v := env["NAME"]; v != "" {
			info.Name = v
		}
		info.Version = env["VERSION"]
		info.VersionID = env["VERSION_ID"]
		info.ID = env["ID"]
		info.IDLike = env["ID_LIKE"]
		return info
	}
	return info
}

// Exists returns true if the path exists, without following a final symlink.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// UniqueSlice removes duplicated entries keeping the first occurrence order.
func UniqueSlice(slice []string) []string {
	keys := make(map[string]bool)
	var list []string
	for _, entry := range slice {
		if _, value := keys[entry]; !value {
			keys[entry] = true
			list = append(list, entry)
		}
	}
	return list
}

// AppendSlash makes sure the path ends with a slash, rsync copies contents that way.
func AppendSlash(path string) string {
	if !strings.HasSuffix(path, "/") {
		return path + "/"
	}
	return path
}

// NonEmptyLines splits out into trimmed, non empty lines.
func NonEmptyLines(out string) []string {
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
