package platform

// Host tools invoked by the platform implementations.
const (
	lsblkCommand    = "lsblk"
	umountCommand   = "umount"
	diskutilCommand = "diskutil"
)

// lsblk output columns for enumeration and per-device metadata. PATH needs
// util-linux 2.33+; older releases are retried without it.
const (
	lsblkListColumns = "NAME,PATH,TYPE"
	lsblkColumns     = "NAME,PATH,SIZE,TYPE,RM,HOTPLUG,TRAN,MODEL,LABEL,MOUNTPOINT,FSTYPE"
)

// systemMountPoints mark the device backing the running system.
var systemMountPoints = map[string]bool{
	"/":         true,
	"/boot":     true,
	"/boot/efi": true,
	"/usr":      true,
	"[SWAP]":    true,
}
