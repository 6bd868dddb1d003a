package producer

import "fmt"

// Baseline producer sets for the pipeline's own stages. Distro components
// append their producers after these; appended producers overwrite
// baseline results because plans apply in list order.

// BuildBaselineProducers returns the producers every build-stage payload
// starts from: the stage marker and a minimal os-release.
func BuildBaselineProducers(distroID, osName, osID string) []Producer {
	osRelease := fmt.Sprintf("NAME=%q\nID=%s\nPRETTY_NAME=%q\n",
		osName, osID, osName+" (Stage 00Build)")
	stageManifest := fmt.Sprintf(`{
  "schema": 1,
  "stage": "00Build",
  "stage_slug": "s00_build",
  "distro_id": %q,
  "os_name": %q,
  "os_id": %q,
  "payload_role": "rootfs-source"
}
`, distroID, osName, osID)
	return []Producer{
		WriteText{Path: "usr/lib/stage-manifest.json", Content: stageManifest},
		WriteText{Path: "etc/os-release", Content: osRelease},
	}
}

// BootBaselineProducers returns the producers assembling a boot-stage
// payload from the parent stage's rootfs. The systemd flavour cherry-picks
// the units, libraries, and binaries a systemd early userspace needs; the
// busybox flavour takes whole trees.
func BootBaselineProducers(overlayKind string) []Producer {
	if overlayKind == "systemd" {
		producers := []Producer{
			WriteText{Path: ".live-payload-role", Content: "rootfs\n"},
			CopySymlink{Source: "bin", Destination: "bin"},
			CopySymlink{Source: "sbin", Destination: "sbin"},
			CopySymlink{Source: "lib", Destination: "lib"},
			CopySymlink{Source: "lib64", Destination: "lib64"},
			CopyTree{Source: "usr/lib/systemd", Destination: "usr/lib/systemd"},
			CopyTree{Source: "usr/lib/tmpfiles.d", Destination: "usr/lib/tmpfiles.d"},
			CopyTree{Source: "usr/lib/udev", Destination: "usr/lib/udev"},
			CopyTree{Source: "usr/lib/kbd", Destination: "usr/lib/kbd"},
			CopyFile{Source: "usr/lib/locale/C.utf8/LC_CTYPE", Destination: "usr/lib/locale/C.utf8/LC_CTYPE"},
			CopyTree{Source: "usr/lib64", Destination: "usr/lib64"},
			CopyTree{Source: "usr/bin", Destination: "usr/bin"},
			CopyTree{Source: "usr/sbin", Destination: "usr/sbin"},
			CopyTree{Source: "usr/libexec", Destination: "usr/libexec"},
			CopyTree{Source: "usr/share/dbus-1", Destination: "usr/share/dbus-1"},
			CopyTree{Source: "etc", Destination: "etc"},
			CopyTree{Source: "var", Destination: "var"},
		}
		for _, binary := range []string{
			"usr/lib/systemd/systemd",
			"usr/sbin/agetty",
			"usr/bin/login",
			"usr/bin/bash",
			"usr/bin/sh",
			"usr/bin/mount",
			"usr/bin/umount",
			"usr/bin/systemd-tmpfiles",
			"usr/bin/udevadm",
			"usr/sbin/modprobe",
		} {
			producers = append(producers, CopyFile{Source: binary, Destination: binary})
		}
		return producers
	}

	return []Producer{
		WriteText{Path: ".live-payload-role", Content: "rootfs\n"},
		CopyTree{Source: "bin", Destination: "bin"},
		CopyTree{Source: "sbin", Destination: "sbin"},
		CopyTree{Source: "lib", Destination: "lib"},
		CopyTree{Source: "etc", Destination: "etc"},
		CopyTree{Source: "usr/bin", Destination: "usr/bin"},
		CopyTree{Source: "usr/sbin", Destination: "usr/sbin"},
		CopyTree{Source: "usr/lib", Destination: "usr/lib"},
		CopyTree{Source: "usr/libexec", Destination: "usr/libexec"},
		CopyTree{Source: "var/empty", Destination: "var/empty"},
		CopyTree{Source: "var/lib", Destination: "var/lib"},
	}
}
