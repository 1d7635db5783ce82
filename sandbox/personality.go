// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import "fmt"

// architectureBits maps Debian architecture names to the word size of
// their userspace. x32 is the exception: its userspace is 32-bit but
// it expects a 64-bit kernel, so it takes the 64-bit personality.
var architectureBits = map[string]int{
	"amd64":   64,
	"arm64":   64,
	"ppc64":   64,
	"ppc64el": 64,
	"riscv64": 64,
	"s390x":   64,
	"sparc64": 64,
	"x32":     64,
	"armel":   32,
	"armhf":   32,
	"hppa":    32,
	"i386":    32,
	"m68k":    32,
	"mips":    32,
	"mipsel":  32,
	"powerpc": 32,
	"s390":    32,
	"sparc":   32,
}

// legacyUnameSeries is the set of series whose toolchains misbehave
// unless uname reports a 2.6 kernel.
var legacyUnameSeries = map[string]bool{
	"hardy":    true,
	"lucid":    true,
	"maverick": true,
	"natty":    true,
	"oneiric":  true,
	"precise":  true,
}

// setPersonality wraps a command with linux32 or linux64 so that the
// kernel's reported architecture matches the build target. Commands
// for architectures not in the table are returned unmodified along
// with an error; the caller decides whether that is fatal.
func setPersonality(args []string, architecture, series string) ([]string, error) {
	bits, known := architectureBits[architecture]
	if !known {
		return args, fmt.Errorf("unknown architecture %q", architecture)
	}

	wrapper := []string{"linux64"}
	if bits == 32 {
		wrapper = []string{"linux32"}
	}
	if legacyUnameSeries[series] {
		wrapper = append(wrapper, "--uname-2.6")
	}
	return append(wrapper, args...), nil
}
