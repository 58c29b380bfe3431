// Package missionfile derives MCM mission filenames from a 7-bit mode word
// and computes the CRC-16 used to verify an uploaded mission file.
package missionfile

const (
	prefix   = "KT-956-0185-00"
	suffix   = ".iff"
	fileDir  = "missions"
	maxModes = 128 // modes 0..127 inclusive
)

// Name derives the deterministic mission filename for a 7-bit mode word,
// without directory or extension (Path adds both). Bits above the low 7
// are ignored: the field extraction masks only look at bits 0..6.
func Name(mode uint32) string {
	e1 := (mode & 0x02) >> 1
	e2 := (mode & 0x0C) >> 2
	e3 := ((mode & 0x10) >> 3) | (mode & 0x01)
	e4 := (mode & 0x20) >> 5
	e5 := (mode & 0x40) >> 6

	return prefix + ecm1(e1) + ecm2(e2) + ecm3(e3) + ecm4(e4) + ecm5(e5)
}

// Path returns the on-disk path for the mission file selected by mode.
func Path(mode uint32) string {
	return fileDir + "/" + Name(mode) + suffix
}

func ecm1(v uint32) string {
	if v == 1 {
		return "_AB"
	}
	return "_AA"
}

func ecm2(v uint32) string {
	switch v {
	case 0:
		return "_AAA"
	case 1:
		return "_AAB"
	case 2:
		return "_AAC"
	case 3:
		return "_ABC"
	default:
		return "_???"
	}
}

func ecm3(v uint32) string {
	switch v {
	case 0:
		return "_AA"
	case 1:
		return "_AC"
	case 2:
		return "_AB"
	case 3:
		return "_BC"
	default:
		return "_??"
	}
}

func ecm4(v uint32) string {
	if v == 1 {
		return "_AB"
	}
	return "_AA"
}

func ecm5(v uint32) string {
	if v == 1 {
		return "_AB"
	}
	return "_AA"
}

// AllPaths returns the on-disk path for every mode in 0..127, in order.
// Used at startup to warn about missing mission files.
func AllPaths() []string {
	paths := make([]string, 0, maxModes)
	for m := uint32(0); m < maxModes; m++ {
		paths = append(paths, Path(m))
	}
	return paths
}

