package chunkstore

import (
	"strconv"
	"strings"
)

const (
	slotMarker     = ".part"
	tempSuffix     = ".tmp"
	assemblySuffix = ".assembling"
)

// SlotName returns the on-disk name of the staged slot holding chunk index of fileName.
func SlotName(fileName string, index int) string {
	return fileName + slotMarker + strconv.Itoa(index)
}

// ParseSlotName is the inverse of SlotName. Names whose suffix after the last
// ".part" is not a plain decimal number are not slots.
func ParseSlotName(name string) (fileName string, index int, ok bool) {
	if strings.HasPrefix(name, ".") {
		return "", 0, false
	}
	i := strings.LastIndex(name, slotMarker)
	if i <= 0 {
		return "", 0, false
	}
	digits := name[i+len(slotMarker):]
	if !isDigits(digits) {
		return "", 0, false
	}
	index, err := strconv.Atoi(digits)
	if err != nil {
		return "", 0, false
	}
	return name[:i], index, true
}

// HasSlotSuffix reports whether name would be mistaken for a staged slot of another file.
func HasSlotSuffix(name string) bool {
	_, _, ok := ParseSlotName(name)
	return ok
}

// IsTempName reports whether name is an in-flight staging or assembly file.
func IsTempName(name string) bool {
	return strings.HasPrefix(name, ".") &&
		(strings.HasSuffix(name, tempSuffix) || strings.HasSuffix(name, assemblySuffix))
}

// AssemblyTempName returns the hidden name the assembler writes into before the final rename.
func AssemblyTempName(fileName, id string) string {
	return "." + fileName + "." + id + assemblySuffix
}

func stagingTempName(fileName string, index int, id string) string {
	return "." + SlotName(fileName, index) + "." + id + tempSuffix
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// escapeGlob quotes the doublestar meta characters of a literal file name.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '{', '}', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
